package actions

import (
	"context"
	"encoding/json"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/pkg/schema"
)

// TransformActions returns the data-shaping actions.
func TransformActions() []registry.Action {
	engine := expressions.NewGoJQEngine()
	return []registry.Action{
		&transformJQAction{engine: engine},
		&transformJQAllAction{engine: engine},
	}
}

const transformJQInputSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string"},
    "data": {}
  },
  "required": ["query"]
}`

// --- transform.jq ---

type transformJQAction struct {
	engine *expressions.GoJQEngine
}

func (a *transformJQAction) Name() string { return "transform.jq" }

func (a *transformJQAction) Schema() registry.ActionSchema {
	return registry.ActionSchema{
		Description: "Apply a jq query to the given data (or the full scope) and return the first result",
		InputSchema: json.RawMessage(transformJQInputSchema),
	}
}

func (a *transformJQAction) Validate(args map[string]any) error {
	if q, ok := args["query"].(string); !ok || q == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform.jq requires non-empty 'query' string parameter")
	}
	return nil
}

func (a *transformJQAction) Execute(ctx context.Context, input registry.ActionInput) (*registry.ActionOutput, error) {
	query, _ := input.Args["query"].(string)

	data := transformData(input)
	result, err := a.engine.EvaluateNormalized(ctx, query, data)
	if err != nil {
		return nil, err
	}
	return marshalOutput(map[string]any{"result": result})
}

// --- transform.jq_all ---

type transformJQAllAction struct {
	engine *expressions.GoJQEngine
}

func (a *transformJQAllAction) Name() string { return "transform.jq_all" }

func (a *transformJQAllAction) Schema() registry.ActionSchema {
	return registry.ActionSchema{
		Description: "Apply a jq query and return every emitted result as a list",
		InputSchema: json.RawMessage(transformJQInputSchema),
	}
}

func (a *transformJQAllAction) Validate(args map[string]any) error {
	if q, ok := args["query"].(string); !ok || q == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform.jq_all requires non-empty 'query' string parameter")
	}
	return nil
}

func (a *transformJQAllAction) Execute(ctx context.Context, input registry.ActionInput) (*registry.ActionOutput, error) {
	query, _ := input.Args["query"].(string)

	results, err := a.engine.EvaluateAll(ctx, query, transformData(input))
	if err != nil {
		return nil, err
	}
	return marshalOutput(map[string]any{"results": results})
}

// transformData picks the query input: the explicit 'data' argument when
// given, the run scope otherwise.
func transformData(input registry.ActionInput) map[string]any {
	if data, ok := input.Args["data"]; ok {
		if m, ok := data.(map[string]any); ok {
			return m
		}
		return map[string]any{"data": data}
	}
	if input.Scope != nil {
		return input.Scope
	}
	return map[string]any{}
}
