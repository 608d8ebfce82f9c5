package actions

import (
	"context"

	"github.com/loomworks/loom/internal/expressions"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/pkg/schema"
)

// ExprActions returns the expression evaluation actions.
func ExprActions() []registry.Action {
	return []registry.Action{
		&exprEvalAction{engine: expressions.NewExprEngine()},
	}
}

// --- expr.eval ---

type exprEvalAction struct {
	engine *expressions.ExprEngine
}

func (a *exprEvalAction) Name() string { return "expr.eval" }

func (a *exprEvalAction) Schema() registry.ActionSchema {
	return registry.ActionSchema{
		Description: "Evaluate an expression against the current scope or explicit data",
	}
}

func (a *exprEvalAction) Validate(args map[string]any) error {
	e, ok := args["expression"].(string)
	if !ok || e == "" {
		return schema.NewError(schema.ErrCodeValidation, "expr.eval requires non-empty 'expression' string parameter")
	}
	return nil
}

func (a *exprEvalAction) Execute(ctx context.Context, input registry.ActionInput) (*registry.ActionOutput, error) {
	expression, _ := input.Args["expression"].(string)

	scope := make(map[string]any)
	if data, ok := input.Args["data"]; ok {
		scope["data"] = data
	}
	for k, v := range input.Scope {
		scope[k] = v
	}

	result, err := a.engine.Evaluate(ctx, expression, scope)
	if err != nil {
		return nil, err
	}

	return marshalOutput(map[string]any{"result": result})
}
