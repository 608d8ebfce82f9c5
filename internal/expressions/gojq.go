package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/loomworks/loom/pkg/schema"
)

// GoJQEngine runs jq programs for the transform actions: filtering,
// reshaping and aggregating step outputs. Compiled programs are cached by
// source text and shared across goroutines.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate runs a jq expression against the data object and collapses the
// output stream: no outputs become nil, a single output is returned as-is,
// and multiple outputs come back as a []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	outputs, err := e.run(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	switch len(outputs) {
	case 0:
		return nil, nil
	case 1:
		return outputs[0], nil
	default:
		return outputs, nil
	}
}

// EvaluateAll runs a jq expression and returns the full output stream,
// even when it has zero or one element.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	return e.run(ctx, expression, data)
}

// EvaluateNormalized widens Go integer types in data to float64 before
// evaluation, matching jq's number model. Scope data decoded from JSON is
// already in that shape; this covers values produced directly by Go code.
func (e *GoJQEngine) EvaluateNormalized(ctx context.Context, expression string, data map[string]any) (any, error) {
	normalized, ok := normalizeForJQ(data).(map[string]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "data must be a JSON object")
	}
	return e.Evaluate(ctx, expression, normalized)
}

// run drives the jq iterator to completion and collects its outputs. A jq
// runtime error anywhere in the stream fails the whole evaluation.
func (e *GoJQEngine) run(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := e.compiled(expression)
	if err != nil {
		return nil, err
	}

	var outputs []any
	iter := code.RunWithContext(ctx, data)
	for {
		v, ok := iter.Next()
		if !ok {
			return outputs, nil
		}
		if jqErr, failed := v.(error); failed {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", expression, jqErr.Error()).
				WithCause(jqErr).
				WithDetails(map[string]any{"expression": expression})
		}
		outputs = append(outputs, v)
	}
}

// compiled returns the cached program for the expression, compiling it on
// first use. Compilation happens outside the lock; a concurrent duplicate
// compile is harmless and the last write wins.
func (e *GoJQEngine) compiled(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	code := e.cache[expression]
	e.mu.RUnlock()
	if code != nil {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err = gojq.Compile(query,
		// Empty environ: workflow data is the only input jq gets to see.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.mu.Lock()
	e.cache[expression] = code
	e.mu.Unlock()
	return code, nil
}

// normalizeForJQ converts Go integer and float32 values to float64, the
// only number shape jq works with, recursing through maps and slices.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeForJQ(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeForJQ(item)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
