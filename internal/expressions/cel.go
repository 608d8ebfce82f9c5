package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/loomworks/loom/pkg/schema"
)

// CELEngine evaluates branch conditions and loop over/break expressions
// using Google's Common Expression Language. Thread-safe: compiled programs
// are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine with a sandboxed environment exposing
// the run namespaces as top-level variables:
//   - inputs:   map(string, dyn) — resolved workflow inputs
//   - steps:    map(string, dyn) — step outputs keyed by step name
//   - env:      map(string, dyn) — environment captured at run start
//   - workflow: map(string, dyn) — run metadata (run_id, name, version)
//   - loop:     map(string, dyn) — item/index inside loop bodies
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("inputs", mapType),
		cel.Variable("steps", mapType),
		cel.Variable("env", mapType),
		cel.Variable("workflow", mapType),
		cel.Variable("loop", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates
// it against the provided data. Keys should match the environment variables:
// inputs, steps, env, workflow, loop.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(buildActivation(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out.Value(), nil
}

// EvaluateBool evaluates an expression that must produce a boolean.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"expression %q must evaluate to a boolean, got %T", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// buildActivation fills missing namespace keys with empty maps so CEL
// evaluation never hits nil references.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(Namespaces))
	for _, key := range Namespaces {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		} else {
			activation[key] = map[string]any{}
		}
	}
	return activation
}

// ScopeData converts an InterpolationScope into the namespace map the
// expression engines evaluate against.
func ScopeData(scope *InterpolationScope) map[string]any {
	if scope == nil {
		return map[string]any{}
	}
	data := map[string]any{
		"inputs":   scope.Inputs,
		"steps":    scope.Steps,
		"env":      scope.Env,
		"workflow": scope.Workflow,
	}
	if scope.Loop != nil {
		data["loop"] = map[string]any{
			"item":  scope.Loop.Item,
			"index": scope.Loop.Index,
		}
	}
	return data
}

var _ Engine = (*CELEngine)(nil)
