package expressions

import "context"

// Engine evaluates expressions within workflow steps. Three implementations:
// Expr (when guards, assertions), CEL (branch/loop conditions), GoJQ
// (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
