package expressions

import "context"

// Engine evaluates expressions against a variable context.
// Implementations: CEL and Expr (condition leaves), GoJQ (webhook response extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
