package expressions

import "context"

// Engine evaluates expressions against run data.
// Three implementations: Expr (convergence predicates), CEL (guard
// conditions), GoJQ (connection transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
