package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"

	"github.com/adhens/cyclone/pkg/schema"
)

// ExprEngine implements the Engine interface using expr-lang/expr.
// It evaluates convergence predicates and the "eval" builtin node.
// Thread-safe: compiled *vm.Program objects are cached and reused across
// goroutines.
type ExprEngine struct {
	mu     sync.RWMutex
	cache  map[string]*vm.Program
	idents map[string][]string // expression -> referenced identifiers
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache:  make(map[string]*vm.Program),
		idents: make(map[string][]string),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an Expr expression and evaluates
// it against the provided data. The data map is injected as the expression
// environment, making all keys available as top-level variables. Variables
// absent from the data evaluate to nil.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

// EvaluateBool evaluates a convergence predicate with strict field semantics:
// every top-level identifier referenced by the expression must exist in the
// data map, and the result must be a boolean. A reference to an undefined
// field is an EXPRESSION_ERROR, never a false evaluation.
func (e *ExprEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	idents, err := e.referencedIdentifiers(expression)
	if err != nil {
		return false, err
	}
	for _, name := range idents {
		if _, ok := data[name]; !ok {
			return false, schema.NewErrorf(schema.ErrCodeExpression,
				"expression %q references undefined field %q", expression, name).
				WithDetails(map[string]any{"expression": expression, "field": name})
		}
	}

	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}

	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"expression %q evaluated to %T, expected bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new
// one. Programs are compiled against a dynamic environment; undefined-field
// strictness is enforced separately in EvaluateBool.
func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
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

	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// referencedIdentifiers returns the top-level variable names an expression
// reads. Identifiers used in call position (function names) are excluded.
func (e *ExprEngine) referencedIdentifiers(expression string) ([]string, error) {
	e.mu.RLock()
	if idents, ok := e.idents[expression]; ok {
		e.mu.RUnlock()
		return idents, nil
	}
	e.mu.RUnlock()

	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	collector := &identCollector{
		seen:    make(map[string]bool),
		callees: make(map[*ast.IdentifierNode]bool),
	}
	ast.Walk(&tree.Node, collector)

	var idents []string
	for _, node := range collector.order {
		if collector.callees[node] || collector.seen[node.Value] {
			continue
		}
		collector.seen[node.Value] = true
		idents = append(idents, node.Value)
	}

	e.mu.Lock()
	e.idents[expression] = idents
	e.mu.Unlock()
	return idents, nil
}

// identCollector gathers identifier nodes, marking those that appear in
// function call position so builtins like len() are not treated as fields.
type identCollector struct {
	order   []*ast.IdentifierNode
	seen    map[string]bool
	callees map[*ast.IdentifierNode]bool
}

func (c *identCollector) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		c.order = append(c.order, n)
	case *ast.CallNode:
		if callee, ok := n.Callee.(*ast.IdentifierNode); ok {
			c.callees[callee] = true
		}
	}
}

var _ Engine = (*ExprEngine)(nil)
