package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dario.cat/mergo"

	"github.com/adhens/cyclone/internal/expressions"
	"github.com/adhens/cyclone/pkg/schema"
)

// RegisterBuiltins populates a registry with the builtin node types:
// constant, counter, eval, transform, merge, sleep, fail.
func RegisterBuiltins(r *Registry, exprEngine *expressions.ExprEngine, jqEngine *expressions.GoJQEngine) error {
	builtins := map[string]Factory{
		"constant":  newConstantNode,
		"counter":   newCounterNode,
		"merge":     newMergeNode,
		"sleep":     newSleepNode,
		"fail":      newFailNode,
		"eval":      evalFactory(exprEngine),
		"transform": transformFactory(jqEngine),
	}
	for tag, factory := range builtins {
		if err := r.Register(tag, factory); err != nil {
			return err
		}
	}
	return nil
}

// --- constant ---

// constantNode emits its configuration verbatim as its output.
type constantNode struct {
	outputs map[string]any
}

func newConstantNode(config json.RawMessage) (Node, error) {
	outputs := map[string]any{}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &outputs); err != nil {
			return nil, fmt.Errorf("constant config must be an object: %w", err)
		}
	}
	return &constantNode{outputs: outputs}, nil
}

func (n *constantNode) Parameters() map[string]schema.ParamSpec {
	return nil
}

func (n *constantNode) Run(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(n.outputs))
	for k, v := range n.outputs {
		out[k] = v
	}
	return out, nil
}

// --- counter ---

// counterNode adds step to its count input. The canonical single-node cycle:
// seed count externally, carry count back into itself, converge on a bound.
type counterNode struct{}

func newCounterNode(config json.RawMessage) (Node, error) {
	return &counterNode{}, nil
}

func (n *counterNode) Parameters() map[string]schema.ParamSpec {
	return map[string]schema.ParamSpec{
		"count": {Type: "number", Required: true},
		"step":  {Type: "number", Default: 1.0},
	}
}

func (n *counterNode) Run(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	count, ok := toFloat(inputs["count"])
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "count is not numeric: %v", inputs["count"])
	}
	step, ok := toFloat(inputs["step"])
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "step is not numeric: %v", inputs["step"])
	}
	return map[string]any{"count": count + step}, nil
}

// --- eval ---

// evalNode evaluates an expr expression against its declared inputs.
type evalNode struct {
	engine     *expressions.ExprEngine
	expression string
	inputs     map[string]schema.ParamSpec
}

type evalConfig struct {
	Expression string                      `json:"expression"`
	Inputs     map[string]schema.ParamSpec `json:"inputs,omitempty"`
}

func evalFactory(engine *expressions.ExprEngine) Factory {
	return func(config json.RawMessage) (Node, error) {
		var cfg evalConfig
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("invalid eval config: %w", err)
		}
		if cfg.Expression == "" {
			return nil, fmt.Errorf("eval config requires an expression")
		}
		return &evalNode{engine: engine, expression: cfg.Expression, inputs: cfg.Inputs}, nil
	}
}

func (n *evalNode) Parameters() map[string]schema.ParamSpec {
	return n.inputs
}

func (n *evalNode) Run(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	out, err := n.engine.Evaluate(ctx, n.expression, inputs)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": out}, nil
}

// --- transform ---

// transformNode applies a jq expression to its input.
type transformNode struct {
	engine     *expressions.GoJQEngine
	expression string
}

func transformFactory(engine *expressions.GoJQEngine) Factory {
	return func(config json.RawMessage) (Node, error) {
		var cfg struct {
			Expression string `json:"expression"`
		}
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("invalid transform config: %w", err)
		}
		if cfg.Expression == "" {
			return nil, fmt.Errorf("transform config requires an expression")
		}
		return &transformNode{engine: engine, expression: cfg.Expression}, nil
	}
}

func (n *transformNode) Parameters() map[string]schema.ParamSpec {
	return map[string]schema.ParamSpec{
		"input": {Type: "any", Required: true},
	}
}

func (n *transformNode) Run(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	out, err := n.engine.Transform(ctx, n.expression, inputs["input"])
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": out}, nil
}

// --- merge ---

// mergeNode deep-merges two objects, right overriding left.
type mergeNode struct{}

func newMergeNode(config json.RawMessage) (Node, error) {
	return &mergeNode{}, nil
}

func (n *mergeNode) Parameters() map[string]schema.ParamSpec {
	return map[string]schema.ParamSpec{
		"left":  {Type: "object", Required: true},
		"right": {Type: "object", Required: true},
	}
}

func (n *mergeNode) Run(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	left, _ := inputs["left"].(map[string]any)
	right, _ := inputs["right"].(map[string]any)

	merged := map[string]any{}
	if err := mergo.Merge(&merged, left); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "merge left: %s", err.Error()).WithCause(err)
	}
	if err := mergo.Merge(&merged, right, mergo.WithOverride); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "merge right: %s", err.Error()).WithCause(err)
	}
	return map[string]any{"result": merged}, nil
}

// --- sleep ---

// sleepNode blocks for a duration, honoring cancellation.
type sleepNode struct{}

func newSleepNode(config json.RawMessage) (Node, error) {
	return &sleepNode{}, nil
}

func (n *sleepNode) Parameters() map[string]schema.ParamSpec {
	return map[string]schema.ParamSpec{
		"duration": {Type: "string", Default: "10ms"},
	}
}

func (n *sleepNode) Run(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	raw, _ := inputs["duration"].(string)
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "invalid duration %q: %s", raw, err.Error())
	}

	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
		return map[string]any{"slept": raw}, nil
	case <-ctx.Done():
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "sleep interrupted: %s", ctx.Err().Error()).
			WithCause(ctx.Err())
	}
}

// --- fail ---

// failNode always errors; used to exercise failure paths.
type failNode struct {
	message string
}

func newFailNode(config json.RawMessage) (Node, error) {
	cfg := struct {
		Message string `json:"message"`
	}{Message: "failure requested"}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return nil, fmt.Errorf("invalid fail config: %w", err)
		}
	}
	return &failNode{message: cfg.Message}, nil
}

func (n *failNode) Parameters() map[string]schema.ParamSpec {
	return nil
}

func (n *failNode) Run(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return nil, schema.NewError(schema.ErrCodeNodeExecution, n.message)
}

// toFloat coerces the numeric types JSON decoding and node outputs produce.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
