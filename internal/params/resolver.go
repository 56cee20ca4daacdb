package params

import (
	"context"

	"dario.cat/mergo"

	"github.com/adhens/cyclone/internal/expressions"
	"github.com/adhens/cyclone/internal/state"
	"github.com/adhens/cyclone/pkg/schema"
)

// GlobalKey is the external-parameter key whose value applies to every node.
// Per-node entries override it field by field.
const GlobalKey = "*"

// Resolver produces the concrete input mapping for one node invocation.
//
// Per-field precedence:
//  1. a connection supplying the field from an already-committed upstream
//     output (dot-path extraction, optional jq transform, optional CEL guard)
//  2. externally supplied initial parameters for this node
//  3. the declared default
//  4. MISSING_PARAMETER if the field is required
type Resolver struct {
	jq  *expressions.GoJQEngine
	cel *expressions.CELEngine
}

// NewResolver creates a Resolver using the given transform and guard engines.
func NewResolver(jq *expressions.GoJQEngine, cel *expressions.CELEngine) *Resolver {
	return &Resolver{jq: jq, cel: cel}
}

// Resolve assembles the inputs for nodeID from its declared specs, the
// connections feeding it, the committed run state, and the node's external
// parameters. guardScope is the namespaced data connection guards evaluate
// against (may be nil when no connection declares a condition).
func (r *Resolver) Resolve(
	ctx context.Context,
	nodeID string,
	specs map[string]schema.ParamSpec,
	conns []schema.Connection,
	st *state.State,
	external map[string]any,
	guardScope map[string]any,
) (map[string]any, error) {
	resolved := make(map[string]any, len(specs))

	for field, spec := range specs {
		val, supplied, err := r.fromConnection(ctx, nodeID, field, conns, st, guardScope)
		if err != nil {
			return nil, err
		}
		if supplied {
			resolved[field] = val
			continue
		}

		if v, ok := external[field]; ok {
			resolved[field] = v
			continue
		}

		if spec.HasDefault() {
			resolved[field] = spec.Default
			continue
		}

		if spec.Required {
			return nil, schema.NewErrorf(schema.ErrCodeMissingParameter,
				"required input %q has no connection, external value, or default", field).
				WithNode(nodeID)
		}
	}

	return resolved, nil
}

// fromConnection tries to supply a field from the first connection targeting
// it whose guard passes. An upstream that has not committed, or a dot-path
// that does not resolve, is a hard resolution failure.
func (r *Resolver) fromConnection(
	ctx context.Context,
	nodeID, field string,
	conns []schema.Connection,
	st *state.State,
	guardScope map[string]any,
) (any, bool, error) {
	for _, c := range conns {
		if c.To != nodeID || c.ToInput != field {
			continue
		}

		if c.Condition != "" {
			ok, err := r.cel.EvaluateGuard(ctx, c.Condition, guardScope)
			if err != nil {
				return nil, false, err
			}
			if !ok {
				continue
			}
		}

		upstream, ok := st.NodeOutput(c.From)
		if !ok {
			return nil, false, schema.NewErrorf(schema.ErrCodeMissingParameter,
				"input %q fed by node %q which has not committed an output", field, c.From).
				WithNode(nodeID)
		}

		val, err := Extract(upstream, c.FromPath)
		if err != nil {
			if engErr, isEng := err.(*schema.EngineError); isEng {
				return nil, false, engErr.WithNode(nodeID)
			}
			return nil, false, err
		}

		if c.Transform != "" {
			val, err = r.jq.Transform(ctx, c.Transform, val)
			if err != nil {
				return nil, false, err
			}
		}

		return val, true, nil
	}
	return nil, false, nil
}

// ExternalForNode layers the caller-supplied initial parameters for one node:
// the GlobalKey entry applies to every node, overridden field by field by the
// node's own entry.
func ExternalForNode(initial map[string]any, nodeID string) (map[string]any, error) {
	merged := map[string]any{}

	if global, ok := initial[GlobalKey].(map[string]any); ok {
		if err := mergo.Merge(&merged, global, mergo.WithOverride); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"merge global parameters: %s", err.Error()).WithCause(err)
		}
	}
	if own, ok := initial[nodeID].(map[string]any); ok {
		if err := mergo.Merge(&merged, own, mergo.WithOverride); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"merge parameters for node %q: %s", nodeID, err.Error()).WithCause(err)
		}
	}

	return merged, nil
}
