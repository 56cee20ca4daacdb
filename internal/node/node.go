// Package node defines the node contract consumed by the executors, the
// typed registry mapping type tags to factories, and the builtin node types.
package node

import (
	"context"
	"encoding/json"

	"github.com/adhens/cyclone/pkg/schema"
)

// Node is a single processing unit in a workflow. Implementations must be
// safe for repeated Run calls (cycle participants run once per iteration)
// and should return plain nested map/slice structures so outputs stay
// dot-path addressable.
//
// A Node must report faults through the returned error, never silently.
// Implementations that support cancellation should honor ctx.
type Node interface {
	// Parameters declares the node's input schema: name -> {type, required, default}.
	Parameters() map[string]schema.ParamSpec

	// Run invokes the node's computation with fully resolved inputs and
	// returns its named outputs.
	Run(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// Factory produces a Node from its definition-level configuration.
type Factory func(config json.RawMessage) (Node, error)
