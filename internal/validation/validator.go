package validation

import "github.com/adhens/cyclone/pkg/schema"

// Validator checks workflow definitions for correctness before execution.
// Uses JSON Schema Draft 2020-12 for structural and input validation.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// NodeLookup answers whether a node type tag is registered.
// Satisfied by *node.Registry.
type NodeLookup interface {
	Has(typeTag string) bool
}
