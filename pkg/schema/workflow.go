package schema

import "encoding/json"

// WorkflowDefinition is the JSON-serializable workflow format: a set of typed
// nodes wired by connections, plus cycle configurations for the strongly
// connected portions of the graph.
type WorkflowDefinition struct {
	Name        string           `json:"name,omitempty"`
	Nodes       []NodeDefinition `json:"nodes"`
	Connections []Connection     `json:"connections,omitempty"`
	Cycles      []CycleConfig    `json:"cycles,omitempty"`
	Timeout     string           `json:"timeout,omitempty"` // run-level timeout (e.g. "30s", "5m")
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// NodeDefinition describes a single node in a workflow.
// The type tag selects a factory from the node registry; config is passed
// to the factory verbatim.
type NodeDefinition struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Config    json.RawMessage `json:"config,omitempty"`
	Condition string          `json:"condition,omitempty"` // CEL guard, evaluated before invocation
}

// Connection wires one node's output field into another node's input.
// FromPath is a dot-path into the source output (e.g. "result.items.0");
// Transform is an optional jq expression applied to the extracted value.
type Connection struct {
	From      string `json:"from"`
	FromPath  string `json:"from_path"`
	To        string `json:"to"`
	ToInput   string `json:"to_input"`
	Transform string `json:"transform,omitempty"`
	Condition string `json:"condition,omitempty"` // CEL guard; false means the connection supplies nothing
}

// CycleConfig declares the iteration behavior of one cycle group.
// Members must cover exactly one strongly connected component of the graph.
// Carries describe which output of which node feeds which input on the NEXT
// iteration; the condition is an expr predicate over the flattened outputs of
// the current iteration.
type CycleConfig struct {
	ID            string      `json:"id"`
	Members       []string    `json:"members"`
	Carries       []CycleEdge `json:"carries"`
	Condition     string      `json:"condition"`
	MaxIterations int         `json:"max_iterations"`
	Timeout       string      `json:"timeout,omitempty"`
}

// CycleEdge is a cross-iteration propagation rule inside a cycle group.
type CycleEdge struct {
	From     string `json:"from"`
	FromPath string `json:"from_path"`
	To       string `json:"to"`
	ToInput  string `json:"to_input"`
}

// Node returns the definition of the node with the given ID, or nil.
func (d *WorkflowDefinition) Node(id string) *NodeDefinition {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// ConnectionsTo returns all connections targeting the given node.
func (d *WorkflowDefinition) ConnectionsTo(nodeID string) []Connection {
	var out []Connection
	for _, c := range d.Connections {
		if c.To == nodeID {
			out = append(out, c)
		}
	}
	return out
}
