package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/adhens/cyclone/pkg/schema"
)

// Invoker validates a node's resolved inputs against its declared parameter
// schema and runs its computation. Validation uses JSON Schema synthesized
// from the ParamSpec map; compiled schemas are cached per spec shape.
type Invoker struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewInvoker creates an Invoker with an empty schema cache.
func NewInvoker() *Invoker {
	return &Invoker{
		cache: make(map[string]*jsonschema.Schema),
	}
}

// Invoke validates inputs against the node's declared parameters and runs it.
// A panic inside Run is captured as a NODE_EXECUTION error rather than
// tearing down the executor.
func (inv *Invoker) Invoke(ctx context.Context, nodeID string, n Node, inputs map[string]any) (outputs map[string]any, err error) {
	if err := inv.validate(nodeID, n.Parameters(), inputs); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			err = schema.NewErrorf(schema.ErrCodeNodeExecution, "node panicked: %v", r).
				WithNode(nodeID)
		}
	}()

	outputs, runErr := n.Run(ctx, inputs)
	if runErr != nil {
		if engErr, ok := runErr.(*schema.EngineError); ok {
			if engErr.NodeID == "" {
				engErr.NodeID = nodeID
			}
			return nil, engErr
		}
		return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "%s", runErr.Error()).
			WithNode(nodeID).WithCause(runErr)
	}
	return outputs, nil
}

// validate checks the resolved inputs against the declared parameter specs.
func (inv *Invoker) validate(nodeID string, specs map[string]schema.ParamSpec, inputs map[string]any) error {
	if len(specs) == 0 {
		return nil
	}

	compiled, err := inv.getOrCompile(specs)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"compile parameter schema: %s", err.Error()).WithNode(nodeID).WithCause(err)
	}

	doc, err := toJSONValue(inputs)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"serialize inputs: %s", err.Error()).WithNode(nodeID).WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"inputs do not match declared parameters: %s", err.Error()).
			WithNode(nodeID).WithCause(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema for a spec shape or builds one.
func (inv *Invoker) getOrCompile(specs map[string]schema.ParamSpec) (*jsonschema.Schema, error) {
	raw, err := buildSchemaJSON(specs)
	if err != nil {
		return nil, err
	}
	key := string(raw)

	inv.mu.RLock()
	if cached, ok := inv.cache[key]; ok {
		inv.mu.RUnlock()
		return cached, nil
	}
	inv.mu.RUnlock()

	inv.mu.Lock()
	defer inv.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := inv.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each spec shape gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("cyclone://param-schema/%d", len(inv.cache))

	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	inv.cache[key] = compiled
	return compiled, nil
}

// buildSchemaJSON synthesizes a JSON Schema object from the ParamSpec map.
// Fields without a supplied value have already been filled with defaults (or
// dropped if optional) by the resolver, so required here only re-asserts
// presence. The "any" type tag produces an unconstrained property.
func buildSchemaJSON(specs map[string]schema.ParamSpec) ([]byte, error) {
	properties := make(map[string]any, len(specs))
	var required []string

	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := specs[name]
		prop := map[string]any{}
		if spec.Type != "" && spec.Type != "any" {
			prop["type"] = spec.Type
		}
		properties[name] = prop
		if spec.Required && !spec.HasDefault() {
			required = append(required, name)
		}
	}

	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return json.Marshal(doc)
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
