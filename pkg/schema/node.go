package schema

// ParamSpec declares one input parameter of a node: its type tag, whether it
// must be supplied, and an optional default used when no connection or
// external parameter provides a value.
//
// Type is a JSON type tag: "string", "number", "integer", "boolean",
// "object", "array", or "any".
type ParamSpec struct {
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// HasDefault reports whether the parameter declares a default value.
func (p ParamSpec) HasDefault() bool {
	return p.Default != nil
}
