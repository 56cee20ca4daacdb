package node

import (
	"sort"
	"sync"

	"github.com/adhens/cyclone/pkg/schema"
)

// Registry is a thread-safe mapping from node type tags to factories.
// It is populated explicitly at startup; there is no auto-registration.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under a type tag. Returns error on duplicate tag.
func (r *Registry) Register(typeTag string, factory Factory) error {
	if typeTag == "" {
		return schema.NewError(schema.ErrCodeValidation, "node type tag is empty")
	}
	if factory == nil {
		return schema.NewError(schema.ErrCodeValidation, "node factory is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typeTag]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "node type %q already registered", typeTag)
	}

	r.factories[typeTag] = factory
	return nil
}

// Create instantiates a Node from its definition.
func (r *Registry) Create(def schema.NodeDefinition) (Node, error) {
	r.mu.RLock()
	factory, ok := r.factories[def.Type]
	r.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "node type %q not registered", def.Type).
			WithNode(def.ID)
	}

	n, err := factory(def.Config)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"create node of type %q: %s", def.Type, err.Error()).
			WithNode(def.ID).WithCause(err)
	}
	return n, nil
}

// Has reports whether a type tag is registered.
func (r *Registry) Has(typeTag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typeTag]
	return ok
}

// Types returns all registered type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
