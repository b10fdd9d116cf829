package node

import (
	"encoding/json"
	"sync"

	"github.com/gyreflow/gyre/pkg/schema"
)

// Factory builds a Node instance from capability-specific parameters.
type Factory func(params json.RawMessage) (Node, error)

// Registry maps capability names to node factories. Workflow definitions
// reference capabilities by name; the graph builder resolves them here.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a capability factory. Re-registering a name replaces the
// previous factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Build resolves a capability name and constructs a Node from params.
func (r *Registry) Build(name string, params json.RawMessage) (Node, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "capability %q not registered", name)
	}
	return f(params)
}

// Names returns the registered capability names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
