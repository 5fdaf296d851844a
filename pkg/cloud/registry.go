package cloud

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory builds a Controller.
type Factory func(ctx context.Context) (Controller, error)

// Registry maps provider names to controller factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	r.factories[name] = factory
	r.mu.Unlock()
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the controller registered under name.
func (r *Registry) New(ctx context.Context, name string) (Controller, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown cloud provider %q, must be one of: %s", name, strings.Join(r.Names(), ","))
	}

	controller, err := factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to set up cloud provider %s: %w", name, err)
	}
	return controller, nil
}
