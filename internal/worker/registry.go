package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// EntryPoint is a service's main function inside a worker. It should return
// when ctx is canceled; returning an error faults the worker.
type EntryPoint func(ctx context.Context, rt *Runtime) error

// Registry maps entry point names to entry points. The binary builds one in
// main and hands it to both master and worker modes.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]EntryPoint
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]EntryPoint)}
}

// Register adds an entry point.
func (r *Registry) Register(name string, ep EntryPoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("entry point %q already registered", name)
	}
	r.entries[name] = ep
	return nil
}

// MustRegister is Register that panics on a duplicate name.
func (r *Registry) MustRegister(name string, ep EntryPoint) {
	if err := r.Register(name, ep); err != nil {
		panic(err)
	}
}

// Lookup returns the entry point registered under name.
func (r *Registry) Lookup(name string) (EntryPoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.entries[name]
	return ep, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
