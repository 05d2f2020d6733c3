// Package registry is the in-process actor catalog. The original
// source hashes a file on disk and loads a fresh module per spawn; a
// Go worker-instance binary instead links every actor implementation
// it can host and looks them up by name (the wire's actor_name field
// becomes a map key instead of a file path).
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/hive/pkg/actor"
)

// Constructor builds a fresh actor instance. Each start_actor creates
// its own instance, so constructors must not share mutable state
// across calls.
type Constructor func() actor.Actor

// Registry is a name -> constructor catalog.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds an actor constructor under name. Registering the same
// name twice replaces the previous constructor.
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = ctor
}

// New constructs a fresh actor instance registered under name.
func (r *Registry) New(name string) (actor.Actor, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: unknown actor name %q", name)
	}
	return ctor(), nil
}

// Names returns the registered actor names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
