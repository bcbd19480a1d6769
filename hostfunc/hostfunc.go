package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

var ErrUnknownFunction = errors.New("unknown host function")

// Func is a host function callable from guest code. args is the decoded JSON
// object sent by the guest; the result is encoded back as JSON.
type Func func(ctx context.Context, args map[string]any) (any, error)

// Registry is the set of host functions visible to a namespace.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds fn under name, replacing any earlier registration.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Call looks name up and runs it.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	fn, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	return fn(ctx, args)
}

// List returns the registered names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name := range r.funcs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Clone copies every registration into a new Registry. Each namespace starts
// from a clone of the shared registry, so per-scope functions stay local.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Registry{funcs: maps.Clone(r.funcs)}
}
