package tile

import (
	"context"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
)

// TransformFunc computes a column for one tile. Returning a nil array without
// an error is a programming error.
type TransformFunc func(ctx context.Context, n *Node) (arrow.Array, error)

// Registry maps column names to the transformations that produce them. It is
// shared by every node of a tree and is append-only.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]TransformFunc
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]TransformFunc)}
}

// Register adds a transformation. It returns false, leaving the existing
// entry in place, if the name is already taken.
func (r *Registry) Register(name string, fn TransformFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.funcs[name]; ok || fn == nil {
		return false
	}
	r.funcs[name] = fn
	r.order = append(r.order, name)
	return true
}

// Lookup returns the transformation registered under name.
func (r *Registry) Lookup(name string) (TransformFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Names returns registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
