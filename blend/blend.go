// Package blend implements the value-combination step of propagation: a
// registry of named blend functions keyed by content type, following the
// same mutex-guarded registry shape the rest of the stack uses for its
// plugin and driver registries.
package blend

import (
	"reflect"
	"sync"

	"github.com/teranos/propagator/contact"
)

// Func combines a contact's current content with an incoming value and
// returns the result. It must be monotone when used as a merge combinator:
// repeated application with the same input converges to a fixed point.
type Func func(current, incoming contact.Value) contact.Value

// Registry maps a content type to the Func used to merge values of that
// type. Looked up by the propagation engine whenever a contact's
// BlendMode is merge; accept-last never consults the registry.
type Registry struct {
	mu    sync.RWMutex
	funcs map[reflect.Type]Func
}

// NewRegistry returns an empty blend registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[reflect.Type]Func)}
}

// Register associates fn with the content type of sample. Re-registering
// the same type replaces the previous function.
func (r *Registry) Register(sample contact.Value, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[reflect.TypeOf(sample)] = fn
}

// Resolve returns the merge Func declared for v's type, if any.
func (r *Registry) Resolve(v contact.Value) (Func, bool) {
	if v == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[reflect.TypeOf(v)]
	return fn, ok
}

// Apply blends incoming into current according to mode. merge falls back
// to accept-last when no Func is declared for current's type — mirroring
// the spec's "if no blend is declared, behave as accept-last" rule. When
// current is nil there is nothing to merge against, so incoming always
// wins regardless of mode.
func Apply(reg *Registry, mode contact.BlendMode, current, incoming contact.Value) contact.Value {
	if mode != contact.BlendMerge || current == nil {
		return incoming
	}
	fn, ok := reg.Resolve(current)
	if !ok {
		return incoming
	}
	return fn(current, incoming)
}
