// Package scheduler implements the scheduler-selection surface named in
// the external interfaces (§6): a small registry of named propagation
// schedulers plus the currently selected one. The core itself only ever
// runs the single-logical-executor scheduler described in §5; this
// registry exists so a collaborator can register alternate scheduling
// strategies (e.g. a batched or priority-ordered executor) and external
// input can select among them, without the kernel or engine depending on
// which one is active.
package scheduler

import (
	"sort"
	"sync"

	"github.com/teranos/propagator/errors"
)

// Info describes one registered scheduler.
type Info struct {
	Name        string
	Description string
}

// Registry holds every registered scheduler and tracks the active
// selection, guarded the same way this stack's other registries are.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]Info
	selected string
}

// NewRegistry returns a registry pre-populated with the default
// single-logical-executor scheduler described in §5, selected by
// default.
func NewRegistry() *Registry {
	r := &Registry{entries: make(map[string]Info)}
	r.entries["serial"] = Info{Name: "serial", Description: "single logical executor: one scheduleUpdate completes before the next begins"}
	r.selected = "serial"
	return r
}

// Register adds or replaces a named scheduler descriptor.
func (r *Registry) Register(info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[info.Name] = info
}

// Select changes the active scheduler by name.
func (r *Registry) Select(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return errors.Newf("scheduler not registered: %s", name)
	}
	r.selected = name
	return nil
}

// List returns every registered scheduler name, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the descriptor registered under name, and whether one is.
func (r *Registry) Get(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.entries[name]
	return info, ok
}

// Current returns the name of the currently selected scheduler.
func (r *Registry) Current() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.selected
}
