package loop

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Registry indexes loop instances by name. Multiple concurrent loops are
// independent entries here, each owning its own LoopConfig; there are no
// shared global arrays.
type Registry struct {
	mu    sync.RWMutex
	byName map[string]*entry
	order  []*entry
}

type entry struct {
	id   uuid.UUID
	loop *Loop
}

// NewRegistry creates an empty loop registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*entry)}
}

// Add registers a loop under its configured name and returns its instance
// identifier.
func (r *Registry) Add(l *Loop) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := l.Config().Name
	if _, exists := r.byName[name]; exists {
		return uuid.Nil, fmt.Errorf("loop already registered: %s", name)
	}
	e := &entry{id: uuid.New(), loop: l}
	r.byName[name] = e
	r.order = append(r.order, e)
	return e.id, nil
}

// Remove deregisters a loop by name. Removing an unknown name is a no-op.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return
	}
	delete(r.byName, name)
	for i, o := range r.order {
		if o == e {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get looks up a loop by name.
func (r *Registry) Get(name string) (*Loop, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("loop not found: %s", name)
	}
	return e.loop, nil
}

// Loops returns all registered loops in registration order.
func (r *Registry) Loops() []*Loop {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Loop, len(r.order))
	for i, e := range r.order {
		out[i] = e.loop
	}
	return out
}
