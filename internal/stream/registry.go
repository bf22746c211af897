package stream

import (
	"fmt"
	"sync"
)

// Registry is a name-indexed set of streams. Calibration products and loop
// telemetry are created by collaborators before the loop starts and
// re-attached here by name; a missing required stream is a
// configuration-fatal condition surfaced at setup.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]*Stream)}
}

// Create makes a new stream and registers it. Creating a name twice is an
// error: every stream has exactly one producer.
func (r *Registry) Create(name string, shape []int, depth int) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.streams[name]; exists {
		return nil, fmt.Errorf("stream already exists: %s", name)
	}
	s := New(name, shape, depth)
	r.streams[name] = s
	return s, nil
}

// Attach looks up an existing stream by name.
func (r *Registry) Attach(name string) (*Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[name]
	if !ok {
		return nil, fmt.Errorf("stream not found: %s", name)
	}
	return s, nil
}

// Names returns the registered stream names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.streams))
	for n := range r.streams {
		names = append(names, n)
	}
	return names
}
