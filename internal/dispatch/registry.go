package dispatch

import (
	"fmt"
	"sort"
	"sync"
)

// Registry tracks the live dispatcher for each session. It is instance
// state, not package state: an embedding process creates one registry and
// owns its lifetime. Sessions are isolated; the registry only maps ids to
// their dispatchers.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Dispatcher
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Dispatcher)}
}

// Add registers a dispatcher under its session id. The dispatcher must
// already have a session (StartSession or Resume).
func (r *Registry) Add(d *Dispatcher) error {
	id := d.SessionID()
	if id == "" {
		return fmt.Errorf("dispatcher has no session")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		return fmt.Errorf("session %s already registered", id)
	}
	r.sessions[id] = d
	return nil
}

// Get returns the dispatcher for a session id.
func (r *Registry) Get(id string) (*Dispatcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.sessions[id]
	return d, ok
}

// Remove drops a session from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// IDs returns the registered session ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
