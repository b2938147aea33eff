package monitor

import "sync"

// Registry is the process-wide map of configuration entry IDs to live
// monitors: populated on successful setup, entries removed on teardown,
// never otherwise mutated.
type Registry struct {
	mu       sync.RWMutex
	monitors map[string]*Monitor
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{monitors: make(map[string]*Monitor)}
}

// Insert adds a monitor under its entry ID
func (r *Registry) Insert(m *Monitor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.monitors[m.EntryID()] = m
}

// Remove deletes and returns the monitor for an entry ID, or nil
func (r *Registry) Remove(entryID string) *Monitor {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.monitors[entryID]
	delete(r.monitors, entryID)
	return m
}

// Get returns the monitor for an entry ID
func (r *Registry) Get(entryID string) (*Monitor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.monitors[entryID]
	return m, ok
}

// All returns every registered monitor
func (r *Registry) All() []*Monitor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Monitor, 0, len(r.monitors))
	for _, m := range r.monitors {
		out = append(out, m)
	}
	return out
}

// ForEntities returns the monitors watching any of the given entity IDs.
// An empty list selects every monitor, matching the on-demand command
// semantics ("omitted means all").
func (r *Registry) ForEntities(entityIDs []string) []*Monitor {
	if len(entityIDs) == 0 {
		return r.All()
	}

	wanted := make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		wanted[id] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Monitor
	for _, m := range r.monitors {
		if wanted[m.EntityID()] {
			out = append(out, m)
		}
	}
	return out
}

// StopAll stops every monitor and clears the registry; used at shutdown
func (r *Registry) StopAll() {
	r.mu.Lock()
	monitors := r.monitors
	r.monitors = make(map[string]*Monitor)
	r.mu.Unlock()

	for _, m := range monitors {
		m.Stop()
	}
}

// Len returns the number of registered monitors
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.monitors)
}
