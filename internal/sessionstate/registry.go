package sessionstate

import (
	"sync"
	"time"

	"github.com/user/streamhub/internal/bus"
	"github.com/user/streamhub/internal/types"
)

// Registry is the process-wide map of active session states, keyed by
// session id. Only the orchestration for a session mutates its entry; any
// component may read it. Entries are deleted when the owning stream
// finalizes; DeleteIdle is the scheduled backstop for sessions that never
// streamed to completion.
type Registry struct {
	bus *bus.Bus

	mu sync.RWMutex
	m  map[types.SessionID]*State
}

func NewRegistry(b *bus.Bus) *Registry {
	return &Registry{bus: b, m: make(map[types.SessionID]*State)}
}

// GetOrCreate returns the session's state, creating it on first touch.
func (r *Registry) GetOrCreate(id types.SessionID) *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.m[id]; ok {
		return s
	}
	s := newState(id, r.bus)
	r.m[id] = s
	return s
}

// Create replaces any existing state for the session with a fresh one.
func (r *Registry) Create(id types.SessionID) *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := newState(id, r.bus)
	r.m[id] = s
	return s
}

// Get returns the state if present.
func (r *Registry) Get(id types.SessionID) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.m[id]
	return s, ok
}

// Has reports whether a state exists for the session.
func (r *Registry) Has(id types.SessionID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.m[id]
	return ok
}

// Delete removes the session's state.
func (r *Registry) Delete(id types.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, id)
}

// DeleteIdle evicts states untouched for longer than maxIdle and returns the
// number removed.
func (r *Registry) DeleteIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, s := range r.m {
		if s.lastTouched().Before(cutoff) {
			delete(r.m, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of active session states.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.m)
}
