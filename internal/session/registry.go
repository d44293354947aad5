package session

import (
	"sync"

	"github.com/google/uuid"
)

// Registry owns all live sessions, keyed by an opaque identifier. It is the
// only structure mutated by concurrent callers across sessions; per-session
// state is guarded by the session's own locks.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the session for id, creating it on first use. An empty
// id gets a generated UUID. Never fails; calling it twice with the same id
// returns the same session.
func (r *Registry) GetOrCreate(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.sessions[id]; ok {
		return s
	}
	s = &Session{id: id}
	r.sessions[id] = s
	return s
}

// Get returns the session for id if it exists.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Reset clears the session's history and aborts any in-progress capture.
// Returns false if the id was never seen. The identifier stays registered.
func (r *Registry) Reset(id string) bool {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	s.Reset()
	return true
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
