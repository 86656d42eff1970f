package session

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps session ids to live sessions
type Registry interface {
	Register(s *Session) error
	Get(id string) (*Session, bool)
	// Remove deletes id only while it still maps to s
	Remove(id string, s *Session) bool
	List() []*Session
}

// MemoryRegistry is a Registry held in process memory
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryRegistry creates an empty registry
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{sessions: make(map[string]*Session)}
}

// Register adds s. Ids are never reused.
func (r *MemoryRegistry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; exists {
		return fmt.Errorf("session %s already registered", s.ID)
	}
	r.sessions[s.ID] = s
	return nil
}

// Get retrieves a session by id
func (r *MemoryRegistry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes the entry for id if it is s
func (r *MemoryRegistry) Remove(id string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
		return true
	}
	return false
}

// List returns every session, oldest first
func (r *MemoryRegistry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
