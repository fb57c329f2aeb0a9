package playback

import (
	"sync"
	"time"

	"github.com/saltyorg/markerplow/internal/metrics"
)

// Sessions maps session ids to their detection state
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*PlaySessionData
}

// NewSessions creates an empty session table
func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[string]*PlaySessionData)}
}

// Get returns the session for id
func (t *Sessions) Get(id string) (*PlaySessionData, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

// GetOrCreate returns the session for id, creating it with create when absent.
// Concurrent callers for the same id all receive the first creator's instance.
func (t *Sessions) GetOrCreate(id string, create func() *PlaySessionData) (*PlaySessionData, bool) {
	if s, ok := t.Get(id); ok {
		return s, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[id]; ok {
		return s, false
	}
	s := create()
	t.sessions[id] = s
	metrics.SessionsActive.Set(float64(len(t.sessions)))
	return s, true
}

// Replace stores s for id, dropping any previous session with that id
func (t *Sessions) Replace(id string, s *PlaySessionData) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[id] = s
	metrics.SessionsActive.Set(float64(len(t.sessions)))
}

// Remove deletes and returns the session for id
func (t *Sessions) Remove(id string) (*PlaySessionData, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if ok {
		delete(t.sessions, id)
		metrics.SessionsActive.Set(float64(len(t.sessions)))
	}
	return s, ok
}

// Len returns the number of tracked sessions
func (t *Sessions) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// List returns a snapshot of every tracked session
func (t *Sessions) List() []SessionInfo {
	t.mu.RLock()
	all := make([]*PlaySessionData, 0, len(t.sessions))
	for _, s := range t.sessions {
		all = append(all, s)
	}
	t.mu.RUnlock()

	out := make([]SessionInfo, 0, len(all))
	for _, s := range all {
		out = append(out, s.info())
	}
	return out
}

// PruneIdle removes sessions with no activity for longer than maxIdle.
// Hosts do not always deliver a stop event, so abandoned sessions are swept.
func (t *Sessions) PruneIdle(now time.Time, maxIdle time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []string
	for id, s := range t.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastActivity)
		s.mu.Unlock()
		if idle > maxIdle {
			delete(t.sessions, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		metrics.SessionsActive.Set(float64(len(t.sessions)))
	}
	return removed
}
