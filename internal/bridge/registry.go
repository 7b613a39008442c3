package bridge

import (
	"errors"
	"sync"
	"time"
)

// ErrSessionNotFound is returned when no session matches a lookup
var ErrSessionNotFound = errors.New("session not found")

// DefaultFallbackWindow bounds the age of a fallback match in Resolve
const DefaultFallbackWindow = 60 * time.Second

// Registry maps live sessions by stream id and external call id. It is the
// only state shared across sessions.
type Registry struct {
	mu       sync.RWMutex
	byStream map[string]*CallSession
	byCallID map[string]*CallSession
	window   time.Duration
	now      func() time.Time
}

// NewRegistry creates an empty registry. window <= 0 uses DefaultFallbackWindow.
func NewRegistry(window time.Duration) *Registry {
	if window <= 0 {
		window = DefaultFallbackWindow
	}
	return &Registry{
		byStream: make(map[string]*CallSession),
		byCallID: make(map[string]*CallSession),
		window:   window,
		now:      time.Now,
	}
}

// Register inserts a started session
func (r *Registry) Register(s *CallSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byStream[s.StreamID] = s
	if s.ExternalCallID != "" {
		r.byCallID[s.ExternalCallID] = s
	}
}

// Remove deletes a session if it is still the registered one
func (r *Registry) Remove(s *CallSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byStream[s.StreamID] == s {
		delete(r.byStream, s.StreamID)
	}
	if s.ExternalCallID != "" && r.byCallID[s.ExternalCallID] == s {
		delete(r.byCallID, s.ExternalCallID)
	}
}

// Lookup returns the session for an exact external call id
func (r *Registry) Lookup(externalCallID string) (*CallSession, bool) {
	if externalCallID == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byCallID[externalCallID]
	if !ok || s.IsFinalized() {
		return nil, false
	}
	return s, true
}

// Resolve returns the exact match for id (external call id or stream id).
// Failing that it falls back to the most recently created unfinalized
// session younger than the fallback window, because engine-originated
// lookups do not always carry the telephony call id.
func (r *Registry) Resolve(id string) (*CallSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id != "" {
		if s, ok := r.byCallID[id]; ok && !s.IsFinalized() {
			return s, nil
		}
		if s, ok := r.byStream[id]; ok && !s.IsFinalized() {
			return s, nil
		}
	}

	now := r.now()
	var best *CallSession
	for _, s := range r.byStream {
		if s.IsFinalized() || now.Sub(s.CreatedAt) >= r.window {
			continue
		}
		if best == nil || s.CreatedAt.After(best.CreatedAt) {
			best = s
		}
	}
	if best == nil {
		return nil, ErrSessionNotFound
	}
	return best, nil
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byStream)
}
