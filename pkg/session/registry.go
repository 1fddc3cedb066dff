package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProvisionalPrefix marks ids generated before the telephony side names the call.
const ProvisionalPrefix = "session_"

// Registry is the process-wide map from call id to Session. The lock is held
// only for map access, never across I/O.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	opening  string
}

// NewRegistry creates an empty registry. defaultOpening is used for sessions
// created lazily when a stream starts for a call that was never accepted here.
func NewRegistry(defaultOpening string) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		opening:  defaultOpening,
	}
}

// NewProvisionalID returns a locally unique placeholder call id.
func NewProvisionalID() string {
	return ProvisionalPrefix + uuid.NewString()
}

// Create registers a session for an accepted call, replacing any previous one
// under the same id.
func (r *Registry) Create(callID, caller, opening string) *Session {
	if opening == "" {
		opening = r.opening
	}
	s := New(callID, caller, opening)
	r.mu.Lock()
	r.sessions[callID] = s
	r.mu.Unlock()
	return s
}

// CreateProvisional registers a placeholder session with no opening utterance.
func (r *Registry) CreateProvisional(id string) *Session {
	s := &Session{CallID: id, Created: time.Now(), caller: UnknownCaller}
	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	return s
}

func (r *Registry) Get(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	return s, ok
}

// Adopt rebinds a stream from its provisional id to the true call id. The
// provisional entry is removed and whatever it recorded is carried into the
// canonical session, which is created lazily if the call was never accepted.
func (r *Registry) Adopt(provisionalID, callID string) *Session {
	r.mu.Lock()
	prov := r.sessions[provisionalID]
	if provisionalID != callID {
		delete(r.sessions, provisionalID)
	}
	s, ok := r.sessions[callID]
	if !ok {
		s = New(callID, UnknownCaller, r.opening)
		r.sessions[callID] = s
	}
	r.mu.Unlock()

	if prov != nil && prov != s {
		s.absorb(prov)
	}
	return s
}

// Remove deletes callID and reports whether it was present.
func (r *Registry) Remove(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[callID]; !ok {
		return false
	}
	delete(r.sessions, callID)
	return true
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// WaitForEmpty blocks until no sessions remain or ctx is done.
func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
