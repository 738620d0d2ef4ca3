package crisis

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	// SessionIdleTTL is how long an unused session is kept before it is reaped
	SessionIdleTTL = 1 * time.Hour

	// SessionCleanupInterval is how often idle sessions are swept
	SessionCleanupInterval = 10 * time.Minute
)

// SessionFactory builds a session for a user the first time it is needed.
type SessionFactory func(userID string) *Session

// SessionRegistry owns one Session per user.
// It provides thread-safe lookup, lazy creation and idle reaping.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	factory  SessionFactory
	clock    clock.Clock
	logger   Logger

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	stopOnce    sync.Once
}

// NewSessionRegistry creates a registry and starts the idle cleanup loop.
func NewSessionRegistry(factory SessionFactory, c clock.Clock, logger Logger) *SessionRegistry {
	if c == nil {
		c = clock.New()
	}
	r := &SessionRegistry{
		sessions:    make(map[string]*Session),
		factory:     factory,
		clock:       c,
		logger:      logger,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	go r.cleanupLoop()

	return r
}

// Get returns the session for userID, creating it if needed.
func (r *SessionRegistry) Get(userID string) *Session {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok = r.sessions[userID]; ok {
		return s
	}
	s = r.factory(userID)
	r.sessions[userID] = s
	return s
}

// Lookup returns an existing session without creating one.
func (r *SessionRegistry) Lookup(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// Remove closes and forgets the session for userID.
func (r *SessionRegistry) Remove(userID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()

	if ok {
		s.Close()
	}
	return ok
}

// List returns all sessions.
func (r *SessionRegistry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ForEach applies fn to every session, e.g. to push a new debounce window.
func (r *SessionRegistry) ForEach(fn func(*Session)) {
	for _, s := range r.List() {
		fn(s)
	}
}

// cleanupLoop periodically removes idle sessions
func (r *SessionRegistry) cleanupLoop() {
	ticker := r.clock.Ticker(SessionCleanupInterval)
	defer ticker.Stop()
	defer close(r.cleanupDone)

	for {
		select {
		case <-ticker.C:
			r.reapIdle()
		case <-r.stopCleanup:
			return
		}
	}
}

// reapIdle removes sessions unused for longer than SessionIdleTTL
func (r *SessionRegistry) reapIdle() int {
	now := r.clock.Now()

	r.mu.Lock()
	var idle []*Session
	for id, s := range r.sessions {
		if now.Sub(s.LastActive()) > SessionIdleTTL {
			idle = append(idle, s)
			delete(r.sessions, id)
		}
	}
	remaining := len(r.sessions)
	r.mu.Unlock()

	for _, s := range idle {
		s.Close()
	}

	if len(idle) > 0 {
		r.logger.Debug("Reaped idle crisis sessions", "reaped", len(idle), "remaining", remaining)
	}
	return len(idle)
}

// Stop stops the cleanup loop and closes every session.
func (r *SessionRegistry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCleanup)
		<-r.cleanupDone
	})

	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
