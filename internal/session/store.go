// Package session establishes and keeps the symmetric session keys that
// encrypt request and response bodies.  Each API context (app and platform)
// has its own enclave and therefore its own session.
package session

import (
	"sync"

	"github.com/Amnesic-Systems/veil-client/internal/aead"
)

// APIContext identifies the API, and therefore the enclave, that a request
// is meant for.
type APIContext int

const (
	App APIContext = iota
	Platform
)

func (c APIContext) String() string {
	switch c {
	case App:
		return "app"
	case Platform:
		return "platform"
	default:
		return "unknown"
	}
}

// Session is a negotiated session key together with the identifier that the
// enclave uses to look it up.
type Session struct {
	Key aead.Key
	ID  string
}

// Store holds at most one session per API context.  Sessions only ever live
// in memory.
type Store struct {
	mu       sync.Mutex
	sessions map[APIContext]Session
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{sessions: make(map[APIContext]Session)}
}

// Get returns the session of the given API context, if any.
func (s *Store) Get(c APIContext) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[c]
	return sess, ok
}

// Replace sets the session of the given API context, overwriting any previous
// session.
func (s *Store) Replace(c APIContext, sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[c] = sess
}

// Clear removes the session of the given API context.
func (s *Store) Clear(c APIContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, c)
}

// ClearAll removes all sessions.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	clear(s.sessions)
}
