package collab

import (
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/arx-os/bim-collab/internal/model"
)

// SessionStore owns the session map and the single lock guarding all session
// state. Both the producers (API calls) and the background worker go through
// this lock, so at any instant there is exactly one writer to a session's
// collections. The store is injected into the engine so independent engine
// instances stay isolated in tests.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*model.Session
}

// NewSessionStore returns an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[uuid.UUID]*model.Session)}
}

// Lock acquires the store lock.
func (s *SessionStore) Lock() { s.mu.Lock() }

// Unlock releases the store lock.
func (s *SessionStore) Unlock() { s.mu.Unlock() }

// Get returns the session by id. Caller must hold the lock.
func (s *SessionStore) Get(id uuid.UUID) (*model.Session, bool) {
	sess, ok := s.sessions[id]
	return sess, ok
}

// Put inserts a session. Caller must hold the lock.
func (s *SessionStore) Put(sess *model.Session) {
	s.sessions[sess.SessionID] = sess
}

// Len returns the number of sessions. Caller must hold the lock.
func (s *SessionStore) Len() int { return len(s.sessions) }
