package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSessionNotFound is returned when no session exists for a jti.
var ErrSessionNotFound = errors.New("session not found")

// Session is one outstanding refresh token of an account.
type Session struct {
	ID        string
	AccountID string
	TokenHash string
	ExpiresAt time.Time
}

// SessionStore persists refresh-token sessions indexed by jti and by owner.
type SessionStore interface {
	Add(ctx context.Context, s Session) error
	Find(ctx context.Context, id string) (Session, error)
	// Remove reports whether the session existed. Only one concurrent caller
	// observes true for a given session.
	Remove(ctx context.Context, s Session) (bool, error)
	RemoveAll(ctx context.Context, accountID string) error
}

type memoryStore struct {
	mu        sync.Mutex
	sessions  map[string]Session
	byAccount map[string]map[string]struct{}
	now       func() time.Time
}

// NewMemoryStore returns an in-process SessionStore for tests and local runs.
func NewMemoryStore() SessionStore {
	return &memoryStore{
		sessions:  make(map[string]Session),
		byAccount: make(map[string]map[string]struct{}),
		now:       time.Now,
	}
}

func (m *memoryStore) Add(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	ids, ok := m.byAccount[s.AccountID]
	if !ok {
		ids = make(map[string]struct{})
		m.byAccount[s.AccountID] = ids
	}
	ids[s.ID] = struct{}{}
	return nil
}

func (m *memoryStore) Find(_ context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if !s.ExpiresAt.IsZero() && !m.now().Before(s.ExpiresAt) {
		m.drop(s)
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *memoryStore) Remove(_ context.Context, s Session) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return false, nil
	}
	m.drop(s)
	return true, nil
}

func (m *memoryStore) RemoveAll(_ context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.byAccount[accountID] {
		delete(m.sessions, id)
	}
	delete(m.byAccount, accountID)
	return nil
}

func (m *memoryStore) drop(s Session) {
	delete(m.sessions, s.ID)
	if ids, ok := m.byAccount[s.AccountID]; ok {
		delete(ids, s.ID)
		if len(ids) == 0 {
			delete(m.byAccount, s.AccountID)
		}
	}
}
