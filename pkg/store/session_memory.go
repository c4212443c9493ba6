package store

import (
	"sync"

	"ebookmarket/internal/util"
)

// MemorySessionStore keeps sessions in-process. Used in tests.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]string // token -> userID
}

// NewMemorySessionStore initializes an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]string)}
}

// NewSession creates an opaque token for the user ID.
func (m *MemorySessionStore) NewSession(userID string) (string, error) {
	token := util.NewID()
	m.mu.Lock()
	m.sessions[token] = userID
	m.mu.Unlock()
	return token, nil
}

// GetUserIDByToken resolves token to user ID.
func (m *MemorySessionStore) GetUserIDByToken(token string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessions[token]
	return id, ok, nil
}

// DeleteSession removes a token.
func (m *MemorySessionStore) DeleteSession(token string) error {
	m.mu.Lock()
	delete(m.sessions, token)
	m.mu.Unlock()
	return nil
}
