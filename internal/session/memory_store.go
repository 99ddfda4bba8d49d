package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. Used when no Redis is
// configured; sessions do not survive a restart or span instances.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	sessions map[string]memoryEntry
	revoked  map[string]time.Time
}

type memoryEntry struct {
	employeeID string
	expiresAt  time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		sessions: make(map[string]memoryEntry),
		revoked:  make(map[string]time.Time),
	}
}

func (s *MemoryStore) SaveRefreshSession(_ context.Context, tokenHash, employeeID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[tokenHash] = memoryEntry{employeeID: employeeID, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) LookupRefreshSession(_ context.Context, tokenHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.sessions[tokenHash]
	if !ok || !s.now().Before(entry.expiresAt) {
		delete(s.sessions, tokenHash)
		return "", ErrNotFound
	}
	return entry.employeeID, nil
}

func (s *MemoryStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, tokenHash)
	return nil
}

func (s *MemoryStore) RevokeAccessToken(_ context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[jti] = expiresAt
	return nil
}

func (s *MemoryStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiresAt, ok := s.revoked[jti]
	if ok && !s.now().Before(expiresAt) {
		delete(s.revoked, jti)
		return false, nil
	}
	return ok, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
