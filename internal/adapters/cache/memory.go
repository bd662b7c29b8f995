package cache

import (
	"context"
	"sync"
	"time"

	"github.com/schjonhaug/tapcustody/internal/ports"
)

// MemoryLockoutStore is the in-process lockout store for tests and single-node runs.
type MemoryLockoutStore struct {
	mu      sync.Mutex
	entries map[string]memoryLockout
}

type memoryLockout struct {
	state     ports.LockoutState
	expiresAt time.Time
}

func NewMemoryLockoutStore() *MemoryLockoutStore {
	return &MemoryLockoutStore{entries: map[string]memoryLockout{}}
}

func (s *MemoryLockoutStore) Get(_ context.Context, key string) (ports.LockoutState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return ports.LockoutState{}, nil
	}
	return e.state, nil
}

func (s *MemoryLockoutStore) RecordFailure(_ context.Context, key string, now time.Time, threshold int, lockoutWindow time.Duration) (ports.LockoutState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[key]
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		e = memoryLockout{}
	}
	e.state.FailedCount++
	e.expiresAt = now.Add(lockoutWindow)
	if e.state.FailedCount >= threshold {
		lockedUntil := now.Add(lockoutWindow).UTC()
		e.state.LockedUntil = &lockedUntil
	}
	s.entries[key] = e
	return e.state, nil
}

func (s *MemoryLockoutStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
