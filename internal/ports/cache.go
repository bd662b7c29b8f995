package ports

import (
	"context"
	"time"
)

// LockoutState is the current auth-failure envelope for a token.
type LockoutState struct {
	FailedCount int
	LockedUntil *time.Time
}

// Locked reports whether the lockout is in force at now.
func (s LockoutState) Locked(now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}

// LockoutStore keeps short-lived card authentication failure counts per token.
type LockoutStore interface {
	Get(ctx context.Context, key string) (LockoutState, error)
	RecordFailure(ctx context.Context, key string, now time.Time, threshold int, lockoutWindow time.Duration) (LockoutState, error)
	Clear(ctx context.Context, key string) error
}
