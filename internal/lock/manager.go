package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/schjonhaug/tapcustody/internal/domain"
	"github.com/schjonhaug/tapcustody/internal/ports"
)

// Outcome of an acquire attempt. Contention is a result, not an error.
type Outcome int

const (
	Acquired Outcome = iota + 1
	Locked
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "ACQUIRED"
	case Locked:
		return "LOCKED"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Manager grants at most one live session per token. Locks expire lazily: an expired lock is
// taken over by the next acquire, nothing ever sweeps it.
type Manager struct {
	nowFn func() time.Time
}

func NewManager(nowFn func() time.Time) *Manager {
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{nowFn: nowFn}
}

// Acquire must run on repositories bound to the transaction that also inserts the session, so
// the lock and its session commit together.
func (m *Manager) Acquire(ctx context.Context, locks ports.LockRepository, tokenID, sessionID string, expiresAt time.Time) (Outcome, error) {

	if tokenID == "" || sessionID == "" {
		return 0, fmt.Errorf("%w: lock needs token and session", domain.ErrInvalidInput)
	}

	now := m.nowFn()
	if !now.Before(expiresAt) {
		return 0, fmt.Errorf("%w: lock expiry is not in the future", domain.ErrInvalidInput)
	}

	ok, err := locks.TryAcquire(ctx, domain.TokenLock{TokenID: tokenID, SessionID: sessionID, ExpiresAt: expiresAt}, now)
	if err != nil {
		return 0, fmt.Errorf("acquire token lock: %w", err)
	}
	if !ok {
		slog.Debug("LOCK", "Token", tokenID, "Outcome", Locked.String())
		return Locked, nil
	}

	slog.Debug("LOCK", "Token", tokenID, "Session", sessionID, "Outcome", Acquired.String())
	return Acquired, nil

}

// Release drops the lock if sessionID still holds it. Releasing a lock that was taken over or
// never existed is not an error.
func (m *Manager) Release(ctx context.Context, locks ports.LockRepository, tokenID, sessionID string) error {
	if err := locks.Release(ctx, tokenID, sessionID); err != nil {
		return fmt.Errorf("release token lock: %w", err)
	}
	return nil
}

// Holder returns the session holding a live lock on tokenID, or ErrNotFound.
func (m *Manager) Holder(ctx context.Context, locks ports.LockRepository, tokenID string) (string, error) {
	l, err := locks.Get(ctx, tokenID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read token lock: %w", err)
	}
	if !l.HeldAt(m.nowFn()) {
		return "", domain.ErrNotFound
	}
	return l.SessionID, nil
}
