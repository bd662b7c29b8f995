package ports

import (
	"context"
	"time"

	"github.com/schjonhaug/tapcustody/internal/domain"
)

// TokenRepository persists custody records.
// UpdateIfCounter is the only mutation of an existing token: it is conditional on the counter
// read earlier in the same transaction so a concurrent commit makes it fail with ErrStale.
type TokenRepository interface {
	Get(ctx context.Context, tokenID string) (domain.Token, error)
	GetForUpdate(ctx context.Context, tokenID string) (domain.Token, error)
	Create(ctx context.Context, token domain.Token) error
	UpdateIfCounter(ctx context.Context, token domain.Token, expectedCounter uint64) error
}

// PendingTransferRepository stores at most one pending transfer per token.
// Absence of a row means there is no pending transfer; terminal rows are deleted, never kept.
type PendingTransferRepository interface {
	Get(ctx context.Context, tokenID string) (domain.PendingTransfer, error)
	GetForUpdate(ctx context.Context, tokenID string) (domain.PendingTransfer, error)
	// Create fails with ErrAlreadyPending when a row exists for the token.
	Create(ctx context.Context, pending domain.PendingTransfer) error
	MarkPaymentCleared(ctx context.Context, tokenID, transferID string, at time.Time) error
	Delete(ctx context.Context, tokenID, transferID string) error
	// DeleteExpired removes OPEN rows whose window closed at or before now and returns them.
	DeleteExpired(ctx context.Context, now time.Time, limit int) ([]domain.PendingTransfer, error)
}

// SessionRepository stores card sessions. Key material is only ever present sealed.
type SessionRepository interface {
	Get(ctx context.Context, sessionID string) (domain.Session, error)
	GetForUpdate(ctx context.Context, sessionID string) (domain.Session, error)
	Create(ctx context.Context, session domain.Session) error
	Update(ctx context.Context, session domain.Session) error
	// LatestProved returns userID's most recently created session on tokenID that carries a
	// proof, in any phase.
	LatestProved(ctx context.Context, tokenID, userID string) (domain.Session, error)
	// DeleteExpired removes sessions whose deadline passed before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

// LockRepository holds the one live session marker per token.
type LockRepository interface {
	// TryAcquire is a single conditional write: insert the lock, or take over a row whose
	// expiry is at or before now. It reports whether lock is now held.
	TryAcquire(ctx context.Context, lock domain.TokenLock, now time.Time) (bool, error)
	Get(ctx context.Context, tokenID string) (domain.TokenLock, error)
	// Release deletes the lock only while sessionID still holds it.
	Release(ctx context.Context, tokenID, sessionID string) error
}

// LedgerRepository is append-only.
type LedgerRepository interface {
	Append(ctx context.Context, event domain.LedgerEvent) error
	ListByToken(ctx context.Context, tokenID string) ([]domain.LedgerEvent, error)
}

// OutboxRepository stages domain events in the writing transaction and hands them to the
// outbox worker.
type OutboxRepository interface {
	Enqueue(ctx context.Context, event domain.OutboxEvent) error
	ClaimUnpublished(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, reason string, at time.Time) error
}

// Repositories groups every repository bound to one store handle or transaction.
type Repositories struct {
	Tokens   TokenRepository
	Pending  PendingTransferRepository
	Sessions SessionRepository
	Locks    LockRepository
	Ledger   LedgerRepository
	Outbox   OutboxRepository
}

// Store is the transactional store every cross-request state lives in.
// WithinTx runs fn with repositories bound to one transaction: all writes commit together or
// none do. Reads made through those repositories are the authoritative ones.
type Store interface {
	Repositories() Repositories
	WithinTx(ctx context.Context, fn func(ctx context.Context, repos Repositories) error) error
}
