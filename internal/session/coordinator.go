package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/schjonhaug/tapcustody/internal/domain"
	"github.com/schjonhaug/tapcustody/internal/lock"
	"github.com/schjonhaug/tapcustody/internal/ports"
)

const DefaultTTL = 30 * time.Second

// Tx is what a step sees: the locked session, the token read in the same transaction and the
// repositories bound to it.
type Tx struct {
	Repos   ports.Repositories
	Session *domain.Session
	Token   domain.Token
	Now     time.Time
}

// StepFunc runs one protocol operation. Mutations of Session are persisted with the step.
type StepFunc func(ctx context.Context, tx *Tx) error

type OpenRequest struct {
	TokenID      string
	UserID       string
	AllowUnowned bool
}

// OpenResult carries the new session when the lock was acquired. On Locked, Session is zero.
type OpenResult struct {
	Outcome lock.Outcome
	Session domain.Session
}

type Config struct {
	TTL time.Duration
}

type Coordinator struct {
	store ports.Store
	locks *lock.Manager
	ttl   time.Duration
	nowFn func() time.Time
	newID func() string
}

func NewCoordinator(store ports.Store, locks *lock.Manager, cfg Config, nowFn func() time.Time) *Coordinator {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{store: store, locks: locks, ttl: cfg.TTL, nowFn: nowFn, newID: uuid.NewString}
}

// Open authorizes the caller, takes the token lock and inserts the session in one transaction,
// then runs begin on it. A begin failure rolls all of it back.
func (c *Coordinator) Open(ctx context.Context, req OpenRequest, begin StepFunc) (OpenResult, error) {

	if req.TokenID == "" || req.UserID == "" {
		return OpenResult{}, fmt.Errorf("%w: token and user are required", domain.ErrInvalidInput)
	}

	var result OpenResult

	err := c.store.WithinTx(ctx, func(ctx context.Context, repos ports.Repositories) error {

		now := c.nowFn()

		token, err := repos.Tokens.Get(ctx, req.TokenID)
		if err != nil {
			return err
		}
		if token.Status != domain.TokenActive {
			return domain.ErrTokenInactive
		}
		if err := authorizeOpen(ctx, repos, token, req, now); err != nil {
			return err
		}

		s := domain.Session{
			ID:           c.newID(),
			TokenID:      token.ID,
			UserID:       req.UserID,
			Phase:        domain.PhaseAuthInit,
			AllowUnowned: req.AllowUnowned,
			CreatedAt:    now,
			ExpiresAt:    now.Add(c.ttl),
			UpdatedAt:    now,
		}

		outcome, err := c.locks.Acquire(ctx, repos.Locks, token.ID, s.ID, s.ExpiresAt)
		if err != nil {
			return err
		}
		if outcome == lock.Locked {
			result = OpenResult{Outcome: lock.Locked}
			return nil
		}

		tx := &Tx{Repos: repos, Session: &s, Token: token, Now: now}
		if err := begin(ctx, tx); err != nil {
			return err
		}

		if err := repos.Sessions.Create(ctx, s); err != nil {
			return err
		}

		result = OpenResult{Outcome: lock.Acquired, Session: s}
		return nil

	})
	if err != nil {
		return OpenResult{}, err
	}

	slog.Info("session opened", "module", "session", "operation", "open", "token_id", req.TokenID, "outcome", result.Outcome.String())

	return result, nil

}

// authorizeOpen lets the owner in, and a non-owner only against a live pending transfer that
// is open to them.
func authorizeOpen(ctx context.Context, repos ports.Repositories, token domain.Token, req OpenRequest, now time.Time) error {

	if !req.AllowUnowned {
		if !token.IsOwnedBy(req.UserID) {
			return domain.ErrNotOwner
		}
		return nil
	}

	pending, err := repos.Pending.Get(ctx, token.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrNotOwner
	}
	if err != nil {
		return err
	}
	if pending.State != domain.TransferOpen {
		return domain.ErrNotOwner
	}
	if pending.ExpiredAt(now) {
		return domain.ErrExpired
	}
	if !pending.ReservedFor(req.UserID) {
		return domain.ErrNotRecipient
	}
	return nil

}

// Step runs fn on a live session the caller owns if its phase is one of allowed. Protocol
// failures abort the session: key material is discarded, the lock released and the session
// marked ABORTED, and that outcome is committed before the error is returned. Other domain
// failures keep the session as fn left it. Store failures roll back.
func (c *Coordinator) Step(ctx context.Context, sessionID, userID string, allowed []domain.Phase, fn StepFunc) (domain.Session, error) {

	var (
		out     domain.Session
		stepErr error
	)

	err := c.store.WithinTx(ctx, func(ctx context.Context, repos ports.Repositories) error {

		now := c.nowFn()

		s, err := repos.Sessions.GetForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.UserID != userID {
			return domain.ErrForbidden
		}
		if s.Phase.Terminal() {
			return fmt.Errorf("%w: session is %s", domain.ErrSequence, s.Phase)
		}
		if s.ExpiredAt(now) {
			return domain.ErrExpired
		}

		token, err := repos.Tokens.Get(ctx, s.TokenID)
		if err != nil {
			return err
		}

		stepErr = c.guard(ctx, repos, s, token, allowed, now)
		if stepErr == nil {
			stepErr = fn(ctx, &Tx{Repos: repos, Session: &s, Token: token, Now: now})
		}

		if stepErr != nil && domain.CategoryOf(stepErr) == domain.CategoryInternal {
			return stepErr
		}

		if stepErr != nil && domain.AbortsSession(stepErr) {
			if err := c.abort(ctx, repos, &s); err != nil {
				return err
			}
		}

		s.UpdatedAt = now
		if err := repos.Sessions.Update(ctx, s); err != nil {
			return err
		}
		out = s
		return nil

	})
	if err != nil {
		return domain.Session{}, err
	}
	if stepErr != nil {
		return out, stepErr
	}
	return out, nil

}

// guard checks phase order and that the caller is still entitled to the token.
func (c *Coordinator) guard(ctx context.Context, repos ports.Repositories, s domain.Session, token domain.Token, allowed []domain.Phase, now time.Time) error {

	if !slices.Contains(allowed, s.Phase) {
		return fmt.Errorf("%w: operation not allowed in %s", domain.ErrSequence, s.Phase)
	}

	holder, err := c.locks.Holder(ctx, repos.Locks, s.TokenID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if holder != s.ID {
		return fmt.Errorf("%w: session no longer holds the token lock", domain.ErrSequence)
	}

	return authorizeOpen(ctx, repos, token, OpenRequest{TokenID: s.TokenID, UserID: s.UserID, AllowUnowned: s.AllowUnowned}, now)

}

func (c *Coordinator) abort(ctx context.Context, repos ports.Repositories, s *domain.Session) error {
	slog.Warn("session aborted", "module", "session", "operation", "abort", "session_id", s.ID, "phase", s.Phase.String())
	s.SealedState = nil
	s.Proof = nil
	s.Phase = domain.PhaseAborted
	return c.locks.Release(ctx, repos.Locks, s.TokenID, s.ID)
}

// Complete marks s DONE and releases its lock on repos. Used by End and by a committing
// finalize inside its own transaction.
func (c *Coordinator) Complete(ctx context.Context, repos ports.Repositories, s *domain.Session) error {
	s.SealedState = nil
	s.Phase = domain.PhaseDone
	s.UpdatedAt = c.nowFn()
	if err := c.locks.Release(ctx, repos.Locks, s.TokenID, s.ID); err != nil {
		return err
	}
	return repos.Sessions.Update(ctx, *s)
}

// End finishes a session after its file operations.
func (c *Coordinator) End(ctx context.Context, sessionID, userID string) (domain.Session, error) {
	var out domain.Session
	err := c.store.WithinTx(ctx, func(ctx context.Context, repos ports.Repositories) error {
		s, err := repos.Sessions.GetForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.UserID != userID {
			return domain.ErrForbidden
		}
		if s.Phase.Terminal() {
			out = s
			return nil
		}
		if !s.Phase.Authorized() {
			return fmt.Errorf("%w: cannot end a session in %s", domain.ErrSequence, s.Phase)
		}
		if err := c.Complete(ctx, repos, &s); err != nil {
			return err
		}
		out = s
		return nil
	})
	return out, err
}

// Get returns the caller's session. Expiry is reported, not enforced, here.
func (c *Coordinator) Get(ctx context.Context, sessionID, userID string) (domain.Session, error) {
	s, err := c.store.Repositories().Sessions.Get(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if s.UserID != userID {
		return domain.Session{}, domain.ErrForbidden
	}
	return s, nil
}

// LiveForToken returns userID's live session holding the lock on tokenID, read on repos.
func (c *Coordinator) LiveForToken(ctx context.Context, repos ports.Repositories, tokenID, userID string) (domain.Session, error) {
	holder, err := c.locks.Holder(ctx, repos.Locks, tokenID)
	if err != nil {
		return domain.Session{}, err
	}
	s, err := repos.Sessions.GetForUpdate(ctx, holder)
	if err != nil {
		return domain.Session{}, err
	}
	if s.UserID != userID || !s.Live(c.nowFn()) {
		return domain.Session{}, domain.ErrNotFound
	}
	return s, nil
}

// LatestProof returns the proof held by userID's most recent proved session on tokenID, live
// or finished.
func (c *Coordinator) LatestProof(ctx context.Context, repos ports.Repositories, tokenID, userID string) (domain.TransferProof, error) {
	s, err := repos.Sessions.LatestProved(ctx, tokenID, userID)
	if err != nil {
		return domain.TransferProof{}, err
	}
	return *s.Proof, nil
}

// Sweep deletes session rows whose deadline passed more than retention ago. Locks are left to
// expire on their own.
func (c *Coordinator) Sweep(ctx context.Context, retention time.Duration, limit int) (int, error) {
	n, err := c.store.Repositories().Sessions.DeleteExpired(ctx, c.nowFn().Add(-retention), limit)
	if err != nil {
		return 0, fmt.Errorf("sweep sessions: %w", err)
	}
	return n, nil
}
