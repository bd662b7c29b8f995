package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/schjonhaug/tapcustody/internal/domain"
	"github.com/schjonhaug/tapcustody/internal/ports"
)

// Store is an in-process implementation of ports.Store. Transactions are serialized and run
// against a staged copy of the state that replaces the committed state only when fn succeeds,
// giving the same all-or-nothing contract as the postgres store.
type Store struct {
	mu    sync.Mutex
	state *state
}

type state struct {
	tokens   map[string]domain.Token
	pending  map[string]domain.PendingTransfer
	sessions map[string]domain.Session
	locks    map[string]domain.TokenLock
	ledger   []domain.LedgerEvent
	outbox   []outboxRow
}

type outboxRow struct {
	event     domain.OutboxEvent
	lastError string
	retries   int
}

func NewStore() *Store {
	return &Store{state: &state{
		tokens:   map[string]domain.Token{},
		pending:  map[string]domain.PendingTransfer{},
		sessions: map[string]domain.Session{},
		locks:    map[string]domain.TokenLock{},
	}}
}

func (s *state) clone() *state {
	c := &state{
		tokens:   make(map[string]domain.Token, len(s.tokens)),
		pending:  make(map[string]domain.PendingTransfer, len(s.pending)),
		sessions: make(map[string]domain.Session, len(s.sessions)),
		locks:    make(map[string]domain.TokenLock, len(s.locks)),
		ledger:   append([]domain.LedgerEvent(nil), s.ledger...),
		outbox:   append([]outboxRow(nil), s.outbox...),
	}
	for k, v := range s.tokens {
		c.tokens[k] = v
	}
	for k, v := range s.pending {
		c.pending[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.locks {
		c.locks[k] = v
	}
	return c
}

// access runs fn against a state. Inside a transaction it is the staged state; outside, each
// call is its own transaction.
type access func(fn func(st *state) error) error

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, repos ports.Repositories) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	repos := repositories(func(op func(st *state) error) error { return op(staged) })
	if err := fn(ctx, repos); err != nil {
		return err
	}
	s.state = staged
	return nil
}

func (s *Store) Repositories() ports.Repositories {
	return repositories(func(op func(st *state) error) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		staged := s.state.clone()
		if err := op(staged); err != nil {
			return err
		}
		s.state = staged
		return nil
	})
}

func repositories(do access) ports.Repositories {
	return ports.Repositories{
		Tokens:   &tokenRepository{do: do},
		Pending:  &pendingRepository{do: do},
		Sessions: &sessionRepository{do: do},
		Locks:    &lockRepository{do: do},
		Ledger:   &ledgerRepository{do: do},
		Outbox:   &outboxRepository{do: do},
	}
}

type tokenRepository struct{ do access }

func copyToken(t domain.Token) domain.Token {
	t.PreviousOwners = append([]string(nil), t.PreviousOwners...)
	t.ChainHead = append([]byte(nil), t.ChainHead...)
	if t.LastTransferAt != nil {
		ts := *t.LastTransferAt
		t.LastTransferAt = &ts
	}
	return t
}

func (r *tokenRepository) Get(ctx context.Context, tokenID string) (domain.Token, error) {
	var out domain.Token
	err := r.do(func(st *state) error {
		t, ok := st.tokens[tokenID]
		if !ok {
			return domain.ErrNotFound
		}
		out = copyToken(t)
		return nil
	})
	return out, err
}

func (r *tokenRepository) GetForUpdate(ctx context.Context, tokenID string) (domain.Token, error) {
	return r.Get(ctx, tokenID)
}

func (r *tokenRepository) Create(ctx context.Context, token domain.Token) error {
	return r.do(func(st *state) error {
		if _, ok := st.tokens[token.ID]; ok {
			return domain.ErrConflict
		}
		st.tokens[token.ID] = copyToken(token)
		return nil
	})
}

func (r *tokenRepository) UpdateIfCounter(ctx context.Context, token domain.Token, expectedCounter uint64) error {
	return r.do(func(st *state) error {
		current, ok := st.tokens[token.ID]
		if !ok {
			return domain.ErrNotFound
		}
		if current.TransferCounter != expectedCounter {
			return domain.ErrStale
		}
		st.tokens[token.ID] = copyToken(token)
		return nil
	})
}

type pendingRepository struct{ do access }

func copyPending(p domain.PendingTransfer) domain.PendingTransfer {
	p.Nonce = append([]byte(nil), p.Nonce...)
	p.ChainHash = append([]byte(nil), p.ChainHash...)
	if p.PaymentClearedAt != nil {
		ts := *p.PaymentClearedAt
		p.PaymentClearedAt = &ts
	}
	return p
}

func (r *pendingRepository) Get(ctx context.Context, tokenID string) (domain.PendingTransfer, error) {
	var out domain.PendingTransfer
	err := r.do(func(st *state) error {
		p, ok := st.pending[tokenID]
		if !ok {
			return domain.ErrNotFound
		}
		out = copyPending(p)
		return nil
	})
	return out, err
}

func (r *pendingRepository) GetForUpdate(ctx context.Context, tokenID string) (domain.PendingTransfer, error) {
	return r.Get(ctx, tokenID)
}

func (r *pendingRepository) Create(ctx context.Context, pending domain.PendingTransfer) error {
	return r.do(func(st *state) error {
		if _, ok := st.pending[pending.TokenID]; ok {
			return domain.ErrAlreadyPending
		}
		st.pending[pending.TokenID] = copyPending(pending)
		return nil
	})
}

func (r *pendingRepository) MarkPaymentCleared(ctx context.Context, tokenID, transferID string, at time.Time) error {
	return r.do(func(st *state) error {
		p, ok := st.pending[tokenID]
		if !ok || p.TransferID != transferID {
			return domain.ErrNotFound
		}
		ts := at
		p.PaymentClearedAt = &ts
		st.pending[tokenID] = p
		return nil
	})
}

func (r *pendingRepository) Delete(ctx context.Context, tokenID, transferID string) error {
	return r.do(func(st *state) error {
		p, ok := st.pending[tokenID]
		if !ok || p.TransferID != transferID {
			return domain.ErrNotFound
		}
		delete(st.pending, tokenID)
		return nil
	})
}

func (r *pendingRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) ([]domain.PendingTransfer, error) {
	var out []domain.PendingTransfer
	err := r.do(func(st *state) error {
		ids := make([]string, 0, len(st.pending))
		for id := range st.pending {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			p := st.pending[id]
			if p.State != domain.TransferOpen || !p.ExpiredAt(now) {
				continue
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			out = append(out, copyPending(p))
			delete(st.pending, id)
		}
		return nil
	})
	return out, err
}

type sessionRepository struct{ do access }

func copySession(s domain.Session) domain.Session {
	s.SealedState = append([]byte(nil), s.SealedState...)
	if s.Proof != nil {
		p := *s.Proof
		p.ChainHash = append([]byte(nil), p.ChainHash...)
		s.Proof = &p
	}
	return s
}

func (r *sessionRepository) Get(ctx context.Context, sessionID string) (domain.Session, error) {
	var out domain.Session
	err := r.do(func(st *state) error {
		s, ok := st.sessions[sessionID]
		if !ok {
			return domain.ErrNotFound
		}
		out = copySession(s)
		return nil
	})
	return out, err
}

func (r *sessionRepository) GetForUpdate(ctx context.Context, sessionID string) (domain.Session, error) {
	return r.Get(ctx, sessionID)
}

func (r *sessionRepository) Create(ctx context.Context, session domain.Session) error {
	return r.do(func(st *state) error {
		if _, ok := st.sessions[session.ID]; ok {
			return domain.ErrConflict
		}
		st.sessions[session.ID] = copySession(session)
		return nil
	})
}

func (r *sessionRepository) Update(ctx context.Context, session domain.Session) error {
	return r.do(func(st *state) error {
		if _, ok := st.sessions[session.ID]; !ok {
			return domain.ErrNotFound
		}
		st.sessions[session.ID] = copySession(session)
		return nil
	})
}

func (r *sessionRepository) LatestProved(ctx context.Context, tokenID, userID string) (domain.Session, error) {
	var out domain.Session
	err := r.do(func(st *state) error {
		found := false
		for _, s := range st.sessions {
			if s.TokenID != tokenID || s.UserID != userID || s.Proof == nil {
				continue
			}
			if !found || s.CreatedAt.After(out.CreatedAt) {
				out = copySession(s)
				found = true
			}
		}
		if !found {
			return domain.ErrNotFound
		}
		return nil
	})
	return out, err
}

func (r *sessionRepository) DeleteExpired(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	n := 0
	err := r.do(func(st *state) error {
		for id, s := range st.sessions {
			if limit > 0 && n >= limit {
				break
			}
			if s.ExpiresAt.Before(cutoff) {
				delete(st.sessions, id)
				n++
			}
		}
		return nil
	})
	return n, err
}

type lockRepository struct{ do access }

func (r *lockRepository) TryAcquire(ctx context.Context, lock domain.TokenLock, now time.Time) (bool, error) {
	acquired := false
	err := r.do(func(st *state) error {
		current, ok := st.locks[lock.TokenID]
		if ok && current.HeldAt(now) {
			return nil
		}
		st.locks[lock.TokenID] = lock
		acquired = true
		return nil
	})
	return acquired, err
}

func (r *lockRepository) Get(ctx context.Context, tokenID string) (domain.TokenLock, error) {
	var out domain.TokenLock
	err := r.do(func(st *state) error {
		l, ok := st.locks[tokenID]
		if !ok {
			return domain.ErrNotFound
		}
		out = l
		return nil
	})
	return out, err
}

func (r *lockRepository) Release(ctx context.Context, tokenID, sessionID string) error {
	return r.do(func(st *state) error {
		l, ok := st.locks[tokenID]
		if ok && l.SessionID == sessionID {
			delete(st.locks, tokenID)
		}
		return nil
	})
}

type ledgerRepository struct{ do access }

func (r *ledgerRepository) Append(ctx context.Context, event domain.LedgerEvent) error {
	return r.do(func(st *state) error {
		for _, e := range st.ledger {
			if e.EventID == event.EventID {
				return domain.ErrConflict
			}
		}
		event.ChainHash = append([]byte(nil), event.ChainHash...)
		event.Signature = append([]byte(nil), event.Signature...)
		st.ledger = append(st.ledger, event)
		return nil
	})
}

func (r *ledgerRepository) ListByToken(ctx context.Context, tokenID string) ([]domain.LedgerEvent, error) {
	var out []domain.LedgerEvent
	err := r.do(func(st *state) error {
		for _, e := range st.ledger {
			if e.TokenID == tokenID {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

type outboxRepository struct{ do access }

func (r *outboxRepository) Enqueue(ctx context.Context, event domain.OutboxEvent) error {
	return r.do(func(st *state) error {
		st.outbox = append(st.outbox, outboxRow{event: event})
		return nil
	})
}

func (r *outboxRepository) ClaimUnpublished(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	var out []domain.OutboxEvent
	err := r.do(func(st *state) error {
		for _, row := range st.outbox {
			if row.event.PublishedAt != nil {
				continue
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			out = append(out, row.event)
		}
		return nil
	})
	return out, err
}

func (r *outboxRepository) MarkPublished(ctx context.Context, id string, at time.Time) error {
	return r.do(func(st *state) error {
		for i := range st.outbox {
			if st.outbox[i].event.ID == id {
				ts := at
				st.outbox[i].event.PublishedAt = &ts
				return nil
			}
		}
		return domain.ErrNotFound
	})
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id string, reason string, at time.Time) error {
	return r.do(func(st *state) error {
		for i := range st.outbox {
			if st.outbox[i].event.ID == id {
				st.outbox[i].lastError = reason
				st.outbox[i].retries++
				return nil
			}
		}
		return domain.ErrNotFound
	})
}
