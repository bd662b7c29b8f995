package transfer

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/schjonhaug/tapcustody/internal/domain"
	"github.com/schjonhaug/tapcustody/internal/keys"
	"github.com/schjonhaug/tapcustody/internal/ports"
	"github.com/schjonhaug/tapcustody/internal/session"
)

const (
	DefaultWindow = 10 * time.Minute
	nonceSize     = 16
)

type Config struct {
	Window time.Duration
}

type Dependencies struct {
	Config   Config
	Store    ports.Store
	Sessions *session.Coordinator
	Risk     ports.RiskGate
	Receipts *keys.ReceiptSigner
	NowFn    func() time.Time
}

// Coordinator runs the two phase custody transfer and owns every write to tokens, pending
// transfers and the ledger.
type Coordinator struct {
	store    ports.Store
	sessions *session.Coordinator
	risk     ports.RiskGate
	receipts *keys.ReceiptSigner
	window   time.Duration
	nowFn    func() time.Time
	newID    func() string
	random   io.Reader
}

func NewCoordinator(deps Dependencies) *Coordinator {
	window := deps.Config.Window
	if window <= 0 {
		window = DefaultWindow
	}
	nowFn := deps.NowFn
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{
		store:    deps.Store,
		sessions: deps.Sessions,
		risk:     deps.Risk,
		receipts: deps.Receipts,
		window:   window,
		nowFn:    nowFn,
		newID:    uuid.NewString,
		random:   rand.Reader,
	}
}

type InitiateRequest struct {
	CallerID        string
	TokenID         string
	ToID            string
	RequiresPayment bool
}

// Initiate opens a transfer window for the token. Ownership is read inside the transaction
// that creates the pending record.
func (c *Coordinator) Initiate(ctx context.Context, req InitiateRequest) (domain.PendingTransfer, error) {

	if req.TokenID == "" || req.CallerID == "" {
		return domain.PendingTransfer{}, fmt.Errorf("%w: token and caller are required", domain.ErrInvalidInput)
	}
	if req.ToID == req.CallerID {
		return domain.PendingTransfer{}, fmt.Errorf("%w: cannot transfer to yourself", domain.ErrInvalidInput)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return domain.PendingTransfer{}, err
	}

	var pending domain.PendingTransfer

	err := c.store.WithinTx(ctx, func(ctx context.Context, repos ports.Repositories) error {

		now := c.nowFn()

		token, err := repos.Tokens.GetForUpdate(ctx, req.TokenID)
		if err != nil {
			return err
		}
		if token.Status != domain.TokenActive {
			return domain.ErrTokenInactive
		}
		if !token.IsOwnedBy(req.CallerID) {
			return domain.ErrNotOwner
		}

		expected := token.TransferCounter + 1
		pending = domain.PendingTransfer{
			TokenID:         token.ID,
			TransferID:      c.newID(),
			FromID:          req.CallerID,
			ToID:            req.ToID,
			ExpectedCounter: expected,
			Nonce:           nonce,
			ChainHash:       ChainLink(token.ChainHead, expected, nonce),
			State:           domain.TransferOpen,
			RequiresPayment: req.RequiresPayment,
			CreatedAt:       now,
			ExpiresAt:       now.Add(c.window),
		}

		if err := repos.Pending.Create(ctx, pending); err != nil {
			return err
		}

		return c.enqueue(ctx, repos, domain.EventTransferInitiated, token.ID, transferPayload(pending), now)

	})
	if err != nil {
		return domain.PendingTransfer{}, err
	}

	slog.Info("transfer initiated", "module", "transfer", "operation", "initiate", "token_id", pending.TokenID, "transfer_id", pending.TransferID, "expires_at", pending.ExpiresAt)

	return pending, nil

}

// ChainLink is the next link of a token's anti-replay chain.
func ChainLink(head []byte, counter uint64, nonce []byte) []byte {
	h := sha256.New()
	h.Write(head)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	h.Write(ctr[:])
	h.Write(nonce)
	return h.Sum(nil)
}

type FinalizeResult struct {
	Token domain.Token
	Event domain.LedgerEvent
}

// Finalize moves custody to caller if the caller's live session carries a proof for the
// pending link. Every check and write happens in one transaction; any failure commits nothing.
func (c *Coordinator) Finalize(ctx context.Context, callerID, tokenID string) (FinalizeResult, error) {

	if tokenID == "" || callerID == "" {
		return FinalizeResult{}, fmt.Errorf("%w: token and caller are required", domain.ErrInvalidInput)
	}

	var result FinalizeResult

	err := c.store.WithinTx(ctx, func(ctx context.Context, repos ports.Repositories) error {

		now := c.nowFn()

		token, err := repos.Tokens.GetForUpdate(ctx, tokenID)
		if err != nil {
			return err
		}

		sess, err := c.sessions.LiveForToken(ctx, repos, tokenID, callerID)
		hasSession := err == nil
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		pending, err := repos.Pending.GetForUpdate(ctx, tokenID)
		if errors.Is(err, domain.ErrNotFound) {
			return c.missingPending(ctx, repos, token, callerID, sess, hasSession)
		}
		if err != nil {
			return err
		}

		if pending.State != domain.TransferOpen {
			return domain.ErrNotFound
		}
		if pending.ExpiredAt(now) {
			return domain.ErrExpired
		}
		if !pending.ReservedFor(callerID) || token.IsOwnedBy(callerID) {
			return domain.ErrNotRecipient
		}
		if !hasSession || !sess.Phase.Authorized() || sess.Proof == nil {
			return domain.ErrProofRequired
		}
		if !pending.Matches(*sess.Proof) {
			return domain.ErrReplay
		}
		if !pending.PaymentSettled() {
			return domain.ErrPaymentPending
		}
		if pending.ExpectedCounter != token.TransferCounter+1 {
			return domain.ErrStale
		}

		if err := c.evaluateRisk(ctx, token, pending, callerID); err != nil {
			return err
		}

		next := token.Transferred(callerID, pending.ChainHash, now)
		if err := repos.Tokens.UpdateIfCounter(ctx, next, token.TransferCounter); err != nil {
			return err
		}

		event, err := c.ledgerEvent(domain.LedgerEvent{
			TokenID:        tokenID,
			FromOwner:      token.OwnerID,
			ToOwner:        callerID,
			Counter:        next.TransferCounter,
			ChainHash:      pending.ChainHash,
			Timestamp:      now,
			Method:         domain.MethodPhysicalTransfer,
			TransactionRef: pending.TransferID,
		})
		if err != nil {
			return err
		}
		if err := repos.Ledger.Append(ctx, event); err != nil {
			return err
		}

		if err := c.enqueue(ctx, repos, domain.EventTransferCommitted, tokenID, ledgerPayload(event), now); err != nil {
			return err
		}

		if err := repos.Pending.Delete(ctx, tokenID, pending.TransferID); err != nil {
			return err
		}

		if err := c.sessions.Complete(ctx, repos, &sess); err != nil {
			return err
		}

		result = FinalizeResult{Token: next, Event: event}
		return nil

	})
	if err != nil {
		slog.Info("transfer rejected", "module", "transfer", "operation", "finalize", "token_id", tokenID, "outcome", domain.Code(err))
		return FinalizeResult{}, err
	}

	slog.Info("transfer committed", "module", "transfer", "operation", "finalize", "token_id", tokenID, "counter", result.Token.TransferCounter)

	return result, nil

}

// missingPending tells a caller who lost the race for a link already committed (STALE) from
// one with nothing to finalize (NOT_FOUND). The winner's commit finishes its session and
// frees the lock, so the caller's finished sessions are consulted as well.
func (c *Coordinator) missingPending(ctx context.Context, repos ports.Repositories, token domain.Token, callerID string, sess domain.Session, hasSession bool) error {
	var proof *domain.TransferProof
	if hasSession && sess.Proof != nil {
		proof = sess.Proof
	} else {
		latest, err := c.sessions.LatestProof(ctx, repos, token.ID, callerID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if err == nil {
			proof = &latest
		}
	}
	if proof != nil && proof.Counter <= token.TransferCounter {
		return domain.ErrStale
	}
	return domain.ErrNotFound
}

// evaluateRisk fails closed: an unreachable gate denies.
func (c *Coordinator) evaluateRisk(ctx context.Context, token domain.Token, pending domain.PendingTransfer, callerID string) error {

	if c.risk == nil {
		return nil
	}

	decision, err := c.risk.Evaluate(ctx, ports.RiskRequest{
		TokenID:    token.ID,
		TransferID: pending.TransferID,
		FromID:     token.OwnerID,
		ToID:       callerID,
		Counter:    pending.ExpectedCounter,
	})
	if err != nil {
		return fmt.Errorf("%w: gate unavailable: %v", domain.ErrRiskDenied, err)
	}
	if !decision.Allow {
		return fmt.Errorf("%w: %s", domain.ErrRiskDenied, decision.Reason)
	}
	return nil

}

// ValidateProofTarget returns the pending transfer a receiver session must prove against.
func (c *Coordinator) ValidateProofTarget(ctx context.Context, repos ports.Repositories, tokenID string, now time.Time) (domain.PendingTransfer, error) {
	pending, err := repos.Pending.Get(ctx, tokenID)
	if err != nil {
		return domain.PendingTransfer{}, err
	}
	if pending.State != domain.TransferOpen {
		return domain.PendingTransfer{}, domain.ErrNotFound
	}
	if pending.ExpiredAt(now) {
		return domain.PendingTransfer{}, domain.ErrExpired
	}
	return pending, nil
}

// MarkPaymentCleared is the payment processor's single callback into the transfer core.
func (c *Coordinator) MarkPaymentCleared(ctx context.Context, tokenID, transferID string) error {
	return c.store.WithinTx(ctx, func(ctx context.Context, repos ports.Repositories) error {
		now := c.nowFn()
		pending, err := repos.Pending.GetForUpdate(ctx, tokenID)
		if err != nil {
			return err
		}
		if pending.TransferID != transferID || pending.State != domain.TransferOpen {
			return domain.ErrNotFound
		}
		if pending.ExpiredAt(now) {
			return domain.ErrExpired
		}
		return repos.Pending.MarkPaymentCleared(ctx, tokenID, transferID, now)
	})
}

// Sweep deletes expired pending transfers in batches of limit. Owners are untouched.
func (c *Coordinator) Sweep(ctx context.Context, limit int) (int, error) {

	var expired []domain.PendingTransfer

	err := c.store.WithinTx(ctx, func(ctx context.Context, repos ports.Repositories) error {
		now := c.nowFn()
		var err error
		expired, err = repos.Pending.DeleteExpired(ctx, now, limit)
		if err != nil {
			return err
		}
		for _, p := range expired {
			p.State = domain.TransferExpired
			if err := c.enqueue(ctx, repos, domain.EventTransferExpired, p.TokenID, transferPayload(p), now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweep pending transfers: %w", err)
	}

	if len(expired) > 0 {
		slog.Info("pending transfers expired", "module", "transfer", "operation", "sweep", "count", len(expired))
	}

	return len(expired), nil

}

func (c *Coordinator) ledgerEvent(e domain.LedgerEvent) (domain.LedgerEvent, error) {
	e.EventID = c.newID()
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	if c.receipts != nil {
		sig, err := c.receipts.Sign(e.ReceiptDigest())
		if err != nil {
			return domain.LedgerEvent{}, fmt.Errorf("sign receipt: %w", err)
		}
		e.Signature = sig
	}
	return e, nil
}

func (c *Coordinator) enqueue(ctx context.Context, repos ports.Repositories, eventType, tokenID string, payload []byte, now time.Time) error {
	return repos.Outbox.Enqueue(ctx, domain.OutboxEvent{
		ID:           c.newID(),
		EventType:    eventType,
		PartitionKey: tokenID,
		Payload:      payload,
		CreatedAt:    now,
	})
}
