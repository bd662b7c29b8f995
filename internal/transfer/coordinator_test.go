package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/schjonhaug/tapcustody/internal/adapters/memory"
	"github.com/schjonhaug/tapcustody/internal/domain"
	"github.com/schjonhaug/tapcustody/internal/keys"
	"github.com/schjonhaug/tapcustody/internal/lock"
	"github.com/schjonhaug/tapcustody/internal/ports"
	"github.com/schjonhaug/tapcustody/internal/session"
)

const testToken = "04512A7B119080"

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticRisk struct {
	decision ports.RiskDecision
	err      error
}

func (r staticRisk) Evaluate(context.Context, ports.RiskRequest) (ports.RiskDecision, error) {
	return r.decision, r.err
}

type harness struct {
	clock     *clock
	store     *memory.Store
	sessions  *session.Coordinator
	transfers *Coordinator
	receipts  *keys.ReceiptSigner
}

func newHarness(t *testing.T, risk ports.RiskGate) *harness {
	t.Helper()

	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.NewStore()
	sessions := session.NewCoordinator(store, lock.NewManager(c.Now), session.Config{TTL: 30 * time.Second}, c.Now)
	receipts, err := keys.NewReceiptSigner("")
	if err != nil {
		t.Fatalf("receipts: %v", err)
	}
	if risk == nil {
		risk = staticRisk{decision: ports.RiskDecision{Allow: true}}
	}
	transfers := NewCoordinator(Dependencies{
		Store:    store,
		Sessions: sessions,
		Risk:     risk,
		Receipts: receipts,
		NowFn:    c.Now,
	})

	h := &harness{clock: c, store: store, sessions: sessions, transfers: transfers, receipts: receipts}

	if _, err := transfers.Issue(context.Background(), IssueRequest{
		TokenID:        testToken,
		OwnerID:        "u1",
		KeyFingerprint: "kfp1test",
	}); err != nil {
		t.Fatalf("issue: %v", err)
	}

	return h
}

// provePossession opens a receiver session and stores a verified proof on it, standing in for
// the card exchange.
func (h *harness) provePossession(t *testing.T, userID string, proof domain.TransferProof) domain.Session {
	t.Helper()

	res, err := h.sessions.Open(context.Background(), session.OpenRequest{
		TokenID:      testToken,
		UserID:       userID,
		AllowUnowned: true,
	}, func(context.Context, *session.Tx) error { return nil })
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if res.Outcome != lock.Acquired {
		t.Fatalf("open session outcome = %s", res.Outcome)
	}

	s := res.Session
	s.Phase = domain.PhaseFileOp
	s.Proof = &proof
	if err := h.store.Repositories().Sessions.Update(context.Background(), s); err != nil {
		t.Fatalf("update session: %v", err)
	}
	return s
}

func proofFor(p domain.PendingTransfer) domain.TransferProof {
	return domain.TransferProof{TransferID: p.TransferID, Counter: p.ExpectedCounter, ChainHash: p.ChainHash}
}

func (h *harness) token(t *testing.T) domain.Token {
	t.Helper()
	tok, err := h.store.Repositories().Tokens.Get(context.Background(), testToken)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	return tok
}

func TestInitiateAndFinalizeMovesCustody(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	pending, err := h.transfers.Initiate(ctx, InitiateRequest{CallerID: "u1", TokenID: testToken})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if pending.ExpectedCounter != 1 {
		t.Fatalf("expected counter = %d", pending.ExpectedCounter)
	}
	if !pending.ExpiresAt.Equal(h.clock.Now().Add(DefaultWindow)) {
		t.Fatalf("expires at = %s", pending.ExpiresAt)
	}

	s := h.provePossession(t, "u2", proofFor(pending))

	res, err := h.transfers.Finalize(ctx, "u2", testToken)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	tok := h.token(t)
	if tok.OwnerID != "u2" || tok.TransferCounter != 1 {
		t.Fatalf("token after finalize = %+v", tok)
	}
	if len(tok.PreviousOwners) != 1 || tok.PreviousOwners[0] != "u1" {
		t.Fatalf("previous owners = %v", tok.PreviousOwners)
	}
	if string(tok.ChainHead) != string(pending.ChainHash) {
		t.Fatalf("chain head not advanced")
	}

	if _, err := h.store.Repositories().Pending.Get(ctx, testToken); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("pending after finalize err = %v, want deleted", err)
	}

	done, err := h.store.Repositories().Sessions.Get(ctx, s.ID)
	if err != nil || done.Phase != domain.PhaseDone {
		t.Fatalf("session after finalize = %s, %v", done.Phase, err)
	}
	if _, err := h.store.Repositories().Locks.Get(ctx, testToken); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("lock after finalize err = %v, want released", err)
	}

	events, err := h.transfers.Ledger(ctx, "u1", testToken)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(events) != 2 || events[1].Method != domain.MethodPhysicalTransfer || events[1].ToOwner != "u2" {
		t.Fatalf("ledger = %+v", events)
	}
	if err := keys.VerifyReceipt(h.receipts.PublicKey(), res.Event.ReceiptDigest(), res.Event.Signature); err != nil {
		t.Fatalf("receipt: %v", err)
	}
}

func TestInitiateRejections(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.transfers.Initiate(ctx, InitiateRequest{CallerID: "u3", TokenID: testToken}); !errors.Is(err, domain.ErrNotOwner) {
		t.Fatalf("non-owner initiate err = %v, want NOT_OWNER", err)
	}
	if _, err := h.transfers.Initiate(ctx, InitiateRequest{CallerID: "u1", TokenID: testToken}); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := h.transfers.Initiate(ctx, InitiateRequest{CallerID: "u1", TokenID: testToken}); !errors.Is(err, domain.ErrAlreadyPending) {
		t.Fatalf("second initiate err = %v, want ALREADY_PENDING", err)
	}
}

func TestSweepRemovesExpiredTransfer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.transfers.Initiate(ctx, InitiateRequest{CallerID: "u1", TokenID: testToken}); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	h.clock.Advance(DefaultWindow - time.Second)
	if n, err := h.transfers.Sweep(ctx, 10); err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v", n, err)
	}

	h.clock.Advance(time.Second)
	if n, err := h.transfers.Sweep(ctx, 10); err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v", n, err)
	}

	if tok := h.token(t); tok.OwnerID != "u1" {
		t.Fatalf("owner after sweep = %s", tok.OwnerID)
	}
	if _, err := h.transfers.Initiate(ctx, InitiateRequest{CallerID: "u1", TokenID: testToken}); err != nil {
		t.Fatalf("initiate after sweep: %v", err)
	}
}

func TestFinalizeRejectionOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("no pending transfer", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		if _, err := h.transfers.Finalize(ctx, "u2", testToken); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("err = %v, want NOT_FOUND", err)
		}
	})

	t.Run("expired at the deadline", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		p, _ := h.transfers.Initiate(ctx, InitiateRequest{CallerID: "u1", TokenID: testToken})
		h.provePossession(t, "u2", proofFor(p))
		h.clock.Advance(DefaultWindow)
		if _, err := h.transfers.Finalize(ctx, "u2", testToken); !errors.Is(err, domain.ErrExpired) {
			t.Fatalf("err = %v, want EXPIRED", err)
		}
	})

	t.Run("reserved for someone else", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		if _, err := h.transfers.Initiate(ctx, InitiateRequest{CallerID: "u1", TokenID: testToken, ToID: "u2"}); err != nil {
			t.Fatalf("initiate: %v", err)
		}
		if _, err := h.transfers.Finalize(ctx, "u3", testToken); !errors.Is(err, domain.ErrNotRecipient) {
			t.Fatalf("err = %v, want NOT_RECIPIENT", err)
		}
	})

	t.Run("no possession proof", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		if _, err := h.transfers.Initiate(ctx, InitiateRequest{CallerID: "u1", TokenID: testToken}); err != nil {
			t.Fatalf("initiate: %v", err)
		}
		if _, err := h.transfers.Finalize(ctx, "u2", testToken); !errors.Is(err, domain.ErrProofRequired) {
			t.Fatalf("err = %v, want PROOF_REQUIRED", err)
		}
	})

	t.Run("proof for another link", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		p, _ := h.transfers.Initiate(ctx, InitiateRequest{CallerID: "u1", TokenID: testToken})
		proof := proofFor(p)
		proof.ChainHash = append([]byte(nil), proof.ChainHash...)
		proof.ChainHash[0] ^= 0xFF
		h.provePossession(t, "u2", proof)
		if _, err := h.transfers.Finalize(ctx, "u2", testToken); !errors.Is(err, domain.ErrReplay) {
			t.Fatalf("err = %v, want REPLAY", err)
		}
	})

	t.Run("payment not cleared", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, nil)
		p, _ := h.transfers.Initiate(ctx, InitiateRequest{CallerID: "u1", TokenID: testToken, RequiresPayment: true})
		h.provePossession(t, "u2", proofFor(p))
		if _, err := h.transfers.Finalize(ctx, "u2", testToken); !errors.Is(err, domain.ErrPaymentPending) {
			t.Fatalf("err = %v, want PAYMENT_PENDING", err)
		}
		if err := h.transfers.MarkPaymentCleared(ctx, testToken, p.TransferID); err != nil {
			t.Fatalf("payment cleared: %v", err)
		}
		if _, err := h.transfers.Finalize(ctx, "u2", testToken); err != nil {
			t.Fatalf("finalize after payment: %v", err)
		}
	})

	t.Run("risk gate denies", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, staticRisk{decision: ports.RiskDecision{Allow: false, Reason: "velocity"}})
		p, _ := h.transfers.Initiate(ctx, InitiateRequest{CallerID: "u1", TokenID: testToken})
		h.provePossession(t, "u2", proofFor(p))
		if _, err := h.transfers.Finalize(ctx, "u2", testToken); !errors.Is(err, domain.ErrRiskDenied) {
			t.Fatalf("err = %v, want RISK_DENIED", err)
		}
		if tok := h.token(t); tok.OwnerID != "u1" {
			t.Fatalf("owner changed after denial: %s", tok.OwnerID)
		}
	})

	t.Run("risk gate unreachable fails closed", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, staticRisk{err: errors.New("connection refused")})
		p, _ := h.transfers.Initiate(ctx, InitiateRequest{CallerID: "u1", TokenID: testToken})
		h.provePossession(t, "u2", proofFor(p))
		if _, err := h.transfers.Finalize(ctx, "u2", testToken); !errors.Is(err, domain.ErrRiskDenied) {
			t.Fatalf("err = %v, want RISK_DENIED", err)
		}
	})
}

func TestCommittedProofCannotClaimNextTransfer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	p, _ := h.transfers.Initiate(ctx, InitiateRequest{CallerID: "u1", TokenID: testToken})
	proof := proofFor(p)
	h.provePossession(t, "u2", proof)
	if _, err := h.transfers.Finalize(ctx, "u2", testToken); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	// u3 replays the committed link from a fresh session after u2 starts a new transfer.
	p2, err := h.transfers.Initiate(ctx, InitiateRequest{CallerID: "u2", TokenID: testToken})
	if err != nil {
		t.Fatalf("second initiate: %v", err)
	}
	h.provePossession(t, "u3", proof)
	if _, err := h.transfers.Finalize(ctx, "u3", testToken); !errors.Is(err, domain.ErrReplay) {
		t.Fatalf("err = %v, want REPLAY", err)
	}
	if p2.ExpectedCounter != 2 {
		t.Fatalf("second expected counter = %d", p2.ExpectedCounter)
	}
}

func TestStaleWhenPendingAlreadyCommitted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	p, _ := h.transfers.Initiate(ctx, InitiateRequest{CallerID: "u1", TokenID: testToken})
	s := h.provePossession(t, "u2", proofFor(p))

	// A concurrent finalize committed first: the counter moved and the pending row is gone,
	// while the loser's session still carries its proof.
	err := h.store.WithinTx(ctx, func(ctx context.Context, repos ports.Repositories) error {
		tok, err := repos.Tokens.Get(ctx, testToken)
		if err != nil {
			return err
		}
		next := tok.Transferred("u9", p.ChainHash, h.clock.Now())
		if err := repos.Tokens.UpdateIfCounter(ctx, next, tok.TransferCounter); err != nil {
			return err
		}
		return repos.Pending.Delete(ctx, testToken, p.TransferID)
	})
	if err != nil {
		t.Fatalf("concurrent commit: %v", err)
	}

	if _, err := h.transfers.Finalize(ctx, "u2", testToken); !errors.Is(err, domain.ErrStale) {
		t.Fatalf("err = %v, want STALE", err)
	}

	if got, _ := h.store.Repositories().Sessions.Get(ctx, s.ID); got.Phase != domain.PhaseFileOp {
		t.Fatalf("rejected finalize changed the session to %s", got.Phase)
	}
}

func TestConcurrentFinalizeLoserIsStale(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	p, err := h.transfers.Initiate(ctx, InitiateRequest{CallerID: "u1", TokenID: testToken})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	s := h.provePossession(t, "u2", proofFor(p))

	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = h.transfers.Finalize(ctx, "u2", testToken)
		}(i)
	}
	close(start)
	wg.Wait()

	committed, stale := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			committed++
		case errors.Is(err, domain.ErrStale):
			stale++
		default:
			t.Fatalf("unexpected finalize err = %v (code %s)", err, domain.Code(err))
		}
	}
	if committed != 1 || stale != 1 {
		t.Fatalf("committed=%d stale=%d, want one of each", committed, stale)
	}

	if tok := h.token(t); tok.OwnerID != "u2" || tok.TransferCounter != 1 {
		t.Fatalf("token after race = %+v", tok)
	}
	if got, _ := h.store.Repositories().Sessions.Get(ctx, s.ID); got.Phase != domain.PhaseDone {
		t.Fatalf("winner session = %s, want DONE", got.Phase)
	}
	events, err := h.store.Repositories().Ledger.ListByToken(ctx, testToken)
	if err != nil || len(events) != 1 {
		t.Fatalf("ledger = %d events, %v", len(events), err)
	}
}

func TestPreviousOwnersOnlyGrow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	owner := "u1"
	var history [][]string
	for step, receiver := range []string{"u2", "u3", "u4"} {
		p, err := h.transfers.Initiate(ctx, InitiateRequest{CallerID: owner, TokenID: testToken})
		if err != nil {
			t.Fatalf("step %d initiate: %v", step, err)
		}
		h.provePossession(t, receiver, proofFor(p))
		res, err := h.transfers.Finalize(ctx, receiver, testToken)
		if err != nil {
			t.Fatalf("step %d finalize: %v", step, err)
		}

		tok := h.token(t)
		if tok.OwnerID != receiver || res.Token.OwnerID != receiver {
			t.Fatalf("step %d owner = %q, want %q", step, tok.OwnerID, receiver)
		}
		if tok.TransferCounter != uint64(step+1) {
			t.Fatalf("step %d counter = %d, want %d", step, tok.TransferCounter, step+1)
		}
		if n := len(tok.PreviousOwners); n == 0 || tok.PreviousOwners[n-1] != owner {
			t.Fatalf("step %d previous owners = %v, want %q appended", step, tok.PreviousOwners, owner)
		}
		if len(history) > 0 {
			prev := history[len(history)-1]
			if len(tok.PreviousOwners) != len(prev)+1 {
				t.Fatalf("step %d previous owners %v did not grow by one from %v", step, tok.PreviousOwners, prev)
			}
			for i := range prev {
				if tok.PreviousOwners[i] != prev[i] {
					t.Fatalf("step %d rewrote history: %v then %v", step, prev, tok.PreviousOwners)
				}
			}
		}
		history = append(history, append([]string(nil), tok.PreviousOwners...))
		owner = receiver
	}

	if got := history[len(history)-1]; len(got) != 3 || got[0] != "u1" || got[1] != "u2" || got[2] != "u3" {
		t.Fatalf("final previous owners = %v", got)
	}
}

func TestUpdateIfCounterRejectsConcurrentWriter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	tok := h.token(t)

	next := tok.Transferred("u2", []byte{1}, h.clock.Now())
	if err := h.store.Repositories().Tokens.UpdateIfCounter(ctx, next, tok.TransferCounter); err != nil {
		t.Fatalf("first update: %v", err)
	}
	loser := tok.Transferred("u3", []byte{2}, h.clock.Now())
	if err := h.store.Repositories().Tokens.UpdateIfCounter(ctx, loser, tok.TransferCounter); !errors.Is(err, domain.ErrStale) {
		t.Fatalf("second update err = %v, want STALE", err)
	}
}

func TestTokenViewAndLedgerAccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	if _, _, err := h.transfers.TokenView(ctx, "u2", testToken); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("stranger view err = %v, want FORBIDDEN", err)
	}
	if _, err := h.transfers.Initiate(ctx, InitiateRequest{CallerID: "u1", TokenID: testToken}); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, pending, err := h.transfers.TokenView(ctx, "u2", testToken); err != nil || pending == nil {
		t.Fatalf("view during pending = %v, %v", pending, err)
	}
	if _, err := h.transfers.Ledger(ctx, "u2", testToken); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("stranger ledger err = %v, want FORBIDDEN", err)
	}
}

func TestSetStatusLifecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.transfers.SetStatus(ctx, testToken, domain.TokenLocked); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := h.transfers.Initiate(ctx, InitiateRequest{CallerID: "u1", TokenID: testToken}); !errors.Is(err, domain.ErrTokenInactive) {
		t.Fatalf("initiate on locked token err = %v", err)
	}
	if _, err := h.transfers.SetStatus(ctx, testToken, domain.TokenRetired); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if _, err := h.transfers.SetStatus(ctx, testToken, domain.TokenActive); !errors.Is(err, domain.ErrTokenInactive) {
		t.Fatalf("reactivating a retired token err = %v", err)
	}
}
