package application

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/schjonhaug/tapcustody/internal/adapters/cache"
	"github.com/schjonhaug/tapcustody/internal/adapters/memory"
	"github.com/schjonhaug/tapcustody/internal/apdu"
	"github.com/schjonhaug/tapcustody/internal/domain"
	"github.com/schjonhaug/tapcustody/internal/emulator"
	"github.com/schjonhaug/tapcustody/internal/keys"
	"github.com/schjonhaug/tapcustody/internal/lock"
	"github.com/schjonhaug/tapcustody/internal/protocol"
	"github.com/schjonhaug/tapcustody/internal/session"
	"github.com/schjonhaug/tapcustody/internal/transfer"
)

var testUID = []byte{0x04, 0x51, 0x2A, 0x7B, 0x11, 0x90, 0x80}

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

type fixture struct {
	service *Service
	deriver *keys.Deriver
	factory *btcec.PrivateKey
	card    *emulator.Card
	clock   *clock
	tokenID string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	master := bytes.Repeat([]byte{0x42}, 32)
	deriver, err := keys.NewDeriver(master)
	if err != nil {
		t.Fatalf("deriver: %v", err)
	}
	sealer, err := keys.NewSealer(master)
	if err != nil {
		t.Fatalf("sealer: %v", err)
	}
	receipts, err := keys.NewReceiptSigner("")
	if err != nil {
		t.Fatalf("receipts: %v", err)
	}
	factory, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("factory: %v", err)
	}

	tokenID := protocol.TokenIDFromUID(testUID)
	card, err := emulator.Personalize(deriver, tokenID, testUID, factory)
	if err != nil {
		t.Fatalf("card: %v", err)
	}

	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.NewStore()
	sessions := session.NewCoordinator(store, lock.NewManager(clk.Now), session.Config{}, clk.Now)

	service := NewService(Dependencies{
		Config:   Config{LockoutThreshold: 2, LockoutWindow: time.Minute},
		Engine:   protocol.NewEngine(deriver, sealer).WithClock(clk.Now),
		Deriver:  deriver,
		Sessions: sessions,
		Transfers: transfer.NewCoordinator(transfer.Dependencies{
			Store:    store,
			Sessions: sessions,
			Receipts: receipts,
			NowFn:    clk.Now,
		}),
		Lockouts:    cache.NewMemoryLockoutStore(),
		Receipts:    receipts,
		FactoryRoot: factory.PubKey(),
		NowFn:       clk.Now,
	})

	return &fixture{service: service, deriver: deriver, factory: factory, card: card, clock: clk, tokenID: tokenID}
}

// transmit relays frames to the card and returns the last answer.
func (f *fixture) transmit(t *testing.T, frames [][]byte) []byte {
	t.Helper()
	var last []byte
	for _, frame := range frames {
		rsp, err := f.card.Transmit(frame)
		if err != nil {
			t.Fatalf("transmit: %v", err)
		}
		last = rsp
	}
	return last
}

func (f *fixture) issue(t *testing.T, ownerID string) domain.Token {
	t.Helper()
	challenge, err := f.service.IssuanceChallenge()
	if err != nil {
		t.Fatalf("challenge: %v", err)
	}
	token, err := f.service.IssueToken(context.Background(), IssueTokenRequest{
		AdminID:     "admin",
		OwnerID:     ownerID,
		Originality: f.transmit(t, [][]byte{challenge}),
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return token
}

// authenticate runs a session from BeginAuth to APP_AUTH against the card.
func (f *fixture) authenticate(t *testing.T, userID string, allowUnowned bool) string {
	t.Helper()
	ctx := context.Background()

	begin, err := f.service.BeginAuth(ctx, BeginAuthRequest{TokenID: f.tokenID, UserID: userID, AllowUnowned: allowUnowned})
	if err != nil || begin.Locked {
		t.Fatalf("begin auth: locked=%v err=%v", begin.Locked, err)
	}
	id := begin.SessionID

	frames := begin.Frames
	for {
		res, err := f.service.ContinueAuth(ctx, id, userID, f.transmit(t, frames))
		if err != nil {
			t.Fatalf("continue auth: %v", err)
		}
		if res.Done {
			break
		}
		frames = res.Frames
	}

	setup, err := f.service.SetupAppAndFile(ctx, id, userID)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	for _, frame := range setup.Frames {
		rsp, err := f.card.Transmit(frame)
		if err != nil {
			t.Fatalf("setup transmit: %v", err)
		}
		if sw, _ := apdu.StatusOf(rsp); !sw.Success() && sw != apdu.StatusDuplicate {
			t.Fatalf("setup answered %s", sw)
		}
	}

	app, err := f.service.AuthenticateAppLevel(ctx, id, userID)
	if err != nil {
		t.Fatalf("app auth: %v", err)
	}
	frames = app.Frames
	for len(frames) > 0 {
		res, err := f.service.ContinueAppAuth(ctx, id, userID, f.transmit(t, frames))
		if err != nil {
			t.Fatalf("continue app auth: %v", err)
		}
		frames = res.Frames
	}
	return id
}

// prove writes and reads back the possession record on an authorized session.
func (f *fixture) prove(t *testing.T, sessionID, userID string) (domain.TransferProof, error) {
	t.Helper()
	ctx := context.Background()

	write, err := f.service.WriteTransferData(ctx, sessionID, userID, WriteRequest{GenerateServerKey: true})
	if err != nil {
		t.Fatalf("write transfer data: %v", err)
	}
	if sw, _ := apdu.StatusOf(f.transmit(t, write.Frames)); !sw.Success() {
		t.Fatalf("write answered %s", sw)
	}
	read, err := f.service.ReadFileData(ctx, sessionID, userID, ReadFileRequest{FileNo: protocol.TransferFileNo})
	if err != nil {
		t.Fatalf("read file data: %v", err)
	}
	proof, err := f.service.ValidateCardProof(ctx, sessionID, userID, f.transmit(t, read.Frames))
	if err == nil && proof.SecretFingerprint != write.KeyFingerprint {
		t.Fatalf("proof fingerprint %q, write returned %q", proof.SecretFingerprint, write.KeyFingerprint)
	}
	return proof, err
}

func TestIssueTokenRequiresGenuineChip(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	token := f.issue(t, "u1")
	want, _ := f.deriver.TokenFingerprint(f.tokenID, keys.DefaultVersion)
	if token.ID != f.tokenID || token.OwnerID != "u1" || token.KeyFingerprint != want {
		t.Fatalf("issued token = %+v", token)
	}

	impostor, _ := btcec.NewPrivateKey()
	clone, err := emulator.Personalize(f.deriver, f.tokenID, testUID, impostor)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	challenge, _ := f.service.IssuanceChallenge()
	rsp, err := clone.Transmit(challenge)
	if err != nil {
		t.Fatalf("transmit: %v", err)
	}
	_, err = f.service.IssueToken(context.Background(), IssueTokenRequest{AdminID: "admin", OwnerID: "u1", Originality: rsp})
	if !errors.Is(err, domain.ErrCounterfeit) {
		t.Fatalf("clone issue err = %v, want COUNTERFEIT", err)
	}
}

func TestPhysicalClaimMovesCustody(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.issue(t, "u1")

	pending, err := f.service.InitiateTransfer(ctx, transfer.InitiateRequest{CallerID: "u1", TokenID: f.tokenID})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	id := f.authenticate(t, "u2", true)
	proof, err := f.prove(t, id, "u2")
	if err != nil {
		t.Fatalf("validate proof: %v", err)
	}
	if proof.TransferID != pending.TransferID || proof.Counter != 1 {
		t.Fatalf("proof = %+v", proof)
	}

	res, err := f.service.FinalizeTransfer(ctx, "u2", f.tokenID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.Token.OwnerID != "u2" || res.Token.TransferCounter != 1 {
		t.Fatalf("token = %+v", res.Token)
	}
	if err := keys.VerifyReceipt(f.service.ReceiptPublicKey(), res.Event.ReceiptDigest(), res.Event.Signature); err != nil {
		t.Fatalf("receipt: %v", err)
	}

	sess, err := f.service.GetSession(ctx, id, "u2")
	if err != nil || sess.Phase != domain.PhaseDone {
		t.Fatalf("session = %s, %v", sess.Phase, err)
	}

	// The new owner can start the next session straight away.
	f.authenticate(t, "u2", false)
}

func TestWriteReturnsGeneratedKeyFingerprint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.issue(t, "u1")

	if _, err := f.service.InitiateTransfer(ctx, transfer.InitiateRequest{CallerID: "u1", TokenID: f.tokenID}); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	id := f.authenticate(t, "u2", true)

	write, err := f.service.WriteTransferData(ctx, id, "u2", WriteRequest{GenerateServerKey: true})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !strings.HasPrefix(write.KeyFingerprint, "kfp1") || len(write.Frames) == 0 {
		t.Fatalf("write result = %+v, want frames and a key fingerprint", write)
	}
	f.transmit(t, write.Frames)

	read, err := f.service.ReadFileData(ctx, id, "u2", ReadFileRequest{FileNo: protocol.TransferFileNo, Length: protocol.TransferFileSize})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	proof, err := f.service.ValidateCardProof(ctx, id, "u2", f.transmit(t, read.Frames))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if proof.SecretFingerprint != write.KeyFingerprint {
		t.Fatalf("proof fingerprint %q, want %q", proof.SecretFingerprint, write.KeyFingerprint)
	}
}

func TestRawPayloadWriteAndSizedRead(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.issue(t, "u1")
	id := f.authenticate(t, "u1", false)

	if _, err := f.service.WriteTransferData(ctx, id, "u1", WriteRequest{Payload: []byte("note"), GenerateServerKey: true}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("payload with generated key err = %v, want INVALID_INPUT", err)
	}

	write, err := f.service.WriteTransferData(ctx, id, "u1", WriteRequest{Payload: []byte("note")})
	if err != nil {
		t.Fatalf("payload write: %v", err)
	}
	if write.KeyFingerprint != "" {
		t.Fatalf("raw payload write returned fingerprint %q", write.KeyFingerprint)
	}
	if sw, _ := apdu.StatusOf(f.transmit(t, write.Frames)); !sw.Success() {
		t.Fatalf("payload write answered %s", sw)
	}

	for _, bad := range []ReadFileRequest{
		{FileNo: 0x40, Length: 4},
		{FileNo: protocol.TransferFileNo, Length: protocol.TransferFileSize + 1},
	} {
		if _, err := f.service.ReadFileData(ctx, id, "u1", bad); !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("read %+v err = %v, want INVALID_INPUT", bad, err)
		}
	}

	read, err := f.service.ReadFileData(ctx, id, "u1", ReadFileRequest{FileNo: protocol.TransferFileNo, Length: 4})
	if err != nil {
		t.Fatalf("sized read: %v", err)
	}
	if sw, _ := apdu.StatusOf(f.transmit(t, read.Frames)); !sw.Success() {
		t.Fatalf("sized read answered %s", sw)
	}
	sess, err := f.service.GetSession(ctx, id, "u1")
	if err != nil || sess.Phase != domain.PhaseFileOp {
		t.Fatalf("session = %s, %v", sess.Phase, err)
	}
}

func TestProofFromEarlierTransferIsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.issue(t, "u1")

	if _, err := f.service.InitiateTransfer(ctx, transfer.InitiateRequest{CallerID: "u1", TokenID: f.tokenID}); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	id := f.authenticate(t, "u2", true)
	if _, err := f.prove(t, id, "u2"); err != nil {
		t.Fatalf("prove: %v", err)
	}
	if _, err := f.service.FinalizeTransfer(ctx, "u2", f.tokenID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if _, err := f.service.InitiateTransfer(ctx, transfer.InitiateRequest{CallerID: "u2", TokenID: f.tokenID}); err != nil {
		t.Fatalf("second initiate: %v", err)
	}

	// u3 reads the record u2 left on the chip without writing a fresh one.
	id = f.authenticate(t, "u3", true)
	read, err := f.service.ReadFileData(ctx, id, "u3", ReadFileRequest{FileNo: protocol.TransferFileNo})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, err := f.service.ValidateCardProof(ctx, id, "u3", f.transmit(t, read.Frames)); !errors.Is(err, domain.ErrReplay) {
		t.Fatalf("validate old record err = %v, want REPLAY", err)
	}
	sess, _ := f.service.GetSession(ctx, id, "u3")
	if sess.Phase == domain.PhaseAborted || sess.Proof != nil {
		t.Fatalf("session after replay = %s proof=%v", sess.Phase, sess.Proof)
	}
	if _, err := f.service.FinalizeTransfer(ctx, "u3", f.tokenID); !errors.Is(err, domain.ErrProofRequired) {
		t.Fatalf("finalize err = %v, want PROOF_REQUIRED", err)
	}
}

func TestFinalizeWithoutProofIsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.issue(t, "u1")

	if _, err := f.service.InitiateTransfer(ctx, transfer.InitiateRequest{CallerID: "u1", TokenID: f.tokenID}); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	f.authenticate(t, "u2", true)

	if _, err := f.service.FinalizeTransfer(ctx, "u2", f.tokenID); !errors.Is(err, domain.ErrProofRequired) {
		t.Fatalf("err = %v, want PROOF_REQUIRED", err)
	}
}

func TestSecondSessionIsLocked(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.issue(t, "u1")

	first, err := f.service.BeginAuth(ctx, BeginAuthRequest{TokenID: f.tokenID, UserID: "u1"})
	if err != nil || first.Locked {
		t.Fatalf("first begin: %+v %v", first, err)
	}
	second, err := f.service.BeginAuth(ctx, BeginAuthRequest{TokenID: f.tokenID, UserID: "u1"})
	if err != nil || !second.Locked || second.SessionID != "" {
		t.Fatalf("second begin: %+v %v", second, err)
	}

	f.clock.Advance(session.DefaultTTL)
	third, err := f.service.BeginAuth(ctx, BeginAuthRequest{TokenID: f.tokenID, UserID: "u1"})
	if err != nil || third.Locked {
		t.Fatalf("begin after expiry: %+v %v", third, err)
	}
}

func TestRepeatedAuthFailuresLockOut(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.issue(t, "u1")

	wrong, err := emulator.New(emulator.Config{
		UID:     testUID,
		PICCKey: bytes.Repeat([]byte{0x01}, 16),
		AppKey:  bytes.Repeat([]byte{0x02}, 16),
		Factory: f.factory,
	})
	if err != nil {
		t.Fatalf("card: %v", err)
	}
	f.card = wrong

	for attempt := 0; attempt < 2; attempt++ {
		begin, err := f.service.BeginAuth(ctx, BeginAuthRequest{TokenID: f.tokenID, UserID: "u1"})
		if err != nil || begin.Locked {
			t.Fatalf("attempt %d begin: %+v %v", attempt, begin, err)
		}
		res, err := f.service.ContinueAuth(ctx, begin.SessionID, "u1", f.transmit(t, begin.Frames))
		if err != nil {
			t.Fatalf("attempt %d round 1: %v", attempt, err)
		}
		_, err = f.service.ContinueAuth(ctx, begin.SessionID, "u1", f.transmit(t, res.Frames))
		if !errors.Is(err, domain.ErrCardStatus) {
			t.Fatalf("attempt %d round 2 err = %v, want CARD_ERROR", attempt, err)
		}
		sess, _ := f.service.GetSession(ctx, begin.SessionID, "u1")
		if sess.Phase != domain.PhaseAborted {
			t.Fatalf("attempt %d session = %s", attempt, sess.Phase)
		}
	}

	if _, err := f.service.BeginAuth(ctx, BeginAuthRequest{TokenID: f.tokenID, UserID: "u1"}); !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("begin while locked out err = %v, want RATE_LIMITED", err)
	}

	f.clock.Advance(time.Minute)
	if _, err := f.service.BeginAuth(ctx, BeginAuthRequest{TokenID: f.tokenID, UserID: "u1"}); err != nil {
		t.Fatalf("begin after lockout window: %v", err)
	}
}

func TestChangeKeyRejectsRotation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	token := f.issue(t, "u1")

	id := f.authenticate(t, "u1", false)
	rotated, _ := f.deriver.TokenFingerprint(f.tokenID, 1)
	if _, err := f.service.ChangeKey(ctx, id, "u1", rotated); !errors.Is(err, domain.ErrKeyRotationDisabled) {
		t.Fatalf("err = %v, want KEY_ROTATION_DISABLED", err)
	}

	res, err := f.service.ChangeKey(ctx, id, "u1", token.KeyFingerprint)
	if err != nil {
		t.Fatalf("change key: %v", err)
	}
	if sw, _ := apdu.StatusOf(f.transmit(t, res.Frames)); !sw.Success() {
		t.Fatalf("change key answered %s", sw)
	}
}

func TestSweepExpiresTransfers(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.issue(t, "u1")

	if _, err := f.service.InitiateTransfer(ctx, transfer.InitiateRequest{CallerID: "u1", TokenID: f.tokenID}); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	f.clock.Advance(transfer.DefaultWindow)

	res, err := f.service.Sweep(ctx)
	if err != nil || res.Transfers != 1 {
		t.Fatalf("sweep = %+v, %v", res, err)
	}
	view, err := f.service.GetToken(ctx, "u1", f.tokenID)
	if err != nil || view.Pending != nil {
		t.Fatalf("token view = %+v, %v", view, err)
	}
}
