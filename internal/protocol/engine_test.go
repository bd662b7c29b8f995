package protocol

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/schjonhaug/tapcustody/internal/apdu"
	"github.com/schjonhaug/tapcustody/internal/domain"
	"github.com/schjonhaug/tapcustody/internal/emulator"
	"github.com/schjonhaug/tapcustody/internal/keys"
)

var testUID = []byte{0x04, 0x51, 0x2A, 0x7B, 0x11, 0x90, 0x80}

type fixture struct {
	engine  *Engine
	deriver *keys.Deriver
	card    *emulator.Card
	factory *btcec.PrivateKey
	token   domain.Token
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
	factory, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("factory key: %v", err)
	}

	tokenID := TokenIDFromUID(testUID)
	card, err := emulator.Personalize(deriver, tokenID, testUID, factory)
	if err != nil {
		t.Fatalf("card: %v", err)
	}
	fp, err := deriver.TokenFingerprint(tokenID, keys.DefaultVersion)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}

	return &fixture{
		engine:  NewEngine(deriver, sealer),
		deriver: deriver,
		card:    card,
		factory: factory,
		token:   domain.Token{ID: tokenID, KeyFingerprint: fp, Status: domain.TokenActive},
	}
}

// transmit relays every frame and returns the last response.
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

func (f *fixture) authenticate(t *testing.T, s *domain.Session) {
	t.Helper()

	frames, err := f.engine.BeginAuth(f.token, s)
	if err != nil {
		t.Fatalf("begin auth: %v", err)
	}
	done, frames, err := f.engine.ContinueAuth(f.token, s, f.transmit(t, frames))
	if err != nil || done {
		t.Fatalf("continue auth round 1: done=%v err=%v", done, err)
	}
	done, frames, err = f.engine.ContinueAuth(f.token, s, f.transmit(t, frames))
	if err != nil || !done || len(frames) != 0 {
		t.Fatalf("continue auth round 2: done=%v frames=%d err=%v", done, len(frames), err)
	}

	frames, steps, err := f.engine.SetupAppAndFile(s)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if len(steps) != len(frames) {
		t.Fatalf("expected one frame per step, got %d frames %d steps", len(frames), len(steps))
	}
	for _, frame := range frames {
		rsp, err := f.card.Transmit(frame)
		if err != nil {
			t.Fatalf("setup transmit: %v", err)
		}
		sw, _ := apdu.StatusOf(rsp)
		if !sw.Success() && sw != apdu.StatusDuplicate {
			t.Fatalf("setup step failed with %s", sw)
		}
	}

	frames, err = f.engine.AuthenticateApp(s)
	if err != nil {
		t.Fatalf("app auth: %v", err)
	}
	frames, err = f.engine.ContinueAppAuth(f.token, s, f.transmit(t, frames))
	if err != nil {
		t.Fatalf("continue app auth round 1: %v", err)
	}
	frames, err = f.engine.ContinueAppAuth(f.token, s, f.transmit(t, frames))
	if err != nil || len(frames) != 0 {
		t.Fatalf("continue app auth round 2: frames=%d err=%v", len(frames), err)
	}
	if s.Phase != domain.PhaseAppAuth {
		t.Fatalf("expected APP_AUTH, got %s", s.Phase)
	}
}

func testPending(counter uint64) domain.PendingTransfer {
	chain := sha256.Sum256([]byte{byte(counter)})
	return domain.PendingTransfer{
		TransferID:      "transfer-1",
		ExpectedCounter: counter,
		ChainHash:       chain[:],
		State:           domain.TransferOpen,
	}
}

func TestFullExchangeProducesProof(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := &domain.Session{ID: "session-1"}
	f.authenticate(t, s)

	pending := testPending(1)
	frames, fp, err := f.engine.WriteTransferRecord(s, pending, true)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(frames) < 2 {
		t.Fatalf("expected a chained write, got %d frames", len(frames))
	}
	if fp == "" {
		t.Fatal("expected secret fingerprint")
	}
	rsp := f.transmit(t, frames)
	if sw, _ := apdu.StatusOf(rsp); !sw.Success() {
		t.Fatalf("write answered %s", sw)
	}

	frames, err = f.engine.ReadEncrypted(s, TransferFileNo, TransferFileSize)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	proof, err := f.engine.ValidateTransferProof(s, pending, f.transmit(t, frames))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if proof.Counter != 1 || proof.SecretFingerprint != fp {
		t.Fatalf("unexpected proof %+v", proof)
	}
	if s.Proof == nil || s.Phase != domain.PhaseFileOp {
		t.Fatalf("session not updated: phase=%s proof=%v", s.Phase, s.Proof)
	}
}

func TestSetupIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.authenticate(t, &domain.Session{ID: "first"})
	// Second run meets an existing application and file.
	f.authenticate(t, &domain.Session{ID: "second"})
}

func TestProofForEarlierTransferIsReplay(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := &domain.Session{ID: "session-1"}
	f.authenticate(t, s)

	old := testPending(1)
	frames, _, err := f.engine.WriteTransferRecord(s, old, false)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	f.transmit(t, frames)

	current := testPending(2)
	current.TransferID = "transfer-2"

	frames, err = f.engine.ReadEncrypted(s, TransferFileNo, TransferFileSize)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if _, err := f.engine.ValidateTransferProof(s, current, f.transmit(t, frames)); !errors.Is(err, domain.ErrReplay) {
		t.Fatalf("expected ErrReplay, got %v", err)
	}
	if domain.AbortsSession(domain.ErrReplay) {
		t.Fatal("a replayed record must not be treated as a protocol failure")
	}
}

func TestWrongCardKeyFailsAuthentication(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	other, err := emulator.New(emulator.Config{
		UID:     testUID,
		PICCKey: bytes.Repeat([]byte{0x01}, 16),
		AppKey:  bytes.Repeat([]byte{0x02}, 16),
		Factory: f.factory,
	})
	if err != nil {
		t.Fatalf("card: %v", err)
	}
	f.card = other

	s := &domain.Session{ID: "session-1"}
	frames, err := f.engine.BeginAuth(f.token, s)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	_, frames, err = f.engine.ContinueAuth(f.token, s, f.transmit(t, frames))
	if err != nil {
		t.Fatalf("round 1: %v", err)
	}
	_, _, err = f.engine.ContinueAuth(f.token, s, f.transmit(t, frames))
	if !errors.Is(err, domain.ErrCardStatus) || !domain.AbortsSession(err) {
		t.Fatalf("expected aborting card status error, got %v", err)
	}
}

func TestForgedCardTokenIsCryptoMismatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := &domain.Session{ID: "session-1"}
	frames, _ := f.engine.BeginAuth(f.token, s)
	_, _, err := f.engine.ContinueAuth(f.token, s, f.transmit(t, frames))
	if err != nil {
		t.Fatalf("round 1: %v", err)
	}

	forged, err := apdu.Respond(bytes.Repeat([]byte{0x33}, 32), apdu.StatusOKNative)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	_, _, err = f.engine.ContinueAuth(f.token, s, forged)
	if !errors.Is(err, domain.ErrCryptoMismatch) {
		t.Fatalf("expected ErrCryptoMismatch, got %v", err)
	}
}

func TestOperationDuringOpenChainIsSequenceError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := &domain.Session{ID: "session-1"}
	frames, _ := f.engine.BeginAuth(f.token, s)
	if _, _, err := f.engine.ContinueAuth(f.token, s, f.transmit(t, frames)); err != nil {
		t.Fatalf("round 1: %v", err)
	}

	if _, _, err := f.engine.SetupAppAndFile(s); !errors.Is(err, domain.ErrSequence) {
		t.Fatalf("expected ErrSequence, got %v", err)
	}
	if _, err := f.engine.ContinueAppAuth(f.token, s, []byte{0x91, 0x00}); !errors.Is(err, domain.ErrSequence) {
		t.Fatalf("expected ErrSequence for foreign continuation, got %v", err)
	}
}

func TestInterruptedWriteChainFailsReadBack(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := &domain.Session{ID: "session-1"}
	f.authenticate(t, s)

	pending := testPending(1)
	frames, _, err := f.engine.WriteTransferRecord(s, pending, true)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(frames) < 2 {
		t.Fatalf("expected a chained write, got %d frames", len(frames))
	}
	if sw, _ := apdu.StatusOf(f.transmit(t, frames[:1])); sw != apdu.StatusMoreFrames {
		t.Fatalf("first write frame answered %s, want more frames", sw)
	}

	// The read cuts into the open write chain; the card drops the chain and its keys.
	frames, err = f.engine.ReadEncrypted(s, TransferFileNo, TransferFileSize)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	rsp := f.transmit(t, frames)
	if sw, _ := apdu.StatusOf(rsp); sw != apdu.StatusAborted {
		t.Fatalf("read during open chain answered %s, want aborted", sw)
	}

	_, err = f.engine.ValidateTransferProof(s, pending, rsp)
	if !errors.Is(err, domain.ErrCardStatus) || !domain.AbortsSession(err) {
		t.Fatalf("validate err = %v, want a session aborting CARD_ERROR", err)
	}
	if s.Proof != nil {
		t.Fatal("no proof may be kept from an interrupted write")
	}
}

func TestBeginAuthRejectsFingerprintMismatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.token.KeyFingerprint = "kfp1unknown"
	if _, err := f.engine.BeginAuth(f.token, &domain.Session{ID: "s"}); !errors.Is(err, domain.ErrKeyMismatch) {
		t.Fatalf("expected ErrKeyMismatch, got %v", err)
	}
}

func TestChangeKeyOnlyAcceptsDefaultKey(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := &domain.Session{ID: "session-1"}
	f.authenticate(t, s)

	rotated, err := f.deriver.TokenFingerprint(f.token.ID, 1)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if _, err := f.engine.ChangeKey(f.token, s, rotated); !errors.Is(err, domain.ErrKeyRotationDisabled) {
		t.Fatalf("expected ErrKeyRotationDisabled, got %v", err)
	}

	frames, err := f.engine.ChangeKey(f.token, s, f.token.KeyFingerprint)
	if err != nil {
		t.Fatalf("change key: %v", err)
	}
	for _, frame := range frames {
		if bytes.Contains(frame, mustDerive(t, f, keys.PurposeApp)) {
			t.Fatal("key change frame carries the key in plain form")
		}
	}
	if sw, _ := apdu.StatusOf(f.transmit(t, frames)); !sw.Success() {
		t.Fatalf("change key answered %s", sw)
	}
	if s.Phase != domain.PhaseKeyChange {
		t.Fatalf("expected KEY_CHANGE, got %s", s.Phase)
	}

	// The card still answers to the same default key.
	f.authenticate(t, &domain.Session{ID: "session-2"})
}

func mustDerive(t *testing.T, f *fixture, purpose keys.Purpose) []byte {
	t.Helper()
	key, err := f.deriver.Derive(f.token.ID, purpose, keys.DefaultVersion)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	return key
}

func TestOriginality(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	request, err := OriginalityRequest()
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	response, err := f.card.Transmit(request)
	if err != nil {
		t.Fatalf("transmit: %v", err)
	}

	got, err := VerifyOriginality(response, f.factory.PubKey())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.TokenID != f.token.ID || len(got.Identity) != 23 {
		t.Fatalf("unexpected originality %+v", got)
	}

	impostor, _ := btcec.NewPrivateKey()
	if _, err := VerifyOriginality(response, impostor.PubKey()); !errors.Is(err, domain.ErrCounterfeit) {
		t.Fatalf("expected ErrCounterfeit, got %v", err)
	}
}

func TestSessionStateIsSealed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := &domain.Session{ID: "session-1", CreatedAt: time.Now()}
	f.authenticate(t, s)

	for _, purpose := range []keys.Purpose{keys.PurposePICC, keys.PurposeApp} {
		if bytes.Contains(s.SealedState, mustDerive(t, f, purpose)) {
			t.Fatalf("sealed state exposes %s key", purpose)
		}
	}

	moved := *s
	moved.ID = "session-2"
	if _, err := f.engine.ReadEncrypted(&moved, TransferFileNo, 16); !errors.Is(err, domain.ErrMalformedFrame) {
		t.Fatalf("expected state bound to its session, got %v", err)
	}
}
