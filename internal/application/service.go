package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/schjonhaug/tapcustody/internal/domain"
	"github.com/schjonhaug/tapcustody/internal/keys"
	"github.com/schjonhaug/tapcustody/internal/lock"
	"github.com/schjonhaug/tapcustody/internal/observability"
	"github.com/schjonhaug/tapcustody/internal/ports"
	"github.com/schjonhaug/tapcustody/internal/protocol"
	"github.com/schjonhaug/tapcustody/internal/session"
	"github.com/schjonhaug/tapcustody/internal/transfer"
)

// Service is the remote operation surface of the custody core.
type Service struct {
	cfg         Config
	engine      *protocol.Engine
	deriver     *keys.Deriver
	sessions    *session.Coordinator
	transfers   *transfer.Coordinator
	lockouts    ports.LockoutStore
	receipts    *keys.ReceiptSigner
	factoryRoot *btcec.PublicKey
	nowFn       func() time.Time
}

type Dependencies struct {
	Config      Config
	Engine      *protocol.Engine
	Deriver     *keys.Deriver
	Sessions    *session.Coordinator
	Transfers   *transfer.Coordinator
	Lockouts    ports.LockoutStore
	Receipts    *keys.ReceiptSigner
	FactoryRoot *btcec.PublicKey
	NowFn       func() time.Time
}

func NewService(deps Dependencies) *Service {
	cfg := deps.Config
	if cfg.LockoutThreshold <= 0 {
		cfg.LockoutThreshold = 5
	}
	if cfg.LockoutWindow <= 0 {
		cfg.LockoutWindow = 5 * time.Minute
	}
	if cfg.SessionRetention <= 0 {
		cfg.SessionRetention = time.Hour
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	nowFn := deps.NowFn
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		cfg:         cfg,
		engine:      deps.Engine,
		deriver:     deps.Deriver,
		sessions:    deps.Sessions,
		transfers:   deps.Transfers,
		lockouts:    deps.Lockouts,
		receipts:    deps.Receipts,
		factoryRoot: deps.FactoryRoot,
		nowFn:       nowFn,
	}
}

func lockoutKey(tokenID string) string {
	return "token:" + tokenID
}

// BeginAuth opens a session and returns the first authentication frames.
func (s *Service) BeginAuth(ctx context.Context, req BeginAuthRequest) (res BeginAuthResult, err error) {
	defer func() { record("beginAuth", err) }()

	if s.lockouts != nil {
		state, lerr := s.lockouts.Get(ctx, lockoutKey(req.TokenID))
		if lerr != nil {
			slog.Warn("lockout lookup failed", "module", "application", "operation", "beginAuth", "error", lerr)
		} else if state.Locked(s.nowFn()) {
			return BeginAuthResult{}, domain.ErrRateLimited
		}
	}

	var frames [][]byte
	opened, err := s.sessions.Open(ctx, session.OpenRequest{
		TokenID:      req.TokenID,
		UserID:       req.UserID,
		AllowUnowned: req.AllowUnowned,
	}, func(ctx context.Context, tx *session.Tx) error {
		var err error
		frames, err = s.engine.BeginAuth(tx.Token, tx.Session)
		return err
	})
	if err != nil {
		return BeginAuthResult{}, err
	}
	if opened.Outcome == lock.Locked {
		return BeginAuthResult{Locked: true}, nil
	}

	return BeginAuthResult{SessionID: opened.Session.ID, Frames: frames, ExpiresAt: opened.Session.ExpiresAt}, nil
}

// ContinueAuth consumes one card response of PICC authentication.
func (s *Service) ContinueAuth(ctx context.Context, sessionID, userID string, response []byte) (res ContinueAuthResult, err error) {
	defer func() { record("continueAuth", err) }()

	sess, err := s.sessions.Step(ctx, sessionID, userID,
		[]domain.Phase{domain.PhaseAuthInit, domain.PhaseAuthContinue},
		func(ctx context.Context, tx *session.Tx) error {
			done, frames, err := s.engine.ContinueAuth(tx.Token, tx.Session, response)
			res = ContinueAuthResult{Done: done, Frames: frames}
			return err
		})
	s.trackAuthOutcome(ctx, sess.TokenID, err, res.Done)
	if err != nil {
		return ContinueAuthResult{}, err
	}
	return res, nil
}

// SetupAppAndFile returns the idempotent setup frames. Duplicate answers to them are expected.
func (s *Service) SetupAppAndFile(ctx context.Context, sessionID, userID string) (res SetupResult, err error) {
	defer func() { record("setupAppAndFile", err) }()

	_, err = s.sessions.Step(ctx, sessionID, userID,
		[]domain.Phase{domain.PhaseAuthContinue},
		func(ctx context.Context, tx *session.Tx) error {
			if !tx.Session.Authenticated {
				return fmt.Errorf("%w: authentication has not completed", domain.ErrSequence)
			}
			frames, steps, err := s.engine.SetupAppAndFile(tx.Session)
			res = SetupResult{Frames: frames, Steps: steps}
			return err
		})
	if err != nil {
		return SetupResult{}, err
	}
	return res, nil
}

func (s *Service) AuthenticateAppLevel(ctx context.Context, sessionID, userID string) (res FramesResult, err error) {
	defer func() { record("authenticateAppLevel", err) }()

	_, err = s.sessions.Step(ctx, sessionID, userID,
		[]domain.Phase{domain.PhaseAppSelect},
		func(ctx context.Context, tx *session.Tx) error {
			frames, err := s.engine.AuthenticateApp(tx.Session)
			res = FramesResult{Frames: frames}
			return err
		})
	if err != nil {
		return FramesResult{}, err
	}
	return res, nil
}

// ContinueAppAuth consumes one application authentication response. No frames are returned
// once the session reaches APP_AUTH.
func (s *Service) ContinueAppAuth(ctx context.Context, sessionID, userID string, response []byte) (res FramesResult, err error) {
	defer func() { record("continueAppAuth", err) }()

	sess, err := s.sessions.Step(ctx, sessionID, userID,
		[]domain.Phase{domain.PhaseAppSelect},
		func(ctx context.Context, tx *session.Tx) error {
			frames, err := s.engine.ContinueAppAuth(tx.Token, tx.Session, response)
			res = FramesResult{Frames: frames}
			return err
		})
	s.trackAuthOutcome(ctx, sess.TokenID, err, sess.Phase == domain.PhaseAppAuth)
	if err != nil {
		return FramesResult{}, err
	}
	return res, nil
}

// ReadFileData returns the encrypted read of req.Length bytes of req.FileNo.
func (s *Service) ReadFileData(ctx context.Context, sessionID, userID string, req ReadFileRequest) (res FramesResult, err error) {
	defer func() { record("readFileData", err) }()

	if req.Length == 0 {
		req.Length = protocol.TransferFileSize
	}

	_, err = s.sessions.Step(ctx, sessionID, userID,
		[]domain.Phase{domain.PhaseAppAuth, domain.PhaseFileOp},
		func(ctx context.Context, tx *session.Tx) error {
			frames, err := s.engine.ReadEncrypted(tx.Session, req.FileNo, req.Length)
			res = FramesResult{Frames: frames}
			return err
		})
	if err != nil {
		return FramesResult{}, err
	}
	return res, nil
}

// WriteTransferData writes req.Payload to the transfer file, or without a payload the
// possession record of the token's pending transfer.
func (s *Service) WriteTransferData(ctx context.Context, sessionID, userID string, req WriteRequest) (res WriteResult, err error) {
	defer func() { record("writeTransferData", err) }()

	if len(req.Payload) > 0 && req.GenerateServerKey {
		return WriteResult{}, fmt.Errorf("%w: payload and generated key are exclusive", domain.ErrInvalidInput)
	}

	_, err = s.sessions.Step(ctx, sessionID, userID,
		[]domain.Phase{domain.PhaseAppAuth, domain.PhaseFileOp},
		func(ctx context.Context, tx *session.Tx) error {
			if len(req.Payload) > 0 {
				frames, err := s.engine.WriteEncrypted(tx.Session, protocol.TransferFileNo, req.Payload)
				res = WriteResult{Frames: frames}
				return err
			}
			pending, err := s.transfers.ValidateProofTarget(ctx, tx.Repos, tx.Token.ID, tx.Now)
			if err != nil {
				return err
			}
			frames, fingerprint, err := s.engine.WriteTransferRecord(tx.Session, pending, req.GenerateServerKey)
			res = WriteResult{Frames: frames, KeyFingerprint: fingerprint}
			return err
		})
	if err != nil {
		return WriteResult{}, err
	}
	return res, nil
}

// ValidateCardProof verifies the card's answer to ReadFileData and keeps the proof on the
// session for Finalize.
func (s *Service) ValidateCardProof(ctx context.Context, sessionID, userID string, response []byte) (proof domain.TransferProof, err error) {
	defer func() { record("validateCardProofForTransfer", err) }()

	_, err = s.sessions.Step(ctx, sessionID, userID,
		[]domain.Phase{domain.PhaseFileOp},
		func(ctx context.Context, tx *session.Tx) error {
			pending, err := s.transfers.ValidateProofTarget(ctx, tx.Repos, tx.Token.ID, tx.Now)
			if err != nil {
				return err
			}
			proof, err = s.engine.ValidateTransferProof(tx.Session, pending, response)
			return err
		})
	if err != nil {
		return domain.TransferProof{}, err
	}
	return proof, nil
}

// ChangeKey returns the key change frames. Only the token's default key is an accepted target.
func (s *Service) ChangeKey(ctx context.Context, sessionID, userID, newFingerprint string) (res FramesResult, err error) {
	defer func() { record("changeKey", err) }()

	_, err = s.sessions.Step(ctx, sessionID, userID,
		[]domain.Phase{domain.PhaseAppAuth, domain.PhaseFileOp},
		func(ctx context.Context, tx *session.Tx) error {
			frames, err := s.engine.ChangeKey(tx.Token, tx.Session, newFingerprint)
			res = FramesResult{Frames: frames}
			return err
		})
	if err != nil {
		return FramesResult{}, err
	}
	return res, nil
}

func (s *Service) EndSession(ctx context.Context, sessionID, userID string) (sess domain.Session, err error) {
	defer func() { record("endSession", err) }()
	return s.sessions.End(ctx, sessionID, userID)
}

func (s *Service) GetSession(ctx context.Context, sessionID, userID string) (domain.Session, error) {
	return s.sessions.Get(ctx, sessionID, userID)
}

func (s *Service) InitiateTransfer(ctx context.Context, req transfer.InitiateRequest) (p domain.PendingTransfer, err error) {
	defer func() { record("initiateTransfer", err) }()
	return s.transfers.Initiate(ctx, req)
}

func (s *Service) FinalizeTransfer(ctx context.Context, callerID, tokenID string) (res transfer.FinalizeResult, err error) {
	defer func() { record("finalizeTransfer", err) }()
	return s.transfers.Finalize(ctx, callerID, tokenID)
}

func (s *Service) MarkPaymentCleared(ctx context.Context, tokenID, transferID string) (err error) {
	defer func() { record("markPaymentCleared", err) }()
	return s.transfers.MarkPaymentCleared(ctx, tokenID, transferID)
}

// IssuanceChallenge is the frame whose answer IssueToken expects.
func (s *Service) IssuanceChallenge() ([]byte, error) {
	return protocol.OriginalityRequest()
}

// IssueToken verifies a chip's originality and creates its custody record.
func (s *Service) IssueToken(ctx context.Context, req IssueTokenRequest) (token domain.Token, err error) {
	defer func() { record("issueToken", err) }()

	if s.factoryRoot == nil {
		return domain.Token{}, fmt.Errorf("%w: no factory root configured", domain.ErrCounterfeit)
	}

	chip, err := protocol.VerifyOriginality(req.Originality, s.factoryRoot)
	if err != nil {
		return domain.Token{}, err
	}

	fingerprint, err := s.deriver.TokenFingerprint(chip.TokenID, keys.DefaultVersion)
	if err != nil {
		return domain.Token{}, err
	}

	return s.transfers.Issue(ctx, transfer.IssueRequest{
		TokenID:        chip.TokenID,
		Identity:       chip.Identity,
		OwnerID:        req.OwnerID,
		KeyFingerprint: fingerprint,
		KeyVersion:     keys.DefaultVersion,
		IssuedBy:       req.AdminID,
	})
}

func (s *Service) SetTokenStatus(ctx context.Context, tokenID string, status domain.TokenStatus) (token domain.Token, err error) {
	defer func() { record("setTokenStatus", err) }()
	return s.transfers.SetStatus(ctx, tokenID, status)
}

func (s *Service) GetToken(ctx context.Context, callerID, tokenID string) (TokenView, error) {
	token, pending, err := s.transfers.TokenView(ctx, callerID, tokenID)
	if err != nil {
		return TokenView{}, err
	}
	return TokenView{Token: token, Pending: pending}, nil
}

func (s *Service) Ledger(ctx context.Context, callerID, tokenID string) ([]domain.LedgerEvent, error) {
	return s.transfers.Ledger(ctx, callerID, tokenID)
}

// ReceiptPublicKey is the key ledger signatures verify against.
func (s *Service) ReceiptPublicKey() string {
	if s.receipts == nil {
		return ""
	}
	return s.receipts.PublicKey()
}

// Sweep removes expired pending transfers and old session rows.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	transfers, err := s.transfers.Sweep(ctx, s.cfg.SweepBatch)
	if err != nil {
		return SweepResult{}, err
	}
	observability.RecordSwept("pending_transfer", transfers)

	sessions, err := s.sessions.Sweep(ctx, s.cfg.SessionRetention, s.cfg.SweepBatch)
	if err != nil {
		return SweepResult{Transfers: transfers}, err
	}
	observability.RecordSwept("session", sessions)

	return SweepResult{Transfers: transfers, Sessions: sessions}, nil
}

// trackAuthOutcome feeds the per-token lockout: cryptographic failures count, a completed
// authentication clears the count.
func (s *Service) trackAuthOutcome(ctx context.Context, tokenID string, err error, done bool) {
	if s.lockouts == nil || tokenID == "" {
		return
	}
	key := lockoutKey(tokenID)
	switch {
	case errors.Is(err, domain.ErrCryptoMismatch) || errors.Is(err, domain.ErrCardStatus):
		state, lerr := s.lockouts.RecordFailure(ctx, key, s.nowFn(), s.cfg.LockoutThreshold, s.cfg.LockoutWindow)
		if lerr != nil {
			slog.Warn("lockout record failed", "module", "application", "error", lerr)
			return
		}
		if state.Locked(s.nowFn()) {
			slog.Warn("token authentication locked out", "module", "application", "token_id", tokenID, "failed_count", state.FailedCount)
		}
	case err == nil && done:
		if lerr := s.lockouts.Clear(ctx, key); lerr != nil {
			slog.Warn("lockout clear failed", "module", "application", "error", lerr)
		}
	}
}

func record(operation string, err error) {
	if err == nil {
		observability.RecordOperation(operation, "OK")
		return
	}
	code := domain.Code(err)
	observability.RecordOperation(operation, code)
	if domain.AbortsSession(err) {
		observability.RecordSessionAbort(code)
	}
}
