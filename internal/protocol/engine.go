package protocol

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/schjonhaug/tapcustody/internal/apdu"
	"github.com/schjonhaug/tapcustody/internal/domain"
	"github.com/schjonhaug/tapcustody/internal/keys"
	"github.com/schjonhaug/tapcustody/internal/securemsg"
)

// SetupSteps names the frames SetupAppAndFile returns, in order.
var SetupSteps = []string{"createApplication", "selectApplication", "createStdDataFile"}

// Engine drives card authentication and secure messaging. It holds the only copies of key
// material; sessions carry that material sealed, and every method works on one session passed
// in by the caller.
type Engine struct {
	deriver *keys.Deriver
	sealer  *keys.Sealer
	random  io.Reader
	now     func() time.Time
}

func NewEngine(deriver *keys.Deriver, sealer *keys.Sealer) *Engine {
	return &Engine{deriver: deriver, sealer: sealer, random: rand.Reader, now: time.Now}
}

// WithClock returns a copy of e reading time from now.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	c := *e
	c.now = now
	return &c
}

// BeginAuth starts PICC level mutual authentication and moves the session to AUTH_INIT. The
// response to the last frame is the input of ContinueAuth.
func (e *Engine) BeginAuth(token domain.Token, session *domain.Session) ([][]byte, error) {

	if err := e.checkFingerprint(token); err != nil {
		return nil, err
	}

	var st cryptoState
	st.Expect.enqueue(expectation{Kind: expectPICCChallenge})

	// Selecting the PICC first puts a card left in an application back at card level.
	frames, err := build(nil, selectApplication{})
	if err != nil {
		return nil, err
	}
	auth, err := build(nil, authenticateFirst{keyNo: 0})
	if err != nil {
		return nil, err
	}
	frames = append(frames, auth...)

	session.Phase = domain.PhaseAuthInit
	session.Authenticated = false
	if err := e.store(session, &st); err != nil {
		return nil, err
	}

	slog.Debug("AUTH", "Session", session.ID, "Step", "begin", "Frames", len(frames))

	return frames, nil

}

// ContinueAuth consumes one PICC authentication response. It returns done once the card has
// proven knowledge of the key and session keys are established.
func (e *Engine) ContinueAuth(token domain.Token, session *domain.Session, response []byte) (bool, [][]byte, error) {

	st, err := e.load(session)
	if err != nil {
		return false, nil, err
	}

	head, err := st.next("continueAuth", expectPICCChallenge, expectPICCConfirm)
	if err != nil {
		return false, nil, err
	}

	key, err := e.deriver.Derive(token.ID, keys.PurposePICC, token.KeyVersion)
	if err != nil {
		return false, nil, err
	}

	frames, done, err := e.authStep(st, head, key, levelPICC, response)
	if err != nil {
		return false, nil, err
	}

	session.Phase = domain.PhaseAuthContinue
	if done {
		session.Authenticated = true
	}
	if err := e.store(session, st); err != nil {
		return false, nil, err
	}

	slog.Debug("AUTH", "Session", session.ID, "Step", head.Kind.String(), "Done", done)

	return done, frames, nil

}

// SetupAppAndFile returns the frames creating and selecting the transfer application and
// creating its file. Creation is idempotent on the card side: a duplicate status for an
// existing application or file is expected. Selecting an application ends PICC level
// authentication, so the channel is dropped here.
func (e *Engine) SetupAppAndFile(session *domain.Session) ([][]byte, []string, error) {

	st, err := e.load(session)
	if err != nil {
		return nil, nil, err
	}
	if err := st.requireIdle("setupAppAndFile"); err != nil {
		return nil, nil, err
	}
	if err := st.requireChannel("setupAppAndFile", levelPICC); err != nil {
		return nil, nil, err
	}

	var frames [][]byte

	create, err := build(st.Channel, createApplication{aid: TransferAID, keySettings: 0x0F, numKeys: 0x81})
	if err != nil {
		return nil, nil, err
	}
	frames = append(frames, create...)

	sel, err := build(st.Channel, selectApplication{aid: TransferAID})
	if err != nil {
		return nil, nil, err
	}
	frames = append(frames, sel...)

	st.discard()

	file, err := build(nil, createStdDataFile{fileNo: TransferFileNo, size: TransferFileSize})
	if err != nil {
		return nil, nil, err
	}
	frames = append(frames, file...)

	session.Phase = domain.PhaseAppSelect
	if err := e.store(session, st); err != nil {
		return nil, nil, err
	}

	return frames, append([]string(nil), SetupSteps...), nil

}

// AuthenticateApp starts application level authentication with the transfer key.
func (e *Engine) AuthenticateApp(session *domain.Session) ([][]byte, error) {

	st, err := e.load(session)
	if err != nil {
		return nil, err
	}
	if err := st.requireIdle("authenticateAppLevel"); err != nil {
		return nil, err
	}

	st.discard()
	st.Expect.enqueue(expectation{Kind: expectAppChallenge})

	frames, err := build(nil, authenticateFirst{keyNo: 0})
	if err != nil {
		return nil, err
	}

	if err := e.store(session, st); err != nil {
		return nil, err
	}

	return frames, nil

}

// ContinueAppAuth consumes one application authentication response. After the final round the
// session is in APP_AUTH and no frames are returned.
func (e *Engine) ContinueAppAuth(token domain.Token, session *domain.Session, response []byte) ([][]byte, error) {

	st, err := e.load(session)
	if err != nil {
		return nil, err
	}

	head, err := st.next("continueAppAuth", expectAppChallenge, expectAppConfirm)
	if err != nil {
		return nil, err
	}

	key, err := e.deriver.Derive(token.ID, keys.PurposeApp, token.KeyVersion)
	if err != nil {
		return nil, err
	}

	frames, done, err := e.authStep(st, head, key, levelApp, response)
	if err != nil {
		return nil, err
	}

	if done {
		session.Phase = domain.PhaseAppAuth
	}
	if err := e.store(session, st); err != nil {
		return nil, err
	}

	slog.Debug("APP AUTH", "Session", session.ID, "Step", head.Kind.String(), "Done", done)

	return frames, nil

}

// authStep runs one round of the two round mutual authentication.
func (e *Engine) authStep(st *cryptoState, head expectation, key []byte, lvl level, response []byte) ([][]byte, bool, error) {

	data, sw, err := apdu.ParseResponse(response)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrMalformedFrame, err)
	}

	switch head.Kind {

	case expectPICCChallenge, expectAppChallenge:

		if !sw.MoreFrames() {
			return nil, false, fmt.Errorf("%w: authenticate answered %s", domain.ErrCardStatus, sw)
		}

		rndB, err := securemsg.DecryptChallenge(key, data)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", domain.ErrMalformedFrame, err)
		}

		rndA := make([]byte, securemsg.RndSize)
		if _, err := io.ReadFull(e.random, rndA); err != nil {
			return nil, false, err
		}

		token, err := securemsg.ReaderToken(key, rndA, rndB)
		if err != nil {
			return nil, false, err
		}

		frames, err := build(nil, additionalFrame{data: token})
		if err != nil {
			return nil, false, err
		}

		st.RndA, st.RndB = rndA, rndB
		next := expectPICCConfirm
		if head.Kind == expectAppChallenge {
			next = expectAppConfirm
		}
		st.Expect.enqueue(expectation{Kind: next})

		return frames, false, nil

	case expectPICCConfirm, expectAppConfirm:

		if !sw.Success() {
			return nil, false, fmt.Errorf("%w: authenticate answered %s", domain.ErrCardStatus, sw)
		}

		ti, err := securemsg.OpenCardToken(key, st.RndA, data)
		if errors.Is(err, securemsg.ErrChallenge) {
			return nil, false, fmt.Errorf("%w: card did not return rotated RndA", domain.ErrCryptoMismatch)
		}
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", domain.ErrMalformedFrame, err)
		}

		channel, err := securemsg.NewChannel(key, st.RndA, st.RndB, ti)
		if err != nil {
			return nil, false, err
		}

		st.RndA, st.RndB = nil, nil
		st.Channel = channel
		st.Level = lvl

		return nil, true, nil

	default:
		return nil, false, fmt.Errorf("%w: unexpected %s", domain.ErrSequence, head.Kind)
	}

}

// ReadEncrypted returns the full mode read frame for length bytes of fileNo. The response is
// consumed by ValidateTransferProof.
func (e *Engine) ReadEncrypted(session *domain.Session, fileNo byte, length int) ([][]byte, error) {

	if fileNo > maxFileNo {
		return nil, fmt.Errorf("%w: file %d", domain.ErrInvalidInput, fileNo)
	}
	if length <= 0 || length > maxReadLength {
		return nil, fmt.Errorf("%w: read length %d", domain.ErrInvalidInput, length)
	}

	st, err := e.load(session)
	if err != nil {
		return nil, err
	}
	if err := st.requireIdle("readFileData"); err != nil {
		return nil, err
	}
	if err := st.requireChannel("readFileData", levelApp); err != nil {
		return nil, err
	}

	frames, err := build(st.Channel, readData{fileNo: fileNo, length: length})
	if err != nil {
		return nil, err
	}
	st.Expect.enqueue(expectation{Kind: expectRead, FileNo: fileNo, Length: length})

	session.Phase = domain.PhaseFileOp
	if err := e.store(session, st); err != nil {
		return nil, err
	}

	return frames, nil

}

// WriteEncrypted returns the full mode write frames for payload. Payloads longer than one
// frame are chained.
func (e *Engine) WriteEncrypted(session *domain.Session, fileNo byte, payload []byte) ([][]byte, error) {

	if len(payload) == 0 || len(payload) > TransferFileSize {
		return nil, fmt.Errorf("%w: write length %d", domain.ErrInvalidInput, len(payload))
	}

	st, err := e.load(session)
	if err != nil {
		return nil, err
	}
	if err := st.requireIdle("writeFileData"); err != nil {
		return nil, err
	}
	if err := st.requireChannel("writeFileData", levelApp); err != nil {
		return nil, err
	}

	frames, err := build(st.Channel, writeData{fileNo: fileNo, data: payload})
	if err != nil {
		return nil, err
	}

	session.Phase = domain.PhaseFileOp
	if err := e.store(session, st); err != nil {
		return nil, err
	}

	slog.Debug("WRITE", "Session", session.ID, "Bytes", len(payload), "Frames", len(frames))

	return frames, nil

}

// WriteTransferRecord writes the possession record for pending into the transfer file. With
// generateSecret the engine draws a fresh secret, writes it inside the encrypted record and
// keeps only its fingerprint, which is returned.
func (e *Engine) WriteTransferRecord(session *domain.Session, pending domain.PendingTransfer, generateSecret bool) ([][]byte, string, error) {

	record := transferRecord{
		TransferID: pending.TransferID,
		Counter:    pending.ExpectedCounter,
		ChainHash:  pending.ChainHash,
	}

	var fingerprint string
	if generateSecret {
		secret := make([]byte, securemsg.KeySize)
		if _, err := io.ReadFull(e.random, secret); err != nil {
			return nil, "", err
		}
		fp, err := keys.Fingerprint(secret)
		if err != nil {
			return nil, "", err
		}
		record.Secret = secret
		fingerprint = fp
	}

	payload, err := encodeRecord(record)
	if err != nil {
		return nil, "", err
	}

	frames, err := e.WriteEncrypted(session, TransferFileNo, payload)
	if err != nil {
		return nil, "", err
	}

	if generateSecret {
		st, err := e.load(session)
		if err != nil {
			return nil, "", err
		}
		st.SecretFingerprint = fingerprint
		if err := e.store(session, st); err != nil {
			return nil, "", err
		}
	}

	return frames, fingerprint, nil

}

// ValidateTransferProof verifies the card's answer to the last read under the live session
// keys and checks the record it contains against pending. Authentication failures are
// protocol errors; a well formed record for another link of the chain is a replay.
func (e *Engine) ValidateTransferProof(session *domain.Session, pending domain.PendingTransfer, response []byte) (domain.TransferProof, error) {

	st, err := e.load(session)
	if err != nil {
		return domain.TransferProof{}, err
	}

	if _, err := st.next("validateCardProof", expectRead); err != nil {
		return domain.TransferProof{}, err
	}
	if err := st.requireChannel("validateCardProof", levelApp); err != nil {
		return domain.TransferProof{}, err
	}

	data, sw, err := apdu.ParseResponse(response)
	if err != nil {
		return domain.TransferProof{}, fmt.Errorf("%w: %v", domain.ErrMalformedFrame, err)
	}
	if !sw.Success() {
		return domain.TransferProof{}, fmt.Errorf("%w: read answered %s", domain.ErrCardStatus, sw)
	}

	plain, err := st.Channel.OpenResponse(securemsg.ModeFull, byte(sw), data)
	if errors.Is(err, securemsg.ErrMAC) {
		return domain.TransferProof{}, fmt.Errorf("%w: response MAC", domain.ErrCryptoMismatch)
	}
	if err != nil {
		return domain.TransferProof{}, fmt.Errorf("%w: %v", domain.ErrMalformedFrame, err)
	}

	// The exchange itself succeeded: persist the consumed expectation before judging content.
	if err := e.store(session, st); err != nil {
		return domain.TransferProof{}, err
	}

	record, err := decodeRecord(plain)
	if err != nil {
		return domain.TransferProof{}, fmt.Errorf("%w: no transfer record on card", domain.ErrReplay)
	}

	proof := domain.TransferProof{
		TransferID: record.TransferID,
		Counter:    record.Counter,
		ChainHash:  record.ChainHash,
		VerifiedAt: e.now().UTC(),
	}

	if len(record.Secret) > 0 {
		fp, err := keys.Fingerprint(record.Secret)
		if err != nil {
			return domain.TransferProof{}, err
		}
		proof.SecretFingerprint = fp
	}

	if !pending.Matches(proof) {
		return domain.TransferProof{}, domain.ErrReplay
	}
	if st.SecretFingerprint != "" && st.SecretFingerprint != proof.SecretFingerprint {
		return domain.TransferProof{}, fmt.Errorf("%w: secret fingerprint differs", domain.ErrReplay)
	}

	session.Phase = domain.PhaseFileOp
	session.Proof = &proof

	return proof, nil

}

// ChangeKey builds the key change frame for the application key. Only the token's fixed
// default key is accepted as a target until versioned key backup exists; the new key never
// leaves the engine in plain form.
func (e *Engine) ChangeKey(token domain.Token, session *domain.Session, newFingerprint string) ([][]byte, error) {

	target, err := e.deriver.TokenFingerprint(token.ID, keys.DefaultVersion)
	if err != nil {
		return nil, err
	}
	if newFingerprint != target {
		return nil, domain.ErrKeyRotationDisabled
	}

	st, err := e.load(session)
	if err != nil {
		return nil, err
	}
	if err := st.requireIdle("changeKey"); err != nil {
		return nil, err
	}
	if err := st.requireChannel("changeKey", levelApp); err != nil {
		return nil, err
	}

	newKey, err := e.deriver.Derive(token.ID, keys.PurposeApp, keys.DefaultVersion)
	if err != nil {
		return nil, err
	}

	frames, err := build(st.Channel, changeKey{keyNo: 0, key: newKey, version: keys.DefaultVersion})
	if err != nil {
		return nil, err
	}

	// Changing the authenticated key ends the card's session.
	st.discard()
	session.Phase = domain.PhaseKeyChange
	if err := e.store(session, st); err != nil {
		return nil, err
	}

	return frames, nil

}

// Discard wipes the sealed state of a session.
func (e *Engine) Discard(session *domain.Session) {
	session.SealedState = nil
	session.Proof = nil
}

func (e *Engine) checkFingerprint(token domain.Token) error {
	fp, err := e.deriver.TokenFingerprint(token.ID, token.KeyVersion)
	if err != nil {
		return err
	}
	if fp != token.KeyFingerprint {
		return domain.ErrKeyMismatch
	}
	return nil
}

func (e *Engine) load(session *domain.Session) (*cryptoState, error) {
	var st cryptoState
	if len(session.SealedState) == 0 {
		return nil, fmt.Errorf("%w: session has no key material", domain.ErrSequence)
	}
	if err := e.sealer.Open(session.ID, session.SealedState, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedFrame, err)
	}
	return &st, nil
}

func (e *Engine) store(session *domain.Session, st *cryptoState) error {
	blob, err := e.sealer.Seal(session.ID, st)
	if err != nil {
		return err
	}
	session.SealedState = blob
	return nil
}
