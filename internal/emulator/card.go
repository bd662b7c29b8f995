package emulator

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/schjonhaug/tapcustody/internal/apdu"
	"github.com/schjonhaug/tapcustody/internal/keys"
	"github.com/schjonhaug/tapcustody/internal/securemsg"
)

// ErrTagRemoved is returned by Transmit after Remove, as a reader does when the tag leaves the
// field.
var ErrTagRemoved = errors.New("tag removed from field")

// Config personalizes a card.
type Config struct {
	UID     []byte
	PICCKey []byte
	// AppKey is installed as key 0 of every application the card creates.
	AppKey  []byte
	Factory *btcec.PrivateKey
}

type application struct {
	key   []byte
	files map[byte][]byte
}

type authState struct {
	key      []byte
	rndB     []byte
	awaiting bool
	channel  *securemsg.Channel
	app      bool
}

type chainState struct {
	ins  byte
	buf  []byte
	need int
}

var picc = [3]byte{}

// Card is an in-process secure element speaking the native command set. It is safe for
// concurrent use; commands are processed one at a time as on a real chip.
type Card struct {
	mu        sync.Mutex
	uid       []byte
	piccKey   []byte
	appKey    []byte
	signature []byte
	apps      map[[3]byte]*application
	selected  [3]byte
	auth      *authState
	chain     *chainState
	removed   bool
	random    io.Reader
}

func New(cfg Config) (*Card, error) {

	if len(cfg.UID) != 7 {
		return nil, fmt.Errorf("uid must be 7 bytes, got %d", len(cfg.UID))
	}
	if len(cfg.PICCKey) != securemsg.KeySize || len(cfg.AppKey) != securemsg.KeySize {
		return nil, securemsg.ErrKeySize
	}
	if cfg.Factory == nil {
		return nil, errors.New("factory key required")
	}

	messageDigest := sha256.Sum256(cfg.UID)

	signature, err := ecdsa.SignCompact(cfg.Factory, messageDigest[:], true)
	if err != nil {
		return nil, err
	}

	return &Card{
		uid:       append([]byte(nil), cfg.UID...),
		piccKey:   append([]byte(nil), cfg.PICCKey...),
		appKey:    append([]byte(nil), cfg.AppKey...),
		signature: signature,
		apps:      map[[3]byte]*application{},
		random:    rand.Reader,
	}, nil

}

// Remove takes the card out of the field. Every later Transmit fails until Present.
func (c *Card) Remove() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = true
	c.reset()
}

func (c *Card) Present() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = false
	c.selected = picc
}

// File returns a copy of a file's contents.
func (c *Card) File(aid [3]byte, fileNo byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	app, ok := c.apps[aid]
	if !ok {
		return nil, false
	}
	f, ok := app.files[fileNo]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f...), true
}

// Transmit processes one command frame and returns the response with its status word.
func (c *Card) Transmit(frame []byte) ([]byte, error) {

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removed {
		return nil, ErrTagRemoved
	}

	ins, data, err := apdu.Unwrap(frame)
	if err != nil {
		return respond(nil, apdu.StatusLengthError)
	}

	slog.Debug("CARD", "Ins", fmt.Sprintf("%02X", ins), "Bytes", len(data))

	// A frame answered with "more frames" must be followed by its continuation.
	if c.chain != nil {
		if ins != apdu.InsAdditionalFrame {
			c.reset()
			return respond(nil, apdu.StatusAborted)
		}
		return c.continueChain(data)
	}
	if c.auth != nil && c.auth.awaiting {
		if ins != apdu.InsAdditionalFrame {
			c.reset()
			return respond(nil, apdu.StatusAborted)
		}
		return c.finishAuth(data)
	}

	switch ins {
	case apdu.InsSelectApplication:
		return c.selectApplication(data)
	case apdu.InsAuthenticateFirst:
		return c.authenticateFirst(data)
	case apdu.InsCreateApplication:
		return c.createApplication(data)
	case apdu.InsCreateStdDataFile:
		return c.createStdDataFile(data)
	case apdu.InsReadData:
		return c.readData(data)
	case apdu.InsWriteData:
		return c.writeData(data)
	case apdu.InsChangeKey:
		return c.changeKey(data)
	case apdu.InsReadSignature:
		return respond(append(append([]byte(nil), c.uid...), c.signature...), apdu.StatusOKNative)
	default:
		return respond(nil, apdu.StatusIllegalCommand)
	}

}

func (c *Card) reset() {
	c.auth = nil
	c.chain = nil
}

func (c *Card) channel(app bool) *securemsg.Channel {
	if c.auth == nil || c.auth.awaiting || c.auth.channel == nil || c.auth.app != app {
		return nil
	}
	return c.auth.channel
}

func (c *Card) selectApplication(data []byte) ([]byte, error) {

	if len(data) != 3 {
		return respond(nil, apdu.StatusLengthError)
	}

	var aid [3]byte
	copy(aid[:], data)

	c.reset()

	if aid != picc {
		if _, ok := c.apps[aid]; !ok {
			return respond(nil, apdu.StatusAppNotFound)
		}
	}
	c.selected = aid

	return respond(nil, apdu.StatusOKNative)

}

func (c *Card) authenticateFirst(data []byte) ([]byte, error) {

	if len(data) < 1 {
		return respond(nil, apdu.StatusLengthError)
	}
	if data[0] != 0 {
		return respond(nil, apdu.StatusPermission)
	}

	key := c.piccKey
	app := c.selected != picc
	if app {
		key = c.apps[c.selected].key
	}

	rndB := make([]byte, securemsg.RndSize)
	if _, err := io.ReadFull(c.random, rndB); err != nil {
		return nil, err
	}

	challenge, err := securemsg.EncryptChallenge(key, rndB)
	if err != nil {
		return nil, err
	}

	c.auth = &authState{key: key, rndB: rndB, awaiting: true, app: app}

	return respond(challenge, apdu.StatusMoreFrames)

}

func (c *Card) finishAuth(data []byte) ([]byte, error) {

	auth := c.auth

	rndA, err := securemsg.OpenReaderToken(auth.key, auth.rndB, data)
	if err != nil {
		c.reset()
		return respond(nil, apdu.StatusAuthError)
	}

	ti := make([]byte, securemsg.TISize)
	if _, err := io.ReadFull(c.random, ti); err != nil {
		return nil, err
	}

	token, err := securemsg.CardToken(auth.key, ti, rndA)
	if err != nil {
		return nil, err
	}

	channel, err := securemsg.NewChannel(auth.key, rndA, auth.rndB, ti)
	if err != nil {
		return nil, err
	}

	auth.awaiting = false
	auth.rndB = nil
	auth.channel = channel

	return respond(token, apdu.StatusOKNative)

}

func (c *Card) createApplication(data []byte) ([]byte, error) {

	ch := c.channel(false)
	if ch == nil || c.selected != picc {
		return respond(nil, apdu.StatusAuthError)
	}

	hdr, _, err := ch.OpenCommand(securemsg.ModeMAC, apdu.InsCreateApplication, 5, data)
	if err != nil {
		c.reset()
		return respond(nil, apdu.StatusIntegrity)
	}
	ch.Advance()

	var aid [3]byte
	copy(aid[:], hdr[:3])

	if _, ok := c.apps[aid]; ok {
		return respond(nil, apdu.StatusDuplicate)
	}
	c.apps[aid] = &application{key: append([]byte(nil), c.appKey...), files: map[byte][]byte{}}

	mac, err := ch.ProtectResponse(securemsg.ModeMAC, 0x00, nil)
	if err != nil {
		return nil, err
	}
	return respond(mac, apdu.StatusOKNative)

}

func (c *Card) createStdDataFile(data []byte) ([]byte, error) {

	if c.selected == picc {
		return respond(nil, apdu.StatusPermission)
	}
	if len(data) != 7 {
		return respond(nil, apdu.StatusLengthError)
	}

	app := c.apps[c.selected]
	fileNo := data[0]
	size := le24(data[4:7])

	if _, ok := app.files[fileNo]; ok {
		return respond(nil, apdu.StatusDuplicate)
	}
	app.files[fileNo] = make([]byte, size)

	return respond(nil, apdu.StatusOKNative)

}

func (c *Card) readData(data []byte) ([]byte, error) {

	ch := c.channel(true)
	if ch == nil {
		return respond(nil, apdu.StatusAuthError)
	}

	hdr, _, err := ch.OpenCommand(securemsg.ModeFull, apdu.InsReadData, 7, data)
	if err != nil {
		c.reset()
		return respond(nil, apdu.StatusIntegrity)
	}
	ch.Advance()

	file, status := c.fileRange(hdr)
	if status != apdu.StatusOKNative {
		return respond(nil, status)
	}

	protected, err := ch.ProtectResponse(securemsg.ModeFull, 0x00, file)
	if err != nil {
		return nil, err
	}
	return respond(protected, apdu.StatusOKNative)

}

func (c *Card) writeData(data []byte) ([]byte, error) {

	if c.channel(true) == nil {
		return respond(nil, apdu.StatusAuthError)
	}
	if len(data) < 7 {
		return respond(nil, apdu.StatusLengthError)
	}

	length := le24(data[4:7])
	need := 7 + (length/16+1)*16 + securemsg.MACSize

	c.chain = &chainState{ins: apdu.InsWriteData, buf: append([]byte(nil), data...), need: need}

	return c.continueChain(nil)

}

func (c *Card) continueChain(data []byte) ([]byte, error) {

	chain := c.chain
	chain.buf = append(chain.buf, data...)

	if len(chain.buf) < chain.need {
		return respond(nil, apdu.StatusMoreFrames)
	}
	c.chain = nil
	if len(chain.buf) > chain.need {
		c.reset()
		return respond(nil, apdu.StatusLengthError)
	}

	ch := c.channel(true)
	if ch == nil {
		return respond(nil, apdu.StatusAuthError)
	}

	hdr, plain, err := ch.OpenCommand(securemsg.ModeFull, chain.ins, 7, chain.buf)
	if err != nil {
		c.reset()
		return respond(nil, apdu.StatusIntegrity)
	}
	ch.Advance()

	file, status := c.fileRange(hdr)
	if status != apdu.StatusOKNative {
		return respond(nil, status)
	}
	if len(plain) != len(file) {
		return respond(nil, apdu.StatusLengthError)
	}
	copy(file, plain)

	mac, err := ch.ProtectResponse(securemsg.ModeMAC, 0x00, nil)
	if err != nil {
		return nil, err
	}
	return respond(mac, apdu.StatusOKNative)

}

func (c *Card) changeKey(data []byte) ([]byte, error) {

	ch := c.channel(true)
	if ch == nil {
		return respond(nil, apdu.StatusAuthError)
	}

	hdr, plain, err := ch.OpenCommand(securemsg.ModeFull, apdu.InsChangeKey, 1, data)
	if err != nil {
		c.reset()
		return respond(nil, apdu.StatusIntegrity)
	}
	if hdr[0] != 0 || len(plain) != securemsg.KeySize+1 {
		return respond(nil, apdu.StatusLengthError)
	}

	c.apps[c.selected].key = append([]byte(nil), plain[:securemsg.KeySize]...)

	// The authenticated key changed: the session ends.
	c.reset()

	return respond(nil, apdu.StatusOKNative)

}

// fileRange resolves the file slice addressed by a read or write header.
func (c *Card) fileRange(hdr []byte) ([]byte, apdu.Status) {

	app := c.apps[c.selected]
	file, ok := app.files[hdr[0]]
	if !ok {
		return nil, apdu.StatusFileNotFound
	}

	offset := le24(hdr[1:4])
	length := le24(hdr[4:7])
	if offset+length > len(file) || length == 0 {
		return nil, apdu.StatusBoundaryError
	}

	return file[offset : offset+length], apdu.StatusOKNative

}

func respond(data []byte, sw apdu.Status) ([]byte, error) {
	return apdu.Respond(data, sw)
}

func le24(b []byte) int {
	var buf [4]byte
	copy(buf[:], b)
	return int(binary.LittleEndian.Uint32(buf[:]))
}

// Personalize returns a card carrying the default version keys diversified for tokenID.
func Personalize(deriver *keys.Deriver, tokenID string, uid []byte, factory *btcec.PrivateKey) (*Card, error) {
	piccKey, err := deriver.Derive(tokenID, keys.PurposePICC, keys.DefaultVersion)
	if err != nil {
		return nil, err
	}
	appKey, err := deriver.Derive(tokenID, keys.PurposeApp, keys.DefaultVersion)
	if err != nil {
		return nil, err
	}
	return New(Config{UID: uid, PICCKey: piccKey, AppKey: appKey, Factory: factory})
}
