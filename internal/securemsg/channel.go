package securemsg

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
)

// Mode is the communication mode a command is exchanged in.
type Mode int

const (
	ModePlain Mode = iota
	ModeMAC
	ModeFull
)

func (m Mode) String() string {
	switch m {
	case ModePlain:
		return "plain"
	case ModeMAC:
		return "mac"
	case ModeFull:
		return "full"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

const (
	KeySize  = 16
	RndSize  = 16
	TISize   = 4
	MACSize  = 8
	capsSize = 12
)

var (
	ErrMAC       = errors.New("message authentication code mismatch")
	ErrShort     = errors.New("secure messaging payload too short")
	ErrKeySize   = errors.New("invalid key size")
	ErrRndSize   = errors.New("invalid random size")
	ErrChallenge = errors.New("challenge response mismatch")
)

// Channel is the state of an authenticated secure messaging exchange. Both ends hold an
// identical copy; the command counter advances once per command.
type Channel struct {
	EncKey  []byte `cbor:"1,keyasint"`
	MacKey  []byte `cbor:"2,keyasint"`
	TI      []byte `cbor:"3,keyasint"`
	Counter uint16 `cbor:"4,keyasint"`
}

// SessionVector builds SV1 (prefix A55A) or SV2 (prefix 5AA5) from both challenges.
func SessionVector(prefix [2]byte, rndA, rndB []byte) ([]byte, error) {
	if len(rndA) != RndSize || len(rndB) != RndSize {
		return nil, ErrRndSize
	}
	mixed, err := xor(rndA[2:8], rndB[0:6])
	if err != nil {
		return nil, err
	}
	sv := make([]byte, 0, 32)
	sv = append(sv, prefix[0], prefix[1], 0x00, 0x01, 0x00, 0x80)
	sv = append(sv, rndA[0:2]...)
	sv = append(sv, mixed...)
	sv = append(sv, rndB[6:16]...)
	sv = append(sv, rndA[8:16]...)
	return sv, nil
}

// NewChannel derives the session keys from the authentication key and both challenges.
func NewChannel(key, rndA, rndB, ti []byte) (*Channel, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	if len(ti) != TISize {
		return nil, fmt.Errorf("invalid transaction identifier size %d", len(ti))
	}
	sv1, err := SessionVector([2]byte{0xA5, 0x5A}, rndA, rndB)
	if err != nil {
		return nil, err
	}
	sv2, err := SessionVector([2]byte{0x5A, 0xA5}, rndA, rndB)
	if err != nil {
		return nil, err
	}
	enc, err := CMAC(key, sv1)
	if err != nil {
		return nil, err
	}
	mac, err := CMAC(key, sv2)
	if err != nil {
		return nil, err
	}
	return &Channel{EncKey: enc, MacKey: mac, TI: append([]byte(nil), ti...)}, nil
}

// Advance moves the command counter past the command just exchanged.
func (c *Channel) Advance() {
	c.Counter++
}

func (c *Channel) counterBytes() []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], c.Counter)
	return b[:]
}

func (c *Channel) iv(prefix0, prefix1 byte) ([]byte, error) {
	in := make([]byte, 0, blockSize)
	in = append(in, prefix0, prefix1)
	in = append(in, c.TI...)
	in = append(in, c.counterBytes()...)
	in = append(in, make([]byte, blockSize-len(in))...)
	return encryptBlock(c.EncKey, in)
}

func (c *Channel) commandMAC(ins byte, hdr, data []byte) ([]byte, error) {
	msg := make([]byte, 0, 1+2+TISize+len(hdr)+len(data))
	msg = append(msg, ins)
	msg = append(msg, c.counterBytes()...)
	msg = append(msg, c.TI...)
	msg = append(msg, hdr...)
	msg = append(msg, data...)
	full, err := CMAC(c.MacKey, msg)
	if err != nil {
		return nil, err
	}
	return Truncate(full), nil
}

func (c *Channel) responseMAC(sw2 byte, data []byte) ([]byte, error) {
	msg := make([]byte, 0, 1+2+TISize+len(data))
	msg = append(msg, sw2)
	msg = append(msg, c.counterBytes()...)
	msg = append(msg, c.TI...)
	msg = append(msg, data...)
	full, err := CMAC(c.MacKey, msg)
	if err != nil {
		return nil, err
	}
	return Truncate(full), nil
}

// ProtectCommand returns the data field for a command sent in mode. The counter is not
// advanced; call Advance once the command is committed to.
func (c *Channel) ProtectCommand(mode Mode, ins byte, hdr, data []byte) ([]byte, error) {

	switch mode {
	case ModePlain:
		return concat(hdr, data), nil

	case ModeMAC:
		mac, err := c.commandMAC(ins, hdr, data)
		if err != nil {
			return nil, err
		}
		return concat(hdr, data, mac), nil

	case ModeFull:
		body := data
		if len(data) > 0 {
			iv, err := c.iv(0xA5, 0x5A)
			if err != nil {
				return nil, err
			}
			body, err = EncryptCBC(c.EncKey, iv, Pad(data))
			if err != nil {
				return nil, err
			}
		}
		mac, err := c.commandMAC(ins, hdr, body)
		if err != nil {
			return nil, err
		}
		return concat(hdr, body, mac), nil

	default:
		return nil, fmt.Errorf("unknown mode %s", mode)
	}

}

// OpenCommand verifies and decrypts a command data field on the card side. hdrLen is the
// number of leading plain header bytes.
func (c *Channel) OpenCommand(mode Mode, ins byte, hdrLen int, payload []byte) ([]byte, []byte, error) {

	if len(payload) < hdrLen {
		return nil, nil, ErrShort
	}
	hdr := payload[:hdrLen]
	rest := payload[hdrLen:]

	if mode == ModePlain {
		return hdr, rest, nil
	}

	if len(rest) < MACSize {
		return nil, nil, ErrShort
	}
	body := rest[:len(rest)-MACSize]
	got := rest[len(rest)-MACSize:]

	want, err := c.commandMAC(ins, hdr, body)
	if err != nil {
		return nil, nil, err
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return nil, nil, ErrMAC
	}

	if mode == ModeMAC || len(body) == 0 {
		return hdr, body, nil
	}

	iv, err := c.iv(0xA5, 0x5A)
	if err != nil {
		return nil, nil, err
	}
	padded, err := DecryptCBC(c.EncKey, iv, body)
	if err != nil {
		return nil, nil, err
	}
	plain, err := Unpad(padded)
	if err != nil {
		return nil, nil, err
	}
	return hdr, plain, nil

}

// ProtectResponse builds a response data field on the card side. The counter must already
// have been advanced past the command being answered.
func (c *Channel) ProtectResponse(mode Mode, sw2 byte, data []byte) ([]byte, error) {

	switch mode {
	case ModePlain:
		return data, nil
	case ModeMAC, ModeFull:
		body := data
		if mode == ModeFull && len(data) > 0 {
			iv, err := c.iv(0x5A, 0xA5)
			if err != nil {
				return nil, err
			}
			body, err = EncryptCBC(c.EncKey, iv, Pad(data))
			if err != nil {
				return nil, err
			}
		}
		mac, err := c.responseMAC(sw2, body)
		if err != nil {
			return nil, err
		}
		return concat(body, mac), nil
	default:
		return nil, fmt.Errorf("unknown mode %s", mode)
	}

}

// OpenResponse verifies the response MAC and, in full mode, decrypts the data field.
func (c *Channel) OpenResponse(mode Mode, sw2 byte, payload []byte) ([]byte, error) {

	if mode == ModePlain {
		return payload, nil
	}
	if len(payload) < MACSize {
		return nil, ErrShort
	}
	body := payload[:len(payload)-MACSize]
	got := payload[len(payload)-MACSize:]

	want, err := c.responseMAC(sw2, body)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return nil, ErrMAC
	}

	if mode == ModeMAC || len(body) == 0 {
		return body, nil
	}

	iv, err := c.iv(0x5A, 0xA5)
	if err != nil {
		return nil, err
	}
	padded, err := DecryptCBC(c.EncKey, iv, body)
	if err != nil {
		return nil, err
	}
	return Unpad(padded)

}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
