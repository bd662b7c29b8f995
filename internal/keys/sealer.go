package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"

	"github.com/fxamacker/cbor/v2"
)

var ErrSealedState = errors.New("sealed state cannot be opened")

// Sealer encrypts per session crypto state so the store only ever sees ciphertext. The
// associated data binds a blob to the session it was sealed for.
type Sealer struct {
	aead cipher.AEAD
}

func NewSealer(master []byte) (*Sealer, error) {
	if len(master) < 32 {
		return nil, ErrMasterKey
	}
	key, err := expand(master, nil, "tapcustody/session-seal", 32)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: gcm}, nil
}

// Seal CBOR encodes v and encrypts it for aad.
func (s *Sealer) Seal(aad string, v any) ([]byte, error) {
	plain, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plain, []byte(aad)), nil
}

// Open reverses Seal. Any tampering, or a blob sealed for a different aad, fails.
func (s *Sealer) Open(aad string, blob []byte, v any) error {
	ns := s.aead.NonceSize()
	if len(blob) < ns {
		return ErrSealedState
	}
	plain, err := s.aead.Open(nil, blob[:ns], blob[ns:], []byte(aad))
	if err != nil {
		return ErrSealedState
	}
	if err := cbor.Unmarshal(plain, v); err != nil {
		return ErrSealedState
	}
	return nil
}
