package keys

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"golang.org/x/crypto/hkdf"
)

// Purpose selects which card key a derivation is for.
type Purpose string

const (
	PurposePICC Purpose = "picc"
	PurposeApp  Purpose = "app"
)

// DefaultVersion is the only key version currently written to cards.
const DefaultVersion = 0

const keySize = 16

var ErrMasterKey = errors.New("master key must be at least 32 bytes")

// Deriver diversifies per token card keys from the service master secret. The master secret
// and every derived key stay inside this process.
type Deriver struct {
	master []byte
}

func NewDeriver(master []byte) (*Deriver, error) {
	if len(master) < 32 {
		return nil, ErrMasterKey
	}
	return &Deriver{master: append([]byte(nil), master...)}, nil
}

// Derive returns the AES-128 key for tokenID, purpose and version.
func (d *Deriver) Derive(tokenID string, purpose Purpose, version int) ([]byte, error) {
	if tokenID == "" {
		return nil, errors.New("token id required")
	}
	info := fmt.Sprintf("tapcustody/%s/v%d", purpose, version)
	return expand(d.master, []byte(tokenID), info, keySize)
}

// TokenFingerprint is the fingerprint stored on a token for the application key at version.
func (d *Deriver) TokenFingerprint(tokenID string, version int) (string, error) {
	key, err := d.Derive(tokenID, PurposeApp, version)
	if err != nil {
		return "", err
	}
	return Fingerprint(key)
}

// Fingerprint identifies key material without revealing it: bech32 with the "kfp" prefix over
// Hash160 of the key.
func Fingerprint(key []byte) (string, error) {

	hash160 := btcutil.Hash160(key)

	convertedBits, err := bech32.ConvertBits(hash160, 8, 5, true)
	if err != nil {
		return "", err
	}

	return bech32.Encode("kfp", convertedBits)

}

func expand(secret, salt []byte, info string, n int) ([]byte, error) {
	h := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, err
	}
	return out, nil
}
