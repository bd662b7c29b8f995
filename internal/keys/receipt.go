package keys

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var ErrReceiptSignature = errors.New("receipt signature does not verify")

// ReceiptSigner signs ledger receipt digests with the service receipt key so provenance can be
// checked by anyone holding the public key.
type ReceiptSigner struct {
	key *secp256k1.PrivateKey
}

// NewReceiptSigner parses a hex encoded 32 byte secp256k1 scalar. An empty string generates an
// ephemeral key, which is only useful for local runs.
func NewReceiptSigner(keyHex string) (*ReceiptSigner, error) {

	if keyHex == "" {
		key, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		return &ReceiptSigner{key: key}, nil
	}

	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("receipt key: %w", err)
	}
	if len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("receipt key must be %d bytes", secp256k1.PrivKeyBytesLen)
	}

	return &ReceiptSigner{key: secp256k1.PrivKeyFromBytes(raw)}, nil

}

func (s *ReceiptSigner) Sign(digest [32]byte) ([]byte, error) {
	return ecdsa.SignCompact(s.key, digest[:], true)
}

// PublicKey is the compressed receipt public key, hex encoded.
func (s *ReceiptSigner) PublicKey() string {
	return hex.EncodeToString(s.key.PubKey().SerializeCompressed())
}

// VerifyReceipt checks that signature over digest recovers to the compressed public key pubHex.
func VerifyReceipt(pubHex string, digest [32]byte, signature []byte) error {

	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return fmt.Errorf("receipt public key: %w", err)
	}
	expected, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return fmt.Errorf("receipt public key: %w", err)
	}

	recovered, _, err := ecdsa.RecoverCompact(signature, digest[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReceiptSignature, err)
	}
	if !recovered.IsEqual(expected) {
		return ErrReceiptSignature
	}
	return nil

}
