package protocol

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"

	"github.com/schjonhaug/tapcustody/internal/apdu"
	"github.com/schjonhaug/tapcustody/internal/domain"
)

const (
	uidSize          = 7
	compactSigSize   = 65
	originalityBytes = uidSize + compactSigSize
)

// Originality is the verified identity of a genuine chip.
type Originality struct {
	UID      []byte
	TokenID  string
	Identity string
}

// OriginalityRequest returns the frame asking the card for its UID and factory signature. It
// runs outside any session.
func OriginalityRequest() ([]byte, error) {
	frames, err := build(nil, readSignature{})
	if err != nil {
		return nil, err
	}
	return frames[0], nil
}

// VerifyOriginality checks the card's answer to OriginalityRequest: a compact signature over
// sha256(UID) that must recover to the factory root key.
func VerifyOriginality(response []byte, factoryRoot *btcec.PublicKey) (Originality, error) {

	data, sw, err := apdu.ParseResponse(response)
	if err != nil {
		return Originality{}, fmt.Errorf("%w: %v", domain.ErrMalformedFrame, err)
	}
	if !sw.Success() {
		return Originality{}, fmt.Errorf("%w: readSignature answered %s", domain.ErrCardStatus, sw)
	}
	if len(data) != originalityBytes {
		return Originality{}, fmt.Errorf("%w: originality data is %d bytes", domain.ErrMalformedFrame, len(data))
	}

	uid := append([]byte(nil), data[:uidSize]...)
	signature := data[uidSize:]

	messageDigest := sha256.Sum256(uid)

	publicKey, _, err := ecdsa.RecoverCompact(signature, messageDigest[:])
	if err != nil {
		return Originality{}, fmt.Errorf("%w: %v", domain.ErrCounterfeit, err)
	}

	if !factoryRoot.IsEqual(publicKey) {

		slog.Debug("CHECK", "FactoryRootPublicKey", fmt.Sprintf("%x", factoryRoot.SerializeCompressed()))
		slog.Debug("CHECK", "PublicKey", fmt.Sprintf("%x", publicKey.SerializeCompressed()))

		return Originality{}, domain.ErrCounterfeit
	}

	identity, err := Identity(uid)
	if err != nil {
		return Originality{}, err
	}

	return Originality{UID: uid, TokenID: TokenIDFromUID(uid), Identity: identity}, nil

}

// ParseFactoryRoot parses a hex encoded compressed public key.
func ParseFactoryRoot(s string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(raw)
}

// TokenIDFromUID is the stable token identifier of a chip.
func TokenIDFromUID(uid []byte) string {
	return strings.ToUpper(hex.EncodeToString(uid))
}

// Identity converts a chip UID into a human readable identity:
// sha256(uid), skip the first 8 bytes, base32, first 20 characters in dashed groups of five.
func Identity(uid []byte) (string, error) {

	if len(uid) == 0 {
		return "", errors.New("expecting chip uid")
	}

	checksum := sha256.Sum256(uid)

	s := base32.StdEncoding.EncodeToString(checksum[8:])[:20]

	var groups []string
	for i := 0; i < len(s); i += 5 {
		groups = append(groups, s[i:i+5])
	}

	return strings.Join(groups, "-"), nil

}
