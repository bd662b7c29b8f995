package domain

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"time"
)

type TransferState string

const (
	TransferOpen      TransferState = "OPEN"
	TransferCommitted TransferState = "COMMITTED"
	TransferExpired   TransferState = "EXPIRED"
)

// PendingTransfer is the only authority able to move ownership of its token. It is keyed by
// token id and deleted, never flagged, once it is committed or expires.
type PendingTransfer struct {
	TokenID    string
	TransferID string
	FromID     string
	// ToID empty means the transfer is open to the first valid claimant.
	ToID             string
	ExpectedCounter  uint64
	Nonce            []byte
	ChainHash        []byte
	State            TransferState
	RequiresPayment  bool
	PaymentClearedAt *time.Time
	CreatedAt        time.Time
	ExpiresAt        time.Time
}

// ExpiredAt reports whether the transfer window has closed at now. Equality counts as expired.
func (p PendingTransfer) ExpiredAt(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

func (p PendingTransfer) ReservedFor(userID string) bool {
	return p.ToID == "" || p.ToID == userID
}

func (p PendingTransfer) PaymentSettled() bool {
	return !p.RequiresPayment || p.PaymentClearedAt != nil
}

// Matches reports whether proof was produced for this exact link of the chain.
func (p PendingTransfer) Matches(proof TransferProof) bool {
	return proof.TransferID == p.TransferID &&
		proof.Counter == p.ExpectedCounter &&
		bytes.Equal(proof.ChainHash, p.ChainHash)
}

// TransferProof is the possession evidence verified from a card response under live
// session keys.
type TransferProof struct {
	TransferID        string    `cbor:"1,keyasint"`
	Counter           uint64    `cbor:"2,keyasint"`
	ChainHash         []byte    `cbor:"3,keyasint"`
	SecretFingerprint string    `cbor:"4,keyasint,omitempty"`
	VerifiedAt        time.Time `cbor:"5,keyasint"`
}

const (
	MethodPhysicalTransfer = "physical-transfer"
	MethodInitialIssuance  = "initial-issuance"
)

// LedgerEvent is one immutable custody record. Never updated or deleted.
type LedgerEvent struct {
	EventID        string
	TokenID        string
	FromOwner      string
	ToOwner        string
	Counter        uint64
	ChainHash      []byte
	Timestamp      time.Time
	Method         string
	TransactionRef string
	// Signature is a compact secp256k1 signature over ReceiptDigest.
	Signature []byte
}

// ReceiptDigest is the message a ledger receipt signs. Fields are length prefixed so no two
// distinct events share a digest.
func (e LedgerEvent) ReceiptDigest() [32]byte {
	h := sha256.New()
	for _, field := range []string{e.EventID, e.TokenID, e.FromOwner, e.ToOwner, e.Method, e.TransactionRef} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(field)))
		h.Write(n[:])
		h.Write([]byte(field))
	}
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], e.Counter)
	h.Write(ctr[:])
	h.Write(e.ChainHash)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(e.Timestamp.UTC().UnixMicro()))
	h.Write(ts[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// OutboxEvent is a domain event staged in the same transaction as the state change it describes.
type OutboxEvent struct {
	ID           string
	EventType    string
	PartitionKey string
	Payload      []byte
	CreatedAt    time.Time
	PublishedAt  *time.Time
}

const (
	EventTokenIssued        = "custody.token.issued"
	EventTransferInitiated  = "custody.transfer.initiated"
	EventTransferCommitted  = "custody.transfer.committed"
	EventTransferExpired    = "custody.transfer.expired"
	EventTokenStatusChanged = "custody.token.status_changed"
)
