package domain

import (
	"crypto/sha256"
	"time"
)

type TokenStatus string

const (
	TokenActive  TokenStatus = "active"
	TokenLocked  TokenStatus = "locked"
	TokenRetired TokenStatus = "retired"
)

// Token is one physical object and its digital custody record.
type Token struct {
	ID             string
	Identity       string
	OwnerID        string
	PreviousOwners []string
	// TransferCounter only ever grows; each committed transfer adds one.
	TransferCounter uint64
	// KeyFingerprint is an opaque hash of the current key material, never the key itself.
	KeyFingerprint string
	KeyVersion     int
	// ChainHead is the last committed link of the anti-replay hash chain.
	ChainHead      []byte
	Status         TokenStatus
	CreatedAt      time.Time
	LastTransferAt *time.Time
}

func (t Token) IsOwnedBy(userID string) bool {
	return userID != "" && t.OwnerID == userID
}

// HasOwned reports whether userID is the current owner or appears in the provenance.
func (t Token) HasOwned(userID string) bool {
	if t.IsOwnedBy(userID) {
		return true
	}
	for _, prev := range t.PreviousOwners {
		if prev == userID {
			return true
		}
	}
	return false
}

// Transferred returns a copy of t with custody moved to newOwner. The previous owner list
// is copied before appending so the receiver's slice is never rewritten.
func (t Token) Transferred(newOwner string, chainLink []byte, at time.Time) Token {
	next := t
	next.PreviousOwners = make([]string, 0, len(t.PreviousOwners)+1)
	next.PreviousOwners = append(next.PreviousOwners, t.PreviousOwners...)
	next.PreviousOwners = append(next.PreviousOwners, t.OwnerID)
	next.OwnerID = newOwner
	next.TransferCounter = t.TransferCounter + 1
	next.ChainHead = append([]byte(nil), chainLink...)
	ts := at
	next.LastTransferAt = &ts
	return next
}

// GenesisLink is the first link of a token's hash chain.
func GenesisLink(tokenID string) []byte {
	sum := sha256.Sum256(append([]byte("tapcustody/genesis"), tokenID...))
	return sum[:]
}
