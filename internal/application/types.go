package application

import (
	"time"

	"github.com/schjonhaug/tapcustody/internal/domain"
)

type Config struct {
	LockoutThreshold int
	LockoutWindow    time.Duration
	SessionRetention time.Duration
	SweepBatch       int
}

type BeginAuthRequest struct {
	TokenID      string
	UserID       string
	AllowUnowned bool
}

// BeginAuthResult reports Locked when another session holds the token; the caller backs off
// and retries.
type BeginAuthResult struct {
	SessionID string
	Frames    [][]byte
	Locked    bool
	ExpiresAt time.Time
}

type ContinueAuthResult struct {
	Done   bool
	Frames [][]byte
}

type SetupResult struct {
	Frames [][]byte
	Steps  []string
}

type FramesResult struct {
	Frames [][]byte
}

// ReadFileRequest names the file and byte count to read. A zero Length reads the whole
// transfer file.
type ReadFileRequest struct {
	FileNo byte
	Length int
}

// WriteRequest either carries a raw Payload for the transfer file or asks for the possession
// record of the pending transfer, optionally with a server generated secret.
type WriteRequest struct {
	Payload           []byte
	GenerateServerKey bool
}

// WriteResult carries the fingerprint of a server generated secret; the secret itself only
// travels encrypted inside the frames.
type WriteResult struct {
	Frames         [][]byte
	KeyFingerprint string
}

type IssueTokenRequest struct {
	AdminID string
	OwnerID string
	// Originality is the card's answer to the readSignature frame.
	Originality []byte
}

type TokenView struct {
	Token   domain.Token
	Pending *domain.PendingTransfer
}

type SweepResult struct {
	Transfers int
	Sessions  int
}
