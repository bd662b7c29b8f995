package domain

import (
	"fmt"
	"time"
)

type Phase int

const (
	PhaseAuthInit Phase = iota + 1
	PhaseAuthContinue
	PhaseAppSelect
	PhaseAppAuth
	PhaseFileOp
	PhaseKeyChange
	PhaseDone
	PhaseAborted
)

var phaseNames = map[Phase]string{
	PhaseAuthInit:     "AUTH_INIT",
	PhaseAuthContinue: "AUTH_CONTINUE",
	PhaseAppSelect:    "APP_SELECT",
	PhaseAppAuth:      "APP_AUTH",
	PhaseFileOp:       "FILE_OP",
	PhaseKeyChange:    "KEY_CHANGE",
	PhaseDone:         "DONE",
	PhaseAborted:      "ABORTED",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

func ParsePhase(s string) (Phase, error) {
	for p, name := range phaseNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown phase %q", ErrInvalidInput, s)
}

func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseAborted
}

// Authorized reports whether a session in this phase has completed application-level
// authentication.
func (p Phase) Authorized() bool {
	return p == PhaseAppAuth || p == PhaseFileOp || p == PhaseKeyChange
}

// Session is one authentication and secure messaging exchange with a card. Key material is
// only ever held sealed in SealedState.
type Session struct {
	ID      string
	TokenID string
	UserID  string
	Phase   Phase
	// Authenticated is set once PICC level mutual authentication completed.
	Authenticated bool
	// AllowUnowned marks a receiver session opened against a pending transfer.
	AllowUnowned bool
	SealedState  []byte
	Proof        *TransferProof
	CreatedAt    time.Time
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// ExpiredAt errs toward re-authentication: a session is expired at its deadline, not after.
func (s Session) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s Session) Live(now time.Time) bool {
	return !s.Phase.Terminal() && !s.ExpiredAt(now)
}

// TokenLock is the at-most-one live session marker for a token.
type TokenLock struct {
	TokenID   string
	SessionID string
	ExpiresAt time.Time
}

func (l TokenLock) HeldAt(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}
