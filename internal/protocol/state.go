package protocol

import (
	"fmt"

	"github.com/schjonhaug/tapcustody/internal/domain"
	"github.com/schjonhaug/tapcustody/internal/securemsg"
)

type expectKind int

const (
	expectPICCChallenge expectKind = iota + 1
	expectPICCConfirm
	expectAppChallenge
	expectAppConfirm
	expectRead
)

func (k expectKind) String() string {
	switch k {
	case expectPICCChallenge:
		return "picc challenge"
	case expectPICCConfirm:
		return "picc confirm"
	case expectAppChallenge:
		return "app challenge"
	case expectAppConfirm:
		return "app confirm"
	case expectRead:
		return "read"
	default:
		return fmt.Sprintf("expectKind(%d)", int(k))
	}
}

// expectation is one response the engine is waiting for.
type expectation struct {
	Kind   expectKind `cbor:"1,keyasint"`
	FileNo byte       `cbor:"2,keyasint,omitempty"`
	Length int        `cbor:"3,keyasint,omitempty"`
}

// chained expectations belong to an exchange the card answered with "more frames"; nothing
// else may be sent until they are consumed.
func (e expectation) chained() bool {
	return e.Kind != expectRead
}

type level int

const (
	levelNone level = iota
	levelPICC
	levelApp
)

// cryptoState is everything the engine needs between round trips. It only ever leaves the
// process sealed.
type cryptoState struct {
	RndA    []byte             `cbor:"1,keyasint,omitempty"`
	RndB    []byte             `cbor:"2,keyasint,omitempty"`
	Channel *securemsg.Channel `cbor:"3,keyasint,omitempty"`
	Level   level              `cbor:"4,keyasint"`
	Expect  queue[expectation] `cbor:"5,keyasint"`
	// SecretFingerprint is the fingerprint of the server generated secret written in this
	// session, if any.
	SecretFingerprint string `cbor:"6,keyasint,omitempty"`
}

// discard drops all key material.
func (s *cryptoState) discard() {
	s.RndA = nil
	s.RndB = nil
	s.Channel = nil
	s.Level = levelNone
	s.Expect.clear()
}

// requireIdle rejects a new operation while a chained exchange is still open. Stale read
// expectations are dropped.
func (s *cryptoState) requireIdle(op string) error {
	head, ok := s.Expect.peek()
	if !ok {
		return nil
	}
	if head.chained() {
		return fmt.Errorf("%w: %s while waiting for %s", domain.ErrSequence, op, head.Kind)
	}
	s.Expect.clear()
	return nil
}

func (s *cryptoState) requireChannel(op string, want level) error {
	if s.Channel == nil || s.Level != want {
		return fmt.Errorf("%w: %s requires an authenticated channel", domain.ErrSequence, op)
	}
	return nil
}

func (s *cryptoState) next(op string, kinds ...expectKind) (expectation, error) {
	head, ok := s.Expect.dequeue()
	if !ok {
		return expectation{}, fmt.Errorf("%w: %s without a pending request", domain.ErrSequence, op)
	}
	for _, k := range kinds {
		if head.Kind == k {
			return head, nil
		}
	}
	return expectation{}, fmt.Errorf("%w: %s while waiting for %s", domain.ErrSequence, op, head.Kind)
}
