package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")

	// ErrNotOwner is returned when the caller is not the owner read from the store at call time.
	ErrNotOwner       = errors.New("caller is not the token owner")
	ErrNotRecipient   = errors.New("transfer is reserved for another recipient")
	ErrAlreadyPending = errors.New("a transfer is already pending for this token")
	ErrTokenInactive  = errors.New("token is not active")

	// ErrExpired covers both session and transfer deadlines. Never bypassed.
	ErrExpired = errors.New("expired")
	// ErrStale is returned to the loser of a concurrent ownership change.
	ErrStale = errors.New("stale state")
	// ErrReplay is returned when a card proof does not match the live transfer link.
	ErrReplay         = errors.New("card proof does not match the pending transfer")
	ErrProofRequired  = errors.New("physical possession proof required")
	ErrPaymentPending = errors.New("payment not cleared")
	ErrRiskDenied     = errors.New("risk gate denied the operation")
	ErrRateLimited    = errors.New("too many failed card authentications")

	// Protocol failures. Each of these aborts the session it occurred in.
	ErrSequence       = errors.New("operation out of sequence")
	ErrCryptoMismatch = errors.New("card cryptogram mismatch")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrCardStatus     = errors.New("card returned failure status")

	ErrKeyMismatch         = errors.New("token key fingerprint does not match derived key")
	ErrKeyRotationDisabled = errors.New("key rotation disabled")
	ErrCounterfeit         = errors.New("originality signature does not chain to factory root")

	ErrStoreUnavailable = errors.New("store unavailable")
)

// Category groups errors by how callers are expected to react to them.
type Category string

const (
	CategoryTransport     Category = "transport"
	CategoryProtocol      Category = "protocol"
	CategoryAuthorization Category = "authorization"
	CategoryTemporal      Category = "temporal"
	CategoryConsistency   Category = "consistency"
	CategoryValidation    Category = "validation"
	CategoryInternal      Category = "internal"
)

type codeEntry struct {
	err      error
	code     string
	category Category
	message  string
}

// Ordered: the first match wins, so wrapped protocol errors resolve before generic ones.
var codeTable = []codeEntry{
	{ErrSequence, "SEQUENCE_ERROR", CategoryProtocol, "please try again"},
	{ErrCryptoMismatch, "PROTOCOL_ERROR", CategoryProtocol, "please try again"},
	{ErrMalformedFrame, "PROTOCOL_ERROR", CategoryProtocol, "please try again"},
	{ErrCardStatus, "CARD_ERROR", CategoryProtocol, "please try again, keep the object in place"},
	{ErrKeyMismatch, "KEY_MISMATCH", CategoryProtocol, "please try again"},
	{ErrNotOwner, "NOT_OWNER", CategoryAuthorization, "you are not the owner of this item"},
	{ErrNotRecipient, "NOT_RECIPIENT", CategoryAuthorization, "this transfer was started for someone else"},
	{ErrAlreadyPending, "ALREADY_PENDING", CategoryAuthorization, "a transfer is already in progress for this item"},
	{ErrTokenInactive, "TOKEN_INACTIVE", CategoryAuthorization, "this item cannot be transferred right now"},
	{ErrRiskDenied, "RISK_DENIED", CategoryAuthorization, "this transfer could not be verified"},
	{ErrRateLimited, "RATE_LIMITED", CategoryAuthorization, "too many attempts, try again shortly"},
	{ErrPaymentPending, "PAYMENT_PENDING", CategoryAuthorization, "waiting for payment to clear"},
	{ErrProofRequired, "PROOF_REQUIRED", CategoryAuthorization, "tap the item to prove you hold it"},
	{ErrKeyRotationDisabled, "KEY_ROTATION_DISABLED", CategoryAuthorization, "key rotation is not available"},
	{ErrCounterfeit, "COUNTERFEIT", CategoryAuthorization, "this item failed the originality check"},
	{ErrExpired, "EXPIRED", CategoryTemporal, "this transfer is no longer valid, ask the sender to start a new one"},
	{ErrStale, "STALE", CategoryConsistency, "please try again"},
	{ErrReplay, "REPLAY", CategoryConsistency, "please tap the item again"},
	{ErrConflict, "CONFLICT", CategoryConsistency, "please try again"},
	{ErrUnauthorized, "UNAUTHORIZED", CategoryAuthorization, "sign in again"},
	{ErrForbidden, "FORBIDDEN", CategoryAuthorization, "you cannot do this"},
	{ErrNotFound, "NOT_FOUND", CategoryValidation, "not found"},
	{ErrInvalidInput, "VALIDATION_ERROR", CategoryValidation, "invalid request"},
	{ErrStoreUnavailable, "STORE_UNAVAILABLE", CategoryInternal, "please try again"},
}

// Code returns the symbolic error code surfaced to callers. Unknown errors map to
// INTERNAL_ERROR so raw store messages never leak.
func Code(err error) string {
	if e, ok := lookup(err); ok {
		return e.code
	}
	return "INTERNAL_ERROR"
}

// CategoryOf classifies err for retry and messaging decisions.
func CategoryOf(err error) Category {
	if e, ok := lookup(err); ok {
		return e.category
	}
	return CategoryInternal
}

// UserMessage is the message shown to the holder. Protocol and consistency failures get a
// generic retry prompt since they are not user-actionable.
func UserMessage(err error) string {
	if e, ok := lookup(err); ok {
		return e.message
	}
	return "please try again"
}

// AbortsSession reports whether err must terminate the session it occurred in.
func AbortsSession(err error) bool {
	return CategoryOf(err) == CategoryProtocol
}

func lookup(err error) (codeEntry, bool) {
	if err == nil {
		return codeEntry{}, false
	}
	for _, e := range codeTable {
		if errors.Is(err, e.err) {
			return e, true
		}
	}
	return codeEntry{}, false
}
