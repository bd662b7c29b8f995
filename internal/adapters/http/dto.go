package http

import (
	"time"

	"github.com/schjonhaug/tapcustody/internal/domain"
)

// Wire types. Frames and card responses are []byte and travel as base64 strings.

type BeginAuthRequest struct {
	AllowUnowned bool `json:"allow_unowned"`
}

type BeginAuthResponse struct {
	SessionID string    `json:"session_id"`
	Frames    [][]byte  `json:"frames"`
	ExpiresAt time.Time `json:"expires_at"`
}

type CardResponseRequest struct {
	Response []byte `json:"response"`
}

type ContinueAuthResponse struct {
	Done   bool     `json:"done"`
	Frames [][]byte `json:"frames"`
}

type SetupResponse struct {
	Frames [][]byte `json:"frames"`
	Steps  []string `json:"steps"`
}

type FramesResponse struct {
	Frames [][]byte `json:"frames"`
}

// ReadFileRequest defaults to the whole transfer file.
type ReadFileRequest struct {
	FileRef *int `json:"file_ref,omitempty"`
	Length  int  `json:"length,omitempty"`
}

// WriteTransferRequest without a payload writes the pending transfer's possession record.
type WriteTransferRequest struct {
	Payload           []byte `json:"payload,omitempty"`
	GenerateServerKey bool   `json:"generate_server_key"`
}

type WriteTransferResponse struct {
	Frames         [][]byte `json:"frames"`
	KeyFingerprint string   `json:"key_fingerprint,omitempty"`
}

type ChangeKeyRequest struct {
	Fingerprint string `json:"fingerprint"`
}

type ProofResponse struct {
	Valid          bool      `json:"valid"`
	KeyFingerprint string    `json:"key_fingerprint,omitempty"`
	Message        string    `json:"message,omitempty"`
	TransferID     string    `json:"transfer_id"`
	Counter        uint64    `json:"counter"`
	VerifiedAt     time.Time `json:"verified_at"`
}

type SessionResponse struct {
	SessionID string    `json:"session_id"`
	TokenID   string    `json:"token_id"`
	Phase     string    `json:"phase"`
	ExpiresAt time.Time `json:"expires_at"`
	HasProof  bool      `json:"has_proof"`
}

type InitiateTransferRequest struct {
	ToID            string `json:"to_id,omitempty"`
	RequiresPayment bool   `json:"requires_payment"`
}

type PendingTransferResponse struct {
	TransferID      string     `json:"transfer_id"`
	TokenID         string     `json:"token_id"`
	FromID          string     `json:"from_id"`
	ToID            string     `json:"to_id,omitempty"`
	ExpectedCounter uint64     `json:"expected_counter"`
	RequiresPayment bool       `json:"requires_payment"`
	PaymentCleared  bool       `json:"payment_cleared"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	ClearedAt       *time.Time `json:"payment_cleared_at,omitempty"`
}

type TokenResponse struct {
	TokenID         string                   `json:"token_id"`
	Identity        string                   `json:"identity"`
	OwnerID         string                   `json:"owner_id"`
	PreviousOwners  []string                 `json:"previous_owners"`
	TransferCounter uint64                   `json:"transfer_counter"`
	KeyFingerprint  string                   `json:"key_fingerprint"`
	Status          string                   `json:"status"`
	CreatedAt       time.Time                `json:"created_at"`
	LastTransferAt  *time.Time               `json:"last_transfer_at,omitempty"`
	Pending         *PendingTransferResponse `json:"pending_transfer,omitempty"`
}

type LedgerEventResponse struct {
	EventID        string    `json:"event_id"`
	TokenID        string    `json:"token_id"`
	FromOwner      string    `json:"from_owner,omitempty"`
	ToOwner        string    `json:"to_owner"`
	Counter        uint64    `json:"counter"`
	ChainHash      []byte    `json:"chain_hash"`
	Timestamp      time.Time `json:"timestamp"`
	Method         string    `json:"method"`
	TransactionRef string    `json:"transaction_ref"`
	Signature      []byte    `json:"signature,omitempty"`
}

type FinalizeResponse struct {
	Token TokenResponse       `json:"token"`
	Event LedgerEventResponse `json:"event"`
}

type IssueTokenRequest struct {
	OwnerID     string `json:"owner_id"`
	Originality []byte `json:"originality"`
}

func toSessionResponse(s domain.Session) SessionResponse {
	return SessionResponse{
		SessionID: s.ID,
		TokenID:   s.TokenID,
		Phase:     s.Phase.String(),
		ExpiresAt: s.ExpiresAt,
		HasProof:  s.Proof != nil,
	}
}

func toPendingResponse(p domain.PendingTransfer) PendingTransferResponse {
	return PendingTransferResponse{
		TransferID:      p.TransferID,
		TokenID:         p.TokenID,
		FromID:          p.FromID,
		ToID:            p.ToID,
		ExpectedCounter: p.ExpectedCounter,
		RequiresPayment: p.RequiresPayment,
		PaymentCleared:  p.PaymentClearedAt != nil,
		CreatedAt:       p.CreatedAt,
		ExpiresAt:       p.ExpiresAt,
		ClearedAt:       p.PaymentClearedAt,
	}
}

func toTokenResponse(t domain.Token, pending *domain.PendingTransfer) TokenResponse {
	out := TokenResponse{
		TokenID:         t.ID,
		Identity:        t.Identity,
		OwnerID:         t.OwnerID,
		PreviousOwners:  append([]string{}, t.PreviousOwners...),
		TransferCounter: t.TransferCounter,
		KeyFingerprint:  t.KeyFingerprint,
		Status:          string(t.Status),
		CreatedAt:       t.CreatedAt,
		LastTransferAt:  t.LastTransferAt,
	}
	if pending != nil {
		p := toPendingResponse(*pending)
		out.Pending = &p
	}
	return out
}

func toLedgerResponse(e domain.LedgerEvent) LedgerEventResponse {
	return LedgerEventResponse{
		EventID:        e.EventID,
		TokenID:        e.TokenID,
		FromOwner:      e.FromOwner,
		ToOwner:        e.ToOwner,
		Counter:        e.Counter,
		ChainHash:      e.ChainHash,
		Timestamp:      e.Timestamp,
		Method:         e.Method,
		TransactionRef: e.TransactionRef,
		Signature:      e.Signature,
	}
}
