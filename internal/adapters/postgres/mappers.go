package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/schjonhaug/tapcustody/internal/domain"
)

func toTokenModel(t domain.Token) (tokenModel, error) {
	owners := t.PreviousOwners
	if owners == nil {
		owners = []string{}
	}
	raw, err := json.Marshal(owners)
	if err != nil {
		return tokenModel{}, err
	}
	return tokenModel{
		TokenID:         t.ID,
		Identity:        t.Identity,
		OwnerID:         t.OwnerID,
		PreviousOwners:  string(raw),
		TransferCounter: int64(t.TransferCounter),
		KeyFingerprint:  t.KeyFingerprint,
		KeyVersion:      t.KeyVersion,
		ChainHead:       t.ChainHead,
		Status:          string(t.Status),
		CreatedAt:       t.CreatedAt,
		LastTransferAt:  t.LastTransferAt,
	}, nil
}

func toDomainToken(m tokenModel) (domain.Token, error) {
	var owners []string
	if m.PreviousOwners != "" {
		if err := json.Unmarshal([]byte(m.PreviousOwners), &owners); err != nil {
			return domain.Token{}, fmt.Errorf("decode previous owners of %s: %w", m.TokenID, err)
		}
	}
	return domain.Token{
		ID:              m.TokenID,
		Identity:        m.Identity,
		OwnerID:         m.OwnerID,
		PreviousOwners:  owners,
		TransferCounter: uint64(m.TransferCounter),
		KeyFingerprint:  m.KeyFingerprint,
		KeyVersion:      m.KeyVersion,
		ChainHead:       m.ChainHead,
		Status:          domain.TokenStatus(m.Status),
		CreatedAt:       m.CreatedAt.UTC(),
		LastTransferAt:  utcPtr(m.LastTransferAt),
	}, nil
}

func toPendingModel(p domain.PendingTransfer) pendingTransferModel {
	return pendingTransferModel{
		TokenID:          p.TokenID,
		TransferID:       p.TransferID,
		FromID:           p.FromID,
		ToID:             p.ToID,
		ExpectedCounter:  int64(p.ExpectedCounter),
		Nonce:            p.Nonce,
		ChainHash:        p.ChainHash,
		State:            string(p.State),
		RequiresPayment:  p.RequiresPayment,
		PaymentClearedAt: p.PaymentClearedAt,
		CreatedAt:        p.CreatedAt,
		ExpiresAt:        p.ExpiresAt,
	}
}

func toDomainPending(m pendingTransferModel) domain.PendingTransfer {
	return domain.PendingTransfer{
		TokenID:          m.TokenID,
		TransferID:       m.TransferID,
		FromID:           m.FromID,
		ToID:             m.ToID,
		ExpectedCounter:  uint64(m.ExpectedCounter),
		Nonce:            m.Nonce,
		ChainHash:        m.ChainHash,
		State:            domain.TransferState(m.State),
		RequiresPayment:  m.RequiresPayment,
		PaymentClearedAt: utcPtr(m.PaymentClearedAt),
		CreatedAt:        m.CreatedAt.UTC(),
		ExpiresAt:        m.ExpiresAt.UTC(),
	}
}

func toSessionModel(s domain.Session) (sessionModel, error) {
	var proof []byte
	if s.Proof != nil {
		raw, err := cbor.Marshal(s.Proof)
		if err != nil {
			return sessionModel{}, err
		}
		proof = raw
	}
	return sessionModel{
		SessionID:     s.ID,
		TokenID:       s.TokenID,
		UserID:        s.UserID,
		Phase:         s.Phase.String(),
		Authenticated: s.Authenticated,
		AllowUnowned:  s.AllowUnowned,
		SealedState:   s.SealedState,
		Proof:         proof,
		CreatedAt:     s.CreatedAt,
		ExpiresAt:     s.ExpiresAt,
		UpdatedAt:     s.UpdatedAt,
	}, nil
}

func toDomainSession(m sessionModel) (domain.Session, error) {
	phase, err := domain.ParsePhase(m.Phase)
	if err != nil {
		return domain.Session{}, fmt.Errorf("session %s: %v", m.SessionID, err)
	}
	s := domain.Session{
		ID:            m.SessionID,
		TokenID:       m.TokenID,
		UserID:        m.UserID,
		Phase:         phase,
		Authenticated: m.Authenticated,
		AllowUnowned:  m.AllowUnowned,
		SealedState:   m.SealedState,
		CreatedAt:     m.CreatedAt.UTC(),
		ExpiresAt:     m.ExpiresAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
	}
	if len(m.Proof) > 0 {
		var proof domain.TransferProof
		if err := cbor.Unmarshal(m.Proof, &proof); err != nil {
			return domain.Session{}, fmt.Errorf("decode proof of session %s: %w", m.SessionID, err)
		}
		s.Proof = &proof
	}
	return s, nil
}

func toLedgerModel(e domain.LedgerEvent) ledgerEventModel {
	return ledgerEventModel{
		EventID:        e.EventID,
		TokenID:        e.TokenID,
		FromOwner:      e.FromOwner,
		ToOwner:        e.ToOwner,
		Counter:        int64(e.Counter),
		ChainHash:      e.ChainHash,
		OccurredAt:     e.Timestamp,
		Method:         e.Method,
		TransactionRef: e.TransactionRef,
		Signature:      e.Signature,
	}
}

func toDomainLedger(m ledgerEventModel) domain.LedgerEvent {
	return domain.LedgerEvent{
		EventID:        m.EventID,
		TokenID:        m.TokenID,
		FromOwner:      m.FromOwner,
		ToOwner:        m.ToOwner,
		Counter:        uint64(m.Counter),
		ChainHash:      m.ChainHash,
		Timestamp:      m.OccurredAt.UTC(),
		Method:         m.Method,
		TransactionRef: m.TransactionRef,
		Signature:      m.Signature,
	}
}

func toDomainOutbox(m outboxModel) domain.OutboxEvent {
	return domain.OutboxEvent{
		ID:           m.OutboxID,
		EventType:    m.EventType,
		PartitionKey: m.PartitionKey,
		Payload:      []byte(m.Payload),
		CreatedAt:    m.CreatedAt.UTC(),
		PublishedAt:  utcPtr(m.PublishedAt),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

// mapError turns driver failures into domain errors. Serialization failures and deadlocks
// mean a concurrent writer won; lost connections are reported as an unavailable store.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", domain.ErrStale, pgErr.Message)
		case "57P01", "57P03", "53300":
			return fmt.Errorf("%w: %s", domain.ErrStoreUnavailable, pgErr.Message)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return err
}
