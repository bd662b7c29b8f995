package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/schjonhaug/tapcustody/internal/domain"
	"github.com/schjonhaug/tapcustody/internal/ports"
)

type IssueRequest struct {
	TokenID        string
	Identity       string
	OwnerID        string
	KeyFingerprint string
	KeyVersion     int
	IssuedBy       string
}

// Issue creates the custody record of a verified chip together with its initial-issuance
// ledger event.
func (c *Coordinator) Issue(ctx context.Context, req IssueRequest) (domain.Token, error) {

	if req.TokenID == "" || req.OwnerID == "" || req.KeyFingerprint == "" {
		return domain.Token{}, fmt.Errorf("%w: token, owner and key fingerprint are required", domain.ErrInvalidInput)
	}

	var token domain.Token

	err := c.store.WithinTx(ctx, func(ctx context.Context, repos ports.Repositories) error {

		now := c.nowFn()

		token = domain.Token{
			ID:             req.TokenID,
			Identity:       req.Identity,
			OwnerID:        req.OwnerID,
			KeyFingerprint: req.KeyFingerprint,
			KeyVersion:     req.KeyVersion,
			ChainHead:      domain.GenesisLink(req.TokenID),
			Status:         domain.TokenActive,
			CreatedAt:      now,
		}
		if err := repos.Tokens.Create(ctx, token); err != nil {
			return err
		}

		event, err := c.ledgerEvent(domain.LedgerEvent{
			TokenID:        token.ID,
			ToOwner:        token.OwnerID,
			ChainHash:      token.ChainHead,
			Timestamp:      now,
			Method:         domain.MethodInitialIssuance,
			TransactionRef: req.IssuedBy,
		})
		if err != nil {
			return err
		}
		if err := repos.Ledger.Append(ctx, event); err != nil {
			return err
		}

		return c.enqueue(ctx, repos, domain.EventTokenIssued, token.ID, ledgerPayload(event), now)

	})
	if err != nil {
		return domain.Token{}, err
	}

	slog.Info("token issued", "module", "transfer", "operation", "issue", "token_id", token.ID)

	return token, nil

}

// SetStatus is the administrative lifecycle: lock, unlock, retire. Retirement is final and no
// status change happens while a transfer is pending.
func (c *Coordinator) SetStatus(ctx context.Context, tokenID string, status domain.TokenStatus) (domain.Token, error) {

	switch status {
	case domain.TokenActive, domain.TokenLocked, domain.TokenRetired:
	default:
		return domain.Token{}, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, status)
	}

	var token domain.Token

	err := c.store.WithinTx(ctx, func(ctx context.Context, repos ports.Repositories) error {

		current, err := repos.Tokens.GetForUpdate(ctx, tokenID)
		if err != nil {
			return err
		}
		if current.Status == domain.TokenRetired {
			return domain.ErrTokenInactive
		}
		if current.Status == status {
			token = current
			return nil
		}

		if _, err := repos.Pending.Get(ctx, tokenID); err == nil {
			return domain.ErrAlreadyPending
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		token = current
		token.Status = status
		if err := repos.Tokens.UpdateIfCounter(ctx, token, current.TransferCounter); err != nil {
			return err
		}

		payload, _ := json.Marshal(map[string]any{
			"token_id": tokenID,
			"from":     current.Status,
			"to":       status,
		})
		return c.enqueue(ctx, repos, domain.EventTokenStatusChanged, tokenID, payload, c.nowFn())

	})
	if err != nil {
		return domain.Token{}, err
	}

	return token, nil

}

// TokenView returns a token to its owner, or to anyone while a transfer is pending for it.
func (c *Coordinator) TokenView(ctx context.Context, callerID, tokenID string) (domain.Token, *domain.PendingTransfer, error) {

	repos := c.store.Repositories()

	token, err := repos.Tokens.Get(ctx, tokenID)
	if err != nil {
		return domain.Token{}, nil, err
	}

	pending, err := repos.Pending.Get(ctx, tokenID)
	switch {
	case err == nil:
		return token, &pending, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Token{}, nil, err
	case token.IsOwnedBy(callerID):
		return token, nil, nil
	default:
		return domain.Token{}, nil, domain.ErrForbidden
	}

}

// Ledger returns the provenance of a token to its past and current owners.
func (c *Coordinator) Ledger(ctx context.Context, callerID, tokenID string) ([]domain.LedgerEvent, error) {

	repos := c.store.Repositories()

	token, err := repos.Tokens.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if !token.HasOwned(callerID) {
		return nil, domain.ErrForbidden
	}

	return repos.Ledger.ListByToken(ctx, tokenID)

}

func transferPayload(p domain.PendingTransfer) []byte {
	payload, _ := json.Marshal(map[string]any{
		"token_id":         p.TokenID,
		"transfer_id":      p.TransferID,
		"from_id":          p.FromID,
		"to_id":            p.ToID,
		"expected_counter": p.ExpectedCounter,
		"state":            p.State,
		"expires_at":       p.ExpiresAt.Format(time.RFC3339),
	})
	return payload
}

func ledgerPayload(e domain.LedgerEvent) []byte {
	payload, _ := json.Marshal(map[string]any{
		"event_id":        e.EventID,
		"token_id":        e.TokenID,
		"from_owner":      e.FromOwner,
		"to_owner":        e.ToOwner,
		"counter":         e.Counter,
		"method":          e.Method,
		"transaction_ref": e.TransactionRef,
		"timestamp":       e.Timestamp.Format(time.RFC3339Nano),
	})
	return payload
}
