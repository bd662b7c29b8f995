package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/schjonhaug/tapcustody/internal/domain"
)

type ledgerRepository struct {
	db *gorm.DB
}

func (r *ledgerRepository) Append(ctx context.Context, event domain.LedgerEvent) error {
	rec := toLedgerModel(event)
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return mapError(err)
	}
	return nil
}

func (r *ledgerRepository) ListByToken(ctx context.Context, tokenID string) ([]domain.LedgerEvent, error) {
	var rows []ledgerEventModel
	if err := r.db.WithContext(ctx).
		Where("token_id = ?", tokenID).
		Order("counter ASC").
		Find(&rows).Error; err != nil {
		return nil, mapError(err)
	}
	out := make([]domain.LedgerEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDomainLedger(row))
	}
	return out, nil
}

// claimTTL bounds how long a worker owns claimed rows before another worker may retry them.
const claimTTL = time.Minute

type outboxRepository struct {
	db *gorm.DB
}

func (r *outboxRepository) Enqueue(ctx context.Context, event domain.OutboxEvent) error {
	payload := string(event.Payload)
	if payload == "" {
		payload = "{}"
	}
	rec := outboxModel{
		OutboxID:     event.ID,
		EventType:    event.EventType,
		PartitionKey: event.PartitionKey,
		Payload:      payload,
		CreatedAt:    event.CreatedAt,
	}
	return mapError(r.db.WithContext(ctx).Create(&rec).Error)
}

func (r *outboxRepository) ClaimUnpublished(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		return nil, nil
	}

	claimToken := uuid.NewString()
	now := time.Now().UTC()
	claimUntil := now.Add(claimTTL)

	var rows []outboxModel
	if err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subquery := tx.Model(&outboxModel{}).
			Select("outbox_id").
			Where("published_at IS NULL").
			Where("claim_until IS NULL OR claim_until < ?", now).
			Order("created_at ASC").
			Limit(limit).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})

		if err := tx.Model(&outboxModel{}).
			Where("outbox_id IN (?)", subquery).
			Updates(map[string]any{
				"claim_token": claimToken,
				"claim_until": claimUntil,
			}).Error; err != nil {
			return err
		}

		return tx.Where("claim_token = ?", claimToken).
			Where("published_at IS NULL").
			Order("created_at ASC").
			Find(&rows).Error
	}); err != nil {
		return nil, fmt.Errorf("claim outbox: %w", mapError(err))
	}

	out := make([]domain.OutboxEvent, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDomainOutbox(row))
	}
	return out, nil
}

func (r *outboxRepository) MarkPublished(ctx context.Context, id string, at time.Time) error {
	return mapError(r.db.WithContext(ctx).
		Model(&outboxModel{}).
		Where("outbox_id = ?", id).
		Updates(map[string]any{
			"published_at": at,
			"claim_token":  nil,
			"claim_until":  nil,
		}).Error)
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id string, reason string, at time.Time) error {
	return mapError(r.db.WithContext(ctx).
		Model(&outboxModel{}).
		Where("outbox_id = ?", id).
		Updates(map[string]any{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_error":    reason,
			"last_error_at": at,
			"claim_token":   nil,
			"claim_until":   nil,
		}).Error)
}
