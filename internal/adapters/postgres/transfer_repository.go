package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/schjonhaug/tapcustody/internal/domain"
)

type pendingRepository struct {
	db *gorm.DB
}

func (r *pendingRepository) Get(ctx context.Context, tokenID string) (domain.PendingTransfer, error) {
	return r.get(r.db.WithContext(ctx), tokenID)
}

func (r *pendingRepository) GetForUpdate(ctx context.Context, tokenID string) (domain.PendingTransfer, error) {
	return r.get(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), tokenID)
}

func (r *pendingRepository) get(db *gorm.DB, tokenID string) (domain.PendingTransfer, error) {
	var rec pendingTransferModel
	if err := db.Where("token_id = ?", tokenID).Take(&rec).Error; err != nil {
		return domain.PendingTransfer{}, mapError(err)
	}
	return toDomainPending(rec), nil
}

func (r *pendingRepository) Create(ctx context.Context, pending domain.PendingTransfer) error {
	rec := toPendingModel(pending)
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyPending
		}
		return mapError(err)
	}
	return nil
}

func (r *pendingRepository) MarkPaymentCleared(ctx context.Context, tokenID, transferID string, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&pendingTransferModel{}).
		Where("token_id = ? AND transfer_id = ?", tokenID, transferID).
		Update("payment_cleared_at", at)
	if res.Error != nil {
		return mapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *pendingRepository) Delete(ctx context.Context, tokenID, transferID string) error {
	res := r.db.WithContext(ctx).
		Where("token_id = ? AND transfer_id = ?", tokenID, transferID).
		Delete(&pendingTransferModel{})
	if res.Error != nil {
		return mapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteExpired removes up to limit expired OPEN rows. Rows locked by an in-flight finalize
// are skipped and picked up by a later sweep.
func (r *pendingRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) ([]domain.PendingTransfer, error) {
	var rows []pendingTransferModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("state = ?", string(domain.TransferOpen)).
			Where("expires_at <= ?", now).
			Order("expires_at ASC").
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if limit > 0 {
			q = q.Limit(limit)
		}
		if err := q.Find(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]string, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.TokenID)
		}
		return tx.Where("token_id IN ?", ids).Delete(&pendingTransferModel{}).Error
	})
	if err != nil {
		return nil, mapError(err)
	}

	out := make([]domain.PendingTransfer, 0, len(rows))
	for _, row := range rows {
		out = append(out, toDomainPending(row))
	}
	return out, nil
}
