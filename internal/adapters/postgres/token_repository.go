package postgres

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/schjonhaug/tapcustody/internal/domain"
)

type tokenRepository struct {
	db *gorm.DB
}

func (r *tokenRepository) Get(ctx context.Context, tokenID string) (domain.Token, error) {
	return r.get(r.db.WithContext(ctx), tokenID)
}

func (r *tokenRepository) GetForUpdate(ctx context.Context, tokenID string) (domain.Token, error) {
	return r.get(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), tokenID)
}

func (r *tokenRepository) get(db *gorm.DB, tokenID string) (domain.Token, error) {
	var rec tokenModel
	if err := db.Where("token_id = ?", tokenID).Take(&rec).Error; err != nil {
		return domain.Token{}, mapError(err)
	}
	return toDomainToken(rec)
}

func (r *tokenRepository) Create(ctx context.Context, token domain.Token) error {
	rec, err := toTokenModel(token)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return mapError(err)
	}
	return nil
}

// UpdateIfCounter writes token only while the stored counter still equals expectedCounter.
func (r *tokenRepository) UpdateIfCounter(ctx context.Context, token domain.Token, expectedCounter uint64) error {
	rec, err := toTokenModel(token)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).
		Model(&tokenModel{}).
		Where("token_id = ?", token.ID).
		Where("transfer_counter = ?", int64(expectedCounter)).
		Updates(map[string]any{
			"owner_id":         rec.OwnerID,
			"previous_owners":  rec.PreviousOwners,
			"transfer_counter": rec.TransferCounter,
			"key_fingerprint":  rec.KeyFingerprint,
			"key_version":      rec.KeyVersion,
			"chain_head":       rec.ChainHead,
			"status":           rec.Status,
			"last_transfer_at": rec.LastTransferAt,
		})
	if res.Error != nil {
		return mapError(res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, token.ID); errors.Is(err, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		return domain.ErrStale
	}
	return nil
}
