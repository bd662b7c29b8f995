package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/schjonhaug/tapcustody/internal/domain"
)

type sessionRepository struct {
	db *gorm.DB
}

func (r *sessionRepository) Get(ctx context.Context, sessionID string) (domain.Session, error) {
	return r.get(r.db.WithContext(ctx), sessionID)
}

func (r *sessionRepository) GetForUpdate(ctx context.Context, sessionID string) (domain.Session, error) {
	return r.get(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), sessionID)
}

func (r *sessionRepository) get(db *gorm.DB, sessionID string) (domain.Session, error) {
	var rec sessionModel
	if err := db.Where("session_id = ?", sessionID).Take(&rec).Error; err != nil {
		return domain.Session{}, mapError(err)
	}
	return toDomainSession(rec)
}

func (r *sessionRepository) Create(ctx context.Context, session domain.Session) error {
	rec, err := toSessionModel(session)
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

func (r *sessionRepository) Update(ctx context.Context, session domain.Session) error {
	rec, err := toSessionModel(session)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).
		Model(&sessionModel{}).
		Where("session_id = ?", session.ID).
		Updates(map[string]any{
			"phase":         rec.Phase,
			"authenticated": rec.Authenticated,
			"sealed_state":  rec.SealedState,
			"proof":         rec.Proof,
			"expires_at":    rec.ExpiresAt,
			"updated_at":    rec.UpdatedAt,
		})
	if res.Error != nil {
		return mapError(res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *sessionRepository) LatestProved(ctx context.Context, tokenID, userID string) (domain.Session, error) {
	var rec sessionModel
	err := r.db.WithContext(ctx).
		Where("token_id = ? AND user_id = ? AND proof IS NOT NULL", tokenID, userID).
		Order("created_at DESC").
		Take(&rec).Error
	if err != nil {
		return domain.Session{}, mapError(err)
	}
	return toDomainSession(rec)
}

func (r *sessionRepository) DeleteExpired(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	sub := r.db.Model(&sessionModel{}).Select("session_id").Where("expires_at < ?", cutoff)
	if limit > 0 {
		sub = sub.Limit(limit)
	}
	res := r.db.WithContext(ctx).Where("session_id IN (?)", sub).Delete(&sessionModel{})
	if res.Error != nil {
		return 0, mapError(res.Error)
	}
	return int(res.RowsAffected), nil
}

type lockRepository struct {
	db *gorm.DB
}

// TryAcquire inserts the lock or takes over an expired one in a single statement. The
// conditional upsert affects no row while a live lock exists.
func (r *lockRepository) TryAcquire(ctx context.Context, lock domain.TokenLock, now time.Time) (bool, error) {
	rec := tokenLockModel{TokenID: lock.TokenID, SessionID: lock.SessionID, ExpiresAt: lock.ExpiresAt}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"session_id", "expires_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "token_locks.expires_at <= ?", Vars: []any{now}},
		}},
	}).Create(&rec)
	if res.Error != nil {
		return false, mapError(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *lockRepository) Get(ctx context.Context, tokenID string) (domain.TokenLock, error) {
	var rec tokenLockModel
	if err := r.db.WithContext(ctx).Where("token_id = ?", tokenID).Take(&rec).Error; err != nil {
		return domain.TokenLock{}, mapError(err)
	}
	return domain.TokenLock{TokenID: rec.TokenID, SessionID: rec.SessionID, ExpiresAt: rec.ExpiresAt.UTC()}, nil
}

func (r *lockRepository) Release(ctx context.Context, tokenID, sessionID string) error {
	err := r.db.WithContext(ctx).
		Where("token_id = ? AND session_id = ?", tokenID, sessionID).
		Delete(&tokenLockModel{}).Error
	return mapError(err)
}
