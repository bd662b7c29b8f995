package postgres

import (
	"context"

	"gorm.io/gorm"

	"github.com/schjonhaug/tapcustody/internal/ports"
)

// Store is the Postgres implementation of ports.Store.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Repositories() ports.Repositories {
	return repositoriesFor(s.db)
}

// WithinTx runs fn in one database transaction. Rows read through the ForUpdate methods stay
// locked until it commits or rolls back.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, repos ports.Repositories) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, repositoriesFor(tx))
	})
	return mapError(err)
}

// Ping reports whether the database answers; used for readiness.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return mapError(sqlDB.PingContext(ctx))
}

func repositoriesFor(db *gorm.DB) ports.Repositories {
	return ports.Repositories{
		Tokens:   &tokenRepository{db: db},
		Pending:  &pendingRepository{db: db},
		Sessions: &sessionRepository{db: db},
		Locks:    &lockRepository{db: db},
		Ledger:   &ledgerRepository{db: db},
		Outbox:   &outboxRepository{db: db},
	}
}
