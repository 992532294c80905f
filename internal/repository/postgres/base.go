package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/newsletter-api/internal/repository"
)

// BaseRepository provides common functionality for all repositories
type BaseRepository struct {
	db *sqlx.DB
}

// NewBaseRepository creates a new base repository
func NewBaseRepository(db *sqlx.DB) BaseRepository {
	return BaseRepository{db: db}
}

// BeginTx opens a read-committed transaction.
func (r *BaseRepository) BeginTx(ctx context.Context) (repository.Tx, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// rollback discards tx and joins any rollback failure onto cause.
func rollback(tx repository.Tx, cause error) error {
	if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
		return errors.Join(cause, fmt.Errorf("failed to rollback transaction: %w", rbErr))
	}
	return cause
}

// Repositories bundles every repository over one connection pool.
type Repositories struct {
	Idempotency repository.IdempotencyRepository
	Newsletters repository.NewsletterRepository
	Queue       repository.DeliveryQueueRepository
	Subscribers repository.SubscriberRepository
}

func NewRepositories(db *sqlx.DB) *Repositories {
	base := NewBaseRepository(db)
	return &Repositories{
		Idempotency: NewIdempotencyRepository(base),
		Newsletters: NewNewsletterRepository(base),
		Queue:       NewDeliveryQueueRepository(base),
		Subscribers: NewSubscriberRepository(base),
	}
}
