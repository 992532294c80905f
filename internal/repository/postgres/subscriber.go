package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/newsletter-api/internal/model"
	"github.com/jwalitptl/newsletter-api/internal/repository"
)

type subscriberRepository struct {
	BaseRepository
}

func NewSubscriberRepository(base BaseRepository) repository.SubscriberRepository {
	return &subscriberRepository{base}
}

// ListConfirmedEmails reads inside tx so the recipient set is the one seen by
// the publishing transaction.
func (r *subscriberRepository) ListConfirmedEmails(ctx context.Context, tx repository.Tx) ([]string, error) {
	query := `
		SELECT email
		FROM subscriptions
		WHERE status = $1
		ORDER BY email
	`
	var emails []string
	if err := sqlx.SelectContext(ctx, tx, &emails, query, model.SubscriptionStatusConfirmed); err != nil {
		return nil, fmt.Errorf("failed to list confirmed subscribers: %w", err)
	}
	return emails, nil
}
