package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jwalitptl/newsletter-api/internal/model"
	"github.com/jwalitptl/newsletter-api/internal/repository"
)

type deliveryQueueRepository struct {
	BaseRepository
}

func NewDeliveryQueueRepository(base BaseRepository) repository.DeliveryQueueRepository {
	return &deliveryQueueRepository{base}
}

// Enqueue creates one task per recipient in a single statement. Rows that
// already exist for the issue are left untouched.
func (r *deliveryQueueRepository) Enqueue(ctx context.Context, tx repository.Tx, issueID uuid.UUID, recipients []string) (int64, error) {
	if len(recipients) == 0 {
		return 0, nil
	}
	query := `
		INSERT INTO issue_delivery_queue (newsletter_issue_id, subscriber_email, n_retries, execute_after)
		SELECT $1, email, 0, NULL
		FROM unnest($2::text[]) AS t(email)
		ON CONFLICT DO NOTHING
	`
	result, err := tx.ExecContext(ctx, query, issueID, pq.Array(recipients))
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue delivery tasks: %w", err)
	}
	return result.RowsAffected()
}

// Dequeue claims at most one eligible task. Rows locked by other workers are
// skipped rather than waited on.
func (r *deliveryQueueRepository) Dequeue(ctx context.Context) (repository.Tx, *model.DeliveryTask, error) {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return nil, nil, err
	}

	query := `
		SELECT newsletter_issue_id, subscriber_email, n_retries, execute_after
		FROM issue_delivery_queue
		WHERE execute_after IS NULL OR execute_after <= now()
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`
	var task model.DeliveryTask
	if err := sqlx.GetContext(ctx, tx, &task, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, rollback(tx, nil)
		}
		return nil, nil, rollback(tx, fmt.Errorf("failed to dequeue delivery task: %w", err))
	}
	return tx, &task, nil
}

func (r *deliveryQueueRepository) Delete(ctx context.Context, tx repository.Tx, task *model.DeliveryTask) error {
	query := `
		DELETE FROM issue_delivery_queue
		WHERE newsletter_issue_id = $1 AND subscriber_email = $2
	`
	if _, err := tx.ExecContext(ctx, query, task.IssueID, task.SubscriberEmail); err != nil {
		return fmt.Errorf("failed to delete delivery task: %w", err)
	}
	return nil
}

// Reschedule pushes the task back by delay measured on the database clock,
// the same clock Dequeue compares execute_after against.
func (r *deliveryQueueRepository) Reschedule(ctx context.Context, tx repository.Tx, task *model.DeliveryTask, nRetries int, delay time.Duration) error {
	query := `
		UPDATE issue_delivery_queue
		SET n_retries = $3,
			execute_after = now() + make_interval(secs => $4::double precision)
		WHERE newsletter_issue_id = $1 AND subscriber_email = $2
	`
	if _, err := tx.ExecContext(ctx, query, task.IssueID, task.SubscriberEmail, nRetries, delay.Seconds()); err != nil {
		return fmt.Errorf("failed to reschedule delivery task: %w", err)
	}
	return nil
}
