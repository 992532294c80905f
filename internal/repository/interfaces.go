package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/newsletter-api/internal/model"
)

// ErrResponseMissing is returned by TryProcessing when a record exists, its
// owner has released the row lock, and no response was ever saved.
var ErrResponseMissing = errors.New("idempotency record exists without a saved response")

// Tx is an open transaction shared by the repositories taking part in one
// unit of work. *sqlx.Tx satisfies it.
type Tx interface {
	sqlx.ExtContext
	Commit() error
	Rollback() error
}

// NextAction is the outcome of TryProcessing. Exactly one of Tx and Saved is set.
type NextAction struct {
	// Tx is held by the caller, who must finish with SaveResponse or Rollback.
	Tx Tx
	// Saved is the response produced by an earlier execution.
	Saved *model.SavedResponse
}

// StartProcessing reports whether the caller owns the key.
func (a NextAction) StartProcessing() bool {
	return a.Tx != nil
}

type (
	IdempotencyRepository interface {
		TryProcessing(ctx context.Context, ownerID uuid.UUID, key model.IdempotencyKey) (NextAction, error)
		SaveResponse(ctx context.Context, tx Tx, ownerID uuid.UUID, key model.IdempotencyKey, resp *model.SavedResponse) error
		GetSavedResponse(ctx context.Context, ownerID uuid.UUID, key model.IdempotencyKey) (*model.SavedResponse, error)
		DeleteExpired(ctx context.Context, olderThan time.Duration) (int64, error)
	}

	NewsletterRepository interface {
		InsertIssue(ctx context.Context, tx Tx, issue *model.NewsletterIssue) error
		GetIssue(ctx context.Context, id uuid.UUID) (*model.NewsletterIssue, error)
	}

	DeliveryQueueRepository interface {
		Enqueue(ctx context.Context, tx Tx, issueID uuid.UUID, recipients []string) (int64, error)
		// Dequeue claims one eligible task. A nil task means the queue had
		// nothing eligible and no transaction is left open.
		Dequeue(ctx context.Context) (Tx, *model.DeliveryTask, error)
		Delete(ctx context.Context, tx Tx, task *model.DeliveryTask) error
		Reschedule(ctx context.Context, tx Tx, task *model.DeliveryTask, nRetries int, delay time.Duration) error
	}

	SubscriberRepository interface {
		ListConfirmedEmails(ctx context.Context, tx Tx) ([]string, error)
	}
)
