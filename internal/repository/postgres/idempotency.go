package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/newsletter-api/internal/model"
	"github.com/jwalitptl/newsletter-api/internal/repository"
)

type idempotencyRepository struct {
	BaseRepository
}

func NewIdempotencyRepository(base BaseRepository) repository.IdempotencyRepository {
	return &idempotencyRepository{base}
}

// TryProcessing uses the primary key of the idempotency table as a
// distributed mutex. A concurrent insert for the same key blocks on the
// holder's row lock until that transaction ends, so the zero-rows branch
// only runs once the other request has committed or rolled back.
func (r *idempotencyRepository) TryProcessing(ctx context.Context, ownerID uuid.UUID, key model.IdempotencyKey) (repository.NextAction, error) {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return repository.NextAction{}, err
	}

	query := `
		INSERT INTO idempotency (owner_id, idempotency_key, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT DO NOTHING
	`
	result, err := tx.ExecContext(ctx, query, ownerID, key.String())
	if err != nil {
		return repository.NextAction{}, rollback(tx, fmt.Errorf("failed to insert idempotency placeholder: %w", err))
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return repository.NextAction{}, rollback(tx, fmt.Errorf("failed to read affected rows: %w", err))
	}
	if inserted > 0 {
		return repository.NextAction{Tx: tx}, nil
	}

	if err := rollback(tx, nil); err != nil {
		return repository.NextAction{}, err
	}

	saved, err := r.GetSavedResponse(ctx, ownerID, key)
	if err != nil {
		return repository.NextAction{}, err
	}
	if saved == nil {
		return repository.NextAction{}, repository.ErrResponseMissing
	}
	return repository.NextAction{Saved: saved}, nil
}

// SaveResponse attaches the response to the placeholder and commits tx.
func (r *idempotencyRepository) SaveResponse(ctx context.Context, tx repository.Tx, ownerID uuid.UUID, key model.IdempotencyKey, resp *model.SavedResponse) error {
	query := `
		UPDATE idempotency
		SET response_status_code = $3,
			response_headers = $4,
			response_body = $5
		WHERE owner_id = $1 AND idempotency_key = $2
	`
	if _, err := tx.ExecContext(ctx, query, ownerID, key.String(), resp.StatusCode, resp.Headers, resp.Body); err != nil {
		return rollback(tx, fmt.Errorf("failed to save idempotent response: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type savedResponseRow struct {
	StatusCode sql.NullInt32     `db:"response_status_code"`
	Headers    model.HeaderPairs `db:"response_headers"`
	Body       []byte            `db:"response_body"`
}

func (r *idempotencyRepository) GetSavedResponse(ctx context.Context, ownerID uuid.UUID, key model.IdempotencyKey) (*model.SavedResponse, error) {
	query := `
		SELECT response_status_code, response_headers, response_body
		FROM idempotency
		WHERE owner_id = $1 AND idempotency_key = $2
	`
	var row savedResponseRow
	err := r.db.GetContext(ctx, &row, query, ownerID, key.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get saved response: %w", err)
	}
	if !row.StatusCode.Valid {
		return nil, nil
	}
	return &model.SavedResponse{
		StatusCode: int(row.StatusCode.Int32),
		Headers:    row.Headers,
		Body:       row.Body,
	}, nil
}

// DeleteExpired removes records older than olderThan, measured on the
// database clock that stamped created_at.
func (r *idempotencyRepository) DeleteExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM idempotency
		WHERE created_at < now() - make_interval(secs => $1::double precision)
	`
	result, err := r.db.ExecContext(ctx, query, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired idempotency keys: %w", err)
	}
	return result.RowsAffected()
}
