package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/newsletter-api/internal/model"
	"github.com/jwalitptl/newsletter-api/internal/repository"
	apperrors "github.com/jwalitptl/newsletter-api/pkg/errors"
)

type newsletterRepository struct {
	BaseRepository
}

func NewNewsletterRepository(base BaseRepository) repository.NewsletterRepository {
	return &newsletterRepository{base}
}

func (r *newsletterRepository) InsertIssue(ctx context.Context, tx repository.Tx, issue *model.NewsletterIssue) error {
	query := `
		INSERT INTO newsletter_issues (
			newsletter_issue_id, owner_id, title, text_content, html_content, published_at
		) VALUES (
			:newsletter_issue_id, :owner_id, :title, :text_content, :html_content, :published_at
		)
	`
	if _, err := sqlx.NamedExecContext(ctx, tx, query, issue); err != nil {
		return fmt.Errorf("failed to insert newsletter issue: %w", err)
	}
	return nil
}

func (r *newsletterRepository) GetIssue(ctx context.Context, id uuid.UUID) (*model.NewsletterIssue, error) {
	query := `
		SELECT newsletter_issue_id, owner_id, title, text_content, html_content, published_at
		FROM newsletter_issues
		WHERE newsletter_issue_id = $1
	`
	var issue model.NewsletterIssue
	if err := r.db.GetContext(ctx, &issue, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("newsletter issue", err)
		}
		return nil, fmt.Errorf("failed to get newsletter issue: %w", err)
	}
	return &issue, nil
}
