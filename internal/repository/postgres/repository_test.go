package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/newsletter-api/internal/model"
	"github.com/jwalitptl/newsletter-api/internal/repository"
	apperrors "github.com/jwalitptl/newsletter-api/pkg/errors"
)

func newMock(t *testing.T) (BaseRepository, *sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sdb := sqlx.NewDb(db, "postgres")
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		sdb.Close()
	})
	return NewBaseRepository(sdb), sdb, mock
}

func TestTryProcessingOwnsFreshKey(t *testing.T) {
	base, _, mock := newMock(t)
	repo := NewIdempotencyRepository(base)
	owner := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency").
		WithArgs(owner, "key-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	next, err := repo.TryProcessing(context.Background(), owner, "key-1")
	require.NoError(t, err)
	assert.True(t, next.StartProcessing())
	assert.Nil(t, next.Saved)

	mock.ExpectExec("UPDATE idempotency").
		WithArgs(owner, "key-1", 202, sqlmock.AnyArg(), []byte(`{"ok":true}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = repo.SaveResponse(context.Background(), next.Tx, owner, "key-1", &model.SavedResponse{
		StatusCode: 202,
		Body:       []byte(`{"ok":true}`),
	})
	require.NoError(t, err)
}

func TestTryProcessingReturnsSavedResponse(t *testing.T) {
	base, _, mock := newMock(t)
	repo := NewIdempotencyRepository(base)
	owner := uuid.New()

	headers := model.HeaderPairs{{Name: "Content-Type", Value: []byte("application/json")}}
	rawHeaders, err := headers.Value()
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency").
		WithArgs(owner, "key-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT response_status_code").
		WithArgs(owner, "key-1").
		WillReturnRows(sqlmock.NewRows([]string{"response_status_code", "response_headers", "response_body"}).
			AddRow(202, rawHeaders, []byte(`{"ok":true}`)))

	next, err := repo.TryProcessing(context.Background(), owner, "key-1")
	require.NoError(t, err)
	assert.False(t, next.StartProcessing())
	require.NotNil(t, next.Saved)
	assert.Equal(t, 202, next.Saved.StatusCode)
	assert.Equal(t, headers, next.Saved.Headers)
	assert.Equal(t, []byte(`{"ok":true}`), next.Saved.Body)
}

func TestTryProcessingAnomalyWhenResponseMissing(t *testing.T) {
	base, _, mock := newMock(t)
	repo := NewIdempotencyRepository(base)
	owner := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT response_status_code").
		WillReturnRows(sqlmock.NewRows([]string{"response_status_code", "response_headers", "response_body"}).
			AddRow(nil, nil, nil))

	_, err := repo.TryProcessing(context.Background(), owner, "key-1")
	assert.ErrorIs(t, err, repository.ErrResponseMissing)
}

func TestTryProcessingRollsBackOnInsertError(t *testing.T) {
	base, _, mock := newMock(t)
	repo := NewIdempotencyRepository(base)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO idempotency").WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := repo.TryProcessing(context.Background(), uuid.New(), "key-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestGetSavedResponseNoRow(t *testing.T) {
	base, _, mock := newMock(t)
	repo := NewIdempotencyRepository(base)

	mock.ExpectQuery("SELECT response_status_code").
		WillReturnRows(sqlmock.NewRows([]string{"response_status_code", "response_headers", "response_body"}))

	saved, err := repo.GetSavedResponse(context.Background(), uuid.New(), "missing")
	require.NoError(t, err)
	assert.Nil(t, saved)
}

func TestDeleteExpired(t *testing.T) {
	base, _, mock := newMock(t)
	repo := NewIdempotencyRepository(base)

	mock.ExpectExec(`DELETE FROM idempotency\s+WHERE created_at < now\(\) - make_interval`).
		WithArgs(float64(86400)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.DeleteExpired(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestInsertAndGetIssue(t *testing.T) {
	base, sdb, mock := newMock(t)
	repo := NewNewsletterRepository(base)
	issue := model.NewNewsletterIssue(uuid.New(), model.IssueContent{
		Title: "Issue #1", TextContent: "plain", HTMLContent: "<p>html</p>",
	}, time.Now())

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO newsletter_issues").
		WithArgs(issue.ID, issue.OwnerID, issue.Title, issue.TextContent, issue.HTMLContent, issue.PublishedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := sdb.Beginx()
	require.NoError(t, err)
	require.NoError(t, repo.InsertIssue(context.Background(), tx, issue))
	require.NoError(t, tx.Commit())

	mock.ExpectQuery("FROM newsletter_issues").
		WithArgs(issue.ID).
		WillReturnRows(sqlmock.NewRows([]string{"newsletter_issue_id", "owner_id", "title", "text_content", "html_content", "published_at"}).
			AddRow(issue.ID.String(), issue.OwnerID.String(), issue.Title, issue.TextContent, issue.HTMLContent, issue.PublishedAt))

	got, err := repo.GetIssue(context.Background(), issue.ID)
	require.NoError(t, err)
	assert.Equal(t, issue.ID, got.ID)
	assert.Equal(t, issue.HTMLContent, got.HTMLContent)
}

func TestGetIssueNotFound(t *testing.T) {
	base, _, mock := newMock(t)
	repo := NewNewsletterRepository(base)

	mock.ExpectQuery("FROM newsletter_issues").
		WillReturnRows(sqlmock.NewRows([]string{"newsletter_issue_id"}))

	_, err := repo.GetIssue(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrNotFound))
}

func TestEnqueue(t *testing.T) {
	base, sdb, mock := newMock(t)
	repo := NewDeliveryQueueRepository(base)
	issueID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO issue_delivery_queue").
		WithArgs(issueID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectRollback()

	tx, err := sdb.Beginx()
	require.NoError(t, err)
	n, err := repo.Enqueue(context.Background(), tx, issueID, []string{"a@example.com", "b@example.com"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = repo.Enqueue(context.Background(), tx, issueID, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, tx.Rollback())
}

func TestDequeueEmpty(t *testing.T) {
	base, _, mock := newMock(t)
	repo := NewDeliveryQueueRepository(base)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WillReturnRows(sqlmock.NewRows([]string{"newsletter_issue_id", "subscriber_email", "n_retries", "execute_after"}))
	mock.ExpectRollback()

	tx, task, err := repo.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, tx)
	assert.Nil(t, task)
}

func TestDequeueRescheduleAndDelete(t *testing.T) {
	base, _, mock := newMock(t)
	repo := NewDeliveryQueueRepository(base)
	issueID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WillReturnRows(sqlmock.NewRows([]string{"newsletter_issue_id", "subscriber_email", "n_retries", "execute_after"}).
			AddRow(issueID.String(), "a@example.com", 2, nil))
	mock.ExpectExec("UPDATE issue_delivery_queue").
		WithArgs(issueID, "a@example.com", 3, 8.0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, task, err := repo.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, issueID, task.IssueID)
	assert.Equal(t, 2, task.NRetries)
	assert.Nil(t, task.ExecuteAfter)

	require.NoError(t, repo.Reschedule(context.Background(), tx, task, 3, 8*time.Second))
	require.NoError(t, tx.Commit())

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WillReturnRows(sqlmock.NewRows([]string{"newsletter_issue_id", "subscriber_email", "n_retries", "execute_after"}).
			AddRow(issueID.String(), "a@example.com", 3, time.Now()))
	mock.ExpectExec("DELETE FROM issue_delivery_queue").
		WithArgs(issueID, "a@example.com").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, task, err = repo.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, task.ExecuteAfter)
	require.NoError(t, repo.Delete(context.Background(), tx, task))
	require.NoError(t, tx.Commit())
}

func TestListConfirmedEmails(t *testing.T) {
	base, sdb, mock := newMock(t)
	repo := NewSubscriberRepository(base)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM subscriptions").
		WithArgs(model.SubscriptionStatusConfirmed).
		WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("a@example.com").AddRow("b@example.com"))
	mock.ExpectRollback()

	tx, err := sdb.Beginx()
	require.NoError(t, err)
	emails, err := repo.ListConfirmedEmails(context.Background(), tx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, emails)
	require.NoError(t, tx.Rollback())
}
