//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jwalitptl/newsletter-api/internal/email"
	"github.com/jwalitptl/newsletter-api/internal/model"
	"github.com/jwalitptl/newsletter-api/internal/repository"
	"github.com/jwalitptl/newsletter-api/internal/repository/postgres"
	"github.com/jwalitptl/newsletter-api/internal/service/newsletter"
	"github.com/jwalitptl/newsletter-api/pkg/logger"
	"github.com/jwalitptl/newsletter-api/pkg/metrics"
	"github.com/jwalitptl/newsletter-api/pkg/worker"
)

func setupDB(t *testing.T) *sqlx.DB {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("newsletter"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, postgres.Migrate(db, "../../../migrations", "newsletter"))
	// A second run against an up-to-date schema is a no-op.
	require.NoError(t, postgres.Migrate(db, "../../../migrations", "newsletter"))
	return db
}

func addSubscribers(t *testing.T, db *sqlx.DB, status string, emails ...string) {
	t.Helper()
	for _, e := range emails {
		_, err := db.Exec(`INSERT INTO subscriptions (id, email, name, status) VALUES ($1, $2, $3, $4)`,
			uuid.New(), e, "Reader", status)
		require.NoError(t, err)
	}
}

func count(t *testing.T, db *sqlx.DB, query string, args ...interface{}) int {
	t.Helper()
	var n int
	require.NoError(t, db.Get(&n, query, args...))
	return n
}

func content() model.IssueContent {
	return model.IssueContent{Title: "Issue #1", TextContent: "Plain body", HTMLContent: "<p>HTML body</p>"}
}

func newService(db *sqlx.DB) *newsletter.Service {
	repos := postgres.NewRepositories(db)
	return newsletter.NewService(repos.Idempotency, repos.Newsletters, repos.Queue, repos.Subscribers,
		logger.NewNop(), metrics.New("test", nil))
}

type sentMail struct {
	to      string
	subject string
}

type recorder struct {
	mu   sync.Mutex
	sent []sentMail
	fail bool
}

func (r *recorder) sender() email.Sender {
	return email.SenderFunc(func(_ context.Context, to model.SubscriberEmail, subject, _, _ string) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.fail {
			return errors.New("provider unavailable")
		}
		r.sent = append(r.sent, sentMail{to: to.String(), subject: subject})
		return nil
	})
}

func newWorker(db *sqlx.DB, id string, s email.Sender) *worker.DeliveryWorker {
	repos := postgres.NewRepositories(db)
	return worker.NewDeliveryWorker(id, repos.Queue, repos.Newsletters, s, worker.DeliveryWorkerConfig{
		EmptyQueueDelay:       50 * time.Millisecond,
		TransientFailureDelay: 10 * time.Millisecond,
		RetryBaseDelay:        time.Second,
		MaxRetryDelay:         300 * time.Second,
	}, logger.NewNop(), metrics.New("test", nil))
}

func TestIntegrationPublishIsIdempotent(t *testing.T) {
	db := setupDB(t)
	addSubscribers(t, db, model.SubscriptionStatusConfirmed, "a@example.com", "b@example.com")
	addSubscribers(t, db, "pending_confirmation", "c@example.com")
	svc := newService(db)
	owner := uuid.New()

	first, err := svc.PublishIssue(context.Background(), owner, "key-1", content())
	require.NoError(t, err)
	second, err := svc.PublishIssue(context.Background(), owner, "key-1", content())
	require.NoError(t, err)

	assert.Equal(t, 202, first.StatusCode)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, count(t, db, `SELECT count(*) FROM newsletter_issues`))
	assert.Equal(t, 2, count(t, db, `SELECT count(*) FROM issue_delivery_queue`))
	assert.Equal(t, 0, count(t, db, `SELECT count(*) FROM issue_delivery_queue WHERE n_retries <> 0 OR execute_after IS NOT NULL`))
}

func TestIntegrationConcurrentDuplicatesPublishOnce(t *testing.T) {
	db := setupDB(t)
	addSubscribers(t, db, model.SubscriptionStatusConfirmed, "a@example.com", "b@example.com", "c@example.com")
	svc := newService(db)
	owner := uuid.New()

	const callers = 10
	responses := make([]*model.SavedResponse, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i], errs[i] = svc.PublishIssue(context.Background(), owner, "same-key", content())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, responses[0], responses[i])
	}
	assert.Equal(t, 1, count(t, db, `SELECT count(*) FROM newsletter_issues`))
	assert.Equal(t, 3, count(t, db, `SELECT count(*) FROM issue_delivery_queue`))
	assert.Equal(t, 1, count(t, db, `SELECT count(*) FROM idempotency`))

	rec := &recorder{}
	require.NoError(t, newWorker(db, "w1", rec.sender()).Drain(context.Background()))

	perRecipient := map[string]int{}
	for _, m := range rec.sent {
		perRecipient[m.to]++
	}
	assert.Equal(t, map[string]int{"a@example.com": 1, "b@example.com": 1, "c@example.com": 1}, perRecipient)
	assert.Equal(t, 0, count(t, db, `SELECT count(*) FROM issue_delivery_queue`))
}

func TestIntegrationMissingResponseIsAnAnomaly(t *testing.T) {
	db := setupDB(t)
	repos := postgres.NewRepositories(db)
	owner := uuid.New()

	_, err := db.Exec(`INSERT INTO idempotency (owner_id, idempotency_key, created_at) VALUES ($1, $2, now())`, owner, "orphan")
	require.NoError(t, err)

	_, err = repos.Idempotency.TryProcessing(context.Background(), owner, "orphan")
	assert.ErrorIs(t, err, repository.ErrResponseMissing)
}

func TestIntegrationDrainDeliversEachTaskOnce(t *testing.T) {
	db := setupDB(t)
	addSubscribers(t, db, model.SubscriptionStatusConfirmed, "a@example.com", "b@example.com", "not-an-email")
	_, err := newService(db).PublishIssue(context.Background(), uuid.New(), "key-1", content())
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, newWorker(db, "w1", rec.sender()).Drain(context.Background()))

	assert.ElementsMatch(t, []sentMail{
		{to: "a@example.com", subject: "Issue #1"},
		{to: "b@example.com", subject: "Issue #1"},
	}, rec.sent)
	assert.Equal(t, 0, count(t, db, `SELECT count(*) FROM issue_delivery_queue`))
}

func TestIntegrationFailedSendIsRescheduled(t *testing.T) {
	db := setupDB(t)
	addSubscribers(t, db, model.SubscriptionStatusConfirmed, "a@example.com")
	_, err := newService(db).PublishIssue(context.Background(), uuid.New(), "key-1", content())
	require.NoError(t, err)

	rec := &recorder{fail: true}
	w := newWorker(db, "w1", rec.sender())

	outcome, err := w.TryExecuteTask(context.Background())
	assert.Equal(t, worker.TransientFailure, outcome)
	assert.ErrorIs(t, err, worker.ErrSendFailed)

	var task struct {
		NRetries int       `db:"n_retries"`
		Delay    float64   `db:"delay"`
		After    time.Time `db:"execute_after"`
	}
	require.NoError(t, db.Get(&task, `
		SELECT n_retries, execute_after, EXTRACT(EPOCH FROM execute_after - now()) AS delay
		FROM issue_delivery_queue`))
	assert.Equal(t, 1, task.NRetries)
	assert.InDelta(t, 2.0, task.Delay, 1.0)

	// Not eligible until execute_after passes.
	outcome, err = w.TryExecuteTask(context.Background())
	require.NoError(t, err)
	assert.Equal(t, worker.Empty, outcome)
}

func TestIntegrationDequeueSkipsLockedRows(t *testing.T) {
	db := setupDB(t)
	addSubscribers(t, db, model.SubscriptionStatusConfirmed, "a@example.com", "b@example.com")
	_, err := newService(db).PublishIssue(context.Background(), uuid.New(), "key-1", content())
	require.NoError(t, err)

	queue := postgres.NewRepositories(db).Queue
	ctx := context.Background()

	tx1, task1, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, task1)
	defer tx1.Rollback()

	tx2, task2, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, task2)
	defer tx2.Rollback()
	assert.NotEqual(t, task1.SubscriberEmail, task2.SubscriberEmail)

	tx3, task3, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, tx3)
	assert.Nil(t, task3)
}

func TestIntegrationDeleteExpiredKeys(t *testing.T) {
	db := setupDB(t)
	repos := postgres.NewRepositories(db)

	for key, age := range map[string]string{"old": "25 hours", "recent": "23 hours"} {
		_, err := db.Exec(`
			INSERT INTO idempotency (owner_id, idempotency_key, response_status_code, created_at)
			VALUES ($1, $2, 202, now() - $3::interval)`, uuid.New(), key, age)
		require.NoError(t, err)
	}

	deleted, err := repos.Idempotency.DeleteExpired(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var remaining []string
	require.NoError(t, db.Select(&remaining, `SELECT idempotency_key FROM idempotency`))
	assert.Equal(t, []string{"recent"}, remaining)
}
