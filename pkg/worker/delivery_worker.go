package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jwalitptl/newsletter-api/internal/email"
	"github.com/jwalitptl/newsletter-api/internal/model"
	"github.com/jwalitptl/newsletter-api/internal/repository"
	"github.com/jwalitptl/newsletter-api/pkg/logger"
	"github.com/jwalitptl/newsletter-api/pkg/metrics"
)

// ErrSendFailed marks a cycle whose task was rescheduled after the email
// provider rejected or failed the send.
var ErrSendFailed = errors.New("email send failed")

// MaxRetryCount is the largest retry count the queue stores. Counts saturate
// there and keep the maximum delay.
const MaxRetryCount = math.MaxInt16

// Outcome is the result of one TryExecuteTask cycle.
type Outcome int

const (
	Empty Outcome = iota
	Completed
	TransientFailure
	PermanentFailure
)

func (o Outcome) String() string {
	switch o {
	case Empty:
		return metrics.OutcomeEmpty
	case Completed:
		return metrics.OutcomeCompleted
	case TransientFailure:
		return metrics.OutcomeTransientFailure
	case PermanentFailure:
		return metrics.OutcomePermanentFailure
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type DeliveryWorkerConfig struct {
	// EmptyQueueDelay is the idle sleep after finding nothing to do.
	EmptyQueueDelay time.Duration
	// TransientFailureDelay is the sleep after a failed cycle.
	TransientFailureDelay time.Duration
	// RetryBaseDelay and MaxRetryDelay bound the per-task backoff.
	RetryBaseDelay time.Duration
	MaxRetryDelay  time.Duration
	// IssueCacheTTL is how long issue content stays cached. Issues never
	// change after publishing.
	IssueCacheTTL time.Duration
}

type DeliveryWorker struct {
	id      string
	queue   repository.DeliveryQueueRepository
	issues  repository.NewsletterRepository
	sender  email.Sender
	config  DeliveryWorkerConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
	cache   *cache.Cache
	tracer  trace.Tracer
	wakeup  <-chan struct{}
}

func NewDeliveryWorker(
	id string,
	queue repository.DeliveryQueueRepository,
	issues repository.NewsletterRepository,
	sender email.Sender,
	config DeliveryWorkerConfig,
	log *logger.Logger,
	m *metrics.Metrics,
) *DeliveryWorker {
	// Config validation instead of defaults
	if config.EmptyQueueDelay <= 0 {
		panic("EmptyQueueDelay must be greater than 0")
	}
	if config.TransientFailureDelay <= 0 {
		panic("TransientFailureDelay must be greater than 0")
	}
	if config.RetryBaseDelay <= 0 {
		panic("RetryBaseDelay must be greater than 0")
	}
	if config.MaxRetryDelay < config.RetryBaseDelay {
		panic("MaxRetryDelay must not be less than RetryBaseDelay")
	}
	if config.IssueCacheTTL <= 0 {
		config.IssueCacheTTL = 10 * time.Minute
	}

	return &DeliveryWorker{
		id:      id,
		queue:   queue,
		issues:  issues,
		sender:  sender,
		config:  config,
		logger:  log.WithFields(map[string]interface{}{"worker_id": id}),
		metrics: m,
		cache:   cache.New(config.IssueCacheTTL, 2*config.IssueCacheTTL),
		tracer:  otel.Tracer("github.com/jwalitptl/newsletter-api/pkg/worker"),
	}
}

// WithWakeup lets an idle worker skip the rest of its empty-queue sleep when
// a signal arrives. The queue is still polled without it.
func (w *DeliveryWorker) WithWakeup(ch <-chan struct{}) *DeliveryWorker {
	w.wakeup = ch
	return w
}

// Start runs cycles until ctx is cancelled. A failed cycle never stops the loop.
func (w *DeliveryWorker) Start(ctx context.Context) {
	w.logger.Info("Starting delivery worker")

	for {
		outcome, err := w.TryExecuteTask(ctx)
		if ctx.Err() != nil {
			w.logger.Info("Shutting down delivery worker")
			return
		}
		if err != nil && outcome == TransientFailure && !errors.Is(err, ErrSendFailed) {
			w.logger.Error(err, "Delivery attempt failed")
		}

		var delay time.Duration
		switch outcome {
		case Empty:
			delay = w.config.EmptyQueueDelay
		case TransientFailure:
			delay = w.config.TransientFailureDelay
		}
		if delay > 0 && !w.sleep(ctx, delay, outcome == Empty) {
			w.logger.Info("Shutting down delivery worker")
			return
		}
	}
}

func (w *DeliveryWorker) sleep(ctx context.Context, d time.Duration, wakeable bool) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	var wake <-chan struct{}
	if wakeable {
		wake = w.wakeup
	}
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	case <-wake:
	}
	return true
}

// Drain runs cycles until the queue reports Empty. Failed sends are
// rescheduled and draining continues; any other failure stops it. The first
// send error is returned. Tasks scheduled for later are not waited for.
func (w *DeliveryWorker) Drain(ctx context.Context) error {
	var sendErr error
	for {
		outcome, err := w.TryExecuteTask(ctx)
		switch {
		case outcome == Empty:
			return sendErr
		case outcome == TransientFailure && errors.Is(err, ErrSendFailed):
			if sendErr == nil {
				sendErr = err
			}
		case outcome == TransientFailure:
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// TryExecuteTask claims one eligible task and tries to deliver it. The task
// row stays locked for the whole cycle, so no other worker can pick it up
// while the send is in flight. Once claimed, the task is settled even if ctx
// is cancelled mid-cycle; only the send itself observes cancellation.
func (w *DeliveryWorker) TryExecuteTask(ctx context.Context) (Outcome, error) {
	ctx, span := w.tracer.Start(ctx, "delivery.try_execute_task")
	defer span.End()

	outcome, err := w.tryExecuteTask(ctx, span)
	w.metrics.DeliveryOutcomes.WithLabelValues(outcome.String()).Inc()
	span.SetAttributes(attribute.String("delivery.outcome", outcome.String()))
	if err != nil {
		span.RecordError(err)
		if outcome == TransientFailure {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	return outcome, err
}

func (w *DeliveryWorker) tryExecuteTask(ctx context.Context, span trace.Span) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return TransientFailure, err
	}

	// The transaction is bound to the context it was opened with, so it must
	// outlive a shutdown signal until the task is deleted or rescheduled.
	txCtx := context.WithoutCancel(ctx)
	tx, task, err := w.queue.Dequeue(txCtx)
	if err != nil {
		w.metrics.DatabaseOperations.WithLabelValues("dequeue_task", "error").Inc()
		return TransientFailure, fmt.Errorf("failed to dequeue task: %w", err)
	}
	w.metrics.DatabaseOperations.WithLabelValues("dequeue_task", "success").Inc()
	if task == nil {
		return Empty, nil
	}

	span.SetAttributes(
		attribute.String("newsletter_issue_id", task.IssueID.String()),
		attribute.String("subscriber_email", task.SubscriberEmail),
		attribute.Int("n_retries", task.NRetries),
	)
	if task.ExecuteAfter != nil {
		span.SetAttributes(attribute.String("execute_after", task.ExecuteAfter.Format(time.RFC3339)))
	}

	to, err := model.ParseSubscriberEmail(task.SubscriberEmail)
	if err != nil {
		w.logger.Warn("Skipping a confirmed subscriber. Their stored contact details are invalid",
			"newsletter_issue_id", task.IssueID.String(),
			"subscriber_email", task.SubscriberEmail,
			"error", err.Error())
		if err := w.finish(txCtx, tx, task); err != nil {
			return TransientFailure, err
		}
		return PermanentFailure, err
	}

	issue, err := w.issue(ctx, task.IssueID)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
		return TransientFailure, fmt.Errorf("failed to load newsletter issue %s: %w", task.IssueID, err)
	}

	timer := prometheus.NewTimer(w.metrics.SendLatency)
	sendErr := w.sender.Send(ctx, to, issue.Title, issue.HTMLContent, issue.TextContent)
	timer.ObserveDuration()

	if sendErr != nil {
		nRetries := min(task.NRetries+1, MaxRetryCount)
		delay := RetryDelay(nRetries, w.config.RetryBaseDelay, w.config.MaxRetryDelay)
		if err := w.queue.Reschedule(txCtx, tx, task, nRetries, delay); err != nil {
			_ = tx.Rollback()
			return TransientFailure, fmt.Errorf("failed to reschedule after send error (%v): %w", sendErr, err)
		}
		if err := tx.Commit(); err != nil {
			return TransientFailure, fmt.Errorf("failed to commit reschedule after send error (%v): %w", sendErr, err)
		}
		w.metrics.DeliveryRetries.Inc()
		w.logger.Error(sendErr, "Failed to deliver issue to a confirmed subscriber. Rescheduled",
			"newsletter_issue_id", task.IssueID.String(),
			"subscriber_email", task.SubscriberEmail,
			"n_retries", nRetries,
			"retry_in", delay.String())
		return TransientFailure, fmt.Errorf("%w: %w", ErrSendFailed, sendErr)
	}

	if err := w.finish(txCtx, tx, task); err != nil {
		// The email went out but the task survives; it will be sent again.
		return TransientFailure, err
	}
	return Completed, nil
}

// finish deletes the task and commits.
func (w *DeliveryWorker) finish(ctx context.Context, tx repository.Tx, task *model.DeliveryTask) error {
	if err := w.queue.Delete(ctx, tx, task); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (w *DeliveryWorker) issue(ctx context.Context, id uuid.UUID) (*model.NewsletterIssue, error) {
	if cached, ok := w.cache.Get(id.String()); ok {
		return cached.(*model.NewsletterIssue), nil
	}
	issue, err := w.issues.GetIssue(ctx, id)
	if err != nil {
		return nil, err
	}
	w.cache.SetDefault(id.String(), issue)
	return issue, nil
}

// RetryDelay is min(base * 2^nRetries, max) where nRetries already counts the
// failure being scheduled.
func RetryDelay(nRetries int, base, max time.Duration) time.Duration {
	if nRetries < 0 {
		nRetries = 0
	}
	d := base
	for i := 0; i < nRetries; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
