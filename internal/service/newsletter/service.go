package newsletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jwalitptl/newsletter-api/internal/model"
	"github.com/jwalitptl/newsletter-api/internal/repository"
	apperrors "github.com/jwalitptl/newsletter-api/pkg/errors"
	"github.com/jwalitptl/newsletter-api/pkg/httputil"
	"github.com/jwalitptl/newsletter-api/pkg/logger"
	"github.com/jwalitptl/newsletter-api/pkg/messaging"
	"github.com/jwalitptl/newsletter-api/pkg/metrics"
	"github.com/jwalitptl/newsletter-api/pkg/validator"
)

// AcceptedMessage is returned to the author once delivery has been queued.
const AcceptedMessage = "The newsletter issue has been accepted - emails will go out shortly."

type NewsletterServicer interface {
	PublishIssue(ctx context.Context, ownerID uuid.UUID, key model.IdempotencyKey, content model.IssueContent) (*model.SavedResponse, error)
}

type Service struct {
	idempotency repository.IdempotencyRepository
	issues      repository.NewsletterRepository
	queue       repository.DeliveryQueueRepository
	subscribers repository.SubscriberRepository

	notifier messaging.Publisher
	channel  string

	logger  *logger.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Service)

// WithNotifier announces committed issues on channel so idle workers can
// wake early. Delivery never depends on the announcement arriving.
func WithNotifier(p messaging.Publisher, channel string) Option {
	return func(s *Service) {
		s.notifier = p
		s.channel = channel
	}
}

func NewService(
	idempotency repository.IdempotencyRepository,
	issues repository.NewsletterRepository,
	queue repository.DeliveryQueueRepository,
	subscribers repository.SubscriberRepository,
	log *logger.Logger,
	m *metrics.Metrics,
	opts ...Option,
) *Service {
	s := &Service{
		idempotency: idempotency,
		issues:      issues,
		queue:       queue,
		subscribers: subscribers,
		logger:      log,
		metrics:     m,
		tracer:      otel.Tracer("github.com/jwalitptl/newsletter-api/internal/service/newsletter"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type recipientsFunc func(ctx context.Context, tx repository.Tx) ([]string, error)

// PublishIssue stores the issue and queues one delivery per confirmed
// subscriber, at most once per (owner, key). Retries and concurrent
// duplicates get the response of the execution that won.
func (s *Service) PublishIssue(ctx context.Context, ownerID uuid.UUID, key model.IdempotencyKey, content model.IssueContent) (*model.SavedResponse, error) {
	return s.publish(ctx, ownerID, key, content, s.subscribers.ListConfirmedEmails)
}

// PublishIssueTo is PublishIssue with a caller-supplied recipient list.
func (s *Service) PublishIssueTo(ctx context.Context, ownerID uuid.UUID, key model.IdempotencyKey, content model.IssueContent, recipients []string) (*model.SavedResponse, error) {
	return s.publish(ctx, ownerID, key, content, func(context.Context, repository.Tx) ([]string, error) {
		return recipients, nil
	})
}

func (s *Service) publish(ctx context.Context, ownerID uuid.UUID, key model.IdempotencyKey, content model.IssueContent, recipients recipientsFunc) (*model.SavedResponse, error) {
	ctx, span := s.tracer.Start(ctx, "newsletter.publish_issue", trace.WithAttributes(
		attribute.String("owner_id", ownerID.String()),
		attribute.String("idempotency_key", key.String()),
	))
	defer span.End()

	if err := validator.Default().Validate(content); err != nil {
		return nil, err
	}

	next, err := s.idempotency.TryProcessing(ctx, ownerID, key)
	if err != nil {
		s.metrics.DatabaseOperations.WithLabelValues("try_processing", "error").Inc()
		if errors.Is(err, repository.ErrResponseMissing) {
			s.logger.Error(err, "Idempotency record found without a saved response",
				"owner_id", ownerID.String(), "idempotency_key", key.String())
			return nil, apperrors.ConflictAnomaly(err)
		}
		return nil, apperrors.Unavailable("failed to acquire idempotency key", err)
	}
	if !next.StartProcessing() {
		s.metrics.IdempotentReplays.Inc()
		span.SetAttributes(attribute.Bool("idempotent_replay", true))
		s.logger.Debug("Returning saved response", "owner_id", ownerID.String(), "idempotency_key", key.String())
		return next.Saved, nil
	}

	tx := next.Tx
	resp, accepted, err := s.enqueue(ctx, tx, ownerID, content, recipients)
	if err != nil {
		return nil, rollback(tx, err)
	}
	if err := s.idempotency.SaveResponse(ctx, tx, ownerID, key, resp); err != nil {
		return nil, apperrors.Unavailable("failed to save response", err)
	}

	s.metrics.IssuesPublished.Inc()
	s.metrics.TasksEnqueued.Add(float64(accepted.Recipients))
	s.logger.Info("Newsletter issue accepted",
		"owner_id", ownerID.String(),
		"newsletter_issue_id", accepted.IssueID.String(),
		"recipients", accepted.Recipients)

	s.announce(ctx, accepted)
	return resp, nil
}

func (s *Service) enqueue(ctx context.Context, tx repository.Tx, ownerID uuid.UUID, content model.IssueContent, recipients recipientsFunc) (*model.SavedResponse, model.PublishAccepted, error) {
	issue := model.NewNewsletterIssue(ownerID, content, s.now())
	if err := s.issues.InsertIssue(ctx, tx, issue); err != nil {
		return nil, model.PublishAccepted{}, apperrors.Unavailable("failed to store newsletter issue", err)
	}

	emails, err := recipients(ctx, tx)
	if err != nil {
		return nil, model.PublishAccepted{}, apperrors.Unavailable("failed to list subscribers", err)
	}

	n, err := s.queue.Enqueue(ctx, tx, issue.ID, emails)
	if err != nil {
		return nil, model.PublishAccepted{}, apperrors.Unavailable("failed to enqueue delivery tasks", err)
	}

	accepted := model.PublishAccepted{
		IssueID:    issue.ID,
		Recipients: int(n),
		Message:    AcceptedMessage,
	}
	resp, err := acceptedResponse(accepted)
	if err != nil {
		return nil, model.PublishAccepted{}, apperrors.Internal(err)
	}
	return resp, accepted, nil
}

func acceptedResponse(accepted model.PublishAccepted) (*model.SavedResponse, error) {
	body, err := json.Marshal(httputil.Response{Success: true, Data: accepted})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}
	return &model.SavedResponse{
		StatusCode: http.StatusAccepted,
		Headers: model.HeaderPairs{
			{Name: "Content-Type", Value: []byte("application/json; charset=utf-8")},
		},
		Body: body,
	}, nil
}

func (s *Service) announce(ctx context.Context, accepted model.PublishAccepted) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	msg := messaging.IssuePublished{IssueID: accepted.IssueID.String(), Recipients: accepted.Recipients}
	if err := s.notifier.Publish(ctx, s.channel, msg); err != nil {
		s.logger.Warn("Failed to announce published issue", "error", err.Error(),
			"newsletter_issue_id", accepted.IssueID.String())
	}
}

func rollback(tx repository.Tx, cause error) error {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return errors.Join(cause, fmt.Errorf("failed to rollback transaction: %w", err))
	}
	return cause
}
