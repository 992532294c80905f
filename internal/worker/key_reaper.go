package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jwalitptl/newsletter-api/pkg/logger"
	"github.com/jwalitptl/newsletter-api/pkg/metrics"
)

// KeyDeleter is the slice of the idempotency store the reaper needs.
type KeyDeleter interface {
	DeleteExpired(ctx context.Context, olderThan time.Duration) (int64, error)
}

type KeyReaperConfig struct {
	Interval  time.Duration
	Retention time.Duration
	// MaxElapsedTime caps the retries of a single run.
	MaxElapsedTime time.Duration
}

// KeyReaper deletes idempotency records older than the retention window.
// A failed run is logged and dropped; the next run deletes the backlog too.
type KeyReaper struct {
	repo    KeyDeleter
	config  KeyReaperConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
	backoff func() backoff.BackOff
}

func NewKeyReaper(repo KeyDeleter, config KeyReaperConfig, log *logger.Logger, m *metrics.Metrics) *KeyReaper {
	if config.Interval <= 0 {
		panic("Interval must be greater than 0")
	}
	if config.Retention <= 0 {
		panic("Retention must be greater than 0")
	}

	r := &KeyReaper{
		repo:    repo,
		config:  config,
		logger:  log.WithFields(map[string]interface{}{"worker": "idempotency_key_reaper"}),
		metrics: m,
	}
	r.backoff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		if r.config.MaxElapsedTime > 0 {
			b.MaxElapsedTime = r.config.MaxElapsedTime
		}
		return b
	}
	return r
}

// Start runs once immediately and then on every tick until ctx is done.
func (r *KeyReaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("Starting idempotency key reaper",
		"interval", r.config.Interval.String(),
		"retention", r.config.Retention.String())

	for {
		_ = r.RunOnce(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info("Shutting down idempotency key reaper")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce deletes every record older than the retention window, retrying
// with exponential backoff. Age is judged by the store's clock, the same one
// that stamped the records. The error is returned for callers that care;
// Start ignores it.
func (r *KeyReaper) RunOnce(ctx context.Context) error {
	var deleted int64
	op := func() error {
		n, err := r.repo.DeleteExpired(ctx, r.config.Retention)
		if err != nil {
			return err
		}
		deleted = n
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("Failed to delete expired idempotency keys, retrying",
			"error", err.Error(),
			"retry_in", wait.String())
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(r.backoff(), ctx), notify); err != nil {
		r.metrics.ReaperFailures.Inc()
		r.logger.Error(err, "Giving up on expired idempotency keys until the next run")
		return fmt.Errorf("failed to reap idempotency keys: %w", err)
	}

	r.metrics.KeysReaped.Add(float64(deleted))
	r.logger.Info("Deleted expired idempotency keys",
		"deleted", deleted,
		"retention", r.config.Retention.String())
	return nil
}
