package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery outcome label values.
const (
	OutcomeCompleted        = "completed"
	OutcomeTransientFailure = "transient_failure"
	OutcomePermanentFailure = "permanent_failure"
	OutcomeEmpty            = "empty"
)

// Metrics holds all application metrics
type Metrics struct {
	// Publishing
	IssuesPublished   prometheus.Counter
	IdempotentReplays prometheus.Counter
	TasksEnqueued     prometheus.Counter

	// Delivery
	DeliveryOutcomes *prometheus.CounterVec
	DeliveryRetries  prometheus.Counter
	SendLatency      prometheus.Histogram

	// Key reaper
	KeysReaped     prometheus.Counter
	ReaperFailures prometheus.Counter

	// Database metrics
	DatabaseOperations *prometheus.CounterVec

	// Redis metrics
	RedisOperations *prometheus.CounterVec
}

// NewMetrics creates and registers all application metrics on the default registry
func NewMetrics(namespace, subsystem string) *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer), namespace, subsystem)
}

// New registers on reg; a nil reg leaves the collectors unregistered, which
// is what tests want.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	return newMetrics(promauto.With(reg), namespace, "")
}

func newMetrics(f promauto.Factory, namespace, subsystem string) *Metrics {
	return &Metrics{
		IssuesPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "issues_published_total",
			Help:      "Total number of newsletter issues accepted for delivery",
		}),
		IdempotentReplays: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "idempotent_replays_total",
			Help:      "Total number of publish requests answered from a saved response",
		}),
		TasksEnqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "delivery_tasks_enqueued_total",
			Help:      "Total number of delivery tasks written to the queue",
		}),
		DeliveryOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "delivery_attempts_total",
			Help:      "Delivery worker cycles by outcome",
		}, []string{"outcome"}),
		DeliveryRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "delivery_retries_scheduled_total",
			Help:      "Total number of delivery tasks rescheduled after a failed send",
		}),
		SendLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "email_send_duration_seconds",
			Help:      "Time spent handing one email to the provider",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		KeysReaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "idempotency_keys_reaped_total",
			Help:      "Total number of expired idempotency records deleted",
		}),
		ReaperFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "idempotency_reaper_failures_total",
			Help:      "Reaper runs that gave up after retrying",
		}),
		DatabaseOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),
		RedisOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "redis_operations_total",
			Help:      "Total number of Redis operations",
		}, []string{"operation", "status"}),
	}
}
