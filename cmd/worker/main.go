package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/jwalitptl/newsletter-api/internal/config"
	"github.com/jwalitptl/newsletter-api/internal/email"
	"github.com/jwalitptl/newsletter-api/internal/handler/health"
	promHandler "github.com/jwalitptl/newsletter-api/internal/handler/prometheus"
	"github.com/jwalitptl/newsletter-api/internal/observability"
	"github.com/jwalitptl/newsletter-api/internal/repository/postgres"
	keyreaper "github.com/jwalitptl/newsletter-api/internal/worker"
	"github.com/jwalitptl/newsletter-api/pkg/circuitbreaker"
	"github.com/jwalitptl/newsletter-api/pkg/logger"
	"github.com/jwalitptl/newsletter-api/pkg/messaging"
	"github.com/jwalitptl/newsletter-api/pkg/messaging/redis"
	"github.com/jwalitptl/newsletter-api/pkg/metrics"
	"github.com/jwalitptl/newsletter-api/pkg/worker"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "directory holding config.yml")
	drain := flag.Bool("drain", false, "deliver every eligible task once and exit")
	flag.Parse()

	var paths []string
	if *configPath != "" {
		paths = append(paths, *configPath)
	}

	cfg, err := config.LoadConfig(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		TimeFormat: time.RFC3339,
		JSON:       cfg.Log.JSON,
	}).WithFields(map[string]interface{}{"service": "newsletter-worker", "version": version})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal(err, "Failed to set up tracing")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Error(err, "Failed to flush traces")
		}
	}()

	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal(err, "Failed to connect to database")
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("newsletter", reg)

	repos := postgres.NewRepositories(db)
	sender := newSender(cfg, log)

	if *drain {
		w := worker.NewDeliveryWorker("drain", repos.Queue, repos.Newsletters, sender, cfg.ToDeliveryWorkerConfig(), log, m)
		if err := w.Drain(ctx); err != nil {
			log.Fatal(err, "Drain stopped early")
		}
		log.Info("Queue drained")
		return
	}

	var wakeups []<-chan struct{}
	if cfg.Redis.URL != "" {
		broker, err := redis.NewRedisBroker(ctx, cfg.ToBrokerConfig(), log, m)
		if err != nil {
			log.Fatal(err, "Failed to connect to Redis")
		}
		defer broker.Close()

		wake, err := messaging.Wakeups(ctx, broker, cfg.Redis.Channel)
		if err != nil {
			log.Fatal(err, "Failed to subscribe to publish notifications")
		}
		wakeups = messaging.FanOut(wake, cfg.Worker.Concurrency)
	}

	g, gctx := errgroup.WithContext(ctx)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		id := fmt.Sprintf("%s-%d", hostname, i)
		w := worker.NewDeliveryWorker(id, repos.Queue, repos.Newsletters, sender, cfg.ToDeliveryWorkerConfig(), log, m)
		if wakeups != nil {
			w.WithWakeup(wakeups[i])
		}
		g.Go(func() error {
			w.Start(gctx)
			return nil
		})
	}

	reaper := keyreaper.NewKeyReaper(repos.Idempotency, cfg.ToReaperConfig(), log, m)
	g.Go(func() error {
		reaper.Start(gctx)
		return nil
	})

	srv := healthServer(cfg.Worker.HealthPort, db, reg)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	log.Info("Worker started", "concurrency", cfg.Worker.Concurrency, "health_port", cfg.Worker.HealthPort)
	if err := g.Wait(); err != nil {
		log.Error(err, "Worker stopped with error")
		os.Exit(1)
	}
	log.Info("Worker exited")
}

func newSender(cfg *config.Config, log *logger.Logger) email.Sender {
	var sender email.Sender
	switch cfg.Email.Provider {
	case "postmark":
		sender = email.NewPostmarkSender(cfg.Email.Postmark.BaseURL, cfg.Email.Postmark.Token, cfg.Email.Sender, cfg.Email.Timeout)
	default:
		sender = email.NewSMTPSender(cfg.Email.SMTP.Host, cfg.Email.SMTP.Port, cfg.Email.SMTP.Username, cfg.Email.SMTP.Password, cfg.Email.Sender)
	}

	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
		Name:                "email-" + cfg.Email.Provider,
		ConsecutiveFailures: cfg.Email.Breaker.ConsecutiveFailures,
		MaxRequests:         cfg.Email.Breaker.HalfOpenRequests,
		Interval:            cfg.Email.Breaker.Interval,
		Timeout:             cfg.Email.Breaker.OpenTimeout,
		OnStateChange: func(name, from, to string) {
			log.Warn("Circuit breaker state changed", "breaker", name, "from", from, "to", to)
		},
	})
	return email.WithCircuitBreaker(sender, cb)
}

// healthServer exposes the same probes as the API plus /metrics on a side port.
func healthServer(port int, db health.Pinger, reg *prometheus.Registry) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	health.NewHandler(db).RegisterRoutes(engine)
	engine.GET("/metrics", promHandler.New("newsletter_worker", reg).Handler())

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
