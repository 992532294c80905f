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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jwalitptl/newsletter-api/internal/config"
	"github.com/jwalitptl/newsletter-api/internal/handler/health"
	newsletterHandler "github.com/jwalitptl/newsletter-api/internal/handler/newsletter"
	promHandler "github.com/jwalitptl/newsletter-api/internal/handler/prometheus"
	"github.com/jwalitptl/newsletter-api/internal/observability"
	"github.com/jwalitptl/newsletter-api/internal/repository/postgres"
	"github.com/jwalitptl/newsletter-api/internal/router"
	newsletterService "github.com/jwalitptl/newsletter-api/internal/service/newsletter"
	"github.com/jwalitptl/newsletter-api/pkg/logger"
	"github.com/jwalitptl/newsletter-api/pkg/messaging/redis"
	"github.com/jwalitptl/newsletter-api/pkg/metrics"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "directory holding config.yml")
	flag.Parse()

	var paths []string
	if *configPath != "" {
		paths = append(paths, *configPath)
	}

	// Load configuration
	cfg, err := config.LoadConfig(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		TimeFormat: time.RFC3339,
		JSON:       cfg.Log.JSON,
	}).WithFields(map[string]interface{}{"service": "newsletter-api", "version": version})

	if cfg.JWT.Secret == "" {
		log.Fatal(errors.New("jwt.secret is empty"), "Refusing to start without a token signing secret")
	}

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

	// Initialize database
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		log.Fatal(err, "Failed to connect to database")
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(db, cfg.Database.MigrationsPath, cfg.Database.Name); err != nil {
			log.Fatal(err, "Failed to apply migrations")
		}
		log.Info("Migrations applied", "path", cfg.Database.MigrationsPath)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("newsletter", reg)

	repos := postgres.NewRepositories(db)

	var opts []newsletterService.Option
	if cfg.Redis.URL != "" {
		broker, err := redis.NewRedisBroker(ctx, cfg.ToBrokerConfig(), log, m)
		if err != nil {
			log.Fatal(err, "Failed to connect to Redis")
		}
		defer broker.Close()
		opts = append(opts, newsletterService.WithNotifier(broker, cfg.Redis.Channel))
	} else {
		log.Info("Redis not configured, workers will rely on polling")
	}

	// Initialize services and handlers
	newsletterSvc := newsletterService.NewService(
		repos.Idempotency,
		repos.Newsletters,
		repos.Queue,
		repos.Subscribers,
		log,
		m,
		opts...,
	)

	r := router.NewRouter(
		health.NewHandler(db),
		promHandler.New("newsletter", reg),
		newsletterHandler.NewHandler(newsletterSvc),
		log,
		router.RouterConfig{
			ServiceName:  cfg.OTEL.ServiceName,
			JWTSecret:    cfg.JWT.Secret,
			JWTIssuer:    cfg.JWT.Issuer,
			RateLimit:    cfg.RateLimit.Enabled,
			RateRPS:      cfg.RateLimit.RPS,
			RateBurst:    cfg.RateLimit.Burst,
			MaxBodyBytes: cfg.Server.MaxBodyBytes,
		},
	)
	r.Setup()

	// Create server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down server")
	case err := <-serveErr:
		if err != nil {
			log.Error(err, "Server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "Server forced to shutdown")
	}
	log.Info("Server exited")
}
