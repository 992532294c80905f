package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	keyreaper "github.com/jwalitptl/newsletter-api/internal/worker"
	"github.com/jwalitptl/newsletter-api/pkg/messaging/redis"
	"github.com/jwalitptl/newsletter-api/pkg/worker"
)

// EnvPrefix namespaces secret overrides, e.g. NEWSLETTER_DATABASE_PASSWORD.
const EnvPrefix = "NEWSLETTER"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Email     EmailConfig     `mapstructure:"email"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
	OTEL      OTELConfig      `mapstructure:"otel"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// DSN renders the lib/pq keyword/value connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		c.SSLMode,
	)
}

type RedisConfig struct {
	// URL is optional; without it publish notifications are skipped and
	// workers rely on polling alone.
	URL          string        `mapstructure:"url"`
	Channel      string        `mapstructure:"channel"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type EmailConfig struct {
	Provider string        `mapstructure:"provider"`
	Sender   string        `mapstructure:"sender"`
	Timeout  time.Duration `mapstructure:"timeout"`

	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Postmark PostmarkConfig `mapstructure:"postmark"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type PostmarkConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Token   string `mapstructure:"token"`
}

type BreakerConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
	HalfOpenRequests    uint32        `mapstructure:"half_open_requests"`
	Interval            time.Duration `mapstructure:"interval"`
	OpenTimeout         time.Duration `mapstructure:"open_timeout"`
}

type WorkerConfig struct {
	Concurrency           int           `mapstructure:"concurrency"`
	EmptyQueueDelay       time.Duration `mapstructure:"empty_queue_delay"`
	TransientFailureDelay time.Duration `mapstructure:"transient_failure_delay"`
	RetryBaseDelay        time.Duration `mapstructure:"retry_base_delay"`
	MaxRetryDelay         time.Duration `mapstructure:"max_retry_delay"`
	IssueCacheTTL         time.Duration `mapstructure:"issue_cache_ttl"`
	HealthPort            int           `mapstructure:"health_port"`
}

type ReaperConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	Retention      time.Duration `mapstructure:"retention"`
	MaxElapsedTime time.Duration `mapstructure:"max_elapsed_time"`
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type OTELConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// secrets are never expected in the YAML file.
type secrets struct {
	DatabasePassword string `envconfig:"DATABASE_PASSWORD"`
	JWTSecret        string `envconfig:"JWT_SECRET"`
	SMTPPassword     string `envconfig:"EMAIL_SMTP_PASSWORD"`
	PostmarkToken    string `envconfig:"EMAIL_POSTMARK_TOKEN"`
	RedisURL         string `envconfig:"REDIS_URL"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.name", "newsletter")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("redis.channel", "newsletter.issue_published")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.retry_backoff", 100*time.Millisecond)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 1)

	v.SetDefault("jwt.issuer", "newsletter-api")

	v.SetDefault("email.provider", "smtp")
	v.SetDefault("email.sender", "newsletter@example.com")
	v.SetDefault("email.timeout", 10*time.Second)
	v.SetDefault("email.smtp.host", "localhost")
	v.SetDefault("email.smtp.port", 1025)
	v.SetDefault("email.postmark.base_url", "https://api.postmarkapp.com")
	v.SetDefault("email.breaker.consecutive_failures", 5)
	v.SetDefault("email.breaker.half_open_requests", 1)
	v.SetDefault("email.breaker.interval", time.Minute)
	v.SetDefault("email.breaker.open_timeout", 30*time.Second)

	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.empty_queue_delay", 10*time.Second)
	v.SetDefault("worker.transient_failure_delay", time.Second)
	v.SetDefault("worker.retry_base_delay", time.Second)
	v.SetDefault("worker.max_retry_delay", 300*time.Second)
	v.SetDefault("worker.issue_cache_ttl", 10*time.Minute)
	v.SetDefault("worker.health_port", 8081)

	v.SetDefault("reaper.interval", 12*time.Hour)
	v.SetDefault("reaper.retention", 24*time.Hour)
	v.SetDefault("reaper.max_elapsed_time", 5*time.Minute)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 50.0)
	v.SetDefault("rate_limit.burst", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.endpoint", "localhost:4317")
	v.SetDefault("otel.insecure", true)
	v.SetDefault("otel.service_name", "newsletter-api")
	v.SetDefault("otel.sample_ratio", 1.0)
}

// LoadConfig reads config.yml from the usual locations, or from the given
// paths when set. A missing file is not an error; defaults and the
// environment still apply.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config", "/app", "/app/config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var s secrets
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return nil, fmt.Errorf("failed to process environment overrides: %w", err)
	}
	cfg.applySecrets(s)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applySecrets(s secrets) {
	if s.DatabasePassword != "" {
		c.Database.Password = s.DatabasePassword
	}
	if s.JWTSecret != "" {
		c.JWT.Secret = s.JWTSecret
	}
	if s.SMTPPassword != "" {
		c.Email.SMTP.Password = s.SMTPPassword
	}
	if s.PostmarkToken != "" {
		c.Email.Postmark.Token = s.PostmarkToken
	}
	if s.RedisURL != "" {
		c.Redis.URL = s.RedisURL
	}
}

func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0:
		return fmt.Errorf("server.port must be positive")
	case c.Worker.Concurrency <= 0:
		return fmt.Errorf("worker.concurrency must be positive")
	case c.Worker.EmptyQueueDelay <= 0, c.Worker.TransientFailureDelay <= 0:
		return fmt.Errorf("worker delays must be positive")
	case c.Worker.RetryBaseDelay <= 0 || c.Worker.MaxRetryDelay < c.Worker.RetryBaseDelay:
		return fmt.Errorf("worker.max_retry_delay must be at least worker.retry_base_delay")
	case c.Reaper.Interval <= 0 || c.Reaper.Retention <= 0:
		return fmt.Errorf("reaper interval and retention must be positive")
	}
	switch c.Email.Provider {
	case "smtp", "postmark":
	default:
		return fmt.Errorf("unknown email.provider %q", c.Email.Provider)
	}
	return nil
}

func (c *Config) ToDeliveryWorkerConfig() worker.DeliveryWorkerConfig {
	return worker.DeliveryWorkerConfig{
		EmptyQueueDelay:       c.Worker.EmptyQueueDelay,
		TransientFailureDelay: c.Worker.TransientFailureDelay,
		RetryBaseDelay:        c.Worker.RetryBaseDelay,
		MaxRetryDelay:         c.Worker.MaxRetryDelay,
		IssueCacheTTL:         c.Worker.IssueCacheTTL,
	}
}

func (c *Config) ToReaperConfig() keyreaper.KeyReaperConfig {
	return keyreaper.KeyReaperConfig{
		Interval:       c.Reaper.Interval,
		Retention:      c.Reaper.Retention,
		MaxElapsedTime: c.Reaper.MaxElapsedTime,
	}
}

func (c *Config) ToBrokerConfig() redis.Config {
	return redis.Config{
		URL:          c.Redis.URL,
		MaxRetries:   c.Redis.MaxRetries,
		RetryBackoff: c.Redis.RetryBackoff,
		PoolSize:     c.Redis.PoolSize,
		MinIdleConns: c.Redis.MinIdleConns,
	}
}
