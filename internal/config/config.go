// Package config loads service configuration from a YAML file and
// NOTIFIER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. A double underscore
// separates nesting levels: NOTIFIER_SMTP__HOST sets smtp.host.
const EnvPrefix = "NOTIFIER_"

// Config is the complete service configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Log         LogConfig         `koanf:"log"`
	CORS        CORSConfig        `koanf:"cors"`
	Ledger      LedgerConfig      `koanf:"ledger"`
	Queue       QueueConfig       `koanf:"queue"`
	Worker      WorkerConfig      `koanf:"worker"`
	Retry       RetryConfig       `koanf:"retry"`
	SMTP        SMTPConfig        `koanf:"smtp"`
	Source      SourceConfig      `koanf:"source"`
	Rules       RulesConfig       `koanf:"rules"`
	Templates   TemplatesConfig   `koanf:"templates"`
	Tracing     TracingConfig     `koanf:"tracing"`
	Maintenance MaintenanceConfig `koanf:"maintenance"`
}

// ServerConfig configures the control surface and metrics listeners.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required,numeric"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required,numeric"`
	ReadTimeout       time.Duration `koanf:"read_timeout" validate:"gt=0"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout" validate:"gt=0"`
	WriteTimeout      time.Duration `koanf:"write_timeout" validate:"gt=0"`
	IdleTimeout       time.Duration `koanf:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
	// File enables size-rotated file output instead of stdout.
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb" validate:"gte=1"`
	MaxBackups int    `koanf:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `koanf:"max_age_days" validate:"gte=0"`
	Compress   bool   `koanf:"compress"`
}

// CORSConfig configures cross-origin access to the control surface.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// Ledger drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
)

// LedgerConfig selects and configures the idempotency ledger.
type LedgerConfig struct {
	Driver string `koanf:"driver" validate:"oneof=memory postgres sqlite redis"`
	// Lease is how long a reservation blocks other deliveries of the same
	// (event, recipient). It must outlast the retry horizon.
	Lease    time.Duration  `koanf:"lease" validate:"gt=0"`
	Postgres PostgresConfig `koanf:"postgres"`
	SQLite   SQLiteConfig   `koanf:"sqlite"`
	Redis    RedisConfig    `koanf:"redis"`
}

// PostgresConfig configures the postgres ledger.
type PostgresConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"gte=1"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// SQLiteConfig configures the sqlite ledger.
type SQLiteConfig struct {
	Path string `koanf:"path"`
}

// RedisConfig configures the redis ledger.
type RedisConfig struct {
	Addr      string `koanf:"addr"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db" validate:"gte=0"`
	KeyPrefix string `koanf:"key_prefix"`
}

// QueueConfig configures the delivery queue.
type QueueConfig struct {
	Capacity int `koanf:"capacity" validate:"gte=1"`
}

// WorkerConfig configures the worker pool.
type WorkerConfig struct {
	Count         int           `koanf:"count" validate:"gte=1"`
	SendTimeout   time.Duration `koanf:"send_timeout" validate:"gt=0"`
	ShutdownGrace time.Duration `koanf:"shutdown_grace" validate:"gte=0"`
}

// RetryConfig configures delivery retries.
type RetryConfig struct {
	MaxAttempts       int           `koanf:"max_attempts" validate:"gte=1"`
	InitialBackoff    time.Duration `koanf:"initial_backoff" validate:"gt=0"`
	MaxBackoff        time.Duration `koanf:"max_backoff" validate:"gtefield=InitialBackoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier" validate:"gte=1"`
	Jitter            float64       `koanf:"jitter" validate:"gte=0,lte=1"`
}

// SMTPConfig configures the mail transport.
type SMTPConfig struct {
	Enabled   bool          `koanf:"enabled"`
	Host      string        `koanf:"host"`
	Port      int           `koanf:"port" validate:"gte=1,lte=65535"`
	Username  string        `koanf:"username"`
	Password  string        `koanf:"password"`
	From      string        `koanf:"from"`
	TLSPolicy string        `koanf:"tls_policy" validate:"oneof=mandatory opportunistic none"`
	Timeout   time.Duration `koanf:"timeout" validate:"gt=0"`
	// RateLimit is the maximum number of messages per second. Zero disables limiting.
	RateLimit float64 `koanf:"rate_limit" validate:"gte=0"`
	Burst     int     `koanf:"burst" validate:"gte=1"`
}

// SourceConfig configures the JetStream event source.
type SourceConfig struct {
	Enabled          bool          `koanf:"enabled"`
	URL              string        `koanf:"url"`
	Stream           string        `koanf:"stream"`
	SubjectPrefix    string        `koanf:"subject_prefix"`
	Partitions       int           `koanf:"partitions" validate:"gte=1"`
	ConsumerPrefix   string        `koanf:"consumer_prefix"`
	ResultsSubject   string        `koanf:"results_subject"`
	// DecisionsSubject receives one routing decision per processed event.
	// Empty disables decision publishing.
	DecisionsSubject string        `koanf:"decisions_subject"`
	FetchWait        time.Duration `koanf:"fetch_wait" validate:"gt=0"`
	NakDelay         time.Duration `koanf:"nak_delay" validate:"gt=0"`
	// AckWait is how long JetStream waits for a settle or an in-progress
	// signal before redelivering. Signals are sent every third of it while
	// the coordinator is blocked on a full queue.
	AckWait          time.Duration `koanf:"ack_wait" validate:"gte=1s"`
	ConnectTimeout   time.Duration `koanf:"connect_timeout" validate:"gt=0"`
}

// RulesConfig locates the routing rules.
type RulesConfig struct {
	File string `koanf:"file"`
}

// TemplatesConfig locates template overrides.
type TemplatesConfig struct {
	Dir string `koanf:"dir"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Insecure    bool    `koanf:"insecure"`
	SampleRatio float64 `koanf:"sample_ratio" validate:"gte=0,lte=1"`
	ServiceName string  `koanf:"service_name"`
}

// MaintenanceConfig configures the periodic ledger jobs.
type MaintenanceConfig struct {
	ReclaimInterval time.Duration `koanf:"reclaim_interval" validate:"gte=0"`
	Retention       time.Duration `koanf:"retention" validate:"gte=0"`
	PurgeInterval   time.Duration `koanf:"purge_interval" validate:"gte=0"`
	StatsInterval   time.Duration `koanf:"stats_interval" validate:"gte=0"`
}

// Default returns the configuration used for every key not set explicitly.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   45 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Ledger: LedgerConfig{
			Driver: DriverPostgres,
			Lease:  15 * time.Minute,
			Postgres: PostgresConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    2,
				ConnMaxLifetime: time.Hour,
				ConnectAttempts: 5,
				ConnectTimeout:  60 * time.Second,
				AutoMigrate:     true,
			},
			SQLite: SQLiteConfig{Path: "notifier.db"},
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "notifier",
			},
		},
		Queue: QueueConfig{Capacity: 256},
		Worker: WorkerConfig{
			Count:         5,
			SendTimeout:   30 * time.Second,
			ShutdownGrace: 30 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    time.Second,
			MaxBackoff:        5 * time.Minute,
			BackoffMultiplier: 2.0,
			Jitter:            0.2,
		},
		SMTP: SMTPConfig{
			Enabled:   true,
			Port:      587,
			TLSPolicy: "opportunistic",
			Timeout:   30 * time.Second,
			RateLimit: 10,
			Burst:     10,
		},
		Source: SourceConfig{
			Enabled:          true,
			URL:              "nats://localhost:4222",
			Stream:           "EVENTS",
			SubjectPrefix:    "events",
			Partitions:       4,
			ConsumerPrefix:   "notifier",
			ResultsSubject:   "notifier.results",
			DecisionsSubject: "notifier.decisions",
			FetchWait:        5 * time.Second,
			NakDelay:         5 * time.Second,
			AckWait:          30 * time.Second,
			ConnectTimeout:   10 * time.Second,
		},
		Rules: RulesConfig{File: "rules.yaml"},
		Tracing: TracingConfig{
			SampleRatio: 1.0,
			ServiceName: "agentic-notifier",
		},
		Maintenance: MaintenanceConfig{
			ReclaimInterval: time.Minute,
			Retention:       7 * 24 * time.Hour,
			PurgeInterval:   time.Hour,
			StatsInterval:   15 * time.Second,
		},
	}
}

// Load reads path (if not empty), then applies environment overrides on top
// of the defaults, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error

	switch c.Ledger.Driver {
	case DriverPostgres:
		if c.Ledger.Postgres.URL == "" {
			errs = append(errs, errors.New("ledger.postgres.url is required for the postgres driver"))
		}
	case DriverSQLite:
		if c.Ledger.SQLite.Path == "" {
			errs = append(errs, errors.New("ledger.sqlite.path is required for the sqlite driver"))
		}
	case DriverRedis:
		if c.Ledger.Redis.Addr == "" {
			errs = append(errs, errors.New("ledger.redis.addr is required for the redis driver"))
		}
	}

	if c.SMTP.Enabled {
		if c.SMTP.Host == "" {
			errs = append(errs, errors.New("smtp.host is required when smtp is enabled"))
		}
		if err := validator.New().Var(c.SMTP.From, "required,email"); err != nil {
			errs = append(errs, errors.New("smtp.from must be a valid email address when smtp is enabled"))
		}
	}

	if c.Source.Enabled {
		if c.Source.URL == "" || c.Source.Stream == "" || c.Source.SubjectPrefix == "" {
			errs = append(errs, errors.New("source.url, source.stream and source.subject_prefix are required when the source is enabled"))
		}
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}

	if horizon := c.RetryHorizon(); c.Ledger.Lease <= horizon {
		errs = append(errs, fmt.Errorf("ledger.lease (%s) must exceed the retry horizon (%s)", c.Ledger.Lease, horizon))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// RetryHorizon is the longest an intent can be worked on once first dequeued:
// every attempt timing out plus every backoff. Time spent waiting in the
// queue is not bounded; a copy whose lease lapsed meanwhile is discarded by
// the worker when its reservation token no longer matches.
func (c *Config) RetryHorizon() time.Duration {
	horizon := time.Duration(c.Retry.MaxAttempts) * c.Worker.SendTimeout
	backoff := float64(c.Retry.InitialBackoff)
	for attempt := 1; attempt < c.Retry.MaxAttempts; attempt++ {
		horizon += time.Duration(min(backoff, float64(c.Retry.MaxBackoff)))
		backoff *= c.Retry.BackoffMultiplier
	}
	return horizon
}
