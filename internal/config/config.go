// Package config defines the global configuration structure for the DueSpark
// scheduler. Configuration is loaded once at process initialization and is
// immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup (fail fast). This is the only fatal-at-startup condition
// besides an unreachable store.
package config

import (
	"time"
)

// Config is the top-level configuration struct for the scheduler service.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"duespark-scheduler"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Database      DatabaseConfig
	Redis         RedisConfig
	Email         EmailConfig
	Scheduler     SchedulerConfig
	Admin         AdminConfig
	Observability ObservabilityConfig
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL string `envconfig:"DATABASE_URL" validate:"required,url"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// RedisConfig holds the optional Redis connection used for the fast-path
// reminder lock, the compiler leader lock, and the per-tenant rate limiter.
// When Addr is empty the service falls back to Postgres-backed locking and an
// in-process rate limiter.
type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// EmailConfig holds email delivery provider credentials and sender identity.
type EmailConfig struct {
	Provider       string        `envconfig:"EMAIL_PROVIDER" default:"sendgrid"`
	SendGridAPIKey string        `envconfig:"SENDGRID_API_KEY"`
	FromAddress    string        `envconfig:"EMAIL_FROM_ADDRESS" default:"reminders@duespark.io"`
	FromName       string        `envconfig:"EMAIL_FROM_NAME" default:"DueSpark Reminders"`
	Timeout        time.Duration `envconfig:"EMAIL_TIMEOUT" default:"10s"`
}

// SchedulerConfig holds tuning for the four periodic jobs.
type SchedulerConfig struct {
	// Compiler
	CompileCron       string        `envconfig:"COMPILE_CRON" default:"0 2 * * *"` // nightly, standard cron spec
	CompileLockTTL    time.Duration `envconfig:"COMPILE_LOCK_TTL" default:"6h"`
	HistoryWindowDays int           `envconfig:"HISTORY_WINDOW_DAYS" default:"0"` // 0 disables windowing

	// Dispatcher
	DispatchInterval time.Duration `envconfig:"DISPATCH_INTERVAL" default:"1m"`
	BatchSize        int           `envconfig:"BATCH_SIZE" default:"50"`
	MaxLoops         int           `envconfig:"MAX_LOOPS" default:"10"`
	LookaheadMinutes int           `envconfig:"LOOKAHEAD_MINUTES" default:"5"`
	OutboxMode       bool          `envconfig:"OUTBOX_MODE" default:"true"`

	// Outbox relay
	RelayInterval time.Duration `envconfig:"RELAY_INTERVAL" default:"1m"`
	MaxAttempts   int           `envconfig:"OUTBOX_MAX_ATTEMPTS" default:"5"`
	RatePerMinute int           `envconfig:"SENDS_PER_MINUTE_PER_CLIENT" default:"10"`

	// Dead-letter recovery
	RecoveryInterval time.Duration `envconfig:"RECOVERY_INTERVAL" default:"1m"`
}

// AdminConfig holds the operator HTTP surface configuration.
type AdminConfig struct {
	Port   string `envconfig:"ADMIN_PORT" default:"8081"`
	APIKey string `envconfig:"ADMIN_API_KEY" validate:"required"`
}

// ObservabilityConfig holds telemetry settings. CloudWatch mirroring is
// enabled only when a namespace is configured; the in-memory registry that
// feeds the admin metrics snapshot is always on.
type ObservabilityConfig struct {
	MetricNamespace  string `envconfig:"METRIC_NAMESPACE" default:""`
	CloudWatchRegion string `envconfig:"AWS_REGION" default:"us-east-1"`
}
