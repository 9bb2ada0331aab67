// Package main is the entrypoint for the DueSpark scheduler service.
//
// Startup sequence:
//  1. Load and validate configuration (fail fast).
//  2. Initialize the structured JSON logger.
//  3. Connect the Postgres pool (the only other fatal-at-startup condition).
//  4. Connect Redis if configured; otherwise select the permissive lock and
//     the in-process rate limiter.
//  5. Wire the repositories, transport, and the four jobs.
//  6. Run the job supervisor and the admin HTTP server until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"duespark/internal/admin"
	"duespark/internal/config"
	"duespark/internal/db"
	"duespark/internal/external"
	"duespark/internal/jobs"
	"duespark/internal/lock"
	"duespark/internal/metrics"
	"duespark/internal/ratelimit"
	"duespark/internal/render"
	"duespark/internal/scheduler"
	"duespark/internal/types"
)

func main() {
	if err := run(); err != nil {
		slog.Error("scheduler exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("starting scheduler",
		"service", cfg.Service,
		"environment", cfg.Environment,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := newPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	clock := types.RealClock{}
	workerID := cfg.Service + "-" + uuid.NewString()[:8]

	// Repositories.
	invoiceRepo := db.NewInvoiceRepository(pool)
	reminderRepo := db.NewReminderRepository(pool)
	outboxRepo := db.NewOutboxRepository(pool)
	deadLetterRepo := db.NewDeadLetterRepository(pool)
	jobLockRepo := db.NewJobLockRepository(pool)
	historyRepo := db.NewJobHistoryRepository(pool)
	advisory := db.NewAdvisoryLocker(pool, logger)

	// Locking and rate limiting degrade gracefully without Redis.
	var guard scheduler.GuardLock
	var limiter ratelimit.Limiter
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		guard = lock.NewRedisProvider(rdb, logger)
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.Scheduler.RatePerMinute, time.Minute, logger)
		logger.Info("redis lock and rate limiter enabled", "addr", cfg.Redis.Addr)
	} else {
		guard = lock.NewPermissive()
		limiter = ratelimit.NewMemoryLimiter(cfg.Scheduler.RatePerMinute, time.Minute)
		logger.Warn("no redis configured, using permissive lock and in-process rate limiter")
	}
	if cfg.Scheduler.RatePerMinute <= 0 {
		limiter = ratelimit.Unlimited{}
	}

	// Metrics: the in-memory registry always feeds the admin snapshot;
	// CloudWatch mirroring is opt-in via namespace.
	registry := metrics.NewRegistry()
	var sink types.MetricsSink = registry
	if cfg.Observability.MetricNamespace != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Observability.CloudWatchRegion))
		if err != nil {
			logger.Warn("failed to load AWS config, cloudwatch metrics disabled", "error", err)
		} else {
			cw := metrics.NewCloudWatchSink(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger)
			sink = metrics.NewMulti(registry, cw)
		}
	}

	transport, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}

	renderer, err := render.NewTemplateRenderer()
	if err != nil {
		return fmt.Errorf("building renderer: %w", err)
	}

	lookahead := time.Duration(cfg.Scheduler.LookaheadMinutes) * time.Minute

	compiler := scheduler.NewCompiler(scheduler.CompilerConfig{
		Invoices:          invoiceRepo,
		Reminders:         reminderRepo,
		Locks:             jobLockRepo,
		DeadLetters:       deadLetterRepo,
		History:           historyRepo,
		Clock:             clock,
		Metrics:           sink,
		WorkerID:          workerID,
		LockTTL:           cfg.Scheduler.CompileLockTTL,
		HistoryWindowDays: cfg.Scheduler.HistoryWindowDays,
		Lookahead:         lookahead,
		Logger:            logger,
	})

	dispatcher := scheduler.NewDispatcher(scheduler.DispatcherConfig{
		Reminders:   reminderRepo,
		Invoices:    invoiceRepo,
		Outbox:      outboxRepo,
		Advisory:    advisory,
		Guard:       guard,
		Renderer:    renderer,
		Transport:   transport,
		DeadLetters: deadLetterRepo,
		Clock:       clock,
		Metrics:     sink,
		BatchSize:   cfg.Scheduler.BatchSize,
		MaxLoops:    cfg.Scheduler.MaxLoops,
		Lookahead:   lookahead,
		OutboxMode:  cfg.Scheduler.OutboxMode,
		Logger:      logger,
	})

	relay := scheduler.NewRelay(scheduler.RelayConfig{
		Outbox:      outboxRepo,
		Reminders:   reminderRepo,
		Advisory:    advisory,
		Limiter:     limiter,
		Transport:   transport,
		DeadLetters: deadLetterRepo,
		Clock:       clock,
		Metrics:     sink,
		BatchSize:   cfg.Scheduler.BatchSize,
		MaxAttempts: cfg.Scheduler.MaxAttempts,
		Logger:      logger,
	})

	recovery := scheduler.NewRecovery(scheduler.RecoveryConfig{
		DeadLetters: deadLetterRepo,
		Dispatcher:  dispatcher,
		Relay:       relay,
		Compiler:    compiler,
		Clock:       clock,
		Metrics:     sink,
		BatchSize:   cfg.Scheduler.BatchSize,
		Logger:      logger,
	})

	runner, err := jobs.NewRunner(jobs.RunnerConfig{
		Compiler:         compiler,
		Dispatch:         dispatcher,
		Relay:            relay,
		Recovery:         recovery,
		CompileCron:      cfg.Scheduler.CompileCron,
		DispatchInterval: cfg.Scheduler.DispatchInterval,
		RelayInterval:    cfg.Scheduler.RelayInterval,
		RecoveryInterval: cfg.Scheduler.RecoveryInterval,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	adminServer := admin.NewServer(admin.ServerConfig{
		Compiler:    runner,
		DeadLetters: deadLetterRepo,
		Replayer:    recovery,
		Reminders:   reminderRepo,
		Metrics:     registry,
		Clock:       clock,
		APIKey:      cfg.Admin.APIKey,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:              net.JoinHostPort("", cfg.Admin.Port),
		Handler:           adminServer.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return runner.Run(ctx) })

	g.Go(func() error {
		logger.Info("admin server listening", "port", cfg.Admin.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("scheduler stopped")
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("service", cfg.Service)
}

func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.Database.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Database.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// newTransport selects the delivery provider. Local and dev environments use
// the log transport unless SendGrid credentials are explicitly supplied.
func newTransport(cfg *config.Config, logger *slog.Logger) (types.Transport, error) {
	switch cfg.Email.Provider {
	case "sendgrid":
		if cfg.Email.SendGridAPIKey == "" {
			if cfg.Environment == "local" || cfg.Environment == "dev" {
				logger.Warn("no sendgrid api key, using log transport")
				return external.NewLogTransport(logger), nil
			}
			return nil, fmt.Errorf("SENDGRID_API_KEY is required for provider sendgrid in %s", cfg.Environment)
		}
		httpClient := &http.Client{Timeout: cfg.Email.Timeout}
		return external.NewSendGridTransport(httpClient, external.SendGridConfig{
			APIKey:      cfg.Email.SendGridAPIKey,
			FromAddress: cfg.Email.FromAddress,
			FromName:    cfg.Email.FromName,
			Logger:      logger,
		}), nil
	case "log":
		return external.NewLogTransport(logger), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", cfg.Email.Provider)
	}
}
