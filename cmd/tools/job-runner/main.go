// Package main is a one-shot job runner for operations and local debugging:
// it wires the same pipeline as the scheduler service, runs a single job
// iteration, and exits. Useful for forcing a compile outside the nightly
// cron or draining a backlog by hand.
//
// Usage:
//
//	job-runner compile|dispatch|relay|recovery
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"duespark/internal/config"
	"duespark/internal/db"
	"duespark/internal/external"
	"duespark/internal/lock"
	"duespark/internal/metrics"
	"duespark/internal/ratelimit"
	"duespark/internal/render"
	"duespark/internal/scheduler"
	"duespark/internal/types"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: job-runner compile|dispatch|relay|recovery")
		os.Exit(2)
	}

	if err := run(os.Args[1]); err != nil {
		slog.Error("job failed", "job", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(job string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("tool", "job-runner")
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	clock := types.RealClock{}
	sink := metrics.NewRegistry()
	lookahead := time.Duration(cfg.Scheduler.LookaheadMinutes) * time.Minute

	invoiceRepo := db.NewInvoiceRepository(pool)
	reminderRepo := db.NewReminderRepository(pool)
	outboxRepo := db.NewOutboxRepository(pool)
	deadLetterRepo := db.NewDeadLetterRepository(pool)

	renderer, err := render.NewTemplateRenderer()
	if err != nil {
		return fmt.Errorf("building renderer: %w", err)
	}

	// One-shot runs always use the log transport unless real credentials are
	// present; a debugging drain must not accidentally email customers from a
	// laptop.
	var transport types.Transport = external.NewLogTransport(logger)
	if cfg.Email.Provider == "sendgrid" && cfg.Email.SendGridAPIKey != "" && cfg.Environment == "prod" {
		transport = external.NewSendGridTransport(
			&http.Client{Timeout: cfg.Email.Timeout},
			external.SendGridConfig{
				APIKey:      cfg.Email.SendGridAPIKey,
				FromAddress: cfg.Email.FromAddress,
				FromName:    cfg.Email.FromName,
				Logger:      logger,
			},
		)
	}

	compiler := scheduler.NewCompiler(scheduler.CompilerConfig{
		Invoices:          invoiceRepo,
		Reminders:         reminderRepo,
		Locks:             db.NewJobLockRepository(pool),
		DeadLetters:       deadLetterRepo,
		History:           db.NewJobHistoryRepository(pool),
		Clock:             clock,
		Metrics:           sink,
		WorkerID:          "job-runner-" + uuid.NewString()[:8],
		LockTTL:           cfg.Scheduler.CompileLockTTL,
		HistoryWindowDays: cfg.Scheduler.HistoryWindowDays,
		Lookahead:         lookahead,
		Logger:            logger,
	})

	dispatcher := scheduler.NewDispatcher(scheduler.DispatcherConfig{
		Reminders:   reminderRepo,
		Invoices:    invoiceRepo,
		Outbox:      outboxRepo,
		Advisory:    db.NewAdvisoryLocker(pool, logger),
		Guard:       lock.NewPermissive(),
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
		Advisory:    db.NewAdvisoryLocker(pool, logger),
		Limiter:     ratelimit.Unlimited{},
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

	switch job {
	case "compile":
		n, err := compiler.Run(ctx)
		logger.Info("compile finished", "reminders_created", n)
		return err
	case "dispatch":
		n, err := dispatcher.RunOnce(ctx)
		logger.Info("dispatch finished", "processed", n)
		return err
	case "relay":
		n, err := relay.RunOnce(ctx)
		logger.Info("relay finished", "dispatched", n)
		return err
	case "recovery":
		n, err := recovery.RunOnce(ctx)
		logger.Info("recovery finished", "replayed", n)
		return err
	default:
		return fmt.Errorf("unknown job %q", job)
	}
}
