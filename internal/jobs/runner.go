// Package jobs schedules the four periodic jobs inside one process: the
// nightly compiler on a cron expression and the dispatcher, outbox relay,
// and dead-letter recovery on fixed intervals. Each job runs on its own
// goroutine and executes its iterations sequentially, so the same job never
// overlaps itself within a process; cross-process overlap is handled by the
// leader and per-item locks.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// CompileJob is the nightly schedule compiler.
type CompileJob interface {
	Run(ctx context.Context) (int, error)
}

// PollJob is a fixed-interval job (dispatcher, relay, recovery).
type PollJob interface {
	RunOnce(ctx context.Context) (int, error)
}

// Runner supervises the job goroutines and stops them together on shutdown.
type Runner struct {
	compiler CompileJob
	dispatch PollJob
	relay    PollJob
	recovery PollJob

	compileSchedule  cron.Schedule
	dispatchInterval time.Duration
	relayInterval    time.Duration
	recoveryInterval time.Duration

	logger *slog.Logger
}

// RunnerConfig holds the jobs and their triggers.
type RunnerConfig struct {
	Compiler CompileJob
	Dispatch PollJob
	Relay    PollJob
	Recovery PollJob

	CompileCron      string // standard 5-field cron expression
	DispatchInterval time.Duration
	RelayInterval    time.Duration
	RecoveryInterval time.Duration

	Logger *slog.Logger
}

// NewRunner creates a Runner, parsing the compile cron expression up front so
// a bad expression fails at startup rather than at 2am.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	schedule, err := cron.ParseStandard(cfg.CompileCron)
	if err != nil {
		return nil, fmt.Errorf("parsing compile cron %q: %w", cfg.CompileCron, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Runner{
		compiler:         cfg.Compiler,
		dispatch:         cfg.Dispatch,
		relay:            cfg.Relay,
		recovery:         cfg.Recovery,
		compileSchedule:  schedule,
		dispatchInterval: cfg.DispatchInterval,
		relayInterval:    cfg.RelayInterval,
		recoveryInterval: cfg.RecoveryInterval,
		logger:           logger,
	}
	if r.dispatchInterval <= 0 {
		r.dispatchInterval = time.Minute
	}
	if r.relayInterval <= 0 {
		r.relayInterval = time.Minute
	}
	if r.recoveryInterval <= 0 {
		r.recoveryInterval = time.Minute
	}
	return r, nil
}

// Run blocks until ctx is cancelled, then waits for in-flight iterations to
// finish. Job iteration errors are logged, never fatal: per-item failures are
// already isolated inside each job, and a failing store shows up on every
// iteration anyway.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.runCron(ctx) })
	g.Go(func() error { return r.runInterval(ctx, "dispatch", r.dispatch, r.dispatchInterval) })
	g.Go(func() error { return r.runInterval(ctx, "outbox_relay", r.relay, r.relayInterval) })
	g.Go(func() error { return r.runInterval(ctx, "recovery", r.recovery, r.recoveryInterval) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// TriggerCompile runs one compile immediately, outside the cron schedule.
// Used by the operator surface; the daily leader lock still applies.
func (r *Runner) TriggerCompile(ctx context.Context) (int, error) {
	return r.compiler.Run(ctx)
}

func (r *Runner) runCron(ctx context.Context) error {
	for {
		next := r.compileSchedule.Next(time.Now())
		r.logger.Info("next compile scheduled", "at", next.Format(time.RFC3339))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		created, err := r.compiler.Run(ctx)
		if err != nil {
			r.logger.Error("compile run failed", "error", err)
			continue
		}
		r.logger.Info("compile run finished", "reminders_created", created)
	}
}

func (r *Runner) runInterval(ctx context.Context, name string, job PollJob, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		// No new iteration starts after shutdown; the current one finishes.
		n, err := job.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("job iteration failed", "job", name, "error", err)
			continue
		}
		if n > 0 {
			r.logger.Debug("job iteration finished", "job", name, "items", n)
		}
	}
}
