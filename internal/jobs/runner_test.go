package jobs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

type countingCompile struct {
	runs atomic.Int64
}

func (c *countingCompile) Run(_ context.Context) (int, error) {
	c.runs.Add(1)
	return 3, nil
}

type countingPoll struct {
	runs atomic.Int64
	err  error
}

func (p *countingPoll) RunOnce(_ context.Context) (int, error) {
	p.runs.Add(1)
	return 1, p.err
}

func runnerTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func newTestRunner(t *testing.T, cfg RunnerConfig) *Runner {
	t.Helper()
	if cfg.Compiler == nil {
		cfg.Compiler = &countingCompile{}
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = &countingPoll{}
	}
	if cfg.Relay == nil {
		cfg.Relay = &countingPoll{}
	}
	if cfg.Recovery == nil {
		cfg.Recovery = &countingPoll{}
	}
	if cfg.CompileCron == "" {
		cfg.CompileCron = "0 2 * * *"
	}
	cfg.Logger = runnerTestLogger()

	r, err := NewRunner(cfg)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r
}

func TestNewRunnerRejectsBadCron(t *testing.T) {
	_, err := NewRunner(RunnerConfig{
		Compiler:    &countingCompile{},
		Dispatch:    &countingPoll{},
		Relay:       &countingPoll{},
		Recovery:    &countingPoll{},
		CompileCron: "not a cron",
		Logger:      runnerTestLogger(),
	})
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestTriggerCompileDelegates(t *testing.T) {
	compiler := &countingCompile{}
	r := newTestRunner(t, RunnerConfig{Compiler: compiler})

	created, err := r.TriggerCompile(context.Background())
	if err != nil {
		t.Fatalf("TriggerCompile: %v", err)
	}
	if created != 3 {
		t.Errorf("created = %d, want 3", created)
	}
	if compiler.runs.Load() != 1 {
		t.Errorf("compile runs = %d, want 1", compiler.runs.Load())
	}
}

func TestRunStopsCleanlyOnCancel(t *testing.T) {
	dispatch := &countingPoll{}
	r := newTestRunner(t, RunnerConfig{
		Dispatch:         dispatch,
		DispatchInterval: 5 * time.Millisecond,
		RelayInterval:    time.Hour,
		RecoveryInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// Let the dispatcher tick a few times, then shut down.
	deadline := time.After(2 * time.Second)
	for dispatch.runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatal("dispatcher never ran")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil on cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestRunSurvivesJobErrors(t *testing.T) {
	dispatch := &countingPoll{err: errors.New("store down")}
	r := newTestRunner(t, RunnerConfig{
		Dispatch:         dispatch,
		DispatchInterval: 5 * time.Millisecond,
		RelayInterval:    time.Hour,
		RecoveryInterval: time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for dispatch.runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatal("dispatcher stopped after an iteration error")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	if err := <-done; err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
}
