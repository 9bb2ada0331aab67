// This file implements dead-letter recovery. Captured failures are parsed
// into typed recovery tasks (a closed set, matched exhaustively) and replayed
// through the same pipeline stage that failed. Successful replays delete the
// entry; failed replays climb a fixed backoff ladder.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"duespark/internal/types"
)

// recoveryBackoffLadder is the fixed retry schedule. Replays past the last
// rung stay at the cap.
var recoveryBackoffLadder = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	900 * time.Second,
	3600 * time.Second,
}

// RecoveryTask is the closed set of replayable units of work. Each variant
// carries its own typed payload; dispatch is an exhaustive type switch, never
// a string prefix check.
type RecoveryTask interface {
	taskKind() types.DeadLetterKind
}

// ReminderSendTask replays a failed reminder dispatch.
type ReminderSendTask struct {
	ReminderID string
}

func (ReminderSendTask) taskKind() types.DeadLetterKind { return types.KindReminderSend }

// OutboxSendTask replays a failed outbox send.
type OutboxSendTask struct {
	OutboxID int64
}

func (OutboxSendTask) taskKind() types.DeadLetterKind { return types.KindOutboxEmailSend }

// AdaptiveComputeTask re-runs the compiler for a single client.
type AdaptiveComputeTask struct {
	ClientID string
}

func (AdaptiveComputeTask) taskKind() types.DeadLetterKind { return types.KindAdaptiveCompute }

// ParseTask converts a stored dead letter into its typed recovery task. An
// unknown kind or a payload missing its identifying field is an error; such
// entries are parked for operator action.
func ParseTask(entry *types.DeadLetterEntry) (RecoveryTask, error) {
	switch entry.Kind {
	case types.KindReminderSend:
		id := entry.Payload.String("reminder_id")
		if id == "" {
			return nil, fmt.Errorf("dead letter %d: payload missing reminder_id", entry.ID)
		}
		return ReminderSendTask{ReminderID: id}, nil

	case types.KindOutboxEmailSend:
		id, ok := payloadInt64(entry.Payload, "outbox_id")
		if !ok {
			return nil, fmt.Errorf("dead letter %d: payload missing outbox_id", entry.ID)
		}
		return OutboxSendTask{OutboxID: id}, nil

	case types.KindAdaptiveCompute:
		id := entry.Payload.String("client_id")
		if id == "" {
			return nil, fmt.Errorf("dead letter %d: payload missing client_id", entry.ID)
		}
		return AdaptiveComputeTask{ClientID: id}, nil

	default:
		return nil, fmt.Errorf("dead letter %d: unknown kind %q", entry.ID, entry.Kind)
	}
}

// payloadInt64 reads a numeric payload field. JSONB round-trips numbers as
// float64; writes within the same process may still hold int or int64.
func payloadInt64(m types.Meta, key string) (int64, bool) {
	switch v := m[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// RecoveryDeadLetterRepo abstracts the dead letter queries and mutations the
// recovery loop needs.
type RecoveryDeadLetterRepo interface {
	Get(ctx context.Context, id int64) (*types.DeadLetterEntry, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*types.DeadLetterEntry, error)
	Delete(ctx context.Context, id int64) error
	Reschedule(ctx context.Context, id int64, errMsg string, nextAttemptAt time.Time) (int, error)
	BumpRetries(ctx context.Context, id int64, errMsg string) error
}

// ReminderRedeliverer replays a reminder through the dispatch path.
type ReminderRedeliverer interface {
	Redeliver(ctx context.Context, reminderID string) error
}

// OutboxRedeliverer replays an outbox entry through the relay path.
type OutboxRedeliverer interface {
	RedeliverEntry(ctx context.Context, id int64) error
}

// ClientCompiler re-runs schedule compilation for one client.
type ClientCompiler interface {
	CompileClient(ctx context.Context, clientID string) (int, error)
}

// Recovery drains due dead letters and replays them.
type Recovery struct {
	deadlets   RecoveryDeadLetterRepo
	dispatcher ReminderRedeliverer
	relay      OutboxRedeliverer
	compiler   ClientCompiler
	clock      types.Clock
	metrics    types.MetricsSink

	batchSize int
	logger    *slog.Logger
}

// RecoveryConfig holds the dependencies and tuning for creating a Recovery.
type RecoveryConfig struct {
	DeadLetters RecoveryDeadLetterRepo
	Dispatcher  ReminderRedeliverer
	Relay       OutboxRedeliverer
	Compiler    ClientCompiler
	Clock       types.Clock
	Metrics     types.MetricsSink

	BatchSize int
	Logger    *slog.Logger
}

// NewRecovery creates a new Recovery with the given configuration.
func NewRecovery(cfg RecoveryConfig) *Recovery {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Recovery{
		deadlets:   cfg.DeadLetters,
		dispatcher: cfg.Dispatcher,
		relay:      cfg.Relay,
		compiler:   cfg.Compiler,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		batchSize:  batchSize,
		logger:     logger,
	}
}

// RunOnce replays one batch of due dead letters. Returns the number of
// entries successfully replayed (and therefore deleted).
func (r *Recovery) RunOnce(ctx context.Context) (int, error) {
	now := r.clock.Now()
	entries, err := r.deadlets.ListDue(ctx, now, r.batchSize)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return replayed, ctx.Err()
		}
		if r.ReplayEntry(ctx, entry) {
			replayed++
		}
	}

	if replayed > 0 {
		r.metrics.Observe("deadletter_replayed", float64(replayed))
	}
	return replayed, nil
}

// ReplayByID forces an immediate replay of a specific dead letter, ignoring
// its retry schedule. Used by the operator surface.
func (r *Recovery) ReplayByID(ctx context.Context, id int64) error {
	entry, err := r.deadlets.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.ReplayEntry(ctx, entry) {
		return nil
	}
	return types.NewAppError(types.ErrCodeInternalUnexpected, "dead letter replay failed", nil)
}

// ReplayEntry replays a single entry and reconciles its row: deleted on
// success, rescheduled up the backoff ladder on failure, parked on an
// unparseable kind. Reports whether the replay succeeded.
func (r *Recovery) ReplayEntry(ctx context.Context, entry *types.DeadLetterEntry) bool {
	task, err := ParseTask(entry)
	if err != nil {
		r.logger.WarnContext(ctx, "unreplayable dead letter, parking for operator",
			"deadletter_id", entry.ID,
			"kind", string(entry.Kind),
			"error", err,
		)
		if bumpErr := r.deadlets.BumpRetries(ctx, entry.ID, err.Error()); bumpErr != nil {
			r.logger.ErrorContext(ctx, "failed to park dead letter",
				"deadletter_id", entry.ID,
				"error", bumpErr,
			)
		}
		r.metrics.Increment("deadletter_unparseable", nil)
		return false
	}

	if err := r.replay(ctx, task); err != nil {
		next := r.clock.Now().Add(recoveryBackoff(entry.Retries + 1))
		if _, resErr := r.deadlets.Reschedule(ctx, entry.ID, err.Error(), next); resErr != nil {
			r.logger.ErrorContext(ctx, "failed to reschedule dead letter",
				"deadletter_id", entry.ID,
				"error", resErr,
			)
		}
		r.logger.WarnContext(ctx, "dead letter replay failed",
			"deadletter_id", entry.ID,
			"kind", string(entry.Kind),
			"retries", entry.Retries+1,
			"error", err,
		)
		r.metrics.Increment("deadletter_replay_failures", nil)
		return false
	}

	if err := r.deadlets.Delete(ctx, entry.ID); err != nil {
		// Replay succeeded but cleanup failed; the next cycle's replay will
		// be a no-op thanks to the pipeline's idempotent transitions.
		r.logger.ErrorContext(ctx, "failed to delete replayed dead letter",
			"deadletter_id", entry.ID,
			"error", err,
		)
	}
	return true
}

func (r *Recovery) replay(ctx context.Context, task RecoveryTask) error {
	switch t := task.(type) {
	case ReminderSendTask:
		return r.dispatcher.Redeliver(ctx, t.ReminderID)
	case OutboxSendTask:
		return r.relay.RedeliverEntry(ctx, t.OutboxID)
	case AdaptiveComputeTask:
		_, err := r.compiler.CompileClient(ctx, t.ClientID)
		return err
	default:
		return fmt.Errorf("unhandled recovery task %T", task)
	}
}

// recoveryBackoff returns the delay before the given retry number, climbing
// the fixed ladder and capping at its last rung.
func recoveryBackoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	if retry > len(recoveryBackoffLadder) {
		retry = len(recoveryBackoffLadder)
	}
	return recoveryBackoffLadder[retry-1]
}
