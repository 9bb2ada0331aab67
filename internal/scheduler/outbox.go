// This file implements the outbox relay: the loop that drains pending outbox
// entries, applies the per-tenant rate limit, calls the transport, and
// reconciles the originating reminder.
package scheduler

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"duespark/internal/types"
)

const (
	// relayBackoffBase and relayBackoffCap bound the exponential retry
	// schedule for failed outbox sends.
	relayBackoffBase = time.Minute
	relayBackoffCap  = time.Hour

	// rateLimitDeferDelay is how far a rate-limited entry is pushed out.
	// Deferral is not a failure: attempts is not incremented.
	rateLimitDeferDelay = time.Minute
)

// RelayOutboxRepo abstracts the outbox queries and mutations the relay needs.
type RelayOutboxRepo interface {
	ListPending(ctx context.Context, now time.Time, limit int) ([]*types.OutboxEntry, error)
	Get(ctx context.Context, id int64) (*types.OutboxEntry, error)
	MarkDispatched(ctx context.Context, id int64, at time.Time) (bool, error)
	RecordFailure(ctx context.Context, id int64, nextAttemptAt time.Time) (int, error)
	Defer(ctx context.Context, id int64, nextAttemptAt time.Time) error
}

// RelayReminderRepo abstracts the reminder reconciliation write.
type RelayReminderRepo interface {
	MarkSent(ctx context.Context, reminderID string, sentAt time.Time, meta types.Meta) (bool, error)
}

// RateLimiter answers whether a tenant may receive another message right now.
type RateLimiter interface {
	Allow(ctx context.Context, clientID string) bool
}

// Relay drains the outbox and performs the physical sends.
type Relay struct {
	outbox    RelayOutboxRepo
	reminders RelayReminderRepo
	advisory  AdvisoryLock
	limiter   RateLimiter
	transport types.Transport
	deadlets  DeadLetterStore
	clock     types.Clock
	metrics   types.MetricsSink

	batchSize   int
	maxAttempts int
	logger      *slog.Logger
}

// RelayConfig holds the dependencies and tuning for creating a Relay.
type RelayConfig struct {
	Outbox      RelayOutboxRepo
	Reminders   RelayReminderRepo
	Advisory    AdvisoryLock
	Limiter     RateLimiter
	Transport   types.Transport
	DeadLetters DeadLetterStore
	Clock       types.Clock
	Metrics     types.MetricsSink

	BatchSize   int
	MaxAttempts int
	Logger      *slog.Logger
}

// NewRelay creates a new Relay with the given configuration.
func NewRelay(cfg RelayConfig) *Relay {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Relay{
		outbox:      cfg.Outbox,
		reminders:   cfg.Reminders,
		advisory:    cfg.Advisory,
		limiter:     cfg.Limiter,
		transport:   cfg.Transport,
		deadlets:    cfg.DeadLetters,
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// RunOnce drains one batch of due outbox entries. Rate-limited entries are
// deferred without consuming an attempt; send failures back off
// exponentially and dead-letter once attempts reach the cap. Per-entry
// failures never abort the batch. Returns the number of entries dispatched.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	now := r.clock.Now()
	entries, err := r.outbox.ListPending(ctx, now, r.batchSize)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return dispatched, ctx.Err()
		}

		if !r.limiter.Allow(ctx, entry.Payload.ClientID) {
			if err := r.outbox.Defer(ctx, entry.ID, r.clock.Now().Add(rateLimitDeferDelay)); err != nil {
				r.logger.ErrorContext(ctx, "failed to defer rate-limited entry",
					"outbox_id", entry.ID,
					"error", err,
				)
			}
			r.metrics.Increment("outbox_rate_limited", map[string]string{"client_id": entry.Payload.ClientID})
			continue
		}

		ok, err := r.RelayOne(ctx, entry)
		if err != nil {
			r.logger.ErrorContext(ctx, "outbox send failed",
				"outbox_id", entry.ID,
				"reminder_id", entry.Payload.ReminderID,
				"error", err,
			)
			r.recordFailure(ctx, entry, err)
			continue
		}
		if ok {
			dispatched++
		}
	}

	if dispatched > 0 {
		r.metrics.Observe("outbox_dispatched", float64(dispatched))
	}
	return dispatched, nil
}

// RelayOne sends a single outbox entry under its per-item lock and reconciles
// the originating reminder on success. Returns (false, nil) when the item was
// skipped because another worker holds the lock or the entry is already
// dispatched.
func (r *Relay) RelayOne(ctx context.Context, entry *types.OutboxEntry) (bool, error) {
	acquired, unlock, err := r.advisory.TryLock(ctx, "outbox:"+strconv.FormatInt(entry.ID, 10))
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	defer unlock()

	// Re-read under the lock. The batch snapshot may predate another worker's
	// send of the same entry; only the fresh row tells us whether it is still
	// pending.
	entry, err = r.outbox.Get(ctx, entry.ID)
	if err != nil {
		return false, err
	}
	if entry.DispatchedAt != nil {
		return false, nil
	}

	result, err := r.transport.Send(ctx, types.SendInput{
		To:      entry.Payload.To,
		Subject: entry.Payload.Subject,
		HTML:    entry.Payload.HTML,
		Text:    entry.Payload.Text,
		Headers: entry.Payload.Headers,
	})
	if err != nil {
		return false, err
	}

	now := r.clock.Now()
	affected, err := r.outbox.MarkDispatched(ctx, entry.ID, now)
	if err != nil {
		return false, err
	}
	if !affected {
		// Dispatched by a racing worker after our check; the transport
		// deduplicated on the idempotency key.
		return false, nil
	}

	if _, err := r.reminders.MarkSent(ctx, entry.Payload.ReminderID, now, types.Meta{
		"message_id": result.MessageID,
		"provider":   result.Provider,
		"outbox_id":  entry.ID,
	}); err != nil {
		// The message went out; reconciliation lagging is recoverable and
		// must not count as a send failure.
		r.logger.ErrorContext(ctx, "failed to reconcile reminder after send",
			"outbox_id", entry.ID,
			"reminder_id", entry.Payload.ReminderID,
			"error", err,
		)
	}
	r.metrics.Increment("outbox_sent", nil)
	return true, nil
}

// RedeliverEntry replays an outbox entry by id for dead-letter recovery. An
// entry already dispatched is a no-op.
func (r *Relay) RedeliverEntry(ctx context.Context, id int64) error {
	entry, err := r.outbox.Get(ctx, id)
	if err != nil {
		return err
	}
	if entry.DispatchedAt != nil {
		return nil
	}
	_, err = r.RelayOne(ctx, entry)
	return err
}

// recordFailure increments the entry's attempt count, schedules the next try,
// and dead-letters the payload once attempts reach the cap. The entry itself
// stays in the table so automatic retries can still drain it.
func (r *Relay) recordFailure(ctx context.Context, entry *types.OutboxEntry, cause error) {
	attempts, err := r.outbox.RecordFailure(ctx, entry.ID, r.clock.Now().Add(relayBackoff(entry.Attempts+1)))
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to record outbox failure",
			"outbox_id", entry.ID,
			"error", err,
		)
		return
	}
	r.metrics.Increment("outbox_failures", nil)

	if attempts < r.maxAttempts {
		return
	}

	dl := &types.DeadLetterEntry{
		Kind: types.KindOutboxEmailSend,
		Payload: types.Meta{
			"outbox_id":   entry.ID,
			"reminder_id": entry.Payload.ReminderID,
			"client_id":   entry.Payload.ClientID,
			"to":          entry.Payload.To,
			"subject":     entry.Payload.Subject,
		},
		Error: cause.Error(),
	}
	if err := r.deadlets.Create(ctx, dl); err != nil {
		r.logger.ErrorContext(ctx, "failed to write dead letter",
			"outbox_id", entry.ID,
			"error", err,
		)
	}
}

// relayBackoff returns the delay before the given attempt number retries:
// exponential from relayBackoffBase, capped at relayBackoffCap.
func relayBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := relayBackoffBase << (attempt - 1)
	if d > relayBackoffCap || d <= 0 {
		return relayBackoffCap
	}
	return d
}
