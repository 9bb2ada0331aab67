// This file implements the due-reminder dispatcher. It polls for reminders
// whose send time has passed, takes a per-reminder lock (Postgres advisory
// lock plus an optional distributed guard), renders the content, and either
// enqueues an outbox entry (outbox mode) or calls the transport directly.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"duespark/internal/types"
)

// DispatchReminderRepo abstracts the reminder queries and mutations the
// dispatcher needs.
type DispatchReminderRepo interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*types.Reminder, error)
	Get(ctx context.Context, reminderID string) (*types.Reminder, error)
	MarkSent(ctx context.Context, reminderID string, sentAt time.Time, meta types.Meta) (bool, error)
	MarkFailed(ctx context.Context, reminderID string, errMsg string) error
	Requeue(ctx context.Context, reminderID string, sendAt time.Time) (bool, error)
	PushSendAt(ctx context.Context, reminderID string, sendAt time.Time) error
}

// DispatchInvoiceRepo abstracts the invoice and client reads needed to render
// reminder content.
type DispatchInvoiceRepo interface {
	GetInvoice(ctx context.Context, invoiceID string) (*types.Invoice, error)
	GetClient(ctx context.Context, clientID string) (*types.Client, error)
}

// DispatchOutboxRepo abstracts outbox entry creation for deferred-send mode.
type DispatchOutboxRepo interface {
	Create(ctx context.Context, e *types.OutboxEntry) error
}

// AdvisoryLock is the database-level per-item lock. Non-blocking: not
// acquired means another worker owns the item this cycle.
type AdvisoryLock interface {
	TryLock(ctx context.Context, key string) (acquired bool, unlock func(), err error)
}

// GuardLock is the optional distributed second guard (Redis SET NX or the
// permissive no-op).
type GuardLock interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (acquired bool, unlock func(), err error)
}

// Dispatcher finds due reminders and moves each one step down the delivery
// pipeline.
type Dispatcher struct {
	reminders DispatchReminderRepo
	invoices  DispatchInvoiceRepo
	outbox    DispatchOutboxRepo
	advisory  AdvisoryLock
	guard     GuardLock
	renderer  types.Renderer
	transport types.Transport
	deadlets  DeadLetterStore
	clock     types.Clock
	metrics   types.MetricsSink

	batchSize  int
	maxLoops   int
	lookahead  time.Duration
	outboxMode bool
	logger     *slog.Logger
}

// DispatcherConfig holds the dependencies and tuning for creating a
// Dispatcher.
type DispatcherConfig struct {
	Reminders   DispatchReminderRepo
	Invoices    DispatchInvoiceRepo
	Outbox      DispatchOutboxRepo
	Advisory    AdvisoryLock
	Guard       GuardLock
	Renderer    types.Renderer
	Transport   types.Transport
	DeadLetters DeadLetterStore
	Clock       types.Clock
	Metrics     types.MetricsSink

	BatchSize  int
	MaxLoops   int
	Lookahead  time.Duration
	OutboxMode bool
	Logger     *slog.Logger
}

// NewDispatcher creates a new Dispatcher with the given configuration.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	maxLoops := cfg.MaxLoops
	if maxLoops <= 0 {
		maxLoops = 10
	}
	lookahead := cfg.Lookahead
	if lookahead <= 0 {
		lookahead = 5 * time.Minute
	}
	return &Dispatcher{
		reminders:  cfg.Reminders,
		invoices:   cfg.Invoices,
		outbox:     cfg.Outbox,
		advisory:   cfg.Advisory,
		guard:      cfg.Guard,
		renderer:   cfg.Renderer,
		transport:  cfg.Transport,
		deadlets:   cfg.DeadLetters,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		batchSize:  batchSize,
		maxLoops:   maxLoops,
		lookahead:  lookahead,
		outboxMode: cfg.OutboxMode,
		logger:     logger,
	}
}

// RunOnce drains due reminders in batches, up to maxLoops batches per
// invocation so one backlog cannot starve the other jobs. Per-reminder
// failures are marked, dead-lettered, and never abort the batch. Returns the
// number of reminders processed (enqueued or sent).
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	processed := 0

	for loop := 0; loop < d.maxLoops; loop++ {
		now := d.clock.Now()
		due, err := d.reminders.ListDue(ctx, now, d.batchSize)
		if err != nil {
			return processed, err
		}
		if len(due) == 0 {
			break
		}

		for _, rem := range due {
			if ctx.Err() != nil {
				return processed, ctx.Err()
			}

			ok, err := d.DispatchOne(ctx, rem.ID)
			if err != nil {
				d.logger.ErrorContext(ctx, "reminder dispatch failed",
					"reminder_id", rem.ID,
					"error", err,
				)
				d.captureFailure(ctx, rem.ID, err)
				d.metrics.Increment("dispatch_failures", nil)
				continue
			}
			if ok {
				processed++
			}
		}

		if len(due) < d.batchSize {
			break
		}
	}

	if processed > 0 {
		d.metrics.Observe("dispatch_processed", float64(processed))
	}
	return processed, nil
}

// DispatchOne processes a single reminder under its per-item locks. It
// returns (false, nil) when the item was skipped: lock held elsewhere, or the
// reminder is no longer in 'scheduled' state. Errors mark the reminder
// 'failed'; the caller decides whether to dead-letter (the poll loop does,
// dead-letter replay does not, to avoid duplicating entries).
func (d *Dispatcher) DispatchOne(ctx context.Context, reminderID string) (bool, error) {
	key := "reminder:" + reminderID

	acquired, unlock, err := d.advisory.TryLock(ctx, key)
	if err != nil {
		return false, err
	}
	if !acquired {
		d.metrics.Increment("dispatch_lock_skips", nil)
		return false, nil
	}
	defer unlock()

	guardAcquired, guardUnlock, err := d.guard.TryLock(ctx, key, d.lookahead)
	if err != nil {
		return false, err
	}
	if !guardAcquired {
		d.metrics.Increment("dispatch_lock_skips", nil)
		return false, nil
	}
	defer guardUnlock()

	// Re-check under the lock: the reminder may have been sent or cancelled
	// between the poll and lock acquisition.
	rem, err := d.reminders.Get(ctx, reminderID)
	if err != nil {
		return false, err
	}
	if rem.Status != types.ReminderScheduled {
		return false, nil
	}

	if err := d.deliver(ctx, rem); err != nil {
		if markErr := d.reminders.MarkFailed(ctx, rem.ID, err.Error()); markErr != nil {
			d.logger.ErrorContext(ctx, "failed to mark reminder failed",
				"reminder_id", rem.ID,
				"error", markErr,
			)
		}
		return false, err
	}
	return true, nil
}

// Redeliver replays a previously failed reminder through the normal dispatch
// path. A reminder already 'sent' is a no-op, so replays after a lock race
// never produce a duplicate send.
func (d *Dispatcher) Redeliver(ctx context.Context, reminderID string) error {
	rem, err := d.reminders.Get(ctx, reminderID)
	if err != nil {
		return err
	}
	if rem.Status == types.ReminderSent || rem.Status == types.ReminderCancelled {
		return nil
	}

	requeued, err := d.reminders.Requeue(ctx, reminderID, d.clock.Now())
	if err != nil {
		return err
	}
	if !requeued {
		return nil
	}

	_, err = d.DispatchOne(ctx, reminderID)
	return err
}

// deliver renders the reminder and hands it off: outbox entry in deferred
// mode, direct transport call otherwise.
func (d *Dispatcher) deliver(ctx context.Context, rem *types.Reminder) error {
	inv, err := d.invoices.GetInvoice(ctx, rem.InvoiceID)
	if err != nil {
		return err
	}
	client, err := d.invoices.GetClient(ctx, inv.ClientID)
	if err != nil {
		return err
	}

	content, err := d.renderer.Render(types.RenderInput{
		Client:  client,
		Invoice: inv,
		Now:     d.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("rendering reminder %s: %w", rem.ID, err)
	}

	headers := map[string]string{"Idempotency-Key": rem.IdempotencyKey()}

	if d.outboxMode {
		now := d.clock.Now()
		entry := &types.OutboxEntry{
			Topic: "reminder.email",
			Payload: types.OutboxPayload{
				ReminderID: rem.ID,
				ClientID:   client.ID,
				To:         client.Email,
				Subject:    content.Subject,
				HTML:       content.HTML,
				Text:       content.Text,
				Headers:    headers,
			},
			Status:        types.OutboxPending,
			NextAttemptAt: now,
		}
		if err := d.outbox.Create(ctx, entry); err != nil {
			return err
		}
		// Nudge send_at forward so the next poll cycle does not repick the
		// reminder while the relay owns it. The relay marks it 'sent'.
		if err := d.reminders.PushSendAt(ctx, rem.ID, now.Add(d.lookahead)); err != nil {
			d.logger.WarnContext(ctx, "failed to push reminder send_at",
				"reminder_id", rem.ID,
				"error", err,
			)
		}
		d.metrics.Increment("outbox_enqueued", nil)
		return nil
	}

	result, err := d.transport.Send(ctx, types.SendInput{
		To:      client.Email,
		Subject: content.Subject,
		HTML:    content.HTML,
		Text:    content.Text,
		Headers: headers,
	})
	if err != nil {
		return err
	}

	affected, err := d.reminders.MarkSent(ctx, rem.ID, d.clock.Now(), types.Meta{
		"message_id": result.MessageID,
		"provider":   result.Provider,
	})
	if err != nil {
		return err
	}
	if !affected {
		// Another worker won the transition despite the locks. The transport
		// deduplicates on the idempotency key; nothing to reconcile here.
		d.logger.WarnContext(ctx, "reminder already transitioned", "reminder_id", rem.ID)
	}
	d.metrics.Increment("reminders_sent", nil)
	return nil
}

func (d *Dispatcher) captureFailure(ctx context.Context, reminderID string, cause error) {
	entry := &types.DeadLetterEntry{
		Kind:    types.KindReminderSend,
		Payload: types.Meta{"reminder_id": reminderID},
		Error:   cause.Error(),
	}
	if err := d.deadlets.Create(ctx, entry); err != nil {
		d.logger.ErrorContext(ctx, "failed to write dead letter",
			"reminder_id", reminderID,
			"error", err,
		)
	}
}
