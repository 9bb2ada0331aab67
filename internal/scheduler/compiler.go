// This file implements the adaptive schedule compiler. The compiler runs
// nightly under a daily leader lock, recomputes each client's payment
// profile, and upserts future reminders for every open invoice that does not
// already have one scheduled.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"duespark/internal/types"
)

// CompilerInvoiceRepo abstracts the read-only invoice/client queries the
// compiler needs. Using an interface allows clean testing without database
// dependencies.
type CompilerInvoiceRepo interface {
	ListClients(ctx context.Context) ([]*types.Client, error)
	GetClient(ctx context.Context, clientID string) (*types.Client, error)
	ListOpenInvoices(ctx context.Context, clientID string) ([]*types.Invoice, error)
	ListPaidInvoices(ctx context.Context, clientID string, since time.Time) ([]*types.Invoice, error)
}

// CompilerReminderRepo abstracts the reminder writes the compiler performs.
type CompilerReminderRepo interface {
	Exists(ctx context.Context, invoiceID string, sendAt time.Time, channel types.ChannelType) (bool, error)
	HasFutureScheduled(ctx context.Context, invoiceID string, now time.Time) (bool, error)
	Create(ctx context.Context, rem *types.Reminder) error
}

// LeaderLock is the daily leader lock: at most one process instance compiles
// schedules per day.
type LeaderLock interface {
	Acquire(ctx context.Context, lockID string, workerID string, now time.Time, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID string, workerID string) error
}

// DeadLetterStore captures per-unit failures for later replay.
type DeadLetterStore interface {
	Create(ctx context.Context, d *types.DeadLetterEntry) error
}

// JobHistory records job runs for operational visibility.
type JobHistory interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, jobErr error) error
}

// Compiler turns payment profiles and invoice due dates into scheduled
// reminders.
type Compiler struct {
	invoices  CompilerInvoiceRepo
	reminders CompilerReminderRepo
	locks     LeaderLock
	deadlets  DeadLetterStore
	history   JobHistory
	clock     types.Clock
	metrics   types.MetricsSink

	workerID          string
	lockTTL           time.Duration
	historyWindowDays int
	lookahead         time.Duration
	logger            *slog.Logger
}

// CompilerConfig holds the dependencies and tuning for creating a Compiler.
type CompilerConfig struct {
	Invoices    CompilerInvoiceRepo
	Reminders   CompilerReminderRepo
	Locks       LeaderLock
	DeadLetters DeadLetterStore
	History     JobHistory
	Clock       types.Clock
	Metrics     types.MetricsSink

	WorkerID          string
	LockTTL           time.Duration
	HistoryWindowDays int
	Lookahead         time.Duration
	Logger            *slog.Logger
}

// NewCompiler creates a new Compiler with the given configuration.
func NewCompiler(cfg CompilerConfig) *Compiler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 6 * time.Hour
	}
	lookahead := cfg.Lookahead
	if lookahead <= 0 {
		lookahead = 5 * time.Minute
	}
	return &Compiler{
		invoices:          cfg.Invoices,
		reminders:         cfg.Reminders,
		locks:             cfg.Locks,
		deadlets:          cfg.DeadLetters,
		history:           cfg.History,
		clock:             cfg.Clock,
		metrics:           cfg.Metrics,
		workerID:          cfg.WorkerID,
		lockTTL:           lockTTL,
		historyWindowDays: cfg.HistoryWindowDays,
		lookahead:         lookahead,
		logger:            logger,
	}
}

// Run executes one nightly compile across all clients. It acquires the daily
// leader lock first; if another instance holds it the run is skipped
// silently. If the lock store itself fails the run proceeds anyway with a
// logged degradation (availability over strict single-leader).
//
// Per-client failures are captured as dead letters and never abort the run.
// Returns the number of reminders created.
func (c *Compiler) Run(ctx context.Context) (int, error) {
	now := c.clock.Now()
	lockID := "compile:" + now.Format("2006-01-02")

	haveLock := false
	acquired, err := c.locks.Acquire(ctx, lockID, c.workerID, now, c.lockTTL)
	if err != nil {
		c.logger.WarnContext(ctx, "leader lock unavailable, proceeding without it",
			"lock_id", lockID,
			"error", err,
		)
	} else if !acquired {
		c.logger.InfoContext(ctx, "compile leader lock held elsewhere, skipping",
			"lock_id", lockID,
		)
		return 0, nil
	} else {
		haveLock = true
	}

	historyID, err := c.history.Start(ctx, "compile")
	if err != nil {
		c.logger.WarnContext(ctx, "failed to record job start", "error", err)
	}

	clients, err := c.invoices.ListClients(ctx)
	if err != nil {
		c.finishHistory(ctx, historyID, "failed", 0, err)
		// A run that did no work must not keep the day locked; release so a
		// retry can go today instead of waiting out the TTL.
		if haveLock {
			c.releaseLock(ctx, lockID)
		}
		return 0, err
	}

	created := 0
	failed := 0
	for _, client := range clients {
		n, err := c.CompileClient(ctx, client.ID)
		if err != nil {
			failed++
			c.logger.ErrorContext(ctx, "client compile failed",
				"client_id", client.ID,
				"error", err,
			)
			c.captureFailure(ctx, client.ID, err)
			// Continue with the next client; one bad client must never abort
			// the whole run.
			continue
		}
		created += n
	}

	c.metrics.Increment("compiler_runs", nil)
	c.metrics.Observe("compiler_reminders_created", float64(created))
	c.logger.InfoContext(ctx, "compile run complete",
		"clients", len(clients),
		"clients_failed", failed,
		"reminders_created", created,
	)

	c.finishHistory(ctx, historyID, "success", created, nil)
	return created, nil
}

// CompileClient recomputes one client's payment profile and creates the
// missing reminders for its open invoices. It is the unit of work replayed
// by dead-letter recovery. Returns the number of reminders created.
func (c *Compiler) CompileClient(ctx context.Context, clientID string) (int, error) {
	now := c.clock.Now()

	client, err := c.invoices.GetClient(ctx, clientID)
	if err != nil {
		return 0, err
	}

	loc, ok := client.Location()
	if !ok && client.Timezone != "" {
		c.logger.WarnContext(ctx, "invalid client timezone, using UTC",
			"client_id", client.ID,
			"timezone", client.Timezone,
		)
	}

	var since time.Time
	if c.historyWindowDays > 0 {
		since = now.AddDate(0, 0, -c.historyWindowDays)
	}
	paid, err := c.invoices.ListPaidInvoices(ctx, clientID, since)
	if err != nil {
		return 0, err
	}
	profile := ComputeProfile(paid, loc)

	open, err := c.invoices.ListOpenInvoices(ctx, clientID)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, inv := range open {
		hasFuture, err := c.reminders.HasFutureScheduled(ctx, inv.ID, now)
		if err != nil {
			return created, err
		}
		if hasFuture {
			continue
		}

		for _, offset := range scheduleOffsets(profile, inv.DueDate, now) {
			sendAt := sendInstant(inv.DueDate, offset, profile, loc, now, c.lookahead)

			exists, err := c.reminders.Exists(ctx, inv.ID, sendAt, types.ChannelEmail)
			if err != nil {
				return created, err
			}
			if exists {
				continue
			}

			rem := &types.Reminder{
				InvoiceID: inv.ID,
				SendAt:    sendAt,
				Channel:   types.ChannelEmail,
				Status:    types.ReminderScheduled,
				Meta:      profile.Meta(),
			}
			if err := c.reminders.Create(ctx, rem); err != nil {
				return created, err
			}
			created++
		}
	}

	return created, nil
}

func (c *Compiler) releaseLock(ctx context.Context, lockID string) {
	if err := c.locks.Release(ctx, lockID, c.workerID); err != nil {
		// Best effort: the TTL reclaims the lock anyway.
		c.logger.WarnContext(ctx, "failed to release leader lock",
			"lock_id", lockID,
			"error", err,
		)
	}
}

func (c *Compiler) captureFailure(ctx context.Context, clientID string, cause error) {
	entry := &types.DeadLetterEntry{
		Kind:    types.KindAdaptiveCompute,
		Payload: types.Meta{"client_id": clientID},
		Error:   cause.Error(),
	}
	if err := c.deadlets.Create(ctx, entry); err != nil {
		// Capture must never interfere with the run itself.
		c.logger.ErrorContext(ctx, "failed to write dead letter",
			"client_id", clientID,
			"error", err,
		)
	}
	c.metrics.Increment("compiler_client_failures", map[string]string{"client_id": clientID})
}

func (c *Compiler) finishHistory(ctx context.Context, historyID int64, status string, items int, jobErr error) {
	if historyID == 0 {
		return
	}
	if err := c.history.Finish(ctx, historyID, status, items, jobErr); err != nil {
		c.logger.WarnContext(ctx, "failed to record job finish", "error", err)
	}
}

// scheduleOffsets derives the day offsets relative to the due date. Future
// due dates get a single pre-due nudge; past due dates get the escalating
// overdue ladder, extended when the client habitually pays very late.
func scheduleOffsets(profile PaymentProfile, dueDate, now time.Time) []int {
	if dueDate.After(now) {
		return []int{-2}
	}
	offsets := []int{1, 3, 7}
	if profile.AvgLateDays > 7 {
		offsets = append(offsets, 10)
	}
	return offsets
}

// sendInstant computes the UTC send time for one offset: the due date plus
// offset days at the client's local modal hour, Friday-aligned for overdue
// offsets when the profile calls for it, and clamped forward when the result
// is already in the past.
func sendInstant(dueDate time.Time, offsetDays int, profile PaymentProfile, loc *time.Location, now time.Time, lookahead time.Duration) time.Time {
	due := dueDate.UTC()
	target := time.Date(due.Year(), due.Month(), due.Day()+offsetDays,
		profile.ModalHour, 0, 0, 0, loc)

	// Overdue reminders land on the client's habitual payday when that payday
	// is Friday. Pre-due nudges keep their exact date.
	if profile.ModalIsFriday && offsetDays >= 1 {
		for target.Weekday() != time.Friday {
			target = target.AddDate(0, 0, 1)
		}
		target = time.Date(target.Year(), target.Month(), target.Day(),
			profile.ModalHour, 0, 0, 0, loc)
	}

	sendAt := target.UTC()
	if sendAt.Before(now) {
		// Still in the past (deeply overdue invoice): pull it just far enough
		// into the future for the next dispatcher poll to pick up.
		sendAt = now.Add(lookahead)
	}
	return sendAt
}
