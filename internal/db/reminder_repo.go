package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"duespark/internal/types"
)

// ReminderRepository provides data access for the reminders table.
//
// Status mutations here are deliberately conditional: MarkSent and MarkFailed
// only transition rows that are still 'scheduled', so a worker that lost a
// lock race cannot overwrite another worker's terminal state.
type ReminderRepository struct {
	db DBTX
}

// NewReminderRepository creates a new ReminderRepository backed by the given
// database connection (pool or transaction).
func NewReminderRepository(db DBTX) *ReminderRepository {
	return &ReminderRepository{db: db}
}

// Create inserts a new reminder record. If the ID is empty a prefixed UUID is
// generated. The reminder starts in 'scheduled' status unless the caller set
// another.
func (r *ReminderRepository) Create(ctx context.Context, rem *types.Reminder) error {
	if rem.ID == "" {
		rem.ID = "rem_" + uuid.NewString()
	}
	if rem.Status == "" {
		rem.Status = types.ReminderScheduled
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO reminders
		 (id, invoice_id, send_at, channel, status, subject, body, sent_at, meta, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()), NOW())`,
		rem.ID,
		rem.InvoiceID,
		rem.SendAt,
		string(rem.Channel),
		string(rem.Status),
		nilIfEmpty(rem.Subject),
		nilIfEmpty(rem.Body),
		rem.SentAt,
		rem.Meta,
		nilIfZeroTime(rem.CreatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create reminder", err)
	}
	return nil
}

// Get returns a single reminder by id.
func (r *ReminderRepository) Get(ctx context.Context, reminderID string) (*types.Reminder, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, invoice_id, send_at, channel, status, subject, body, sent_at, meta, created_at, updated_at
		 FROM reminders
		 WHERE id = $1`,
		reminderID,
	)
	rem, err := scanReminderRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundReminder, "reminder not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get reminder", err)
	}
	return rem, nil
}

// Exists reports whether a reminder already exists for the exact
// (invoice_id, send_at, channel) tuple. The compiler calls this before every
// insert to keep compilation idempotent.
func (r *ReminderRepository) Exists(ctx context.Context, invoiceID string, sendAt time.Time, channel types.ChannelType) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM reminders
		   WHERE invoice_id = $1 AND send_at = $2 AND channel = $3
		 )`,
		invoiceID,
		sendAt,
		string(channel),
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check reminder existence", err)
	}
	return exists, nil
}

// HasFutureScheduled reports whether the invoice already has a 'scheduled'
// reminder with send_at in the future. Invoices with one are skipped by the
// compiler so schedules are not stacked on every nightly run.
func (r *ReminderRepository) HasFutureScheduled(ctx context.Context, invoiceID string, now time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM reminders
		   WHERE invoice_id = $1 AND status = 'scheduled' AND send_at > $2
		 )`,
		invoiceID,
		now,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check future reminders", err)
	}
	return exists, nil
}

// ListDue returns up to limit reminders with status 'scheduled' whose send_at
// has passed, ordered by send_at ascending. This is the dispatcher's poll
// query; ordering within the batch is the only ordering contract the system
// makes.
func (r *ReminderRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*types.Reminder, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, invoice_id, send_at, channel, status, subject, body, sent_at, meta, created_at, updated_at
		 FROM reminders
		 WHERE status = 'scheduled' AND send_at <= $1
		 ORDER BY send_at
		 LIMIT $2`,
		now,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due reminders", err)
	}
	defer rows.Close()

	var reminders []*types.Reminder
	for rows.Next() {
		rem, scanErr := scanReminderRow(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan reminder row", scanErr)
		}
		reminders = append(reminders, rem)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating reminder rows", err)
	}

	return reminders, nil
}

// MarkSent transitions a reminder from 'scheduled' to 'sent', stamping
// sent_at and merging the provider metadata into meta. Rows already in a
// terminal state are left untouched; affected=false tells the caller another
// worker (or a replay) won the transition.
func (r *ReminderRepository) MarkSent(ctx context.Context, reminderID string, sentAt time.Time, meta types.Meta) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE reminders
		 SET status = 'sent', sent_at = $2, meta = meta || $3, updated_at = NOW()
		 WHERE id = $1 AND status = 'scheduled'`,
		reminderID,
		sentAt,
		meta,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark reminder sent", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed transitions a reminder from 'scheduled' to 'failed' and stores
// the error text in meta.
func (r *ReminderRepository) MarkFailed(ctx context.Context, reminderID string, errMsg string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE reminders
		 SET status = 'failed', meta = meta || $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'scheduled'`,
		reminderID,
		types.Meta{"error": errMsg},
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark reminder failed", err)
	}
	return nil
}

// Requeue resets a reminder to 'scheduled' with the given send_at. Used by
// dead-letter replay and the operator requeue endpoint. Reminders already
// 'sent' are never requeued automatically; the update is a no-op for them
// and affected=false is returned so replays stay idempotent.
func (r *ReminderRepository) Requeue(ctx context.Context, reminderID string, sendAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE reminders
		 SET status = 'scheduled', send_at = $2, updated_at = NOW()
		 WHERE id = $1 AND status IN ('scheduled', 'failed')`,
		reminderID,
		sendAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to requeue reminder", err)
	}
	return tag.RowsAffected() > 0, nil
}

// PushSendAt nudges a 'scheduled' reminder's send_at forward. The dispatcher
// uses this in outbox mode so an entry handed to the relay is not repicked by
// the next poll cycle.
func (r *ReminderRepository) PushSendAt(ctx context.Context, reminderID string, sendAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE reminders
		 SET send_at = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'scheduled'`,
		reminderID,
		sendAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to push reminder send_at", err)
	}
	return nil
}

// scanReminderRow scans a single reminders row from either a pgx.Row or
// pgx.Rows (both satisfy the Scan signature via pgx.Row).
func scanReminderRow(row pgx.Row) (*types.Reminder, error) {
	var (
		rem     types.Reminder
		channel string
		status  string
		subject *string
		body    *string
	)

	err := row.Scan(
		&rem.ID,
		&rem.InvoiceID,
		&rem.SendAt,
		&channel,
		&status,
		&subject,
		&body,
		&rem.SentAt,
		&rem.Meta,
		&rem.CreatedAt,
		&rem.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rem.Channel = types.ChannelType(channel)
	rem.Status = types.ReminderStatus(status)
	if subject != nil {
		rem.Subject = *subject
	}
	if body != nil {
		rem.Body = *body
	}

	return &rem, nil
}
