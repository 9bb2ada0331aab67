package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"duespark/internal/types"
)

// DeadLetterRepository provides data access for the dead_letters table.
// Entries are deleted on successful replay; failed replays bump retries and
// push next_attempt_at out along the backoff ladder.
type DeadLetterRepository struct {
	db DBTX
}

// NewDeadLetterRepository creates a new DeadLetterRepository backed by the
// given database connection (pool or transaction).
func NewDeadLetterRepository(db DBTX) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

// Create inserts a new dead letter. The generated BIGSERIAL id is written
// back onto the entry. Capture never interferes with the originating job:
// callers log and swallow errors from this method.
func (r *DeadLetterRepository) Create(ctx context.Context, d *types.DeadLetterEntry) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO dead_letters (kind, payload, error, retries, next_attempt_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		 RETURNING id, created_at, updated_at`,
		string(d.Kind),
		d.Payload,
		d.Error,
		d.Retries,
		d.NextAttemptAt,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create dead letter", err)
	}
	return nil
}

// Get returns a single dead letter by id.
func (r *DeadLetterRepository) Get(ctx context.Context, id int64) (*types.DeadLetterEntry, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, kind, payload, error, retries, next_attempt_at, created_at, updated_at
		 FROM dead_letters
		 WHERE id = $1`,
		id,
	)
	d, err := scanDeadLetterRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundDeadLetter, "dead letter not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get dead letter", err)
	}
	return d, nil
}

// ListDue returns up to limit dead letters eligible for replay: entries whose
// next_attempt_at is NULL (never scheduled, replay immediately) or has
// passed. Oldest first so stuck entries do not starve behind fresh failures.
func (r *DeadLetterRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*types.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, kind, payload, error, retries, next_attempt_at, created_at, updated_at
		 FROM dead_letters
		 WHERE next_attempt_at IS NULL OR next_attempt_at <= $1
		 ORDER BY created_at
		 LIMIT $2`,
		now,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due dead letters", err)
	}
	defer rows.Close()
	return scanDeadLetters(rows)
}

// List returns dead letters for the operator surface, newest first, optionally
// filtered by kind (empty kind means all).
func (r *DeadLetterRepository) List(ctx context.Context, kind types.DeadLetterKind, limit int) ([]*types.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows pgx.Rows
		err  error
	)
	if kind == "" {
		rows, err = r.db.Query(ctx,
			`SELECT id, kind, payload, error, retries, next_attempt_at, created_at, updated_at
			 FROM dead_letters
			 ORDER BY created_at DESC
			 LIMIT $1`,
			limit,
		)
	} else {
		rows, err = r.db.Query(ctx,
			`SELECT id, kind, payload, error, retries, next_attempt_at, created_at, updated_at
			 FROM dead_letters
			 WHERE kind = $1
			 ORDER BY created_at DESC
			 LIMIT $2`,
			string(kind),
			limit,
		)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list dead letters", err)
	}
	defer rows.Close()
	return scanDeadLetters(rows)
}

// Delete removes a dead letter after successful replay (or operator discard).
func (r *DeadLetterRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete dead letter", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundDeadLetter, "dead letter not found", nil)
	}
	return nil
}

// Reschedule increments retries, records the latest error, and sets the next
// replay instant. The updated retry count is returned so the caller can pick
// the next rung of the backoff ladder.
func (r *DeadLetterRepository) Reschedule(ctx context.Context, id int64, errMsg string, nextAttemptAt time.Time) (retries int, err error) {
	qErr := r.db.QueryRow(ctx,
		`UPDATE dead_letters
		 SET retries = retries + 1, error = $2, next_attempt_at = $3, updated_at = NOW()
		 WHERE id = $1
		 RETURNING retries`,
		id,
		errMsg,
		nextAttemptAt,
	).Scan(&retries)
	if errors.Is(qErr, pgx.ErrNoRows) {
		return 0, types.NewAppError(types.ErrCodeNotFoundDeadLetter, "dead letter not found", qErr)
	}
	if qErr != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to reschedule dead letter", qErr)
	}
	return retries, nil
}

// BumpRetries increments retries and parks the entry a day out. Used for
// unknown kinds that only an operator can resolve; parking keeps them out of
// the recovery poll (NULL would mean replay-now) while leaving them visible
// in the operator list.
func (r *DeadLetterRepository) BumpRetries(ctx context.Context, id int64, errMsg string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE dead_letters
		 SET retries = retries + 1, error = $2, next_attempt_at = NOW() + INTERVAL '24 hours', updated_at = NOW()
		 WHERE id = $1`,
		id,
		errMsg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to bump dead letter retries", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundDeadLetter, "dead letter not found", nil)
	}
	return nil
}

func scanDeadLetters(rows pgx.Rows) ([]*types.DeadLetterEntry, error) {
	var entries []*types.DeadLetterEntry
	for rows.Next() {
		d, err := scanDeadLetterRow(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan dead letter row", err)
		}
		entries = append(entries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating dead letter rows", err)
	}
	return entries, nil
}

func scanDeadLetterRow(row pgx.Row) (*types.DeadLetterEntry, error) {
	var (
		d    types.DeadLetterEntry
		kind string
	)
	err := row.Scan(
		&d.ID,
		&kind,
		&d.Payload,
		&d.Error,
		&d.Retries,
		&d.NextAttemptAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Kind = types.DeadLetterKind(kind)
	return &d, nil
}
