package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"duespark/internal/types"
)

// OutboxRepository provides data access for the outbox_entries table. Entries
// are an append-mostly log: the relay only ever stamps dispatch metadata or
// bumps the retry schedule; deletion is a retention concern outside the core.
type OutboxRepository struct {
	db DBTX
}

// NewOutboxRepository creates a new OutboxRepository backed by the given
// database connection (pool or transaction).
func NewOutboxRepository(db DBTX) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Create inserts a new outbox entry in 'pending' status with next_attempt_at
// set so the relay picks it up on its next cycle. The generated BIGSERIAL id
// is written back onto the entry.
func (r *OutboxRepository) Create(ctx context.Context, e *types.OutboxEntry) error {
	if e.Status == "" {
		e.Status = types.OutboxPending
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO outbox_entries (topic, payload, status, attempts, next_attempt_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 RETURNING id, created_at`,
		e.Topic,
		e.Payload,
		string(e.Status),
		e.Attempts,
		e.NextAttemptAt,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create outbox entry", err)
	}
	return nil
}

// Get returns a single outbox entry by id.
func (r *OutboxRepository) Get(ctx context.Context, id int64) (*types.OutboxEntry, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, topic, payload, status, attempts, next_attempt_at, dispatched_at, created_at
		 FROM outbox_entries
		 WHERE id = $1`,
		id,
	)
	e, err := scanOutboxRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundOutbox, "outbox entry not found", err)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get outbox entry", err)
	}
	return e, nil
}

// ListPending returns up to limit undispatched entries whose next_attempt_at
// has passed, ordered by id for FIFO draining.
func (r *OutboxRepository) ListPending(ctx context.Context, now time.Time, limit int) ([]*types.OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, topic, payload, status, attempts, next_attempt_at, dispatched_at, created_at
		 FROM outbox_entries
		 WHERE dispatched_at IS NULL AND next_attempt_at <= $1
		 ORDER BY id
		 LIMIT $2`,
		now,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list pending outbox entries", err)
	}
	defer rows.Close()

	var entries []*types.OutboxEntry
	for rows.Next() {
		e, scanErr := scanOutboxRow(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan outbox row", scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating outbox rows", err)
	}

	return entries, nil
}

// MarkDispatched stamps dispatched_at and flips status to 'sent'. Only
// undispatched rows are affected, keeping the relay safe to race and replay.
func (r *OutboxRepository) MarkDispatched(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE outbox_entries
		 SET status = 'sent', dispatched_at = $2
		 WHERE id = $1 AND dispatched_at IS NULL`,
		id,
		at,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark outbox entry dispatched", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordFailure increments attempts and pushes next_attempt_at out to the
// caller-computed backoff instant.
func (r *OutboxRepository) RecordFailure(ctx context.Context, id int64, nextAttemptAt time.Time) (attempts int, err error) {
	qErr := r.db.QueryRow(ctx,
		`UPDATE outbox_entries
		 SET attempts = attempts + 1, next_attempt_at = $2
		 WHERE id = $1
		 RETURNING attempts`,
		id,
		nextAttemptAt,
	).Scan(&attempts)
	if qErr != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to record outbox failure", qErr)
	}
	return attempts, nil
}

// Defer pushes next_attempt_at forward without counting an attempt. Used when
// the per-tenant rate limit defers a send: a politeness delay, not a failure.
func (r *OutboxRepository) Defer(ctx context.Context, id int64, nextAttemptAt time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE outbox_entries
		 SET next_attempt_at = $2
		 WHERE id = $1 AND dispatched_at IS NULL`,
		id,
		nextAttemptAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to defer outbox entry", err)
	}
	return nil
}

func scanOutboxRow(row pgx.Row) (*types.OutboxEntry, error) {
	var (
		e      types.OutboxEntry
		status string
	)
	err := row.Scan(
		&e.ID,
		&e.Topic,
		&e.Payload,
		&status,
		&e.Attempts,
		&e.NextAttemptAt,
		&e.DispatchedAt,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = types.OutboxStatus(status)
	return &e, nil
}
