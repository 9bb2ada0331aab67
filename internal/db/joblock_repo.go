package db

import (
	"context"
	"time"

	"duespark/internal/types"
)

// JobLockRepository provides distributed locking via the job_locks table.
// The nightly compiler uses it as its daily leader lock so only one process
// compiles schedules for a given day. Locking uses INSERT ... ON CONFLICT
// DO UPDATE to atomically acquire the row.
type JobLockRepository struct {
	db DBTX
}

// NewJobLockRepository creates a new JobLockRepository backed by the given
// database connection (pool or transaction).
func NewJobLockRepository(db DBTX) *JobLockRepository {
	return &JobLockRepository{db: db}
}

// Acquire attempts to insert a lock row. Returns true if acquired, false if
// the lock already exists and has not expired. The lockID is typically
// "compile:YYYY-MM-DD" for the daily compile run.
//
// Expiry is computed as a concrete timestamp in Go rather than with interval
// arithmetic in SQL; Go's duration string format ("6h0m0s") is not a valid
// PostgreSQL interval.
//
// If the existing row has expired, the ON CONFLICT UPDATE succeeds and the
// caller takes over the lock. If the row is still active the WHERE clause
// prevents the update and zero rows are affected.
func (r *JobLockRepository) Acquire(ctx context.Context, lockID string, workerID string, now time.Time, ttl time.Duration) (bool, error) {
	expiresAt := now.Add(ttl)

	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id = EXCLUDED.worker_id,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_locks.expires_at < $3`,
		lockID,
		workerID,
		now,
		expiresAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire job lock", err)
	}

	// RowsAffected is 1 if the INSERT succeeded (new row) or the expired lock
	// was reclaimed, 0 if another worker still holds it.
	return tag.RowsAffected() > 0, nil
}

// Release deletes the lock row if this worker still owns it. Best effort: the
// TTL reclaims abandoned locks anyway.
func (r *JobLockRepository) Release(ctx context.Context, lockID string, workerID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM job_locks WHERE id = $1 AND worker_id = $2`,
		lockID,
		workerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release job lock", err)
	}
	return nil
}
