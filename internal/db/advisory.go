package db

import (
	"context"
	"hash/fnv"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"duespark/internal/types"
)

// AdvisoryLocker wraps Postgres session advisory locks for per-item mutual
// exclusion during send attempts. Advisory locks are session-scoped, so each
// TryLock pins a dedicated connection from the pool until the returned unlock
// function runs.
type AdvisoryLocker struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewAdvisoryLocker creates an AdvisoryLocker over the given pool.
func NewAdvisoryLocker(pool *pgxpool.Pool, logger *slog.Logger) *AdvisoryLocker {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdvisoryLocker{pool: pool, logger: logger}
}

// TryLock attempts a non-blocking advisory lock on the given key. On success
// it returns acquired=true and an unlock function that releases the lock and
// the pinned connection; the caller must invoke it (typically via defer).
// acquired=false means another worker holds the lock and the caller should
// skip the item, not wait.
func (l *AdvisoryLocker) TryLock(ctx context.Context, key string) (acquired bool, unlock func(), err error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, nil, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire connection for advisory lock", err)
	}

	id := advisoryKey(key)
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&acquired); err != nil {
		conn.Release()
		return false, nil, types.NewAppError(types.ErrCodeInternalDB, "failed to take advisory lock", err)
	}
	if !acquired {
		conn.Release()
		return false, nil, nil
	}

	unlock = func() {
		// Unlock on a fresh context: the caller's ctx may already be done and
		// the lock must still be released before the connection goes back.
		if _, uErr := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, id); uErr != nil {
			l.logger.Error("failed to release advisory lock", "key", key, "error", uErr)
		}
		conn.Release()
	}
	return true, unlock, nil
}

// advisoryKey hashes a string key into the int64 keyspace pg advisory locks
// use. FNV-1a collisions are possible but harmless: a collision only means
// two items briefly serialize against each other.
func advisoryKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}
