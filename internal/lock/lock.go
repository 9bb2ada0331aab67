// Package lock defines the per-item lock abstraction the dispatcher and
// outbox relay take before a send attempt, plus the available providers:
// a Redis SET NX guard and a permissive no-op used when no Redis is
// configured (single-process deployments rely on the Postgres advisory lock
// alone).
package lock

import (
	"context"
	"time"
)

// Provider hands out short-lived, non-blocking locks keyed by item id.
// Implementations must never block waiting for a contended lock: acquired
// false tells the caller to skip the item this cycle.
type Provider interface {
	// TryLock attempts to take the lock. On success the returned unlock
	// function releases it; callers must invoke it even after failures in
	// their own work.
	TryLock(ctx context.Context, key string, ttl time.Duration) (acquired bool, unlock func(), err error)
}

// Permissive is a no-op Provider that always grants the lock. Selected at
// startup when no Redis address is configured.
type Permissive struct{}

// NewPermissive returns the no-op provider.
func NewPermissive() *Permissive {
	return &Permissive{}
}

// TryLock always succeeds with a no-op unlock.
func (*Permissive) TryLock(context.Context, string, time.Duration) (bool, func(), error) {
	return true, func() {}, nil
}
