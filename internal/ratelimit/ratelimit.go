// Package ratelimit provides the per-tenant send rate limiter. A limited
// send is a deferral, not a failure: the relay pushes the entry's
// next_attempt_at forward without consuming a retry attempt.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter answers whether a tenant may receive another message right now.
type Limiter interface {
	// Allow records one send for the client if under the limit and reports
	// whether it was admitted.
	Allow(ctx context.Context, clientID string) bool
}

// Unlimited admits every send. Used when RATE_PER_MINUTE is zero.
type Unlimited struct{}

// Allow always returns true.
func (Unlimited) Allow(context.Context, string) bool { return true }

// MemoryLimiter is an in-process sliding window limiter keyed by client id.
// It is the fallback when no Redis is configured; correctness holds per
// process only, which matches the single-process deployments that skip Redis.
type MemoryLimiter struct {
	mu     sync.Mutex
	events map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewMemoryLimiter creates an in-process limiter allowing limit sends per
// window per client.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		events: make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow trims events outside the window, checks the count, and records the
// send if admitted.
func (m *MemoryLimiter) Allow(_ context.Context, clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-m.window)

	kept := m.events[clientID][:0]
	for _, t := range m.events[clientID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= m.limit {
		m.events[clientID] = kept
		return false
	}

	m.events[clientID] = append(kept, now)
	return true
}
