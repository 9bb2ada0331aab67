package types

import (
	"context"
	"time"
)

// Clock abstracts time for testability. All production implementations return
// UTC instants; tests substitute a fixed clock for deterministic schedules.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// FixedClock implements Clock with a constant instant. Test helper.
type FixedClock struct{ T time.Time }

// Now returns the fixed instant.
func (c FixedClock) Now() time.Time { return c.T }

// Transport abstracts email/SMS delivery. The core depends only on this
// signature; provider clients live in internal/external.
type Transport interface {
	// Send hands the message to the provider and returns the provider message
	// id. Transient provider failures (network, 5xx, 429) surface as AppErrors
	// with an upstream_* code so callers can distinguish them from data errors.
	Send(ctx context.Context, input SendInput) (*SendResult, error)
}

// Renderer produces reminder content from templates and variables. Pure
// function semantics: no side effects, safe for concurrent use.
type Renderer interface {
	Render(input RenderInput) (RenderOutput, error)
}

// MetricsSink abstracts counters and observations so jobs never touch
// process-global mutable state. Implementations must be safe for concurrent
// use; tests substitute a recording sink.
type MetricsSink interface {
	Increment(name string, labels map[string]string)
	Observe(name string, value float64)
}
