package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestUnlimitedAllowsEverything(t *testing.T) {
	var l Unlimited
	for i := 0; i < 100; i++ {
		if !l.Allow(context.Background(), "cl_1") {
			t.Fatal("Unlimited denied a send")
		}
	}
}

func TestMemoryLimiterEnforcesWindow(t *testing.T) {
	now := time.Date(2031, 3, 18, 9, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(3, time.Minute)
	l.now = func() time.Time { return now }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if !l.Allow(ctx, "cl_1") {
			t.Fatalf("send %d should be admitted", i)
		}
	}
	if l.Allow(ctx, "cl_1") {
		t.Error("fourth send within the window should be denied")
	}
}

func TestMemoryLimiterIsPerClient(t *testing.T) {
	now := time.Date(2031, 3, 18, 9, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(1, time.Minute)
	l.now = func() time.Time { return now }

	ctx := context.Background()
	if !l.Allow(ctx, "cl_1") {
		t.Fatal("first send for cl_1 should be admitted")
	}
	if !l.Allow(ctx, "cl_2") {
		t.Error("cl_2 must have its own budget")
	}
	if l.Allow(ctx, "cl_1") {
		t.Error("cl_1 is over its budget")
	}
}

func TestMemoryLimiterSlidesForward(t *testing.T) {
	now := time.Date(2031, 3, 18, 9, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(2, time.Minute)
	l.now = func() time.Time { return now }

	ctx := context.Background()
	l.Allow(ctx, "cl_1")
	l.Allow(ctx, "cl_1")
	if l.Allow(ctx, "cl_1") {
		t.Fatal("expected denial at the limit")
	}

	// Move past the window; the old events expire.
	now = now.Add(61 * time.Second)
	if !l.Allow(ctx, "cl_1") {
		t.Error("expected admission after the window slid")
	}
}

func TestMemoryLimiterDenialDoesNotConsumeBudget(t *testing.T) {
	now := time.Date(2031, 3, 18, 9, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(1, time.Minute)
	l.now = func() time.Time { return now }

	ctx := context.Background()
	l.Allow(ctx, "cl_1")
	for i := 0; i < 5; i++ {
		l.Allow(ctx, "cl_1") // denied, must not extend the window
	}

	now = now.Add(61 * time.Second)
	if !l.Allow(ctx, "cl_1") {
		t.Error("denied attempts must not push the window forward")
	}
}
