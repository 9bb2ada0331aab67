// Package scheduler implements the four periodic jobs of the DueSpark
// reminder engine: the nightly adaptive schedule compiler, the due-reminder
// dispatcher, the outbox relay, and dead-letter recovery.
//
// This file implements the statistical payment profile. The profile is
// recomputed fresh on every compiler run from the client's paid invoices;
// nothing is persisted between runs, so there is no staleness to manage. A
// snapshot of the profile used for a given reminder is stored in that
// reminder's meta for auditability.
package scheduler

import (
	"time"

	"duespark/internal/types"
)

const (
	// DefaultModalHour is the local send hour used when a client has no
	// payment history.
	DefaultModalHour = 9

	// AvgLateFloorDays and AvgLateCapDays bound the average lateness so a few
	// extreme invoices cannot push schedules unreasonably early or late.
	AvgLateFloorDays = -1.0
	AvgLateCapDays   = 30.0
)

// PaymentProfile summarizes a client's observed payment behavior.
type PaymentProfile struct {
	// AvgLateDays is the mean of (paid date - due date) in days across the
	// windowed paid invoices, clamped to [AvgLateFloorDays, AvgLateCapDays].
	// Zero for clients with no history.
	AvgLateDays float64

	// ModalHour is the local hour (0..23) at which the client most often
	// paid. DefaultModalHour when no history exists.
	ModalHour int

	// ModalWeekday is the local weekday of the most frequent (weekday, hour)
	// payment pair. Only meaningful when SampleCount > 0.
	ModalWeekday time.Weekday

	// ModalIsFriday reports whether the modal weekday is Friday. Overdue
	// reminders are pushed forward onto a Friday when set.
	ModalIsFriday bool

	// SampleCount is the number of paid invoices the profile was computed
	// from.
	SampleCount int
}

// Meta returns the profile as reminder metadata so every generated reminder
// records why its send time was chosen.
func (p PaymentProfile) Meta() types.Meta {
	return types.Meta{
		"profile": map[string]any{
			"avg_late_days":   p.AvgLateDays,
			"modal_hour":      p.ModalHour,
			"modal_is_friday": p.ModalIsFriday,
			"sample_count":    p.SampleCount,
		},
	}
}

// ComputeProfile derives a PaymentProfile from the client's paid invoices.
// Only invoices carrying both a due date and a paid_at stamp contribute;
// others are skipped. loc is the client's resolved timezone, used to observe
// the local (weekday, hour) at which each payment landed.
//
// With no usable history the profile is the neutral default: avg_late 0,
// modal hour 9, no Friday alignment.
func ComputeProfile(paid []*types.Invoice, loc *time.Location) PaymentProfile {
	profile := PaymentProfile{ModalHour: DefaultModalHour}

	var latenessSum float64
	counts := make(map[weekdayHour]int)

	for _, inv := range paid {
		if inv.PaidAt == nil || inv.DueDate.IsZero() {
			continue
		}

		latenessSum += latenessDays(*inv.PaidAt, inv.DueDate)

		local := inv.PaidAt.In(loc)
		counts[weekdayHour{local.Weekday(), local.Hour()}]++
		profile.SampleCount++
	}

	if profile.SampleCount == 0 {
		return profile
	}

	avg := latenessSum / float64(profile.SampleCount)
	if avg < AvgLateFloorDays {
		avg = AvgLateFloorDays
	}
	if avg > AvgLateCapDays {
		avg = AvgLateCapDays
	}
	profile.AvgLateDays = avg

	modal, n := modalPair(counts)
	if n > 0 {
		profile.ModalWeekday = modal.weekday
		profile.ModalHour = modal.hour
		profile.ModalIsFriday = modal.weekday == time.Friday
	}

	return profile
}

type weekdayHour struct {
	weekday time.Weekday
	hour    int
}

// modalPair returns the most frequent (weekday, hour) pair. Ties break toward
// the smaller weekday then the smaller hour so the result is deterministic
// across runs regardless of map iteration order.
func modalPair(counts map[weekdayHour]int) (weekdayHour, int) {
	var best weekdayHour
	bestCount := 0
	for pair, n := range counts {
		if n > bestCount ||
			(n == bestCount && (pair.weekday < best.weekday ||
				(pair.weekday == best.weekday && pair.hour < best.hour))) {
			best = pair
			bestCount = n
		}
	}
	return best, bestCount
}

// latenessDays measures whole calendar days between the payment date and the
// due date, both taken as UTC dates. Early payments are negative.
func latenessDays(paidAt, dueDate time.Time) float64 {
	paid := truncateToDate(paidAt.UTC())
	due := truncateToDate(dueDate.UTC())
	return paid.Sub(due).Hours() / 24
}

func truncateToDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
