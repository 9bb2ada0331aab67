// Package metrics implements the injected metrics sinks: an in-memory
// registry that backs the admin snapshot endpoint, a CloudWatch mirror, a
// no-op, and a fan-out combinator. Jobs only ever see the types.MetricsSink
// interface, never a process-global.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"duespark/internal/types"
)

// Registry is a concurrency-safe in-memory sink. Counters accumulate;
// observations keep count, sum, and last value, which is enough for the
// operator snapshot without a full histogram.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]int64
	observed map[string]*observation
}

type observation struct {
	Count int64
	Sum   float64
	Last  float64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]int64),
		observed: make(map[string]*observation),
	}
}

// Increment adds one to the named counter. Labels are folded into the key so
// labeled series stay distinguishable in the snapshot.
func (r *Registry) Increment(name string, labels map[string]string) {
	key := seriesKey(name, labels)
	r.mu.Lock()
	r.counters[key]++
	r.mu.Unlock()
}

// Observe records a value for the named series.
func (r *Registry) Observe(name string, value float64) {
	r.mu.Lock()
	obs := r.observed[name]
	if obs == nil {
		obs = &observation{}
		r.observed[name] = obs
	}
	obs.Count++
	obs.Sum += value
	obs.Last = value
	r.mu.Unlock()
}

// Snapshot is the point-in-time view served by the admin metrics endpoint.
type Snapshot struct {
	Counters     map[string]int64            `json:"counters"`
	Observations map[string]SnapshotObserved `json:"observations"`
}

// SnapshotObserved summarizes one observed series.
type SnapshotObserved struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Last  float64 `json:"last"`
}

// Snapshot returns a copy of the current state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Counters:     make(map[string]int64, len(r.counters)),
		Observations: make(map[string]SnapshotObserved, len(r.observed)),
	}
	for k, v := range r.counters {
		snap.Counters[k] = v
	}
	for k, v := range r.observed {
		snap.Observations[k] = SnapshotObserved{Count: v.Count, Sum: v.Sum, Last: v.Last}
	}
	return snap
}

// seriesKey folds labels into a deterministic key: name{k1=v1,k2=v2}.
func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%s", k, labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

// Noop discards everything. Test and disabled-telemetry helper.
type Noop struct{}

func (Noop) Increment(string, map[string]string) {}
func (Noop) Observe(string, float64)             {}

// Multi fans out to several sinks.
type Multi []types.MetricsSink

// NewMulti combines sinks into one. Nil entries are dropped.
func NewMulti(sinks ...types.MetricsSink) Multi {
	var m Multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	return m
}

func (m Multi) Increment(name string, labels map[string]string) {
	for _, s := range m {
		s.Increment(name, labels)
	}
}

func (m Multi) Observe(name string, value float64) {
	for _, s := range m {
		s.Observe(name, value)
	}
}

var (
	_ types.MetricsSink = (*Registry)(nil)
	_ types.MetricsSink = Noop{}
	_ types.MetricsSink = Multi{}
)
