// Package metrics aggregates per-operation samples into rolling windows and
// evaluates threshold rules over the aggregates. Raw samples are discarded
// once bucketed; dashboards read the Prometheus export, the threshold
// monitor reads consistent snapshots.
package metrics

import (
	"sync"
	"time"

	"opgate/internal/operation"
)

// Sample is one ephemeral measurement of a finished invocation.
type Sample struct {
	Kind       operation.Kind
	Outcome    operation.Outcome
	Duration   time.Duration
	MemoryPeak uint64
	At         time.Time
}

// Window identifies one rolling aggregation horizon.
type Window string

const (
	Window1m  Window = "1m"
	Window1h  Window = "1h"
	Window24h Window = "24h"
)

// Windows lists all horizons in ascending order.
var Windows = []Window{Window1m, Window1h, Window24h}

// windowSpec fixes bucket layout per horizon.
var windowSpecs = map[Window]struct {
	bucket time.Duration
	count  int
}{
	Window1m:  {bucket: time.Second, count: 60},
	Window1h:  {bucket: time.Minute, count: 60},
	Window24h: {bucket: time.Hour, count: 24},
}

// Aggregate is the consistent view of one (kind, window) pair.
type Aggregate struct {
	Kind          operation.Kind
	Window        Window
	Count         int64
	Failures      int64
	DurationSum   time.Duration
	DurationMax   time.Duration
	MemoryPeakMax uint64
}

// FailureRate returns failures/count in [0,1]; zero when empty.
func (a Aggregate) FailureRate() float64 {
	if a.Count == 0 {
		return 0
	}
	return float64(a.Failures) / float64(a.Count)
}

// DurationAvg returns the mean duration; zero when empty.
func (a Aggregate) DurationAvg() time.Duration {
	if a.Count == 0 {
		return 0
	}
	return a.DurationSum / time.Duration(a.Count)
}

type bucket struct {
	start         time.Time
	count         int64
	failures      int64
	durationSum   time.Duration
	durationMax   time.Duration
	memoryPeakMax uint64
}

type ring struct {
	window  Window
	buckets []bucket
}

// kindAggregates holds all rings for one operation kind, guarded by one
// mutex so Observe and Snapshot see whole buckets, never half-updated
// counters.
type kindAggregates struct {
	mu    sync.Mutex
	rings []*ring
}

// Sink accepts samples from concurrent executor invocations.
type Sink struct {
	mu    sync.RWMutex
	kinds map[operation.Kind]*kindAggregates

	prom *PromExporter
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithPromExporter mirrors every sample into Prometheus collectors.
func WithPromExporter(p *PromExporter) SinkOption {
	return func(s *Sink) {
		s.prom = p
	}
}

func NewSink(opts ...SinkOption) *Sink {
	s := &Sink{kinds: make(map[operation.Kind]*kindAggregates)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe records one sample into every window ring.
func (s *Sink) Observe(sample Sample) {
	if sample.At.IsZero() {
		sample.At = time.Now()
	}

	ka := s.forKind(sample.Kind)
	ka.mu.Lock()
	for _, r := range ka.rings {
		r.observe(sample)
	}
	ka.mu.Unlock()

	if s.prom != nil {
		s.prom.Observe(sample)
	}
}

// Snapshot returns the aggregates for every known kind and window as of now.
// Each kind is read under its own lock, so individual aggregates are
// internally consistent.
func (s *Sink) Snapshot(now time.Time) []Aggregate {
	s.mu.RLock()
	kinds := make(map[operation.Kind]*kindAggregates, len(s.kinds))
	for k, v := range s.kinds {
		kinds[k] = v
	}
	s.mu.RUnlock()

	var out []Aggregate
	for kind, ka := range kinds {
		ka.mu.Lock()
		for _, r := range ka.rings {
			agg := r.aggregate(now)
			agg.Kind = kind
			out = append(out, agg)
		}
		ka.mu.Unlock()
	}
	return out
}

func (s *Sink) forKind(kind operation.Kind) *kindAggregates {
	s.mu.RLock()
	ka, ok := s.kinds[kind]
	s.mu.RUnlock()
	if ok {
		return ka
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ka, ok = s.kinds[kind]; ok {
		return ka
	}
	ka = &kindAggregates{}
	for _, w := range Windows {
		spec := windowSpecs[w]
		ka.rings = append(ka.rings, &ring{
			window:  w,
			buckets: make([]bucket, spec.count),
		})
	}
	s.kinds[kind] = ka
	return ka
}

func (r *ring) observe(sample Sample) {
	spec := windowSpecs[r.window]
	start := sample.At.Truncate(spec.bucket)
	idx := int(start.UnixNano()/int64(spec.bucket)) % spec.count

	b := &r.buckets[idx]
	if !b.start.Equal(start) {
		// Bucket slot belongs to an expired period; recycle it.
		*b = bucket{start: start}
	}
	b.count++
	if sample.Outcome.IsFailure() {
		b.failures++
	}
	b.durationSum += sample.Duration
	if sample.Duration > b.durationMax {
		b.durationMax = sample.Duration
	}
	if sample.MemoryPeak > b.memoryPeakMax {
		b.memoryPeakMax = sample.MemoryPeak
	}
}

func (r *ring) aggregate(now time.Time) Aggregate {
	spec := windowSpecs[r.window]
	cutoff := now.Add(-spec.bucket * time.Duration(spec.count))

	agg := Aggregate{Window: r.window}
	for i := range r.buckets {
		b := &r.buckets[i]
		if b.start.IsZero() || b.start.Before(cutoff) {
			continue
		}
		agg.Count += b.count
		agg.Failures += b.failures
		agg.DurationSum += b.durationSum
		if b.durationMax > agg.DurationMax {
			agg.DurationMax = b.durationMax
		}
		if b.memoryPeakMax > agg.MemoryPeakMax {
			agg.MemoryPeakMax = b.memoryPeakMax
		}
	}
	return agg
}
