package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opgate/internal/operation"
)

func findAggregate(t *testing.T, aggs []Aggregate, kind operation.Kind, window Window) Aggregate {
	t.Helper()
	for _, a := range aggs {
		if a.Kind == kind && a.Window == window {
			return a
		}
	}
	t.Fatalf("no aggregate for kind=%s window=%s", kind, window)
	return Aggregate{}
}

func TestSink_ObserveAndSnapshot(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sink := NewSink()

	sink.Observe(Sample{
		Kind: "orders.create", Outcome: operation.OutcomeSuccess,
		Duration: 10 * time.Millisecond, MemoryPeak: 1024, At: base,
	})
	sink.Observe(Sample{
		Kind: "orders.create", Outcome: operation.OutcomeSystemFailure,
		Duration: 30 * time.Millisecond, MemoryPeak: 4096, At: base.Add(time.Second),
	})
	sink.Observe(Sample{
		Kind: "orders.cancel", Outcome: operation.OutcomeSuccess,
		Duration: 5 * time.Millisecond, At: base,
	})

	snapshot := sink.Snapshot(base.Add(2 * time.Second))

	t.Run("every kind reports every window", func(t *testing.T) {
		require.Len(t, snapshot, 2*len(Windows))
	})

	t.Run("one minute aggregate", func(t *testing.T) {
		agg := findAggregate(t, snapshot, "orders.create", Window1m)
		assert.Equal(t, int64(2), agg.Count)
		assert.Equal(t, int64(1), agg.Failures)
		assert.Equal(t, 40*time.Millisecond, agg.DurationSum)
		assert.Equal(t, 30*time.Millisecond, agg.DurationMax)
		assert.Equal(t, uint64(4096), agg.MemoryPeakMax)
	})

	t.Run("kinds do not bleed into each other", func(t *testing.T) {
		agg := findAggregate(t, snapshot, "orders.cancel", Window1m)
		assert.Equal(t, int64(1), agg.Count)
		assert.Equal(t, int64(0), agg.Failures)
	})
}

func TestSink_WindowHorizons(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sink := NewSink()

	// One old sample and one fresh one, 10 minutes apart.
	sink.Observe(Sample{Kind: "k", Outcome: operation.OutcomeSuccess, At: base})
	sink.Observe(Sample{Kind: "k", Outcome: operation.OutcomeSuccess, At: base.Add(10 * time.Minute)})

	snapshot := sink.Snapshot(base.Add(10*time.Minute + time.Second))

	assert.Equal(t, int64(1), findAggregate(t, snapshot, "k", Window1m).Count,
		"the old sample fell out of the one-minute window")
	assert.Equal(t, int64(2), findAggregate(t, snapshot, "k", Window1h).Count,
		"both samples remain in the one-hour window")
	assert.Equal(t, int64(2), findAggregate(t, snapshot, "k", Window24h).Count)
}

func TestAggregate_Derived(t *testing.T) {
	t.Run("failure rate", func(t *testing.T) {
		agg := Aggregate{Count: 4, Failures: 1}
		assert.InDelta(t, 0.25, agg.FailureRate(), 1e-9)
	})

	t.Run("empty aggregate yields zeroes", func(t *testing.T) {
		var agg Aggregate
		assert.Zero(t, agg.FailureRate())
		assert.Zero(t, agg.DurationAvg())
	})

	t.Run("duration average", func(t *testing.T) {
		agg := Aggregate{Count: 2, DurationSum: 30 * time.Millisecond}
		assert.Equal(t, 15*time.Millisecond, agg.DurationAvg())
	})
}
