package metrics

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opgate/internal/operation"
)

type captureDispatcher struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (d *captureDispatcher) Dispatch(ctx context.Context, alert Alert) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alerts = append(d.alerts, alert)
	return d.err
}

func (d *captureDispatcher) all() []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Alert(nil), d.alerts...)
}

func TestComparison(t *testing.T) {
	cases := []struct {
		op       Comparison
		observed float64
		bound    float64
		want     bool
	}{
		{CompareGT, 2, 1, true},
		{CompareGT, 1, 1, false},
		{CompareLT, 1, 2, true},
		{CompareLT, 2, 2, false},
		{CompareGE, 2, 2, true},
		{CompareGE, 1, 2, false},
		{CompareLE, 2, 2, true},
		{CompareLE, 3, 2, false},
		{CompareEQ, 2, 2, true},
		{CompareEQ, 2, 3, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.op.Compare(tc.observed, tc.bound),
			"%v %s %v", tc.observed, tc.op, tc.bound)
	}

	assert.False(t, Comparison("!=").Valid())
	assert.False(t, Comparison("!=").Compare(1, 2))
}

func observeFailures(sink *Sink, kind operation.Kind, n int, at time.Time) {
	for i := 0; i < n; i++ {
		sink.Observe(Sample{
			Kind:     kind,
			Outcome:  operation.OutcomeSystemFailure,
			Duration: 100 * time.Millisecond,
			At:       at,
		})
	}
}

func TestNewMonitor(t *testing.T) {
	sink := NewSink()
	dispatcher := &captureDispatcher{}

	t.Run("nil sink returns error", func(t *testing.T) {
		_, err := NewMonitor(nil, nil, dispatcher)
		assert.Error(t, err)
	})

	t.Run("nil dispatcher returns error", func(t *testing.T) {
		_, err := NewMonitor(sink, nil, nil)
		assert.Error(t, err)
	})

	t.Run("unknown operator is rejected at construction", func(t *testing.T) {
		_, err := NewMonitor(sink, []Rule{
			{Metric: "*.1m.count", Op: Comparison("!=")},
		}, dispatcher)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unknown comparison operator")
	})
}

func TestMonitor_Check(t *testing.T) {
	base := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("critical outranks warning", func(t *testing.T) {
		sink := NewSink()
		dispatcher := &captureDispatcher{}
		monitor, err := NewMonitor(sink, []Rule{
			{Metric: "orders.create.1m.failures", Warning: 1, Critical: 3, Op: CompareGE},
		}, dispatcher, WithMonitorLogger(logger))
		require.NoError(t, err)

		observeFailures(sink, "orders.create", 3, base)
		monitor.Check(context.Background(), base.Add(time.Second))

		alerts := dispatcher.all()
		require.Len(t, alerts, 1)
		assert.Equal(t, AlertCritical, alerts[0].Severity)
		assert.Equal(t, "orders.create.1m.failures", alerts[0].Metric)
		assert.Equal(t, 3.0, alerts[0].Observed)
	})

	t.Run("warning fires below the critical bound", func(t *testing.T) {
		sink := NewSink()
		dispatcher := &captureDispatcher{}
		monitor, err := NewMonitor(sink, []Rule{
			{Metric: "orders.create.1m.failures", Warning: 1, Critical: 10, Op: CompareGE},
		}, dispatcher, WithMonitorLogger(logger))
		require.NoError(t, err)

		observeFailures(sink, "orders.create", 2, base)
		monitor.Check(context.Background(), base.Add(time.Second))

		alerts := dispatcher.all()
		require.Len(t, alerts, 1)
		assert.Equal(t, AlertWarning, alerts[0].Severity)
	})

	t.Run("below both bounds stays quiet", func(t *testing.T) {
		sink := NewSink()
		dispatcher := &captureDispatcher{}
		monitor, err := NewMonitor(sink, []Rule{
			{Metric: "orders.create.1m.failure_rate", Warning: 0.5, Critical: 0.9, Op: CompareGT},
		}, dispatcher, WithMonitorLogger(logger))
		require.NoError(t, err)

		sink.Observe(Sample{Kind: "orders.create", Outcome: operation.OutcomeSuccess, At: base})
		monitor.Check(context.Background(), base.Add(time.Second))

		assert.Empty(t, dispatcher.all())
	})

	t.Run("wildcard kind matches every operation", func(t *testing.T) {
		sink := NewSink()
		dispatcher := &captureDispatcher{}
		monitor, err := NewMonitor(sink, []Rule{
			{Metric: "*.1m.failures", Warning: 1, Critical: 1, Op: CompareGE},
		}, dispatcher, WithMonitorLogger(logger))
		require.NoError(t, err)

		observeFailures(sink, "orders.create", 1, base)
		observeFailures(sink, "orders.cancel", 1, base)
		monitor.Check(context.Background(), base.Add(time.Second))

		alerts := dispatcher.all()
		require.Len(t, alerts, 2)
		metrics := []string{alerts[0].Metric, alerts[1].Metric}
		assert.Contains(t, metrics, "orders.create.1m.failures")
		assert.Contains(t, metrics, "orders.cancel.1m.failures")
	})

	t.Run("unknown stat never matches", func(t *testing.T) {
		sink := NewSink()
		dispatcher := &captureDispatcher{}
		monitor, err := NewMonitor(sink, []Rule{
			{Metric: "orders.create.1m.p99", Warning: 1, Critical: 1, Op: CompareGE},
		}, dispatcher, WithMonitorLogger(logger))
		require.NoError(t, err)

		observeFailures(sink, "orders.create", 5, base)
		monitor.Check(context.Background(), base.Add(time.Second))
		assert.Empty(t, dispatcher.all())
	})

	t.Run("dispatch failure is swallowed", func(t *testing.T) {
		sink := NewSink()
		dispatcher := &captureDispatcher{err: fmt.Errorf("broker down")}
		monitor, err := NewMonitor(sink, []Rule{
			{Metric: "orders.create.1m.failures", Warning: 1, Critical: 1, Op: CompareGE},
		}, dispatcher, WithMonitorLogger(logger))
		require.NoError(t, err)

		observeFailures(sink, "orders.create", 1, base)
		monitor.Check(context.Background(), base.Add(time.Second))
		assert.Len(t, dispatcher.all(), 1)
	})
}

func TestMonitor_Cooldown(t *testing.T) {
	base := time.Date(2026, 3, 1, 15, 0, 0, 0, time.UTC)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sink := NewSink()
	dispatcher := &captureDispatcher{}
	monitor, err := NewMonitor(sink, []Rule{
		{Metric: "orders.create.1h.failures", Warning: 1, Critical: 1, Op: CompareGE},
	}, dispatcher, WithCooldown(5*time.Minute), WithMonitorLogger(logger))
	require.NoError(t, err)

	observeFailures(sink, "orders.create", 2, base)

	monitor.Check(context.Background(), base.Add(time.Second))
	monitor.Check(context.Background(), base.Add(2*time.Minute))
	assert.Len(t, dispatcher.all(), 1, "repeat violation inside the cool-down coalesces")

	monitor.Check(context.Background(), base.Add(6*time.Minute))
	assert.Len(t, dispatcher.all(), 2, "violation past the cool-down alerts again")
}

func TestMonitor_Run(t *testing.T) {
	sink := NewSink()
	dispatcher := &captureDispatcher{}
	monitor, err := NewMonitor(sink, nil, dispatcher)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- monitor.Run(ctx, 10*time.Millisecond) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}
