package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"opgate/internal/operation"
)

// Comparison is a threshold rule's operator.
type Comparison string

const (
	CompareGT Comparison = ">"
	CompareLT Comparison = "<"
	CompareGE Comparison = ">="
	CompareLE Comparison = "<="
	CompareEQ Comparison = "="
)

// Compare applies the operator to (observed, bound).
func (c Comparison) Compare(observed, bound float64) bool {
	switch c {
	case CompareGT:
		return observed > bound
	case CompareLT:
		return observed < bound
	case CompareGE:
		return observed >= bound
	case CompareLE:
		return observed <= bound
	case CompareEQ:
		return observed == bound
	}
	return false
}

// Valid reports whether the operator is one of the supported five.
func (c Comparison) Valid() bool {
	switch c {
	case CompareGT, CompareLT, CompareGE, CompareLE, CompareEQ:
		return true
	}
	return false
}

// Rule is one static bound on an aggregated metric. Metric names have the
// form "<kind>.<window>.<stat>", e.g. "content.publish.1m.failure_rate";
// "*" as the kind part matches every operation kind.
type Rule struct {
	Metric   string     `json:"metric"`
	Warning  float64    `json:"warning"`
	Critical float64    `json:"critical"`
	Op       Comparison `json:"op"`
}

// AlertSeverity is the level of a raised alert.
type AlertSeverity string

const (
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// Alert is produced on a threshold violation and handed to the dispatcher.
// Delivery guarantees belong to the dispatcher, not the monitor.
type Alert struct {
	Metric   string
	Observed float64
	Rule     Rule
	Severity AlertSeverity
	At       time.Time
}

// Dispatcher delivers alerts to an external notification collaborator.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert Alert) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, alert Alert) error

func (f DispatcherFunc) Dispatch(ctx context.Context, alert Alert) error { return f(ctx, alert) }

// Monitor evaluates rules against sink snapshots. Consecutive violations of
// one rule inside the cool-down window coalesce into a single alert.
type Monitor struct {
	sink       *Sink
	rules      []Rule
	dispatcher Dispatcher
	cooldown   time.Duration
	timeout    time.Duration
	logger     *slog.Logger

	mu        sync.Mutex
	lastAlert map[string]time.Time
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithCooldown sets the de-duplication window (default 5m).
func WithCooldown(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.cooldown = d
		}
	}
}

// WithDispatchTimeout bounds a single dispatch call (default 2s) so alerting
// can never hang the caller.
func WithDispatchTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMonitorLogger sets the logger.
func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// NewMonitor creates a monitor over the sink. Rules with unknown operators
// are rejected at construction, not discovered during an incident.
func NewMonitor(sink *Sink, rules []Rule, dispatcher Dispatcher, opts ...MonitorOption) (*Monitor, error) {
	if sink == nil {
		return nil, fmt.Errorf("metrics sink is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("alert dispatcher is required")
	}
	for _, r := range rules {
		if !r.Op.Valid() {
			return nil, fmt.Errorf("rule %q: unknown comparison operator %q", r.Metric, r.Op)
		}
	}
	m := &Monitor{
		sink:       sink,
		rules:      rules,
		dispatcher: dispatcher,
		cooldown:   5 * time.Minute,
		timeout:    2 * time.Second,
		lastAlert:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m, nil
}

// Check snapshots the sink and evaluates every rule. The executor calls this
// synchronously after alert-worthy failures; Run calls it periodically.
func (m *Monitor) Check(ctx context.Context, now time.Time) {
	snapshot := m.sink.Snapshot(now)
	for _, rule := range m.rules {
		for _, agg := range snapshot {
			observed, metric, ok := resolveMetric(rule.Metric, agg)
			if !ok {
				continue
			}
			m.evaluate(ctx, rule, metric, observed, now)
		}
	}
}

// Run evaluates on a fixed interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			m.Check(ctx, now)
		}
	}
}

func (m *Monitor) evaluate(ctx context.Context, rule Rule, metric string, observed float64, now time.Time) {
	var severity AlertSeverity
	switch {
	case rule.Op.Compare(observed, rule.Critical):
		severity = AlertCritical
	case rule.Op.Compare(observed, rule.Warning):
		severity = AlertWarning
	default:
		return
	}

	dedupKey := metric + "|" + string(severity)
	m.mu.Lock()
	last, seen := m.lastAlert[dedupKey]
	if seen && now.Sub(last) < m.cooldown {
		m.mu.Unlock()
		return
	}
	m.lastAlert[dedupKey] = now
	m.mu.Unlock()

	alert := Alert{
		Metric:   metric,
		Observed: observed,
		Rule:     rule,
		Severity: severity,
		At:       now,
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()
	if err := m.dispatcher.Dispatch(dctx, alert); err != nil {
		m.logger.ErrorContext(ctx, "alert dispatch failed",
			"metric", metric,
			"severity", string(severity),
			"error", err,
		)
	}
}

// resolveMetric matches a rule's metric name against one aggregate and
// returns the observed value plus the concrete (wildcard-expanded) name.
func resolveMetric(name string, agg Aggregate) (float64, string, bool) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return 0, "", false
	}
	stat := name[i+1:]
	rest := name[:i]

	j := strings.LastIndex(rest, ".")
	if j < 0 {
		return 0, "", false
	}
	window := Window(rest[j+1:])
	kind := rest[:j]

	if window != agg.Window {
		return 0, "", false
	}
	if kind != "*" && operation.Kind(kind) != agg.Kind {
		return 0, "", false
	}

	var observed float64
	switch stat {
	case "count":
		observed = float64(agg.Count)
	case "failures":
		observed = float64(agg.Failures)
	case "failure_rate":
		observed = agg.FailureRate()
	case "duration_avg_ms":
		observed = float64(agg.DurationAvg().Milliseconds())
	case "duration_max_ms":
		observed = float64(agg.DurationMax.Milliseconds())
	case "memory_peak_bytes":
		observed = float64(agg.MemoryPeakMax)
	default:
		return 0, "", false
	}

	concrete := fmt.Sprintf("%s.%s.%s", agg.Kind, agg.Window, stat)
	return observed, concrete, true
}
