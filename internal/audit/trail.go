package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Trail appends records with non-blocking-failure semantics: if the primary
// store fails, the record still reaches the secondary structured-log sink so
// no operation outcome is silently lost. Append never returns an error to
// the executor; an audit failure must not turn a committed business
// operation into a reported failure.
type Trail struct {
	primary Store
	logger  *slog.Logger
	metrics *Metrics
}

// Option configures the Trail.
type Option func(*Trail)

// WithLogger sets the secondary sink and error reporting logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Trail) {
		t.logger = logger
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(t *Trail) {
		t.metrics = m
	}
}

// NewTrail creates a trail over the primary store. Without WithLogger the
// secondary sink falls back to slog.Default.
func NewTrail(primary Store, opts ...Option) *Trail {
	t := &Trail{primary: primary}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t
}

// Append persists one record. Missing ID, timestamp, and severity are filled
// in so call sites only state what happened.
func (t *Trail) Append(ctx context.Context, rec Record) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.Severity == "" {
		rec.Severity = SeverityFor(rec.Outcome)
	}

	if t.metrics != nil {
		t.metrics.IncAppended(string(rec.Outcome))
	}

	err := t.primary.Append(ctx, rec)
	if err == nil {
		return
	}

	if t.metrics != nil {
		t.metrics.IncPrimaryFailures()
	}

	// Best-effort secondary sink: the structured log line carries the full
	// record so operators can reconstruct the trail after a store outage.
	t.logger.ErrorContext(ctx, "audit primary store failed, record diverted to log sink",
		"error", err,
		"record_id", rec.ID.String(),
		"operation_kind", string(rec.OperationKind),
		"outcome", string(rec.Outcome),
		"severity", string(rec.Severity),
		"caller_id", rec.Context.CallerID,
		"origin", rec.Context.OriginAddress,
		"request_id", rec.Context.RequestID,
		"duration_ms", rec.DurationMs,
		"error_detail", rec.ErrorDetail,
	)
	if t.metrics != nil {
		t.metrics.IncFallbacks()
	}
}
