// Package alert provides notification dispatcher implementations for the
// threshold monitor. The monitor hands alerts over and moves on; delivery
// guarantees live here.
package alert

import (
	"context"
	"log/slog"

	"opgate/internal/metrics"
)

// LogDispatcher writes alerts to the structured log. It is the always-
// available fallback and the default in development.
type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, a metrics.Alert) error {
	level := slog.LevelWarn
	if a.Severity == metrics.AlertCritical {
		level = slog.LevelError
	}
	d.logger.Log(ctx, level, "threshold alert",
		"metric", a.Metric,
		"observed", a.Observed,
		"warning_bound", a.Rule.Warning,
		"critical_bound", a.Rule.Critical,
		"op", string(a.Rule.Op),
		"severity", string(a.Severity),
		"at", a.At,
	)
	return nil
}

// Fanout duplicates each alert to several dispatchers. The first error is
// returned after all dispatchers have been attempted.
type Fanout []metrics.Dispatcher

func (f Fanout) Dispatch(ctx context.Context, a metrics.Alert) error {
	var firstErr error
	for _, d := range f {
		if err := d.Dispatch(ctx, a); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
