package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks audit trail health. A primary failure with a fallback is an
// operational incident even though the caller never sees it.
type Metrics struct {
	appended        *prometheus.CounterVec
	primaryFailures prometheus.Counter
	fallbacks       prometheus.Counter
}

// NewMetrics creates and registers the audit metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		appended: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opgate_audit_records_total",
			Help: "Audit records appended, by outcome category",
		}, []string{"outcome"}),
		primaryFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opgate_audit_primary_failures_total",
			Help: "Audit primary store append failures",
		}),
		fallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opgate_audit_fallback_writes_total",
			Help: "Audit records diverted to the secondary log sink",
		}),
	}
}

func (m *Metrics) IncAppended(outcome string) { m.appended.WithLabelValues(outcome).Inc() }
func (m *Metrics) IncPrimaryFailures()        { m.primaryFailures.Inc() }
func (m *Metrics) IncFallbacks()              { m.fallbacks.Inc() }
