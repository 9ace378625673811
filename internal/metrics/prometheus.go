package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromExporter mirrors samples into Prometheus collectors for dashboards.
// The rolling-window sink, not this exporter, feeds the threshold monitor.
type PromExporter struct {
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	memoryPeak *prometheus.GaugeVec
}

// NewPromExporter creates and registers the pipeline collectors.
func NewPromExporter() *PromExporter {
	return &PromExporter{
		operations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opgate_operations_total",
			Help: "Pipeline invocations, by operation kind and outcome category",
		}, []string{"kind", "outcome"}),
		durations: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opgate_operation_duration_seconds",
			Help:    "Invocation duration from submission to terminal state",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"kind", "outcome"}),
		memoryPeak: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opgate_operation_memory_peak_bytes",
			Help: "Peak heap delta observed during the most recent invocation",
		}, []string{"kind"}),
	}
}

// Observe records one sample.
func (p *PromExporter) Observe(sample Sample) {
	kind := string(sample.Kind)
	outcome := string(sample.Outcome)
	p.operations.WithLabelValues(kind, outcome).Inc()
	p.durations.WithLabelValues(kind, outcome).Observe(sample.Duration.Seconds())
	p.memoryPeak.WithLabelValues(kind).Set(float64(sample.MemoryPeak))
}
