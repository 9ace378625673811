// Package kafka publishes alerts to a Kafka topic for downstream paging and
// SIEM consumers.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"opgate/internal/metrics"
)

// Dispatcher produces one JSON record per alert, keyed by metric name so a
// metric's alerts stay ordered within a partition.
type Dispatcher struct {
	client *kgo.Client
	topic  string
}

// New creates a Kafka dispatcher. The caller owns the client lifecycle.
func New(client *kgo.Client, topic string) (*Dispatcher, error) {
	if client == nil {
		return nil, fmt.Errorf("kafka client is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("alert topic is required")
	}
	return &Dispatcher{client: client, topic: topic}, nil
}

// NewClient builds a producer client for the given brokers.
func NewClient(brokers []string) (*kgo.Client, error) {
	return kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchMaxBytes(1<<20),
		kgo.RecordRetries(3),
	)
}

type alertPayload struct {
	Metric   string  `json:"metric"`
	Observed float64 `json:"observed"`
	Warning  float64 `json:"warning_bound"`
	Critical float64 `json:"critical_bound"`
	Op       string  `json:"op"`
	Severity string  `json:"severity"`
	At       string  `json:"at"`
}

// Dispatch produces synchronously within ctx's deadline; the monitor bounds
// that deadline, so a broker outage degrades to a logged dispatch error
// rather than a hung caller.
func (d *Dispatcher) Dispatch(ctx context.Context, a metrics.Alert) error {
	payload, err := json.Marshal(alertPayload{
		Metric:   a.Metric,
		Observed: a.Observed,
		Warning:  a.Rule.Warning,
		Critical: a.Rule.Critical,
		Op:       string(a.Rule.Op),
		Severity: string(a.Severity),
		At:       a.At.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	record := &kgo.Record{
		Topic: d.topic,
		Key:   []byte(a.Metric),
		Value: payload,
	}
	if err := d.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce alert: %w", err)
	}
	return nil
}
