package kafka

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type sinkMetrics struct {
	published metric.Int64Counter
	errors    metric.Int64Counter
}

// NewSinkMetrics creates otel-backed SinkMetrics.
func NewSinkMetrics(mp metric.MeterProvider) (SinkMetrics, error) {
	meter := mp.Meter("volscan.kafka_sink", metric.WithInstrumentationVersion("v0.1.0"))
	m := new(sinkMetrics)

	var err error
	if m.published, err = meter.Int64Counter(
		"messages_published_total",
		metric.WithDescription("Total number of events published to Kafka"),
	); err != nil {
		return nil, err
	}

	if m.errors, err = meter.Int64Counter(
		"publish_errors_total",
		metric.WithDescription("Total number of failed Kafka publishes"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *sinkMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.published.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *sinkMetrics) IncPublishError(ctx context.Context, topic string) {
	m.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}
