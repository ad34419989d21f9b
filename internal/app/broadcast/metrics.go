package broadcast

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/volscan/internal/infra/messaging/connections"
)

// Metrics defines the metrics recorded by the hub.
type Metrics interface {
	connections.RegistryMetrics

	// EventBroadcast records one broadcast and the number of subscribers it was queued for.
	EventBroadcast(ctx context.Context, eventType string, delivered int)
	// EventDropped records a frame dropped because a subscriber's queue was full.
	EventDropped(ctx context.Context, eventType string)
	// SubscriberEvicted records a subscriber removed by the hub.
	SubscriberEvicted(ctx context.Context, reason string)
	// SinkDropped records an event not mirrored because the sink queue was full.
	SinkDropped(ctx context.Context, eventType string)
	// SinkFailed records a mirror sink rejecting an event.
	SinkFailed(ctx context.Context, eventType string)
}

type hubMetrics struct {
	// Connection metrics
	subscribers          metric.Int64UpDownCounter
	subscribersConnected metric.Int64Gauge

	// Event metrics
	broadcasts metric.Int64Counter
	deliveries metric.Int64Counter
	dropped    metric.Int64Counter
	evicted    metric.Int64Counter

	// Sink metrics
	sinkDropped metric.Int64Counter
	sinkFailed  metric.Int64Counter
}

const namespace = "volscan.hub"

// NewHubMetrics creates the OpenTelemetry hub metrics.
func NewHubMetrics(mp metric.MeterProvider) (*hubMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(hubMetrics)
	var err error

	// Initialize connection metrics
	if m.subscribers, err = meter.Int64UpDownCounter(
		"subscribers",
		metric.WithDescription("Number of live subscriber connections"),
	); err != nil {
		return nil, err
	}

	if m.subscribersConnected, err = meter.Int64Gauge(
		"subscribers_connected",
		metric.WithDescription("Registry size after the last registration change"),
	); err != nil {
		return nil, err
	}

	// Initialize event metrics
	if m.broadcasts, err = meter.Int64Counter(
		"events_broadcast_total",
		metric.WithDescription("Total number of events broadcast"),
	); err != nil {
		return nil, err
	}

	if m.deliveries, err = meter.Int64Counter(
		"event_deliveries_total",
		metric.WithDescription("Total number of event frames queued for subscribers"),
	); err != nil {
		return nil, err
	}

	if m.dropped, err = meter.Int64Counter(
		"events_dropped_total",
		metric.WithDescription("Total number of event frames dropped on full subscriber queues"),
	); err != nil {
		return nil, err
	}

	if m.evicted, err = meter.Int64Counter(
		"subscribers_evicted_total",
		metric.WithDescription("Total number of subscribers removed by the hub"),
	); err != nil {
		return nil, err
	}

	// Initialize sink metrics
	if m.sinkDropped, err = meter.Int64Counter(
		"sink_dropped_total",
		metric.WithDescription("Total number of events not mirrored because the sink queue was full"),
	); err != nil {
		return nil, err
	}

	if m.sinkFailed, err = meter.Int64Counter(
		"sink_failures_total",
		metric.WithDescription("Total number of events a mirror sink failed to publish"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *hubMetrics) IncConnectedSubscribers(ctx context.Context) { m.subscribers.Add(ctx, 1) }

func (m *hubMetrics) DecConnectedSubscribers(ctx context.Context) { m.subscribers.Add(ctx, -1) }

func (m *hubMetrics) SetConnectedSubscribers(ctx context.Context, count int) {
	m.subscribersConnected.Record(ctx, int64(count))
}

func (m *hubMetrics) EventBroadcast(ctx context.Context, eventType string, delivered int) {
	attrs := metric.WithAttributes(attribute.String("event_type", eventType))
	m.broadcasts.Add(ctx, 1, attrs)
	m.deliveries.Add(ctx, int64(delivered), attrs)
}

func (m *hubMetrics) EventDropped(ctx context.Context, eventType string) {
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *hubMetrics) SubscriberEvicted(ctx context.Context, reason string) {
	m.evicted.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *hubMetrics) SinkDropped(ctx context.Context, eventType string) {
	m.sinkDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *hubMetrics) SinkFailed(ctx context.Context, eventType string) {
	m.sinkFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}
