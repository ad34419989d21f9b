package scanning

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/volscan/internal/domain/scanning"
)

// Metrics is the instrumentation contract of the scheduler and its cache.
// Every sink must accept every call at its documented point in the flow.
type Metrics interface {
	// Cache metrics, recorded once per request before admission.
	CacheHit(ctx context.Context, volumeID string)
	CacheMiss(ctx context.Context, volumeID string)

	// Method lifecycle, bracketing every attempt.
	ScanStarted(ctx context.Context, method string)
	ScanFinished(ctx context.Context, method string)

	// ScanCompleted is recorded once per successful scan.
	ScanCompleted(ctx context.Context, volumeID, method string, duration time.Duration, size int64)
	// RecordScanAttempt is recorded once per method attempt, successful or not.
	RecordScanAttempt(ctx context.Context, method string, duration time.Duration, success bool)
	// RecordScanFailure is recorded once per failed attempt and once per
	// failure that ends a scan outside any attempt.
	RecordScanFailure(ctx context.Context, method string, code scanning.ErrorCode)

	// Admission gauges.
	ScanQueueDepth(ctx context.Context, depth int)
	SetActiveScanners(ctx context.Context, count int)
}

// Method labels used when a failure is not tied to one method.
const (
	methodNone = "none"
	methodAll  = "all"
)

// scanMetrics implements Metrics on OpenTelemetry instruments.
type scanMetrics struct {
	// Cache metrics
	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter

	// Method metrics
	methodsRunning metric.Int64UpDownCounter
	attempts       metric.Int64Counter
	attemptTime    metric.Float64Histogram
	failures       metric.Int64Counter

	// Scan metrics
	scansCompleted metric.Int64Counter
	scanTime       metric.Float64Histogram
	volumeSize     metric.Int64Histogram

	// Admission metrics
	queueDepth     metric.Int64Gauge
	activeScanners metric.Int64Gauge
}

const namespace = "volscan.scanner"

// NewScanMetrics creates the OpenTelemetry metrics sink.
func NewScanMetrics(mp metric.MeterProvider) (*scanMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(scanMetrics)
	var err error

	// Initialize cache metrics
	if m.cacheHits, err = meter.Int64Counter(
		"cache_hits_total",
		metric.WithDescription("Total number of scan requests served from cache"),
	); err != nil {
		return nil, err
	}

	if m.cacheMisses, err = meter.Int64Counter(
		"cache_misses_total",
		metric.WithDescription("Total number of scan requests that required a measurement"),
	); err != nil {
		return nil, err
	}

	// Initialize method metrics
	if m.methodsRunning, err = meter.Int64UpDownCounter(
		"methods_running",
		metric.WithDescription("Number of measurement method executions in progress"),
	); err != nil {
		return nil, err
	}

	if m.attempts, err = meter.Int64Counter(
		"scan_attempts_total",
		metric.WithDescription("Total number of measurement method attempts"),
	); err != nil {
		return nil, err
	}

	if m.attemptTime, err = meter.Float64Histogram(
		"scan_attempt_duration_seconds",
		metric.WithDescription("Time taken by each measurement method attempt"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.failures, err = meter.Int64Counter(
		"scan_failures_total",
		metric.WithDescription("Total number of scan failures by method and error code"),
	); err != nil {
		return nil, err
	}

	// Initialize scan metrics
	if m.scansCompleted, err = meter.Int64Counter(
		"scans_completed_total",
		metric.WithDescription("Total number of successful scans"),
	); err != nil {
		return nil, err
	}

	if m.scanTime, err = meter.Float64Histogram(
		"scan_duration_seconds",
		metric.WithDescription("Time taken by successful scans"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.volumeSize, err = meter.Int64Histogram(
		"volume_size_bytes",
		metric.WithDescription("Measured volume sizes"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Initialize admission metrics
	if m.queueDepth, err = meter.Int64Gauge(
		"scan_queue_depth",
		metric.WithDescription("Number of scans waiting for a worker slot"),
	); err != nil {
		return nil, err
	}

	if m.activeScanners, err = meter.Int64Gauge(
		"active_scanners",
		metric.WithDescription("Number of worker slots in use"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *scanMetrics) CacheHit(ctx context.Context, volumeID string) {
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("volume_id", volumeID)))
}

func (m *scanMetrics) CacheMiss(ctx context.Context, volumeID string) {
	m.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("volume_id", volumeID)))
}

func (m *scanMetrics) ScanStarted(ctx context.Context, method string) {
	m.methodsRunning.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

func (m *scanMetrics) ScanFinished(ctx context.Context, method string) {
	m.methodsRunning.Add(ctx, -1, metric.WithAttributes(attribute.String("method", method)))
}

func (m *scanMetrics) ScanCompleted(ctx context.Context, volumeID, method string, duration time.Duration, size int64) {
	attrs := metric.WithAttributes(
		attribute.String("volume_id", volumeID),
		attribute.String("method", method),
	)
	m.scansCompleted.Add(ctx, 1, attrs)
	m.scanTime.Record(ctx, duration.Seconds(), attrs)
	m.volumeSize.Record(ctx, size, attrs)
}

func (m *scanMetrics) RecordScanAttempt(ctx context.Context, method string, duration time.Duration, success bool) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.Bool("success", success),
	)
	m.attempts.Add(ctx, 1, attrs)
	m.attemptTime.Record(ctx, duration.Seconds(), attrs)
}

func (m *scanMetrics) RecordScanFailure(ctx context.Context, method string, code scanning.ErrorCode) {
	m.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("code", code.String()),
	))
}

func (m *scanMetrics) ScanQueueDepth(ctx context.Context, depth int) {
	m.queueDepth.Record(ctx, int64(depth))
}

func (m *scanMetrics) SetActiveScanners(ctx context.Context, count int) {
	m.activeScanners.Record(ctx, int64(count))
}
