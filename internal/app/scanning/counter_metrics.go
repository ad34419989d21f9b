package scanning

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/ahrav/volscan/internal/domain/scanning"
	"github.com/ahrav/volscan/pkg/common/logger"
)

// Counter keys recorded by CounterMetrics.
const (
	CounterCacheHits      = "cache_hits"
	CounterCacheMisses    = "cache_misses"
	CounterScansStarted   = "scans_started"
	CounterScansFinished  = "scans_finished"
	CounterScansCompleted = "scans_completed"
	CounterAttempts       = "attempts"
	CounterAttemptsFailed = "attempts_failed"
	CounterFailures       = "failures"
)

// FailureKey identifies a failure counter.
type FailureKey struct {
	Method string
	Code   scanning.ErrorCode
}

// CounterMetrics is an in-memory Metrics sink. It keeps plain counters and the
// last gauge values, and optionally logs every call at debug level.
type CounterMetrics struct {
	mu       sync.Mutex
	counters map[string]int64
	failures map[FailureKey]int64
	bytes    int64

	queueDepth     int
	activeScanners int
	maxActive      int

	logger *logger.Logger
}

var _ Metrics = (*CounterMetrics)(nil)

// NewCounterMetrics creates a counter sink. log may be nil.
func NewCounterMetrics(log *logger.Logger) *CounterMetrics {
	if log == nil {
		log = logger.Noop()
	}
	return &CounterMetrics{
		counters: make(map[string]int64),
		failures: make(map[FailureKey]int64),
		logger:   log.With("component", "counter_metrics"),
	}
}

func (c *CounterMetrics) inc(key string) {
	c.mu.Lock()
	c.counters[key]++
	c.mu.Unlock()
}

func (c *CounterMetrics) CacheHit(ctx context.Context, volumeID string) {
	c.inc(CounterCacheHits)
	c.logger.Debug(ctx, "cache hit", "volume_id", volumeID)
}

func (c *CounterMetrics) CacheMiss(ctx context.Context, volumeID string) {
	c.inc(CounterCacheMisses)
	c.logger.Debug(ctx, "cache miss", "volume_id", volumeID)
}

func (c *CounterMetrics) ScanStarted(ctx context.Context, method string) {
	c.inc(CounterScansStarted)
	c.logger.Debug(ctx, "method started", "method", method)
}

func (c *CounterMetrics) ScanFinished(ctx context.Context, method string) {
	c.inc(CounterScansFinished)
	c.logger.Debug(ctx, "method finished", "method", method)
}

func (c *CounterMetrics) ScanCompleted(ctx context.Context, volumeID, method string, duration time.Duration, size int64) {
	c.mu.Lock()
	c.counters[CounterScansCompleted]++
	c.bytes += size
	c.mu.Unlock()
	c.logger.Debug(ctx, "scan completed",
		"volume_id", volumeID, "method", method, "duration", duration, "size", size)
}

func (c *CounterMetrics) RecordScanAttempt(ctx context.Context, method string, duration time.Duration, success bool) {
	c.mu.Lock()
	c.counters[CounterAttempts]++
	if !success {
		c.counters[CounterAttemptsFailed]++
	}
	c.mu.Unlock()
	c.logger.Debug(ctx, "scan attempt", "method", method, "duration", duration, "success", success)
}

func (c *CounterMetrics) RecordScanFailure(ctx context.Context, method string, code scanning.ErrorCode) {
	c.mu.Lock()
	c.counters[CounterFailures]++
	c.failures[FailureKey{Method: method, Code: code}]++
	c.mu.Unlock()
	c.logger.Debug(ctx, "scan failure", "method", method, "code", code)
}

func (c *CounterMetrics) ScanQueueDepth(_ context.Context, depth int) {
	c.mu.Lock()
	c.queueDepth = depth
	c.mu.Unlock()
}

func (c *CounterMetrics) SetActiveScanners(_ context.Context, count int) {
	c.mu.Lock()
	c.activeScanners = count
	c.maxActive = max(c.maxActive, count)
	c.mu.Unlock()
}

// Count returns the value of a counter.
func (c *CounterMetrics) Count(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[key]
}

// Failures returns a copy of the failure counters.
func (c *CounterMetrics) Failures() map[FailureKey]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.failures)
}

// BytesMeasured returns the sum of completed scan sizes.
func (c *CounterMetrics) BytesMeasured() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// Gauges returns the last queue depth, the last active count, and the
// highest active count observed.
func (c *CounterMetrics) Gauges() (queueDepth, active, maxActive int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueDepth, c.activeScanners, c.maxActive
}
