package scanning

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/volscan/internal/domain/scanning"
	"github.com/ahrav/volscan/internal/infra/cache/memory"
	"github.com/ahrav/volscan/pkg/common/logger"
)

type measureFunc func(ctx context.Context, path string, progress scanning.ProgressFunc) (scanning.Measurement, error)

// fakeMethod is a Measurer whose behaviour is supplied by the test.
type fakeMethod struct {
	info    scanning.MethodInfo
	measure measureFunc

	calls   atomic.Int64
	running atomic.Int64
	peak    atomic.Int64
}

func newFakeMethod(name string, fn measureFunc) *fakeMethod {
	return &fakeMethod{
		info: scanning.MethodInfo{
			Name:            name,
			Available:       true,
			PerformanceTier: scanning.PerformanceFast,
			AccuracyTier:    scanning.AccuracyExact,
		},
		measure: fn,
	}
}

func (m *fakeMethod) Info() scanning.MethodInfo  { return m.info }
func (m *fakeMethod) Probe(context.Context) bool { return true }

func (m *fakeMethod) Measure(ctx context.Context, path string, progress scanning.ProgressFunc) (scanning.Measurement, error) {
	m.calls.Add(1)
	n := m.running.Add(1)
	defer m.running.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	return m.measure(ctx, path, progress)
}

// sized returns a measureFunc that reports a fixed measurement.
func sized(size, files int64) measureFunc {
	return func(context.Context, string, scanning.ProgressFunc) (scanning.Measurement, error) {
		return scanning.Measurement{TotalSize: size, FileCount: files}, nil
	}
}

// gated returns a measureFunc that blocks until gate closes or ctx ends.
func gated(gate <-chan struct{}, size int64) measureFunc {
	return func(ctx context.Context, _ string, _ scanning.ProgressFunc) (scanning.Measurement, error) {
		select {
		case <-gate:
			return scanning.Measurement{TotalSize: size, FileCount: 1}, nil
		case <-ctx.Done():
			return scanning.Measurement{}, ctx.Err()
		}
	}
}

func failing(err error) measureFunc {
	return func(context.Context, string, scanning.ProgressFunc) (scanning.Measurement, error) {
		return scanning.Measurement{}, err
	}
}

type fakeCatalog struct{ methods []scanning.Measurer }

func (c fakeCatalog) Candidates() []scanning.Measurer { return c.methods }

func (c fakeCatalog) Methods() []scanning.MethodInfo {
	out := make([]scanning.MethodInfo, 0, len(c.methods))
	for _, m := range c.methods {
		out = append(out, m.Info())
	}
	return out
}

// fakeResolver maps every id to /volumes/<id> except those in missing.
type fakeResolver struct{ missing map[string]bool }

func (r fakeResolver) Resolve(_ context.Context, id string) (string, error) {
	if r.missing[id] {
		return "", scanning.ErrVolumeNotFound
	}
	return "/volumes/" + id, nil
}

type eventKind string

const (
	kindComplete eventKind = "complete"
	kindError    eventKind = "error"
	kindProgress eventKind = "progress"
)

type recordedEvent struct {
	kind     eventKind
	volumeID string
	scanID   string
	code     scanning.ErrorCode
	result   scanning.ScanResult
	job      scanning.ScanJob
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent

	// beforeComplete, when set, runs before a scan_complete is recorded.
	beforeComplete func(scanning.ScanResult)
}

func (b *recordingBroadcaster) add(e recordedEvent) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *recordingBroadcaster) BroadcastScanComplete(_ context.Context, volumeID, scanID string, r scanning.ScanResult) {
	if b.beforeComplete != nil {
		b.beforeComplete(r)
	}
	b.add(recordedEvent{kind: kindComplete, volumeID: volumeID, scanID: scanID, result: r})
}

func (b *recordingBroadcaster) BroadcastScanError(_ context.Context, volumeID, scanID, _ string, code scanning.ErrorCode) {
	b.add(recordedEvent{kind: kindError, volumeID: volumeID, scanID: scanID, code: code})
}

func (b *recordingBroadcaster) BroadcastScanProgress(_ context.Context, job scanning.ScanJob) {
	b.add(recordedEvent{kind: kindProgress, volumeID: job.VolumeID, scanID: job.ScanID.String(), job: job})
}

func (b *recordingBroadcaster) all() []recordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]recordedEvent(nil), b.events...)
}

// terminal returns the scan_complete and scan_error events, in order.
func (b *recordingBroadcaster) terminal() []recordedEvent {
	var out []recordedEvent
	for _, e := range b.all() {
		if e.kind != kindProgress {
			out = append(out, e)
		}
	}
	return out
}

func (b *recordingBroadcaster) count(kind eventKind) int {
	n := 0
	for _, e := range b.all() {
		if e.kind == kind {
			n++
		}
	}
	return n
}

type historyStub struct {
	mu      sync.Mutex
	records []scanning.HistoryRecord
}

func (h *historyStub) RecordScan(_ context.Context, rec scanning.HistoryRecord) error {
	h.mu.Lock()
	h.records = append(h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *historyStub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

type harness struct {
	sched   *Scheduler
	cache   *memory.Cache
	metrics *CounterMetrics
	events  *recordingBroadcaster
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	cfg      Config
	resolver fakeResolver
	catalog  MethodCatalog
	opts     []Option
}

func withConfig(cfg Config) harnessOption { return func(h *harnessConfig) { h.cfg = cfg } }

func withCatalog(c MethodCatalog) harnessOption { return func(h *harnessConfig) { h.catalog = c } }

func withMissing(ids ...string) harnessOption {
	return func(h *harnessConfig) {
		for _, id := range ids {
			h.resolver.missing[id] = true
		}
	}
}

func withSchedulerOption(opt Option) harnessOption {
	return func(h *harnessConfig) { h.opts = append(h.opts, opt) }
}

func newHarness(t *testing.T, methods []scanning.Measurer, opts ...harnessOption) *harness {
	t.Helper()

	hc := harnessConfig{
		cfg:      Config{MaxConcurrent: 3, QueueTimeout: 5 * time.Second},
		resolver: fakeResolver{missing: make(map[string]bool)},
	}
	for _, opt := range opts {
		opt(&hc)
	}
	if hc.catalog == nil {
		hc.catalog = fakeCatalog{methods: methods}
	}

	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	h := &harness{
		cache:   memory.NewCache(),
		metrics: NewCounterMetrics(log),
		events:  new(recordingBroadcaster),
	}
	h.sched = NewScheduler(
		hc.cfg,
		h.cache,
		hc.catalog,
		hc.resolver,
		h.events,
		h.metrics,
		noop.NewTracerProvider().Tracer("test"),
		log,
		hc.opts...,
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, h.sched.Close(ctx))
	})
	return h
}

// waiters returns the number of synchronous callers blocked on the volume's
// in-flight scan.
func (h *harness) waiters(volumeID string) int {
	h.sched.mu.Lock()
	defer h.sched.mu.Unlock()
	if f, ok := h.sched.flights[volumeID]; ok {
		return f.waiters
	}
	return 0
}

func (h *harness) jobStatus(t *testing.T, id string) scanning.JobStatus {
	t.Helper()
	job, err := h.sched.GetProgressByVolume(context.Background(), id)
	require.NoError(t, err)
	return job.Status
}
