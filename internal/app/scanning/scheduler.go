// Package scanning coordinates volume size measurements: it admits scans under
// a global concurrency bound, deduplicates concurrent requests per volume,
// tracks every scan as a pollable job, and reports outcomes to the cache,
// metrics, history, and event subscribers.
package scanning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/volscan/internal/domain/scanning"
	"github.com/ahrav/volscan/pkg/common/logger"
	"github.com/ahrav/volscan/pkg/common/timeutil"
)

// ErrSchedulerClosed is returned by requests made after Close.
var ErrSchedulerClosed = errors.New("scheduler closed")

// ErrJobFinished is returned when cancelling a job that already ended.
var ErrJobFinished = errors.New("scan job already finished")

// MethodCatalog supplies measurement methods in precedence order.
type MethodCatalog interface {
	Methods() []scanning.MethodInfo
	Candidates() []scanning.Measurer
}

// Config holds the scheduler's tunables.
type Config struct {
	// MaxConcurrent bounds concurrently running measurements.
	MaxConcurrent int
	// QueueTimeout bounds the wait for a free slot.
	QueueTimeout time.Duration
	// ScanTimeout bounds scans started asynchronously. Zero disables it.
	ScanTimeout time.Duration
	// JobRetention keeps terminal jobs queryable for this long.
	JobRetention time.Duration
	// MaxRetainedJobs bounds the job table.
	MaxRetainedJobs int
	// ProgressInterval is the minimum spacing of scan_progress events per scan.
	ProgressInterval time.Duration
	// BulkConcurrency bounds the fan-out of a synchronous bulk scan.
	BulkConcurrency int
}

func (c *Config) setDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = 30 * time.Second
	}
	if c.JobRetention <= 0 {
		c.JobRetention = 10 * time.Minute
	}
	if c.MaxRetainedJobs <= 0 {
		c.MaxRetainedJobs = 1000
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 500 * time.Millisecond
	}
	if c.BulkConcurrency <= 0 {
		c.BulkConcurrency = c.MaxConcurrent
	}
}

// Option configures optional Scheduler collaborators.
type Option func(*Scheduler)

// WithHistory records every successful scan, best effort.
func WithHistory(rec scanning.HistoryRecorder) Option {
	return func(s *Scheduler) { s.history = rec }
}

// WithTimeProvider sets the clock used for timestamps and durations.
func WithTimeProvider(tp timeutil.Provider) Option {
	return func(s *Scheduler) { s.timeProvider = tp }
}

// historyTimeout bounds a single best-effort history write.
const historyTimeout = 5 * time.Second

// Scheduler is the scan admission engine. At most one scan per volume is in
// flight at a time, and at most Config.MaxConcurrent measurements run at once.
type Scheduler struct {
	cfg Config

	cache       scanning.ResultCache
	catalog     MethodCatalog
	resolver    scanning.VolumeResolver
	broadcaster scanning.EventBroadcaster
	history     scanning.HistoryRecorder

	admission *admission
	jobs      *jobTable

	// mu guards flights, lastFileCount and closed. Cache lookups that decide
	// between serving, joining, and starting a scan happen under mu so a
	// finishing flight is never missed.
	mu            sync.Mutex
	flights       map[string]*flight
	flightsByID   map[uuid.UUID]*flight
	lastFileCount map[string]int64
	closed        bool

	wg sync.WaitGroup

	timeProvider timeutil.Provider
	metrics      Metrics
	tracer       trace.Tracer
	logger       *logger.Logger
}

// NewScheduler creates a Scheduler. broadcaster may be nil when nothing
// consumes lifecycle events.
func NewScheduler(
	cfg Config,
	cache scanning.ResultCache,
	catalog MethodCatalog,
	resolver scanning.VolumeResolver,
	broadcaster scanning.EventBroadcaster,
	metrics Metrics,
	tracer trace.Tracer,
	logger *logger.Logger,
	opts ...Option,
) *Scheduler {
	cfg.setDefaults()
	if broadcaster == nil {
		broadcaster = nopBroadcaster{}
	}

	s := &Scheduler{
		cfg:           cfg,
		cache:         cache,
		catalog:       catalog,
		resolver:      resolver,
		broadcaster:   broadcaster,
		admission:     newAdmission(cfg.MaxConcurrent, cfg.QueueTimeout, metrics),
		flights:       make(map[string]*flight),
		flightsByID:   make(map[uuid.UUID]*flight),
		lastFileCount: make(map[string]int64),
		timeProvider:  timeutil.Default(),
		metrics:       metrics,
		tracer:        tracer,
		logger:        logger.With("component", "scan_scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.jobs = newJobTable(cfg.JobRetention, cfg.MaxRetainedJobs, s.timeProvider)

	return s
}

// ScanSync returns the volume's size. A cached result is returned immediately
// with CacheHit set; otherwise the caller joins the volume's in-flight scan or
// starts one, and waits for it. If ctx ends first the caller detaches and gets
// ScanCancelled; the scan itself is cancelled only when nobody else waits on it.
func (s *Scheduler) ScanSync(ctx context.Context, volumeID string) (scanning.ScanResult, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.scanning.scan_sync",
		trace.WithAttributes(attribute.String("volume_id", volumeID)))
	defer span.End()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return scanning.ScanResult{}, ErrSchedulerClosed
	}
	if res, ok := s.cache.Get(volumeID); ok {
		s.mu.Unlock()
		s.metrics.CacheHit(ctx, volumeID)
		span.AddEvent("cache_hit")
		return res.AsCacheHit(), nil
	}

	f, joined := s.flights[volumeID], true
	if f == nil {
		f, joined = s.startFlightLocked(ctx, volumeID), false
	}
	f.waiters++
	s.mu.Unlock()

	s.metrics.CacheMiss(ctx, volumeID)
	span.SetAttributes(
		attribute.Bool("joined", joined),
		attribute.String("scan_id", f.job.id().String()),
	)

	select {
	case <-f.done:
		res, err := f.outcome()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "scan failed")
			return scanning.ScanResult{}, err
		}
		return res, nil

	case <-ctx.Done():
		s.leave(f, context.Cause(ctx))
		span.SetStatus(codes.Error, "caller gave up")
		return scanning.ScanResult{}, scanning.NewScanError(
			volumeID, "", scanning.CodeScanCancelled, ctx.Err())
	}
}

// ScanAsync starts (or joins) a scan and returns its job id without waiting.
// A cached volume yields a job that is already succeeded.
func (s *Scheduler) ScanAsync(ctx context.Context, volumeID string) (uuid.UUID, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.scanning.scan_async",
		trace.WithAttributes(attribute.String("volume_id", volumeID)))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return uuid.Nil, ErrSchedulerClosed
	}
	if res, ok := s.cache.Get(volumeID); ok {
		hit := res.AsCacheHit()
		j := s.jobs.createSucceeded(volumeID, hit)
		id := j.id()
		// Emitted under mu so it is ordered before any later scan of the volume.
		s.broadcaster.BroadcastScanComplete(ctx, volumeID, id.String(), hit)
		s.mu.Unlock()

		s.metrics.CacheHit(ctx, volumeID)
		span.SetAttributes(attribute.String("scan_id", id.String()))
		span.AddEvent("cache_hit")
		return id, nil
	}

	f := s.flights[volumeID]
	if f == nil {
		f = s.startFlightLocked(ctx, volumeID)
	}
	f.hold(s.cfg.ScanTimeout)
	id := f.job.id()
	s.mu.Unlock()

	s.metrics.CacheMiss(ctx, volumeID)
	span.SetAttributes(attribute.String("scan_id", id.String()))
	return id, nil
}

// startFlightLocked registers a new flight for volumeID and launches it. The
// flight's context keeps ctx's values (trace, logging) but not its deadline or
// cancellation: sync waiters detach through leave, async requests bound the
// flight with ScanTimeout through hold.
func (s *Scheduler) startFlightLocked(ctx context.Context, volumeID string) *flight {
	j := s.jobs.create(volumeID, s.lastFileCount[volumeID])

	fctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	f := newFlight(volumeID, j, cancel)
	s.flights[volumeID] = f
	s.flightsByID[j.id()] = f

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel(nil)
		s.run(fctx, f)
	}()

	return f
}

// leave detaches a synchronous waiter. The last waiter of a flight no async
// request depends on cancels it.
func (s *Scheduler) leave(f *flight, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f.waiters--
	if f.waiters > 0 || f.held {
		return
	}
	select {
	case <-f.done:
	default:
		if cause == nil || !errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded) {
			cause = errWaitersGone
		}
		f.cancel(cause)
	}
}

// run drives one flight from queued to a terminal state.
func (s *Scheduler) run(ctx context.Context, f *flight) {
	ctx, span := s.tracer.Start(ctx, "scheduler.scanning.run",
		trace.WithAttributes(
			attribute.String("volume_id", f.volumeID),
			attribute.String("scan_id", f.job.id().String()),
		))
	defer span.End()

	path, err := s.resolver.Resolve(ctx, f.volumeID)
	if err != nil {
		s.failBeforeExecution(ctx, f, err)
		return
	}

	if err := s.admission.acquire(ctx, f.volumeID); err != nil {
		s.failBeforeExecution(ctx, f, err)
		return
	}
	defer s.admission.release(ctx)

	if !f.job.transition(scanning.JobStatusRunning, nil) {
		s.logger.Error(ctx, "scan job could not start", "scan_id", f.job.id())
	}
	span.AddEvent("slot_acquired")

	res, se := s.execute(ctx, f, path)
	if se != nil {
		span.RecordError(se)
		span.SetStatus(codes.Error, string(se.Code))
		s.finish(ctx, f, scanning.ScanResult{}, se)
		return
	}

	span.SetStatus(codes.Ok, "scan completed")
	s.finish(ctx, f, res, nil)
}

// failBeforeExecution ends a flight that never reached a measurement method.
// Such failures are recorded here because no attempt recorded them.
func (s *Scheduler) failBeforeExecution(ctx context.Context, f *flight, err error) {
	if ctx.Err() != nil {
		err = context.Cause(ctx)
	}
	se := scanning.AsScanError(f.volumeID, "", err)
	s.metrics.RecordScanFailure(ctx, methodNone, se.Code)
	s.finish(ctx, f, scanning.ScanResult{}, se)
}

// finish publishes a flight's outcome. The cache update, the terminal event
// and the flight's removal happen together under mu, so a request arriving
// afterwards sees the new result and events for a volume follow completion
// order, cache-hit events from ScanAsync included.
func (s *Scheduler) finish(ctx context.Context, f *flight, res scanning.ScanResult, se *scanning.ScanError) {
	scanID := f.job.id().String()
	now := s.timeProvider.Now()

	if se == nil {
		f.job.transition(scanning.JobStatusSucceeded, func(j *scanning.ScanJob) {
			j.Progress = 1
			j.FilesScanned = res.FileCount
			j.EstimatedRemaining = 0
			j.Method = res.Method
			j.FinishedAt = now
			j.Result = &res
		})
		s.metrics.ScanCompleted(ctx, f.volumeID, res.Method, res.Duration, res.TotalSize)
		s.recordHistory(ctx, res)

		s.logger.Info(ctx, "scan completed",
			"volume_id", f.volumeID, "scan_id", scanID, "method", res.Method,
			"size", res.HumanSize(), "files", res.FileCount, "duration", res.Duration)
	} else {
		status := scanning.JobStatusFailed
		if se.Code == scanning.CodeScanCancelled {
			status = scanning.JobStatusCancelled
		}
		f.job.transition(status, func(j *scanning.ScanJob) {
			j.FinishedAt = now
			j.EstimatedRemaining = 0
			j.Error = se
		})

		s.logger.Warn(ctx, "scan failed",
			"volume_id", f.volumeID, "scan_id", scanID, "method", se.Method,
			"code", se.Code, "error", se.Message)
	}

	s.mu.Lock()
	if se == nil {
		s.cache.Put(f.volumeID, res)
		s.lastFileCount[f.volumeID] = res.FileCount
		s.broadcaster.BroadcastScanComplete(ctx, f.volumeID, scanID, res)
	} else {
		s.broadcaster.BroadcastScanError(ctx, f.volumeID, scanID, se.Message, se.Code)
	}
	if s.flights[f.volumeID] == f {
		delete(s.flights, f.volumeID)
	}
	delete(s.flightsByID, f.job.id())
	f.release()
	f.result, f.err = res, se
	close(f.done)
	s.mu.Unlock()
}

// recordHistory writes the result to the history store in the background.
// Failures are logged and never affect the scan.
func (s *Scheduler) recordHistory(ctx context.Context, res scanning.ScanResult) {
	if s.history == nil {
		return
	}

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if err := s.history.RecordScan(hctx, scanning.NewHistoryRecord(res)); err != nil {
			s.logger.Warn(hctx, "failed to record scan history", "volume_id", res.VolumeID, "error", err)
		}
	}()
}

// GetProgress returns the job with the given scan id.
func (s *Scheduler) GetProgress(ctx context.Context, scanID uuid.UUID) (scanning.ScanJob, error) {
	j, ok := s.jobs.get(scanID)
	if !ok {
		return scanning.ScanJob{}, fmt.Errorf("%w: %s", scanning.ErrJobNotFound, scanID)
	}
	return j.snapshot(), nil
}

// GetProgressByVolume returns the most recent job for the volume.
func (s *Scheduler) GetProgressByVolume(ctx context.Context, volumeID string) (scanning.ScanJob, error) {
	j, ok := s.jobs.latest(volumeID)
	if !ok {
		return scanning.ScanJob{}, fmt.Errorf("%w: volume %s", scanning.ErrJobNotFound, volumeID)
	}
	return j.snapshot(), nil
}

// CancelScan cancels an active scan. Its job ends cancelled and a single
// scan_error(ScanCancelled) is emitted; synchronous waiters receive the same
// error.
func (s *Scheduler) CancelScan(ctx context.Context, scanID uuid.UUID) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.scanning.cancel_scan",
		trace.WithAttributes(attribute.String("scan_id", scanID.String())))
	defer span.End()

	s.mu.Lock()
	f, ok := s.flightsByID[scanID]
	s.mu.Unlock()
	if ok {
		f.cancel(errCancelRequested)
		s.logger.Info(ctx, "scan cancellation requested", "scan_id", scanID, "volume_id", f.volumeID)
		return nil
	}

	if _, known := s.jobs.get(scanID); known {
		return fmt.Errorf("%w: %s", ErrJobFinished, scanID)
	}
	return fmt.Errorf("%w: %s", scanning.ErrJobNotFound, scanID)
}

// ClearCache invalidates the cached result so the next request measures afresh.
func (s *Scheduler) ClearCache(ctx context.Context, volumeID string) error {
	s.cache.Invalidate(volumeID)
	s.logger.Debug(ctx, "cache invalidated", "volume_id", volumeID)
	return nil
}

// GetAvailableMethods returns the method catalog in a stable order.
func (s *Scheduler) GetAvailableMethods() []scanning.MethodInfo { return s.catalog.Methods() }

// Stats reports the admission state.
type Stats struct {
	Queued     int `json:"queued"`
	Running    int `json:"running"`
	InFlight   int `json:"in_flight"`
	CachedSize int `json:"cached"`
	Jobs       int `json:"jobs"`
}

// Stats returns a snapshot of the admission state.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	inFlight := len(s.flights)
	s.mu.Unlock()

	return Stats{
		Queued:     s.admission.queueDepth(),
		Running:    s.admission.running(),
		InFlight:   inFlight,
		CachedSize: s.cache.Size(),
		Jobs:       s.jobs.len(),
	}
}

// Close rejects new requests, cancels every in-flight scan, and waits for
// their goroutines and pending history writes until ctx ends.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, f := range s.flights {
		f.cancel(errShuttingDown)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler close: %w", ctx.Err())
	}
}

type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastScanComplete(context.Context, string, string, scanning.ScanResult) {}
func (nopBroadcaster) BroadcastScanError(context.Context, string, string, string, scanning.ErrorCode) {
}
func (nopBroadcaster) BroadcastScanProgress(context.Context, scanning.ScanJob) {}
