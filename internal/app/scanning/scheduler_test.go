package scanning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/volscan/internal/domain/scanning"
	"github.com/ahrav/volscan/internal/infra/measure"
	"github.com/ahrav/volscan/pkg/common/logger"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func TestScanSyncDeduplicatesConcurrentRequests(t *testing.T) {
	gate := make(chan struct{})
	m := newFakeMethod("fast", gated(gate, 4096))
	h := newHarness(t, []scanning.Measurer{m})

	const callers = 10
	results := make([]scanning.ScanResult, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = h.sched.ScanSync(context.Background(), "v1")
		}()
	}

	require.Eventually(t, func() bool { return h.waiters("v1") == callers }, waitFor, tick)
	close(gate)
	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(4096), results[i].TotalSize)
		assert.False(t, results[i].CacheHit)
	}
	assert.Equal(t, int64(1), m.calls.Load(), "exactly one measurement")
	assert.Equal(t, 1, h.events.count(kindComplete))
	assert.Equal(t, int64(callers), h.metrics.Count(CounterCacheMisses))
}

func TestAdmissionBoundsConcurrentMeasurements(t *testing.T) {
	gate := make(chan struct{})
	m := newFakeMethod("fast", gated(gate, 1))
	h := newHarness(t, []scanning.Measurer{m}, withConfig(Config{MaxConcurrent: 2, QueueTimeout: 5 * time.Second}))

	const volumes = 6
	var wg sync.WaitGroup
	for i := range volumes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.sched.ScanSync(context.Background(), fmt.Sprintf("vol-%d", i))
			assert.NoError(t, err)
		}()
	}

	require.Eventually(t, func() bool {
		st := h.sched.Stats()
		return st.Running == 2 && st.Queued == volumes-2
	}, waitFor, tick)
	assert.Equal(t, volumes, h.sched.Stats().InFlight)

	close(gate)
	wg.Wait()

	assert.LessOrEqual(t, m.peak.Load(), int64(2))
	_, active, maxActive := h.metrics.Gauges()
	assert.Zero(t, active)
	assert.Equal(t, 2, maxActive)
	assert.Equal(t, int64(volumes), m.calls.Load())
}

func TestCacheRoundTripAndClearCache(t *testing.T) {
	m := newFakeMethod("fast", sized(100, 3))
	h := newHarness(t, []scanning.Measurer{m})
	ctx := context.Background()

	first, err := h.sched.ScanSync(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, "fast", first.Method)

	second, err := h.sched.ScanSync(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.TotalSize, second.TotalSize)
	assert.Equal(t, first.ScannedAt, second.ScannedAt)
	assert.Equal(t, int64(1), m.calls.Load())

	require.NoError(t, h.sched.ClearCache(ctx, "v1"))

	third, err := h.sched.ScanSync(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
	assert.Equal(t, int64(2), m.calls.Load())

	assert.Equal(t, int64(1), h.metrics.Count(CounterCacheHits))
	assert.Equal(t, int64(2), h.metrics.Count(CounterCacheMisses))
	assert.Equal(t, int64(2), h.metrics.Count(CounterScansCompleted))
	assert.Equal(t, int64(200), h.metrics.BytesMeasured())
}

func TestFallbackWhenFastMethodUnavailable(t *testing.T) {
	fast := newFakeMethod("fast", failing(fmt.Errorf("probe went stale: %w", scanning.ErrMethodUnavailable)))
	slow := newFakeMethod("slow", sized(2048, 10))
	h := newHarness(t, []scanning.Measurer{fast, slow})

	res, err := h.sched.ScanSync(context.Background(), "v1")
	require.NoError(t, err)

	assert.Equal(t, "slow", res.Method)
	assert.Equal(t, int64(2048), res.TotalSize)
	assert.Equal(t, map[FailureKey]int64{
		{Method: "fast", Code: scanning.CodeMethodUnavailable}: 1,
	}, h.metrics.Failures())
	assert.Equal(t, int64(2), h.metrics.Count(CounterAttempts))
	assert.Equal(t, int64(1), h.metrics.Count(CounterAttemptsFailed))
	assert.Equal(t, int64(2), h.metrics.Count(CounterScansStarted))
	assert.Equal(t, int64(2), h.metrics.Count(CounterScansFinished))

	job, err := h.sched.GetProgressByVolume(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, "slow", job.Method)
}

func TestRegistrySkipsUnavailableMethodAndRecordsIt(t *testing.T) {
	fast := newFakeMethod("fast", sized(1, 1))
	fast.info.Available = false
	reliable := newFakeMethod("reliable", sized(4096, 3))
	reliable.info.PerformanceTier = scanning.PerformanceSlow

	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	registry, err := measure.NewRegistry(log, measure.RegistryConfig{}, reliable, fast)
	require.NoError(t, err)
	h := newHarness(t, nil, withCatalog(registry))

	res, err := h.sched.ScanSync(context.Background(), "v2")
	require.NoError(t, err)

	assert.Equal(t, "reliable", res.Method)
	assert.Equal(t, int64(4096), res.TotalSize)
	assert.Zero(t, fast.calls.Load())
	assert.Equal(t, map[FailureKey]int64{
		{Method: "fast", Code: scanning.CodeMethodUnavailable}: 1,
	}, h.metrics.Failures())
	assert.Equal(t, int64(1), h.metrics.Count(CounterAttempts))
	assert.Zero(t, h.metrics.Count(CounterAttemptsFailed))
}

func TestEveryMethodUnavailable(t *testing.T) {
	only := newFakeMethod("only", sized(1, 1))
	only.info.Available = false

	log := logger.New(io.Discard, logger.LevelDebug, "test", nil)
	registry, err := measure.NewRegistry(log, measure.RegistryConfig{}, only)
	require.NoError(t, err)
	h := newHarness(t, nil, withCatalog(registry))

	_, err = h.sched.ScanSync(context.Background(), "v1")
	require.Error(t, err)
	assert.Equal(t, scanning.CodeAllMethodsFailed, scanning.CodeOf(err))
	assert.ErrorIs(t, err, scanning.ErrMethodUnavailable)
	assert.Equal(t, map[FailureKey]int64{
		{Method: "only", Code: scanning.CodeMethodUnavailable}: 1,
		{Method: "all", Code: scanning.CodeAllMethodsFailed}:   1,
	}, h.metrics.Failures())
}

func TestAllMethodsFailed(t *testing.T) {
	boom := errors.New("boom")
	a := newFakeMethod("a", failing(boom))
	b := newFakeMethod("b", failing(boom))
	h := newHarness(t, []scanning.Measurer{a, b})

	_, err := h.sched.ScanSync(context.Background(), "v1")
	require.Error(t, err)

	var se *scanning.ScanError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, scanning.CodeAllMethodsFailed, se.Code)
	assert.Equal(t, "2", se.Context["attempts"])
	assert.Equal(t, "a,b", se.Context["methods"])
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, map[FailureKey]int64{
		{Method: "a", Code: scanning.CodeMethodFailed}:       1,
		{Method: "b", Code: scanning.CodeMethodFailed}:       1,
		{Method: "all", Code: scanning.CodeAllMethodsFailed}: 1,
	}, h.metrics.Failures())

	events := h.events.terminal()
	require.Len(t, events, 1)
	assert.Equal(t, kindError, events[0].kind)
	assert.Equal(t, scanning.CodeAllMethodsFailed, events[0].code)
	assert.Equal(t, scanning.JobStatusFailed, h.jobStatus(t, "v1"))
	assert.Zero(t, h.cache.Size())
}

func TestNoCandidateMethods(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.sched.ScanSync(context.Background(), "v1")
	require.Error(t, err)
	assert.Equal(t, scanning.CodeAllMethodsFailed, scanning.CodeOf(err))
	assert.ErrorIs(t, err, scanning.ErrNoCandidateMethods)
}

func TestPermissionDeniedStopsFallback(t *testing.T) {
	first := newFakeMethod("first", failing(fmt.Errorf("open /volumes/v1: %w", fs.ErrPermission)))
	second := newFakeMethod("second", sized(1, 1))
	h := newHarness(t, []scanning.Measurer{first, second})

	_, err := h.sched.ScanSync(context.Background(), "v1")
	require.Error(t, err)
	assert.Equal(t, scanning.CodePermissionDenied, scanning.CodeOf(err))
	assert.Zero(t, second.calls.Load())
}

func TestUnknownVolumeFailsBeforeAnyMethod(t *testing.T) {
	m := newFakeMethod("fast", sized(1, 1))
	h := newHarness(t, []scanning.Measurer{m}, withMissing("ghost"))

	_, err := h.sched.ScanSync(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, scanning.CodeVolumeNotFound, scanning.CodeOf(err))

	assert.Zero(t, m.calls.Load())
	assert.Equal(t, map[FailureKey]int64{
		{Method: "none", Code: scanning.CodeVolumeNotFound}: 1,
	}, h.metrics.Failures())
	assert.Equal(t, 1, h.events.count(kindError))
}

func TestQueueTimeout(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	m := newFakeMethod("fast", gated(gate, 1))
	h := newHarness(t, []scanning.Measurer{m},
		withConfig(Config{MaxConcurrent: 1, QueueTimeout: 50 * time.Millisecond}))

	id, err := h.sched.ScanAsync(context.Background(), "busy")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.sched.Stats().Running == 1 }, waitFor, tick)

	_, err = h.sched.ScanSync(context.Background(), "waiting")
	require.Error(t, err)

	var se *scanning.ScanError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, scanning.CodeQueueTimeout, se.Code)
	assert.True(t, se.Code.Retryable())
	assert.Equal(t, scanning.JobStatusFailed, h.jobStatus(t, "waiting"))
	assert.Equal(t, int64(1), h.metrics.Failures()[FailureKey{Method: "none", Code: scanning.CodeQueueTimeout}])

	job, err := h.sched.GetProgress(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusRunning, job.Status)
}

func TestScanAsyncLifecycle(t *testing.T) {
	gate := make(chan struct{})
	m := newFakeMethod("fast", gated(gate, 512))
	h := newHarness(t, []scanning.Measurer{m})
	ctx := context.Background()

	id, err := h.sched.ScanAsync(ctx, "v1")
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	job, err := h.sched.GetProgress(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, []scanning.JobStatus{scanning.JobStatusQueued, scanning.JobStatusRunning}, job.Status)
	assert.Equal(t, "v1", job.VolumeID)

	again, err := h.sched.ScanAsync(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, id, again, "a second request joins the in-flight scan")

	close(gate)
	require.Eventually(t, func() bool {
		job, err := h.sched.GetProgress(ctx, id)
		return err == nil && job.Status == scanning.JobStatusSucceeded
	}, waitFor, tick)

	job, err = h.sched.GetProgress(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job.Result)
	assert.Equal(t, int64(512), job.Result.TotalSize)
	assert.Equal(t, 1.0, job.Progress)
	assert.False(t, job.FinishedAt.IsZero())
	assert.Nil(t, job.Error)

	byVolume, err := h.sched.GetProgressByVolume(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, id, byVolume.ScanID)

	events := h.events.terminal()
	require.Len(t, events, 1)
	assert.Equal(t, kindComplete, events[0].kind)
	assert.Equal(t, id.String(), events[0].scanID)
	assert.Equal(t, int64(1), m.calls.Load())
}

func TestScanAsyncCacheHitJobIsBornSucceeded(t *testing.T) {
	m := newFakeMethod("fast", sized(64, 2))
	h := newHarness(t, []scanning.Measurer{m})
	ctx := context.Background()

	_, err := h.sched.ScanSync(ctx, "v1")
	require.NoError(t, err)

	id, err := h.sched.ScanAsync(ctx, "v1")
	require.NoError(t, err)

	job, err := h.sched.GetProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusSucceeded, job.Status)
	require.NotNil(t, job.Result)
	assert.True(t, job.Result.CacheHit)
	assert.Equal(t, int64(1), m.calls.Load())

	events := h.events.terminal()
	require.Len(t, events, 2)
	assert.Equal(t, id.String(), events[1].scanID)
	assert.True(t, events[1].result.CacheHit)
}

func TestGetProgressUnknownJob(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.sched.GetProgress(context.Background(), uuid.New())
	assert.ErrorIs(t, err, scanning.ErrJobNotFound)

	_, err = h.sched.GetProgressByVolume(context.Background(), "nobody")
	assert.ErrorIs(t, err, scanning.ErrJobNotFound)
}

func TestCancelScan(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	m := newFakeMethod("fast", gated(gate, 1))
	h := newHarness(t, []scanning.Measurer{m})
	ctx := context.Background()

	id, err := h.sched.ScanAsync(ctx, "v1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.running.Load() == 1 }, waitFor, tick)

	require.NoError(t, h.sched.CancelScan(ctx, id))

	require.Eventually(t, func() bool {
		job, err := h.sched.GetProgress(ctx, id)
		return err == nil && job.Status == scanning.JobStatusCancelled
	}, waitFor, tick)

	job, err := h.sched.GetProgress(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job.Error)
	assert.Equal(t, scanning.CodeScanCancelled, job.Error.Code)

	events := h.events.terminal()
	require.Len(t, events, 1)
	assert.Equal(t, kindError, events[0].kind)
	assert.Equal(t, scanning.CodeScanCancelled, events[0].code)

	assert.ErrorIs(t, h.sched.CancelScan(ctx, id), ErrJobFinished)
	assert.ErrorIs(t, h.sched.CancelScan(ctx, uuid.New()), scanning.ErrJobNotFound)
}

func TestCancelScanReachesSyncWaiters(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	m := newFakeMethod("fast", gated(gate, 1))
	h := newHarness(t, []scanning.Measurer{m})
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := h.sched.ScanSync(ctx, "v1")
		errc <- err
	}()
	require.Eventually(t, func() bool { return m.running.Load() == 1 }, waitFor, tick)

	job, err := h.sched.GetProgressByVolume(ctx, "v1")
	require.NoError(t, err)
	require.NoError(t, h.sched.CancelScan(ctx, job.ScanID))

	select {
	case err := <-errc:
		assert.Equal(t, scanning.CodeScanCancelled, scanning.CodeOf(err))
	case <-time.After(waitFor):
		t.Fatal("sync waiter was not released")
	}
}

func TestLastSyncWaiterLeavingCancelsScan(t *testing.T) {
	m := newFakeMethod("fast", gated(nil, 1))
	h := newHarness(t, []scanning.Measurer{m})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := h.sched.ScanSync(ctx, "v1")
		errc <- err
	}()
	require.Eventually(t, func() bool { return m.running.Load() == 1 }, waitFor, tick)

	cancel()
	err := <-errc
	assert.Equal(t, scanning.CodeScanCancelled, scanning.CodeOf(err))

	require.Eventually(t, func() bool {
		return h.jobStatus(t, "v1") == scanning.JobStatusCancelled
	}, waitFor, tick)
	assert.Equal(t, 1, h.events.count(kindError))
}

func TestSyncWaiterLeavingKeepsAsyncScanAlive(t *testing.T) {
	gate := make(chan struct{})
	m := newFakeMethod("fast", gated(gate, 9))
	h := newHarness(t, []scanning.Measurer{m})

	id, err := h.sched.ScanAsync(context.Background(), "v1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.sched.ScanSync(ctx, "v1")
	assert.Equal(t, scanning.CodeScanCancelled, scanning.CodeOf(err))

	close(gate)
	require.Eventually(t, func() bool {
		job, err := h.sched.GetProgress(context.Background(), id)
		return err == nil && job.Status == scanning.JobStatusSucceeded
	}, waitFor, tick)
}

func TestScanTimeoutCancelsAsyncScan(t *testing.T) {
	m := newFakeMethod("fast", gated(nil, 1))
	h := newHarness(t, []scanning.Measurer{m}, withConfig(Config{
		MaxConcurrent: 1,
		QueueTimeout:  time.Second,
		ScanTimeout:   30 * time.Millisecond,
	}))

	id, err := h.sched.ScanAsync(context.Background(), "v1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := h.sched.GetProgress(context.Background(), id)
		return err == nil && job.Status.IsTerminal()
	}, waitFor, tick)

	job, err := h.sched.GetProgress(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusCancelled, job.Status)
	assert.Equal(t, scanning.CodeScanCancelled, job.Error.Code)
}

func TestScanTimeoutAppliesWhenAsyncJoinsSyncScan(t *testing.T) {
	m := newFakeMethod("fast", gated(nil, 1))
	h := newHarness(t, []scanning.Measurer{m}, withConfig(Config{
		MaxConcurrent: 1,
		QueueTimeout:  time.Second,
		ScanTimeout:   30 * time.Millisecond,
	}))
	ctx := context.Background()

	syncErr := make(chan error, 1)
	go func() {
		_, err := h.sched.ScanSync(ctx, "v1")
		syncErr <- err
	}()
	require.Eventually(t, func() bool { return m.calls.Load() == 1 }, waitFor, tick)

	id, err := h.sched.ScanAsync(ctx, "v1")
	require.NoError(t, err)

	select {
	case err := <-syncErr:
		assert.Equal(t, scanning.CodeScanCancelled, scanning.CodeOf(err))
	case <-time.After(waitFor):
		t.Fatal("joined scan ran past its timeout")
	}

	job, err := h.sched.GetProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusCancelled, job.Status)
	assert.Equal(t, scanning.CodeScanCancelled, job.Error.Code)
}

func TestEventsFollowCompletionOrderPerVolume(t *testing.T) {
	m := newFakeMethod("fast", sized(1, 1))
	h := newHarness(t, []scanning.Measurer{m}, withMissing("gone"))
	ctx := context.Background()

	var ids []string
	for range 3 {
		_, err := h.sched.ScanSync(ctx, "v1")
		require.NoError(t, err)
		job, err := h.sched.GetProgressByVolume(ctx, "v1")
		require.NoError(t, err)
		ids = append(ids, job.ScanID.String())
		require.NoError(t, h.sched.ClearCache(ctx, "v1"))
	}
	_, err := h.sched.ScanSync(ctx, "gone")
	require.Error(t, err)

	var got []string
	for _, e := range h.events.terminal() {
		if e.volumeID == "gone" {
			assert.Equal(t, kindError, e.kind)
			continue
		}
		assert.Equal(t, kindComplete, e.kind)
		got = append(got, e.scanID)
	}
	assert.Equal(t, ids, got)
}

func TestCacheHitEventFollowsFlightCompletion(t *testing.T) {
	m := newFakeMethod("fast", sized(64, 1))
	h := newHarness(t, []scanning.Measurer{m})
	ctx := context.Background()

	asyncDone := make(chan struct{})
	var once sync.Once
	h.events.beforeComplete = func(r scanning.ScanResult) {
		if r.CacheHit {
			return
		}
		once.Do(func() {
			// A ScanAsync racing the flight's completion must not get its
			// cache-hit event out first.
			go func() {
				defer close(asyncDone)
				_, err := h.sched.ScanAsync(ctx, "v1")
				assert.NoError(t, err)
			}()
			select {
			case <-asyncDone:
			case <-time.After(100 * time.Millisecond):
			}
		})
	}

	_, err := h.sched.ScanSync(ctx, "v1")
	require.NoError(t, err)
	<-asyncDone

	events := h.events.terminal()
	require.Len(t, events, 2)
	assert.False(t, events[0].result.CacheHit)
	assert.True(t, events[1].result.CacheHit)
	assert.Equal(t, int64(1), m.calls.Load())
}

func TestProgressIsThrottledAndEstimated(t *testing.T) {
	const files = 1000
	m := newFakeMethod("fast", func(_ context.Context, _ string, progress scanning.ProgressFunc) (scanning.Measurement, error) {
		for i := int64(1); i <= files; i++ {
			progress(scanning.Progress{FilesScanned: i, CurrentPath: fmt.Sprintf("/f%d", i)})
		}
		return scanning.Measurement{TotalSize: files, FileCount: files}, nil
	})
	h := newHarness(t, []scanning.Measurer{m}, withConfig(Config{ProgressInterval: time.Hour}))
	ctx := context.Background()

	_, err := h.sched.ScanSync(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, h.events.count(kindProgress))

	require.NoError(t, h.sched.ClearCache(ctx, "v1"))
	_, err = h.sched.ScanSync(ctx, "v1")
	require.NoError(t, err)

	var progress []scanning.ScanJob
	for _, e := range h.events.all() {
		if e.kind == kindProgress {
			progress = append(progress, e.job)
		}
	}
	require.Len(t, progress, 2)
	assert.Zero(t, progress[0].Progress, "no estimate without a previous scan")
	assert.Greater(t, progress[1].Progress, 0.0)
	assert.LessOrEqual(t, progress[1].Progress, maxRunningProgress)
	assert.Equal(t, scanning.JobStatusRunning, progress[1].Status)
}

func TestGetAvailableMethodsIsStable(t *testing.T) {
	h := newHarness(t, []scanning.Measurer{
		newFakeMethod("b", sized(1, 1)),
		newFakeMethod("a", sized(1, 1)),
	})

	first := h.sched.GetAvailableMethods()
	second := h.sched.GetAvailableMethods()
	assert.Equal(t, first, second)
	require.Len(t, first, 2)
	assert.Equal(t, "b", first[0].Name)
}

func TestSuccessfulScansAreRecordedInHistory(t *testing.T) {
	hist := new(historyStub)
	m := newFakeMethod("fast", sized(10, 1))
	h := newHarness(t, []scanning.Measurer{m}, withSchedulerOption(WithHistory(hist)))

	_, err := h.sched.ScanSync(context.Background(), "v1")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hist.len() == 1 }, waitFor, tick)
}

func TestBulkScanReportsPartialSuccess(t *testing.T) {
	m := newFakeMethod("fast", sized(5, 1))
	h := newHarness(t, []scanning.Measurer{m}, withMissing("ghost"))

	out := h.sched.BulkScan(context.Background(), []string{"a", "b", "ghost", "a"}, false)

	assert.Len(t, out.Succeeded, 2)
	assert.Contains(t, out.Succeeded, "a")
	assert.Contains(t, out.Succeeded, "b")
	require.Contains(t, out.Failed, "ghost")
	assert.Equal(t, scanning.CodeVolumeNotFound, out.Failed["ghost"].Code)
	assert.Equal(t, int64(2), m.calls.Load())
}

func TestBulkScanAsyncReturnsJobIDs(t *testing.T) {
	m := newFakeMethod("fast", sized(5, 1))
	h := newHarness(t, []scanning.Measurer{m})

	out := h.sched.BulkScan(context.Background(), []string{"a", "b"}, true)
	require.Len(t, out.ScanIDs, 2)
	assert.Empty(t, out.Failed)

	for vol, raw := range out.ScanIDs {
		id, err := uuid.Parse(raw)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			job, err := h.sched.GetProgress(context.Background(), id)
			return err == nil && job.Status == scanning.JobStatusSucceeded && job.VolumeID == vol
		}, waitFor, tick)
	}
}

func TestCloseRejectsRequestsAndCancelsScans(t *testing.T) {
	m := newFakeMethod("fast", gated(nil, 1))
	h := newHarness(t, []scanning.Measurer{m})

	id, err := h.sched.ScanAsync(context.Background(), "v1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.running.Load() == 1 }, waitFor, tick)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.sched.Close(ctx))

	job, err := h.sched.GetProgress(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, scanning.JobStatusCancelled, job.Status)

	_, err = h.sched.ScanSync(context.Background(), "v2")
	assert.ErrorIs(t, err, ErrSchedulerClosed)
	_, err = h.sched.ScanAsync(context.Background(), "v2")
	assert.ErrorIs(t, err, ErrSchedulerClosed)
}
