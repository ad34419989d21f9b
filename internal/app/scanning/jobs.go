package scanning

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/volscan/internal/domain/scanning"
	"github.com/ahrav/volscan/pkg/common/timeutil"
)

// job is the mutable record behind a ScanJob. The scan goroutine advances it;
// pollers read snapshots.
type job struct {
	mu   sync.Mutex
	data scanning.ScanJob

	// expectedFiles is the file count of the volume's previous scan, used to
	// estimate progress. Zero when unknown.
	expectedFiles int64
}

func (j *job) snapshot() scanning.ScanJob {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.data
}

func (j *job) id() uuid.UUID {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.data.ScanID
}

// transition moves the job to target, applying mutate under the lock. It
// reports false when the transition is not allowed, which for terminal
// targets means another path already finished the job.
func (j *job) transition(target scanning.JobStatus, mutate func(*scanning.ScanJob)) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.data.Status.ValidateTransition(target); err != nil {
		return false
	}
	j.data.Status = target
	if mutate != nil {
		mutate(&j.data)
	}
	return true
}

func (j *job) setMethod(method string) {
	j.mu.Lock()
	j.data.Method = method
	j.mu.Unlock()
}

// observe folds a progress report into the job and returns the updated view.
func (j *job) observe(p scanning.Progress, now time.Time) scanning.ScanJob {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.data.Status != scanning.JobStatusRunning {
		return j.data
	}
	if p.FilesScanned > j.data.FilesScanned {
		j.data.FilesScanned = p.FilesScanned
	}
	j.data.CurrentPath = p.CurrentPath
	j.data.Progress, j.data.EstimatedRemaining = estimate(
		j.data.FilesScanned, j.expectedFiles, now.Sub(j.data.StartedAt))
	return j.data
}

// maxRunningProgress caps estimated progress until the scan actually finishes.
const maxRunningProgress = 0.99

// estimate derives progress and remaining time from files scanned so far
// against the file count of the previous scan.
func estimate(scanned, expected int64, elapsed time.Duration) (float64, time.Duration) {
	if expected <= 0 || scanned <= 0 {
		return 0, 0
	}

	progress := min(float64(scanned)/float64(expected), maxRunningProgress)

	var remaining time.Duration
	if scanned < expected && elapsed > 0 {
		perFile := elapsed / time.Duration(scanned)
		remaining = perFile * time.Duration(expected-scanned)
	}
	return progress, remaining
}

// jobTable stores jobs by scan id and remembers the latest job per volume.
// Terminal jobs are retained for a while so pollers can observe the outcome,
// then pruned lazily on insert.
type jobTable struct {
	mu       sync.RWMutex
	byID     map[uuid.UUID]*job
	byVolume map[string]*job

	retention    time.Duration
	maxRetained  int
	timeProvider timeutil.Provider
}

func newJobTable(retention time.Duration, maxRetained int, tp timeutil.Provider) *jobTable {
	return &jobTable{
		byID:         make(map[uuid.UUID]*job),
		byVolume:     make(map[string]*job),
		retention:    retention,
		maxRetained:  maxRetained,
		timeProvider: tp,
	}
}

// create registers a queued job for volumeID.
func (t *jobTable) create(volumeID string, expectedFiles int64) *job {
	j := &job{
		data: scanning.ScanJob{
			ScanID:    uuid.New(),
			VolumeID:  volumeID,
			Status:    scanning.JobStatusQueued,
			StartedAt: t.timeProvider.Now(),
		},
		expectedFiles: expectedFiles,
	}
	t.insert(j)
	return j
}

// createSucceeded registers a job that is born succeeded, for requests served
// from cache.
func (t *jobTable) createSucceeded(volumeID string, result scanning.ScanResult) *job {
	now := t.timeProvider.Now()
	j := &job{
		data: scanning.ScanJob{
			ScanID:       uuid.New(),
			VolumeID:     volumeID,
			Status:       scanning.JobStatusSucceeded,
			Progress:     1,
			FilesScanned: result.FileCount,
			Method:       result.Method,
			StartedAt:    now,
			FinishedAt:   now,
			Result:       &result,
		},
	}
	t.insert(j)
	return j
}

func (t *jobTable) insert(j *job) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked()
	t.byID[j.data.ScanID] = j
	t.byVolume[j.data.VolumeID] = j
}

func (t *jobTable) get(id uuid.UUID) (*job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.byID[id]
	return j, ok
}

func (t *jobTable) latest(volumeID string) (*job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.byVolume[volumeID]
	return j, ok
}

func (t *jobTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// pruneLocked drops terminal jobs past retention, then the oldest terminal
// jobs until the table is within maxRetained. Active jobs are never dropped.
func (t *jobTable) pruneLocked() {
	now := t.timeProvider.Now()

	type finished struct {
		id uuid.UUID
		at time.Time
	}
	var done []finished

	for id, j := range t.byID {
		snap := j.snapshot()
		if !snap.Status.IsTerminal() {
			continue
		}
		if now.Sub(snap.FinishedAt) > t.retention {
			t.removeLocked(id, j)
			continue
		}
		done = append(done, finished{id: id, at: snap.FinishedAt})
	}

	excess := len(t.byID) - t.maxRetained + 1
	if excess <= 0 {
		return
	}
	slices.SortFunc(done, func(a, b finished) int { return a.at.Compare(b.at) })
	for _, f := range done[:min(excess, len(done))] {
		t.removeLocked(f.id, t.byID[f.id])
	}
}

func (t *jobTable) removeLocked(id uuid.UUID, j *job) {
	delete(t.byID, id)
	if t.byVolume[j.data.VolumeID] == j {
		delete(t.byVolume, j.data.VolumeID)
	}
}
