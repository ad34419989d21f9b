package scanning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/volscan/internal/domain/scanning"
	"github.com/ahrav/volscan/pkg/common/timeutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestEstimate(t *testing.T) {
	tests := []struct {
		name          string
		scanned       int64
		expected      int64
		elapsed       time.Duration
		wantProgress  float64
		wantRemaining time.Duration
	}{
		{
			name:    "unknown expected count",
			scanned: 10,
		},
		{
			name:     "nothing scanned yet",
			expected: 100,
			elapsed:  time.Second,
		},
		{
			name:          "halfway",
			scanned:       50,
			expected:      100,
			elapsed:       10 * time.Second,
			wantProgress:  0.5,
			wantRemaining: 10 * time.Second,
		},
		{
			name:         "volume grew past the previous count",
			scanned:      150,
			expected:     100,
			elapsed:      time.Second,
			wantProgress: maxRunningProgress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			progress, remaining := estimate(tt.scanned, tt.expected, tt.elapsed)
			assert.InDelta(t, tt.wantProgress, progress, 1e-9)
			assert.Equal(t, tt.wantRemaining, remaining)
		})
	}
}

func TestJobTransitionGuardsTerminalStates(t *testing.T) {
	table := newJobTable(time.Minute, 10, timeutil.NewManual(t0))
	j := table.create("v1", 0)

	assert.True(t, j.transition(scanning.JobStatusRunning, nil))
	assert.True(t, j.transition(scanning.JobStatusCancelled, func(d *scanning.ScanJob) { d.FinishedAt = t0 }))
	assert.False(t, j.transition(scanning.JobStatusSucceeded, nil), "terminal jobs never move again")
	assert.Equal(t, scanning.JobStatusCancelled, j.snapshot().Status)
}

func TestJobObserveOnlyWhileRunning(t *testing.T) {
	clock := timeutil.NewManual(t0)
	table := newJobTable(time.Minute, 10, clock)
	j := table.create("v1", 200)

	snap := j.observe(scanning.Progress{FilesScanned: 5}, t0)
	assert.Zero(t, snap.FilesScanned, "queued jobs ignore progress")

	require.True(t, j.transition(scanning.JobStatusRunning, nil))
	snap = j.observe(scanning.Progress{FilesScanned: 100, CurrentPath: "/a"}, t0.Add(4*time.Second))
	assert.Equal(t, int64(100), snap.FilesScanned)
	assert.Equal(t, "/a", snap.CurrentPath)
	assert.InDelta(t, 0.5, snap.Progress, 1e-9)
	assert.Equal(t, 4*time.Second, snap.EstimatedRemaining)

	snap = j.observe(scanning.Progress{FilesScanned: 90}, t0.Add(5*time.Second))
	assert.Equal(t, int64(100), snap.FilesScanned, "file count never goes backwards")
}

func TestJobTableLatestPerVolume(t *testing.T) {
	table := newJobTable(time.Minute, 10, timeutil.NewManual(t0))

	first := table.create("v1", 0)
	second := table.create("v1", 0)

	got, ok := table.latest("v1")
	require.True(t, ok)
	assert.Equal(t, second.id(), got.id())

	_, ok = table.get(first.id())
	assert.True(t, ok, "older jobs stay addressable by id")
}

func finishJob(t *testing.T, j *job, at time.Time) {
	t.Helper()
	require.True(t, j.transition(scanning.JobStatusRunning, nil))
	require.True(t, j.transition(scanning.JobStatusSucceeded, func(d *scanning.ScanJob) { d.FinishedAt = at }))
}

func TestJobTablePrunesExpiredTerminalJobs(t *testing.T) {
	clock := timeutil.NewManual(t0)
	table := newJobTable(time.Minute, 100, clock)

	done := table.create("v1", 0)
	finishJob(t, done, t0)
	active := table.create("v2", 0)

	clock.Advance(2 * time.Minute)
	table.create("v3", 0)

	_, ok := table.get(done.id())
	assert.False(t, ok, "expired terminal job is pruned")
	_, ok = table.latest("v1")
	assert.False(t, ok)

	_, ok = table.get(active.id())
	assert.True(t, ok, "active jobs are never pruned")
	assert.Equal(t, 2, table.len())
}

func TestJobTableBoundsRetainedJobs(t *testing.T) {
	clock := timeutil.NewManual(t0)
	table := newJobTable(time.Hour, 3, clock)

	oldest := table.create("a", 0)
	finishJob(t, oldest, t0)
	middle := table.create("b", 0)
	finishJob(t, middle, t0.Add(time.Second))
	newest := table.create("c", 0)
	finishJob(t, newest, t0.Add(2*time.Second))

	table.create("d", 0)

	assert.Equal(t, 3, table.len())
	_, ok := table.get(oldest.id())
	assert.False(t, ok, "oldest terminal job is evicted first")
	_, ok = table.get(newest.id())
	assert.True(t, ok)
}

func TestCreateSucceededJob(t *testing.T) {
	table := newJobTable(time.Minute, 10, timeutil.NewManual(t0))
	res := scanning.ScanResult{VolumeID: "v1", TotalSize: 42, FileCount: 7, Method: "walk", CacheHit: true}

	snap := table.createSucceeded("v1", res).snapshot()
	assert.Equal(t, scanning.JobStatusSucceeded, snap.Status)
	assert.Equal(t, 1.0, snap.Progress)
	assert.Equal(t, int64(7), snap.FilesScanned)
	require.NotNil(t, snap.Result)
	assert.True(t, snap.Result.CacheHit)
	assert.Equal(t, t0, snap.FinishedAt)
}
