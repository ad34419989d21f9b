package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/volscan/internal/domain/scanning"
)

var base = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func rec(volumeID string, minute int, size int64) scanning.HistoryRecord {
	return scanning.HistoryRecord{
		VolumeID:  volumeID,
		TotalSize: size,
		Method:    "walk",
		ScannedAt: base.Add(time.Duration(minute) * time.Minute),
	}
}

func TestRecentScansNewestFirst(t *testing.T) {
	s := NewHistoryStore(10)
	ctx := context.Background()

	require.NoError(t, s.RecordScan(ctx, rec("data", 2, 20)))
	require.NoError(t, s.RecordScan(ctx, rec("data", 1, 10)))
	require.NoError(t, s.RecordScan(ctx, rec("data", 3, 30)))
	require.NoError(t, s.RecordScan(ctx, rec("other", 0, 99)))

	got, err := s.RecentScans(ctx, "data", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(30), got[0].TotalSize)
	assert.Equal(t, int64(20), got[1].TotalSize)

	all, err := s.RecentScans(ctx, "data", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestRecordScanCapsPerVolume(t *testing.T) {
	s := NewHistoryStore(2)
	ctx := context.Background()

	for i := range 4 {
		require.NoError(t, s.RecordScan(ctx, rec("data", i, int64(i))))
	}

	got, err := s.RecentScans(ctx, "data", 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].TotalSize)
	assert.Equal(t, int64(2), got[1].TotalSize)
}

func TestRecentScansUnknownVolume(t *testing.T) {
	got, err := NewHistoryStore(0).RecentScans(context.Background(), "nope", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}
