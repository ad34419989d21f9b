package scanning

import (
	"context"
	"time"
)

// ResultCache holds the most recent result per volume. Implementations must
// be safe for concurrent use.
type ResultCache interface {
	Get(volumeID string) (ScanResult, bool)
	Put(volumeID string, result ScanResult)
	Invalidate(volumeID string)
	Size() int
}

// VolumeResolver maps an opaque volume identifier to the filesystem path
// a measurement method walks.
type VolumeResolver interface {
	Resolve(ctx context.Context, volumeID string) (string, error)
}

// HistoryRecord is a persisted summary of a completed scan.
type HistoryRecord struct {
	VolumeID       string        `json:"volume_id"`
	TotalSize      int64         `json:"total_size"`
	FileCount      int64         `json:"file_count"`
	DirectoryCount int64         `json:"directory_count"`
	Method         string        `json:"method"`
	ScannedAt      time.Time     `json:"scanned_at"`
	Duration       time.Duration `json:"duration"`
}

// NewHistoryRecord summarizes result for persistence.
func NewHistoryRecord(r ScanResult) HistoryRecord {
	return HistoryRecord{
		VolumeID:       r.VolumeID,
		TotalSize:      r.TotalSize,
		FileCount:      r.FileCount,
		DirectoryCount: r.DirectoryCount,
		Method:         r.Method,
		ScannedAt:      r.ScannedAt,
		Duration:       r.Duration,
	}
}

// HistoryRecorder persists completed-scan summaries. Failures are reported to
// the caller but must never fail the scan that produced the result.
type HistoryRecorder interface {
	RecordScan(ctx context.Context, rec HistoryRecord) error
}

// HistoryReader returns the most recent summaries for a volume, newest first.
type HistoryReader interface {
	RecentScans(ctx context.Context, volumeID string, limit int) ([]HistoryRecord, error)
}

// EventBroadcaster receives the scheduler's lifecycle notifications.
// Implementations must not block the caller.
type EventBroadcaster interface {
	BroadcastScanComplete(ctx context.Context, volumeID, scanID string, result ScanResult)
	BroadcastScanError(ctx context.Context, volumeID, scanID, message string, code ErrorCode)
	BroadcastScanProgress(ctx context.Context, job ScanJob)
}
