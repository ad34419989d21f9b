package scanning

import (
	"time"

	"github.com/google/uuid"
)

// ScanJob is a point-in-time view of a tracked scan. The application layer
// owns the mutable record; callers only ever see copies.
type ScanJob struct {
	ScanID             uuid.UUID     `json:"scan_id"`
	VolumeID           string        `json:"volume_id"`
	Status             JobStatus     `json:"status"`
	Progress           float64       `json:"progress"`
	FilesScanned       int64         `json:"files_scanned"`
	CurrentPath        string        `json:"current_path,omitempty"`
	EstimatedRemaining time.Duration `json:"estimated_remaining"`
	Method             string        `json:"method,omitempty"`
	StartedAt          time.Time     `json:"started_at"`
	FinishedAt         time.Time     `json:"finished_at,omitempty"`

	// Result is set once the job succeeds.
	Result *ScanResult `json:"result,omitempty"`
	// Error is set once the job fails or is cancelled.
	Error *ScanError `json:"error,omitempty"`
}

// Done reports whether the job reached a terminal state.
func (j ScanJob) Done() bool { return j.Status.IsTerminal() }

// Progress is a measurement method's running report.
type Progress struct {
	FilesScanned int64
	BytesFound   int64
	CurrentPath  string
}

// ProgressFunc receives progress reports from a running measurement.
// Implementations must be cheap and must not block.
type ProgressFunc func(Progress)
