// Package scanning holds the domain model for volume size measurement: the
// results a scan produces, the jobs tracking asynchronous scans, the failure
// taxonomy, and the ports the application layer depends on.
package scanning

import (
	"time"

	"github.com/dustin/go-humanize"
)

// ScanResult is the outcome of one successful measurement of a volume.
// Results are values; a newer scan supersedes a result, it never mutates one.
type ScanResult struct {
	VolumeID       string        `json:"volume_id"`
	TotalSize      int64         `json:"total_size"`
	FileCount      int64         `json:"file_count"`
	DirectoryCount int64         `json:"directory_count"`
	Method         string        `json:"method"`
	ScannedAt      time.Time     `json:"scanned_at"`
	Duration       time.Duration `json:"duration"`
	CacheHit       bool          `json:"cache_hit"`
}

// NewScanResult builds a result from a raw measurement.
func NewScanResult(volumeID, method string, m Measurement, scannedAt time.Time, d time.Duration) ScanResult {
	return ScanResult{
		VolumeID:       volumeID,
		TotalSize:      max(m.TotalSize, 0),
		FileCount:      max(m.FileCount, 0),
		DirectoryCount: max(m.DirectoryCount, 0),
		Method:         method,
		ScannedAt:      scannedAt,
		Duration:       d,
	}
}

// AsCacheHit returns a copy of the result marked as served from cache.
func (r ScanResult) AsCacheHit() ScanResult {
	r.CacheHit = true
	return r
}

// HumanSize renders TotalSize in IEC units, e.g. "1.5 GiB".
func (r ScanResult) HumanSize() string { return humanize.IBytes(uint64(r.TotalSize)) }

// Measurement is what a measurement method reports for a path.
type Measurement struct {
	TotalSize      int64
	FileCount      int64
	DirectoryCount int64
}

// Volume summarizes a storage volume for inventory updates pushed to
// subscribers. Enumerating volumes is the job of an external collaborator.
type Volume struct {
	ID         string            `json:"id"`
	Driver     string            `json:"driver,omitempty"`
	Mountpoint string            `json:"mountpoint,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	CreatedAt  time.Time         `json:"created_at,omitempty"`
}
