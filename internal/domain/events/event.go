package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ahrav/volscan/internal/domain/scanning"
)

// Event is the envelope delivered to subscribers:
//
//	{type, volume_id?, scan_id?, data?, timestamp}
//
// Data is encoded once at construction so a single event can be fanned out to
// many subscribers without re-encoding or sharing mutable state.
type Event struct {
	Type      EventType       `json:"type"`
	VolumeID  string          `json:"volume_id,omitempty"`
	ScanID    string          `json:"scan_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// PongPayload answers a ping. Echo carries the timestamp of the ping being
// answered so the pinging side can compute round-trip latency.
type PongPayload struct {
	Echo time.Time `json:"echo"`
}

// ScanCompletePayload is the data of a scan_complete event.
type ScanCompletePayload struct {
	scanning.ScanResult
	HumanSize string `json:"human_size"`
}

// ScanErrorPayload is the data of a scan_error event.
type ScanErrorPayload struct {
	Message string             `json:"message"`
	Code    scanning.ErrorCode `json:"code"`
}

// ScanProgressPayload is the data of a scan_progress event.
type ScanProgressPayload struct {
	Status               scanning.JobStatus `json:"status"`
	Progress             float64            `json:"progress"`
	FilesScanned         int64              `json:"files_scanned"`
	CurrentPath          string             `json:"current_path,omitempty"`
	Method               string             `json:"method,omitempty"`
	EstimatedRemainingMS int64              `json:"estimated_remaining_ms"`
}

// VolumeUpdatePayload is the data of a volume_update event.
type VolumeUpdatePayload struct {
	Volumes []scanning.Volume `json:"volumes"`
}

// NewPing builds a heartbeat ping.
func NewPing(at time.Time) Event { return Event{Type: EventTypePing, Timestamp: at} }

// NewPong builds the answer to a ping sent at echo.
func NewPong(at, echo time.Time) Event {
	return Event{Type: EventTypePong, Data: mustMarshal(PongPayload{Echo: echo}), Timestamp: at}
}

// NewScanComplete builds a scan_complete event.
func NewScanComplete(volumeID, scanID string, r scanning.ScanResult, at time.Time) Event {
	return Event{
		Type:     EventTypeScanComplete,
		VolumeID: volumeID,
		ScanID:   scanID,
		Data: mustMarshal(ScanCompletePayload{
			ScanResult: r,
			HumanSize:  humanize.IBytes(uint64(r.TotalSize)),
		}),
		Timestamp: at,
	}
}

// NewScanError builds a scan_error event.
func NewScanError(volumeID, scanID, message string, code scanning.ErrorCode, at time.Time) Event {
	return Event{
		Type:      EventTypeScanError,
		VolumeID:  volumeID,
		ScanID:    scanID,
		Data:      mustMarshal(ScanErrorPayload{Message: message, Code: code}),
		Timestamp: at,
	}
}

// NewScanProgress builds a scan_progress event from a job snapshot.
func NewScanProgress(job scanning.ScanJob, at time.Time) Event {
	return Event{
		Type:     EventTypeScanProgress,
		VolumeID: job.VolumeID,
		ScanID:   job.ScanID.String(),
		Data: mustMarshal(ScanProgressPayload{
			Status:               job.Status,
			Progress:             job.Progress,
			FilesScanned:         job.FilesScanned,
			CurrentPath:          job.CurrentPath,
			Method:               job.Method,
			EstimatedRemainingMS: job.EstimatedRemaining.Milliseconds(),
		}),
		Timestamp: at,
	}
}

// NewVolumeUpdate builds a volume_update event.
func NewVolumeUpdate(volumes []scanning.Volume, at time.Time) Event {
	if volumes == nil {
		volumes = []scanning.Volume{}
	}
	return Event{
		Type:      EventTypeVolumeUpdate,
		Data:      mustMarshal(VolumeUpdatePayload{Volumes: volumes}),
		Timestamp: at,
	}
}

// mustMarshal encodes payload types defined in this package, none of which
// can fail to marshal.
func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("events: marshal %T: %v", v, err))
	}
	return b
}
