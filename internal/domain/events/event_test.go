package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/volscan/internal/domain/scanning"
)

var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestEnvelopeWireShape(t *testing.T) {
	res := scanning.ScanResult{VolumeID: "pgdata", TotalSize: 1536, FileCount: 2, Method: "fastwalk"}
	evt := NewScanComplete("pgdata", "s1", res, at)

	b, err := json.Marshal(evt)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Equal(t, "scan_complete", raw["type"])
	assert.Equal(t, "pgdata", raw["volume_id"])
	assert.Equal(t, "s1", raw["scan_id"])
	assert.Equal(t, "2026-03-01T12:00:00Z", raw["timestamp"])

	data := raw["data"].(map[string]any)
	assert.Equal(t, float64(1536), data["total_size"])
	assert.Equal(t, "1.5 KiB", data["human_size"])
}

func TestPingOmitsOptionalFields(t *testing.T) {
	b, err := json.Marshal(NewPing(at))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping","timestamp":"2026-03-01T12:00:00Z"}`, string(b))
}

func TestDecodePayloads(t *testing.T) {
	var perr ScanErrorPayload
	require.NoError(t, NewScanError("v1", "s1", "denied", scanning.CodePermissionDenied, at).Decode(&perr))
	assert.Equal(t, scanning.CodePermissionDenied, perr.Code)
	assert.Equal(t, "denied", perr.Message)

	echo := at.Add(-time.Second)
	var pong PongPayload
	require.NoError(t, NewPong(at, echo).Decode(&pong))
	assert.True(t, echo.Equal(pong.Echo))

	var upd VolumeUpdatePayload
	require.NoError(t, NewVolumeUpdate(nil, at).Decode(&upd))
	assert.NotNil(t, upd.Volumes)

	assert.Error(t, NewPing(at).Decode(&pong))
}

func TestScanProgressFromJob(t *testing.T) {
	id := uuid.New()
	job := scanning.ScanJob{
		ScanID:             id,
		VolumeID:           "v1",
		Status:             scanning.JobStatusRunning,
		Progress:           0.5,
		FilesScanned:       10,
		EstimatedRemaining: 2 * time.Second,
	}

	evt := NewScanProgress(job, at)
	assert.Equal(t, id.String(), evt.ScanID)

	var p ScanProgressPayload
	require.NoError(t, evt.Decode(&p))
	assert.Equal(t, int64(2000), p.EstimatedRemainingMS)
	assert.Equal(t, scanning.JobStatusRunning, p.Status)
}

func TestEventTypeClassification(t *testing.T) {
	assert.True(t, EventTypePing.IsControl())
	assert.False(t, EventTypeScanError.IsControl())
	assert.True(t, EventTypeVolumeUpdate.Valid())
	assert.False(t, EventType("hello").Valid())

	p := ApplyOptions(WithKey("v1"), WithHeaders(map[string]string{"a": "b"}))
	assert.Equal(t, "v1", p.Key)
	assert.Equal(t, "b", p.Headers["a"])
}
