// Package memory keeps scan history in process memory.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/ahrav/volscan/internal/domain/scanning"
)

// HistoryStore provides an in-memory implementation of the history ports for
// deployments without a database. It keeps at most perVolume records per volume.
type HistoryStore struct {
	mu        sync.RWMutex
	records   map[string][]scanning.HistoryRecord // Keyed by volume ID, oldest first
	perVolume int
}

// NewHistoryStore creates a history store retaining perVolume records per volume.
func NewHistoryStore(perVolume int) *HistoryStore {
	if perVolume <= 0 {
		perVolume = 50
	}
	return &HistoryStore{
		records:   make(map[string][]scanning.HistoryRecord),
		perVolume: perVolume,
	}
}

// RecordScan appends rec, dropping the volume's oldest record when full.
func (s *HistoryStore) RecordScan(ctx context.Context, rec scanning.HistoryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recs := append(s.records[rec.VolumeID], rec)
	slices.SortStableFunc(recs, func(a, b scanning.HistoryRecord) int { return a.ScannedAt.Compare(b.ScannedAt) })
	if over := len(recs) - s.perVolume; over > 0 {
		recs = slices.Clone(recs[over:])
	}
	s.records[rec.VolumeID] = recs
	return nil
}

// RecentScans returns up to limit records of volumeID, newest first.
func (s *HistoryStore) RecentScans(ctx context.Context, volumeID string, limit int) ([]scanning.HistoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.records[volumeID]
	n := len(recs)
	if limit > 0 {
		n = min(n, limit)
	}
	out := make([]scanning.HistoryRecord, 0, n)
	for i := len(recs) - 1; i >= len(recs)-n; i-- {
		out = append(out, recs[i])
	}
	return out, nil
}
