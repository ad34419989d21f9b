// Package postgres persists scan history in PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/volscan/internal/domain/scanning"
	"github.com/ahrav/volscan/internal/infra/storage"
)

var (
	_ scanning.HistoryRecorder = (*historyStore)(nil)
	_ scanning.HistoryReader   = (*historyStore)(nil)
)

// historyStore implements the history ports on a pgx pool.
type historyStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewHistoryStore creates a PostgreSQL-backed history store. The schema must
// already be migrated, see storage.Migrate.
func NewHistoryStore(pool *pgxpool.Pool, tracer trace.Tracer) *historyStore {
	return &historyStore{db: pool, tracer: tracer}
}

const insertScan = `
INSERT INTO scan_history (volume_id, total_size, file_count, directory_count, method, scanned_at, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// RecordScan appends a completed scan.
func (r *historyStore) RecordScan(ctx context.Context, rec scanning.HistoryRecord) error {
	dbAttrs := append(
		storage.DefaultDBAttributes,
		attribute.String("volume_id", rec.VolumeID),
		attribute.String("method", rec.Method),
		attribute.Int64("total_size", rec.TotalSize),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.record_scan", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		_, err := r.db.Exec(ctx, insertScan,
			rec.VolumeID,
			rec.TotalSize,
			rec.FileCount,
			rec.DirectoryCount,
			rec.Method,
			rec.ScannedAt,
			rec.Duration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("insert scan history error: %w", err)
		}
		return nil
	})
}

const selectRecent = `
SELECT volume_id, total_size, file_count, directory_count, method, scanned_at, duration_ms
FROM scan_history
WHERE volume_id = $1
ORDER BY scanned_at DESC, id DESC
LIMIT $2`

// RecentScans returns up to limit scans of volumeID, newest first.
func (r *historyStore) RecentScans(ctx context.Context, volumeID string, limit int) ([]scanning.HistoryRecord, error) {
	dbAttrs := append(
		storage.DefaultDBAttributes,
		attribute.String("volume_id", volumeID),
		attribute.Int("limit", limit),
	)

	var records []scanning.HistoryRecord
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.recent_scans", dbAttrs, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, selectRecent, volumeID, limit)
		if err != nil {
			return fmt.Errorf("query scan history error: %w", err)
		}

		records, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (scanning.HistoryRecord, error) {
			var (
				rec        scanning.HistoryRecord
				durationMS int64
			)
			err := row.Scan(
				&rec.VolumeID,
				&rec.TotalSize,
				&rec.FileCount,
				&rec.DirectoryCount,
				&rec.Method,
				&rec.ScannedAt,
				&durationMS,
			)
			rec.ScannedAt = rec.ScannedAt.UTC()
			rec.Duration = time.Duration(durationMS) * time.Millisecond
			return rec, err
		})
		if err != nil {
			return fmt.Errorf("scan history rows error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Prune deletes history older than cutoff and returns the number of rows removed.
func (r *historyStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	dbAttrs := append(storage.DefaultDBAttributes, attribute.String("cutoff", cutoff.String()))

	var removed int64
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.prune_scan_history", dbAttrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, `DELETE FROM scan_history WHERE scanned_at < $1`, cutoff)
		if err != nil {
			return fmt.Errorf("prune scan history error: %w", err)
		}
		removed = tag.RowsAffected()
		return nil
	})
	return removed, err
}
