package scanning

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/volscan/internal/domain/scanning"
)

// BulkResult summarizes a bulk request. A bulk request never fails as a
// whole; each volume succeeds or fails on its own.
type BulkResult struct {
	// Succeeded holds results of a synchronous bulk scan, by volume.
	Succeeded map[string]scanning.ScanResult `json:"succeeded,omitempty"`
	// ScanIDs holds the job id of each volume of an asynchronous bulk scan.
	ScanIDs map[string]string `json:"scan_ids,omitempty"`
	// Failed holds the reason each failed volume failed.
	Failed map[string]*scanning.ScanError `json:"failed"`
}

// BulkScan scans every volume in volumeIDs. In synchronous mode it waits for
// all of them, at most Config.BulkConcurrency at a time, and reports partial
// success. In asynchronous mode it submits one job per volume and returns the
// ids immediately. Duplicate ids are scanned once.
func (s *Scheduler) BulkScan(ctx context.Context, volumeIDs []string, async bool) BulkResult {
	ctx, span := s.tracer.Start(ctx, "scheduler.scanning.bulk_scan",
		trace.WithAttributes(
			attribute.Int("volume_count", len(volumeIDs)),
			attribute.Bool("async", async),
		))
	defer span.End()

	ids := dedupe(volumeIDs)
	out := BulkResult{Failed: make(map[string]*scanning.ScanError)}

	if async {
		out.ScanIDs = make(map[string]string, len(ids))
		for _, id := range ids {
			scanID, err := s.ScanAsync(ctx, id)
			if err != nil {
				out.Failed[id] = scanning.AsScanError(id, "", err)
				continue
			}
			out.ScanIDs[id] = scanID.String()
		}
		return out
	}

	out.Succeeded = make(map[string]scanning.ScanResult, len(ids))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.BulkConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			res, err := s.ScanSync(gctx, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				out.Failed[id] = scanning.AsScanError(id, "", err)
				return nil
			}
			out.Succeeded[id] = res
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	span.SetAttributes(
		attribute.Int("succeeded", len(out.Succeeded)),
		attribute.Int("failed", len(out.Failed)),
	)
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
