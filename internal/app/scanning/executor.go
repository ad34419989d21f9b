package scanning

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/ahrav/volscan/internal/domain/scanning"
)

// execute runs the candidate methods in precedence order until one succeeds.
// Every attempt is recorded in metrics; only the final outcome is returned.
// Fallback stops early on cancellation and on failures no other method can
// overcome (bad path, missing volume, permission denied).
func (s *Scheduler) execute(ctx context.Context, f *flight, path string) (scanning.ScanResult, *scanning.ScanError) {
	ctx, span := s.tracer.Start(ctx, "scheduler.scanning.execute",
		trace.WithAttributes(
			attribute.String("volume_id", f.volumeID),
			attribute.String("path", path),
		))
	defer span.End()

	candidates := s.catalog.Candidates()
	if len(candidates) == 0 {
		s.metrics.RecordScanFailure(ctx, methodAll, scanning.CodeAllMethodsFailed)
		span.SetStatus(codes.Error, "no candidate methods")
		return scanning.ScanResult{}, scanning.NewScanError(
			f.volumeID, "", scanning.CodeAllMethodsFailed, scanning.ErrNoCandidateMethods)
	}

	progress := s.progressFunc(ctx, f.job)

	var tried []string
	var lastErr error
	for _, m := range candidates {
		info := m.Info()
		name := info.Name
		if !info.Available {
			lastErr = fmt.Errorf("%s: %w", name, scanning.ErrMethodUnavailable)
			s.metrics.RecordScanFailure(ctx, name, scanning.CodeMethodUnavailable)
			s.logger.Debug(ctx, "skipping unavailable measurement method",
				"volume_id", f.volumeID, "method", name)
			continue
		}
		tried = append(tried, name)
		f.job.setMethod(name)

		res, err := s.attempt(ctx, f.volumeID, path, m, progress)
		if err == nil {
			span.SetAttributes(attribute.String("method", name), attribute.Int("attempts", len(tried)))
			span.SetStatus(codes.Ok, "scan succeeded")
			return res, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			se := scanning.NewScanError(f.volumeID, name, scanning.CodeScanCancelled, context.Cause(ctx))
			span.SetStatus(codes.Error, "scan cancelled")
			return scanning.ScanResult{}, se
		}
		if scanning.HaltsFallback(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "scan failed")
			return scanning.ScanResult{}, scanning.AsScanError(f.volumeID, name, err)
		}

		s.logger.Warn(ctx, "measurement method failed, falling back",
			"volume_id", f.volumeID, "method", name, "code", scanning.CodeOf(err), "error", err)
	}

	s.metrics.RecordScanFailure(ctx, methodAll, scanning.CodeAllMethodsFailed)
	se := scanning.NewScanError(f.volumeID, "", scanning.CodeAllMethodsFailed, lastErr).
		WithContext("methods", strings.Join(tried, ",")).
		WithContext("attempts", strconv.Itoa(len(tried)))
	span.RecordError(se)
	span.SetStatus(codes.Error, "all methods failed")
	return scanning.ScanResult{}, se
}

// attempt runs a single method, bracketing it with the per-attempt metrics.
func (s *Scheduler) attempt(
	ctx context.Context,
	volumeID, path string,
	m scanning.Measurer,
	progress scanning.ProgressFunc,
) (scanning.ScanResult, error) {
	name := m.Info().Name
	ctx, span := s.tracer.Start(ctx, "scheduler.scanning.attempt",
		trace.WithAttributes(attribute.String("method", name)))
	defer span.End()

	s.metrics.ScanStarted(ctx, name)
	start := s.timeProvider.Now()
	meas, err := m.Measure(ctx, path, progress)
	duration := s.timeProvider.Now().Sub(start)
	s.metrics.ScanFinished(ctx, name)
	s.metrics.RecordScanAttempt(ctx, name, duration, err == nil)

	if err != nil {
		s.metrics.RecordScanFailure(ctx, name, scanning.CodeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "attempt failed")
		return scanning.ScanResult{}, err
	}

	res := scanning.NewScanResult(volumeID, name, meas, s.timeProvider.Now(), duration)
	span.SetAttributes(
		attribute.Int64("total_size", res.TotalSize),
		attribute.Int64("file_count", res.FileCount),
	)
	return res, nil
}

// progressFunc returns the callback handed to methods. It updates the job on
// every report and broadcasts at most once per progress interval.
func (s *Scheduler) progressFunc(ctx context.Context, j *job) scanning.ProgressFunc {
	limiter := rate.NewLimiter(rate.Every(s.cfg.ProgressInterval), 1)
	return func(p scanning.Progress) {
		snap := j.observe(p, s.timeProvider.Now())
		if snap.Status == scanning.JobStatusRunning && limiter.Allow() {
			s.broadcaster.BroadcastScanProgress(ctx, snap)
		}
	}
}
