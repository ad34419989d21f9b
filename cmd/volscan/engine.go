package main

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/volscan/internal/app/broadcast"
	appscanning "github.com/ahrav/volscan/internal/app/scanning"
	"github.com/ahrav/volscan/internal/config"
	"github.com/ahrav/volscan/internal/domain/scanning"
	cachememory "github.com/ahrav/volscan/internal/infra/cache/memory"
	"github.com/ahrav/volscan/internal/infra/measure"
	"github.com/ahrav/volscan/internal/infra/volume"
	"github.com/ahrav/volscan/pkg/common/logger"
)

// engine is the scan stack shared by serve and the one-shot commands.
type engine struct {
	registry  *measure.Registry
	resolver  *volume.DirectoryResolver
	scheduler *appscanning.Scheduler
}

func newRegistry(ctx context.Context, cfg *config.Config, log *logger.Logger) (*measure.Registry, error) {
	accuracy, err := scanning.ParseAccuracyTier(cfg.Scan.MinAccuracy)
	if err != nil {
		return nil, err
	}

	registry, err := measure.NewRegistry(log, measure.RegistryConfig{
		Order:       cfg.Scan.MethodOrder,
		MinAccuracy: accuracy,
	}, measure.Builtin(cfg.Scan.WalkWorkers)...)
	if err != nil {
		return nil, fmt.Errorf("creating method registry: %w", err)
	}
	registry.Refresh(ctx)
	return registry, nil
}

// newEngine wires the method registry, resolver, result cache and scheduler.
// broadcaster may be nil.
func newEngine(
	ctx context.Context,
	cfg *config.Config,
	broadcaster scanning.EventBroadcaster,
	metrics appscanning.Metrics,
	tracer trace.Tracer,
	log *logger.Logger,
	opts ...appscanning.Option,
) (*engine, error) {
	registry, err := newRegistry(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	resolver := volume.NewDirectoryResolver(cfg.Volumes.Root, cfg.Volumes.DataSubdir)
	cache := cachememory.NewCache(
		cachememory.WithMaxEntries(cfg.Cache.MaxEntries),
		cachememory.WithMaxAge(cfg.Cache.MaxAge),
	)

	scheduler := appscanning.NewScheduler(appscanning.Config{
		MaxConcurrent:    cfg.Scan.MaxConcurrent,
		QueueTimeout:     cfg.Scan.QueueTimeout,
		ScanTimeout:      cfg.Scan.ScanTimeout,
		JobRetention:     cfg.Scan.JobRetention,
		MaxRetainedJobs:  cfg.Scan.MaxRetainedJobs,
		ProgressInterval: cfg.Scan.ProgressInterval,
		BulkConcurrency:  cfg.Scan.BulkConcurrency,
	}, cache, registry, resolver, broadcaster, metrics, tracer, log, opts...)

	return &engine{registry: registry, resolver: resolver, scheduler: scheduler}, nil
}

func hubConfig(cfg *config.Config) broadcast.Config {
	return broadcast.Config{
		HeartbeatInterval: cfg.Hub.HeartbeatInterval,
		MissedHeartbeats:  cfg.Hub.MissedHeartbeats,
		QueueSize:         cfg.Hub.QueueSize,
		WriteTimeout:      cfg.Hub.WriteTimeout,
		InboundRate:       cfg.Hub.InboundRate,
		InboundBurst:      cfg.Hub.InboundBurst,
		SinkQueueSize:     cfg.Hub.SinkQueueSize,
	}
}
