package broadcast

import (
	"context"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/volscan/internal/domain/scanning"
	"github.com/ahrav/volscan/pkg/common/logger"
)

// VolumeLister enumerates the volumes currently present.
type VolumeLister interface {
	List(ctx context.Context) ([]scanning.Volume, error)
}

// VolumeUpdater receives inventory changes.
type VolumeUpdater interface {
	BroadcastVolumeUpdate(ctx context.Context, volumes []scanning.Volume)
}

// InventoryPoller periodically lists volumes and announces the inventory
// whenever the set of volume ids changes.
type InventoryPoller struct {
	lister   VolumeLister
	updater  VolumeUpdater
	interval time.Duration

	// last holds the sorted ids announced most recently; nil before the first poll.
	last []string

	tracer trace.Tracer
	logger *logger.Logger
}

// NewInventoryPoller creates a poller announcing changes every interval.
func NewInventoryPoller(
	lister VolumeLister,
	updater VolumeUpdater,
	interval time.Duration,
	tracer trace.Tracer,
	logger *logger.Logger,
) *InventoryPoller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &InventoryPoller{
		lister:   lister,
		updater:  updater,
		interval: interval,
		tracer:   tracer,
		logger:   logger.With("component", "inventory_poller"),
	}
}

// Run polls immediately and then every interval until ctx ends.
func (p *InventoryPoller) Run(ctx context.Context) {
	p.logger.Info(ctx, "inventory poller started", "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.poll(ctx); err != nil {
			p.logger.Warn(ctx, "failed to list volumes", "error", err)
		}

		select {
		case <-ctx.Done():
			p.logger.Info(ctx, "inventory poller stopped")
			return
		case <-ticker.C:
		}
	}
}

// poll lists volumes once and broadcasts when the inventory changed. The
// first successful poll always broadcasts.
func (p *InventoryPoller) poll(ctx context.Context) (bool, error) {
	ctx, span := p.tracer.Start(ctx, "inventory_poller.broadcast.poll")
	defer span.End()

	vols, err := p.lister.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list volumes")
		return false, err
	}

	ids := make([]string, 0, len(vols))
	for _, v := range vols {
		ids = append(ids, v.ID)
	}
	slices.Sort(ids)

	if p.last != nil && slices.Equal(ids, p.last) {
		span.SetAttributes(attribute.Bool("changed", false))
		return false, nil
	}
	p.last = ids

	span.SetAttributes(attribute.Bool("changed", true), attribute.Int("volumes", len(ids)))
	p.updater.BroadcastVolumeUpdate(ctx, vols)
	p.logger.Debug(ctx, "volume inventory changed", "volumes", len(ids))
	return true, nil
}
