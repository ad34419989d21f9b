package scanning

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ahrav/volscan/internal/domain/scanning"
)

var errQueueWaitExpired = errors.New("queue wait expired")

// admission bounds the number of concurrently running measurements. Waiters
// are served in arrival order and give up after queueTimeout.
type admission struct {
	slots        *semaphore.Weighted
	queueTimeout time.Duration

	queued atomic.Int64
	active atomic.Int64

	metrics Metrics
}

func newAdmission(maxConcurrent int, queueTimeout time.Duration, metrics Metrics) *admission {
	return &admission{
		slots:        semaphore.NewWeighted(int64(maxConcurrent)),
		queueTimeout: queueTimeout,
		metrics:      metrics,
	}
}

// acquire blocks until a slot is free. It returns a QueueTimeout ScanError
// when the wait limit passes first, and ctx's error when ctx ends first.
func (a *admission) acquire(ctx context.Context, volumeID string) error {
	a.metrics.ScanQueueDepth(ctx, int(a.queued.Add(1)))

	waitCtx, cancel := context.WithTimeoutCause(ctx, a.queueTimeout, errQueueWaitExpired)
	err := a.slots.Acquire(waitCtx, 1)
	cause := context.Cause(waitCtx)
	cancel()

	a.metrics.ScanQueueDepth(ctx, int(a.queued.Add(-1)))

	if err != nil {
		if errors.Is(cause, errQueueWaitExpired) && ctx.Err() == nil {
			return scanning.NewScanError(volumeID, "", scanning.CodeQueueTimeout,
				fmt.Errorf("no worker slot within %s: %w", a.queueTimeout, errQueueWaitExpired))
		}
		return err
	}

	a.metrics.SetActiveScanners(ctx, int(a.active.Add(1)))
	return nil
}

func (a *admission) release(ctx context.Context) {
	a.slots.Release(1)
	a.metrics.SetActiveScanners(ctx, int(a.active.Add(-1)))
}

// queueDepth returns the number of scans waiting for a slot.
func (a *admission) queueDepth() int { return int(a.queued.Load()) }

// running returns the number of slots in use.
func (a *admission) running() int { return int(a.active.Load()) }
