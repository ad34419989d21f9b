package scanning

import (
	"context"
	"fmt"
	"time"

	"github.com/ahrav/volscan/internal/domain/scanning"
)

// Cancellation causes. Each wraps context.Canceled or DeadlineExceeded so the
// failure classifies as ScanCancelled.
var (
	errCancelRequested = fmt.Errorf("%w: cancelled by request", context.Canceled)
	errWaitersGone     = fmt.Errorf("%w: every waiter left", context.Canceled)
	errShuttingDown    = fmt.Errorf("%w: scheduler shutting down", context.Canceled)
	errScanTimeout     = fmt.Errorf("%w: scan timeout exceeded", context.DeadlineExceeded)
)

// flight is the single in-progress scan of a volume. Concurrent requesters
// for the same volume join it instead of starting another measurement.
//
// waiters, held and timeout are guarded by the scheduler's mutex. result and
// err are written once, before done is closed.
type flight struct {
	volumeID string
	job      *job
	done     chan struct{}
	cancel   context.CancelCauseFunc

	// waiters counts synchronous callers blocked on done.
	waiters int
	// held is set once an async request depends on the flight; such a flight
	// runs to completion even if every synchronous waiter leaves.
	held bool
	// timeout cancels the flight once it has been held for ScanTimeout.
	timeout *time.Timer

	result scanning.ScanResult
	err    *scanning.ScanError
}

func newFlight(volumeID string, j *job, cancel context.CancelCauseFunc) *flight {
	return &flight{
		volumeID: volumeID,
		job:      j,
		done:     make(chan struct{}),
		cancel:   cancel,
	}
}

// outcome returns the flight's result. Callers must wait on done first.
func (f *flight) outcome() (scanning.ScanResult, error) {
	if f.err != nil {
		return scanning.ScanResult{}, f.err
	}
	return f.result, nil
}

// hold marks the flight as needed by an async request. The first hold starts
// the scan timeout, whoever started the flight.
func (f *flight) hold(timeout time.Duration) {
	if f.held {
		return
	}
	f.held = true
	if timeout > 0 {
		f.timeout = time.AfterFunc(timeout, func() { f.cancel(errScanTimeout) })
	}
}

// release stops the scan timeout.
func (f *flight) release() {
	if f.timeout != nil {
		f.timeout.Stop()
	}
}
