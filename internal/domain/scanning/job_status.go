package scanning

import (
	"fmt"
)

// JobStatus represents the current state of a scan job. It enables tracking of
// job lifecycle from submission through a terminal outcome.
type JobStatus string

const (
	// JobStatusQueued indicates the scan is waiting for a worker slot.
	JobStatusQueued JobStatus = "queued"

	// JobStatusRunning indicates a measurement method is executing.
	JobStatusRunning JobStatus = "running"

	// JobStatusSucceeded indicates the scan produced a result.
	JobStatusSucceeded JobStatus = "succeeded"

	// JobStatusFailed indicates the scan ended with an error.
	JobStatusFailed JobStatus = "failed"

	// JobStatusCancelled indicates the scan was cancelled or ran past its deadline.
	JobStatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) String() string { return string(s) }

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCancelled
}

// ParseJobStatus converts a string to a JobStatus.
func ParseJobStatus(s string) JobStatus {
	switch s {
	case "queued", "QUEUED":
		return JobStatusQueued
	case "running", "RUNNING":
		return JobStatusRunning
	case "succeeded", "SUCCEEDED":
		return JobStatusSucceeded
	case "failed", "FAILED":
		return JobStatusFailed
	case "cancelled", "CANCELLED":
		return JobStatusCancelled
	default:
		return "" // represents unspecified
	}
}

// ValidateTransition checks if a status transition is valid and returns an error if not.
func (s JobStatus) ValidateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidJobTransition, s, target)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target status.
func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case JobStatusQueued:
		// A queued scan may start, or end without ever running (queue timeout,
		// unresolvable volume, cancellation while waiting).
		return target == JobStatusRunning || target == JobStatusFailed || target == JobStatusCancelled
	case JobStatusRunning:
		return target == JobStatusSucceeded || target == JobStatusFailed || target == JobStatusCancelled
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return false
	default:
		return false
	}
}
