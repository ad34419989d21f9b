package scanning

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
)

// ErrorCode classifies scan failures. Codes are part of the wire contract.
type ErrorCode string

const (
	// CodeQueueTimeout means the scan waited past the queue-wait limit for a slot.
	CodeQueueTimeout ErrorCode = "QueueTimeout"
	// CodePathValidationFailed means the volume identifier or its path is invalid.
	CodePathValidationFailed ErrorCode = "PathValidationFailed"
	// CodeVolumeNotFound means the volume does not exist.
	CodeVolumeNotFound ErrorCode = "VolumeNotFound"
	// CodePermissionDenied means access to the volume was refused.
	CodePermissionDenied ErrorCode = "PermissionDenied"
	// CodeAllMethodsFailed means every candidate method failed.
	CodeAllMethodsFailed ErrorCode = "AllMethodsFailed"
	// CodeScanCancelled means the scan was cancelled or exceeded its deadline.
	CodeScanCancelled ErrorCode = "ScanCancelled"
	// CodeMethodFailed means a single method attempt failed for a generic reason.
	CodeMethodFailed ErrorCode = "MethodFailed"
	// CodeMethodUnavailable means a method could not run on this host.
	CodeMethodUnavailable ErrorCode = "MethodUnavailable"
)

func (c ErrorCode) String() string { return string(c) }

// Retryable reports whether a caller may reasonably retry the same request.
// The scheduler itself never retries.
func (c ErrorCode) Retryable() bool { return c == CodeQueueTimeout }

// haltsFallback reports whether a failure with this code makes trying the
// next method pointless.
func (c ErrorCode) haltsFallback() bool {
	switch c {
	case CodeScanCancelled, CodePathValidationFailed, CodeVolumeNotFound, CodePermissionDenied:
		return true
	default:
		return false
	}
}

// HaltsFallback reports whether method fallback must stop at this error.
func HaltsFallback(err error) bool { return CodeOf(err).haltsFallback() }

// Sentinel errors.
var (
	ErrJobNotFound          = errors.New("scan job not found")
	ErrInvalidJobTransition = errors.New("invalid job status transition")
	ErrMethodUnavailable    = errors.New("measurement method unavailable")
	ErrNoCandidateMethods   = errors.New("no measurement method available")
	ErrInvalidVolumeID      = errors.New("invalid volume identifier")
	ErrInvalidVolumePath    = errors.New("invalid volume path")
	ErrVolumeNotFound       = errors.New("volume not found")
)

// ScanError is a classified scan failure. It is always surfaced, either to a
// synchronous caller or on the async job and as a scan_error event.
type ScanError struct {
	VolumeID string            `json:"volume_id"`
	Method   string            `json:"method,omitempty"`
	Code     ErrorCode         `json:"code"`
	Message  string            `json:"message"`
	Context  map[string]string `json:"context,omitempty"`

	Err error `json:"-"`
}

// NewScanError builds a ScanError wrapping err.
func NewScanError(volumeID, method string, code ErrorCode, err error) *ScanError {
	msg := string(code)
	if err != nil {
		msg = err.Error()
	}
	return &ScanError{VolumeID: volumeID, Method: method, Code: code, Message: msg, Err: err}
}

// WithContext returns the error annotated with a key/value pair.
func (e *ScanError) WithContext(key, value string) *ScanError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

func (e *ScanError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "scan %s", e.VolumeID)
	if e.Method != "" {
		fmt.Fprintf(&b, " via %s", e.Method)
	}
	fmt.Fprintf(&b, ": %s: %s", e.Code, e.Message)
	return b.String()
}

func (e *ScanError) Unwrap() error { return e.Err }

// Is lets errors.Is match on code alone: errors.Is(err, &ScanError{Code: CodeQueueTimeout}).
func (e *ScanError) Is(target error) bool {
	t, ok := target.(*ScanError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.VolumeID == "" || t.VolumeID == e.VolumeID)
}

// CodeOf classifies err. Unknown errors are MethodFailed.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var se *ScanError
	if errors.As(err, &se) {
		return se.Code
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeScanCancelled
	case errors.Is(err, ErrInvalidVolumeID), errors.Is(err, ErrInvalidVolumePath):
		return CodePathValidationFailed
	case errors.Is(err, ErrVolumeNotFound), errors.Is(err, fs.ErrNotExist):
		return CodeVolumeNotFound
	case errors.Is(err, fs.ErrPermission):
		return CodePermissionDenied
	case errors.Is(err, ErrMethodUnavailable):
		return CodeMethodUnavailable
	default:
		return CodeMethodFailed
	}
}

// AsScanError returns err as a *ScanError, classifying and wrapping it when
// it is not one already.
func AsScanError(volumeID, method string, err error) *ScanError {
	if err == nil {
		return nil
	}
	var se *ScanError
	if errors.As(err, &se) {
		return se
	}
	return NewScanError(volumeID, method, CodeOf(err), err)
}
