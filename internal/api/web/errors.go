package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	appscanning "github.com/ahrav/volscan/internal/app/scanning"
	"github.com/ahrav/volscan/internal/domain/scanning"
)

// Error codes for failures that are not scan failures.
const (
	CodeInvalidArgument = "InvalidArgument"
	CodeNotFound        = "NotFound"
	CodeConflict        = "Conflict"
	CodeUnavailable     = "Unavailable"
	CodeInternal        = "Internal"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable,omitempty"`
	VolumeID  string            `json:"volume_id,omitempty"`
	Method    string            `json:"method,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	Fields    FieldErrors       `json:"fields,omitempty"`
}

// Error is an error bound to an HTTP status.
type Error struct {
	Status     int
	RetryAfter time.Duration
	Body       ErrorResponse
}

func (e *Error) Error() string { return e.Body.Message }

// NewError creates an Error with an explicit status and code.
func NewError(status int, code string, err error) *Error {
	return &Error{Status: status, Body: ErrorResponse{Code: code, Message: err.Error()}}
}

// InvalidArgument reports a malformed request.
func InvalidArgument(err error) *Error {
	e := NewError(http.StatusBadRequest, CodeInvalidArgument, err)
	var fe FieldErrors
	if errors.As(err, &fe) {
		e.Body.Fields = fe
	}
	return e
}

// scanStatus maps each scan failure code to its HTTP status.
var scanStatus = map[scanning.ErrorCode]int{
	scanning.CodeQueueTimeout:         http.StatusServiceUnavailable,
	scanning.CodePathValidationFailed: http.StatusBadRequest,
	scanning.CodeVolumeNotFound:       http.StatusNotFound,
	scanning.CodePermissionDenied:     http.StatusForbidden,
	scanning.CodeScanCancelled:        http.StatusConflict,
	scanning.CodeAllMethodsFailed:     http.StatusBadGateway,
	scanning.CodeMethodFailed:         http.StatusBadGateway,
	scanning.CodeMethodUnavailable:    http.StatusServiceUnavailable,
}

// FromError converts err into an Error. Scan failures keep their code and
// context; retryable failures carry retryAfter.
func FromError(err error, retryAfter time.Duration) *Error {
	var we *Error
	if errors.As(err, &we) {
		return we
	}

	switch {
	case errors.Is(err, scanning.ErrJobNotFound):
		return NewError(http.StatusNotFound, CodeNotFound, err)
	case errors.Is(err, appscanning.ErrJobFinished):
		return NewError(http.StatusConflict, CodeConflict, err)
	case errors.Is(err, appscanning.ErrSchedulerClosed):
		return &Error{
			Status:     http.StatusServiceUnavailable,
			RetryAfter: retryAfter,
			Body:       ErrorResponse{Code: CodeUnavailable, Message: err.Error(), Retryable: true},
		}
	}

	var se *scanning.ScanError
	if !errors.As(err, &se) {
		return NewError(http.StatusInternalServerError, CodeInternal, err)
	}

	status, ok := scanStatus[se.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	e := &Error{
		Status: status,
		Body: ErrorResponse{
			Code:      se.Code.String(),
			Message:   se.Message,
			Retryable: se.Code.Retryable(),
			VolumeID:  se.VolumeID,
			Method:    se.Method,
			Context:   se.Context,
		},
	}
	if se.Code.Retryable() {
		e.RetryAfter = retryAfter
	}
	return e
}

// RespondError writes err with its status, adding Retry-After for retryable
// failures.
func RespondError(w http.ResponseWriter, err error, retryAfter time.Duration) *Error {
	e := FromError(err, retryAfter)
	if e.RetryAfter > 0 {
		secs := int(e.RetryAfter.Round(time.Second) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	}
	Respond(w, e.Status, e.Body)
	return e
}
