package capture

import (
	"errors"
	"fmt"
)

// Failure reasons reported on Failed outcomes and job records.
const (
	ReasonNavigationTimeout = "navigation-timeout"
	ReasonNavigationFailed  = "navigation-failed"
	ReasonUnsafeRedirect    = "unsafe-redirect"
	ReasonNoResponse        = "no-response"
	ReasonEncodingFailed    = "encoding-failed"
	ReasonResourceLimit     = "resource-limit"
	ReasonTimeout           = "timeout"
	ReasonInternal          = "internal"
)

var (
	// ErrNavigationTimeout is returned when the driver times out navigating.
	ErrNavigationTimeout = errors.New("navigation timed out")
	// ErrUnsafeRedirect is returned when a redirect hop targets an unsafe URL.
	ErrUnsafeRedirect = errors.New("redirect target is unsafe")
	// ErrNoResponse is returned when navigation produced no tracked response.
	ErrNoResponse = errors.New("no response tracked for navigation")
	// ErrEncoding is returned when screenshot compression fails.
	ErrEncoding = errors.New("screenshot encoding failed")
	// ErrJobTimeout is returned when the overall job deadline elapses.
	ErrJobTimeout = errors.New("capture job timed out")
	// ErrResourceLimit is returned when a job's execution context is terminated.
	ErrResourceLimit = errors.New("capture job exceeded its resource limits")
	// ErrQueueClosed is returned by queues after shutdown.
	ErrQueueClosed = errors.New("queue closed")
	// ErrJobNotFound is returned by job stores for unknown ids.
	ErrJobNotFound = errors.New("job not found")
)

// Failure is a job failure with a stable reason string.
type Failure struct {
	Reason string
	Err    error
}

// NewFailure wraps err with reason.
func NewFailure(reason string, err error) *Failure {
	return &Failure{Reason: reason, Err: err}
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Reason
	}
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// ReasonOf extracts the failure reason from err.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	switch {
	case errors.Is(err, ErrNavigationTimeout):
		return ReasonNavigationTimeout
	case errors.Is(err, ErrUnsafeRedirect):
		return ReasonUnsafeRedirect
	case errors.Is(err, ErrNoResponse):
		return ReasonNoResponse
	case errors.Is(err, ErrEncoding):
		return ReasonEncodingFailed
	case errors.Is(err, ErrJobTimeout):
		return ReasonTimeout
	case errors.Is(err, ErrResourceLimit):
		return ReasonResourceLimit
	default:
		return ReasonInternal
	}
}
