package domain

import (
	"errors"
	"fmt"
)

// User errors: the request itself is at fault and retrying unchanged will
// not help.
var (
	// ErrInsufficientBalance means the user cannot afford the job.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrUserQueueFull means the per-user queued-task cap is reached.
	ErrUserQueueFull = errors.New("user queue limit reached")
	// ErrAlreadyActive means the user already holds the active-job lock.
	ErrAlreadyActive = errors.New("user already has an active generation")
	// ErrInvalidInput means the job request is malformed.
	ErrInvalidInput = errors.New("invalid input")
)

// System-busy errors: transient, the caller may suggest a retry.
var (
	// ErrGlobalQueueFull means the global queue cap is reached.
	ErrGlobalQueueFull = errors.New("global queue full")
	// ErrGPUSaturated means no GPU slot is currently available.
	ErrGPUSaturated = errors.New("gpu at capacity")
)

// Auth errors.
var (
	// ErrUnauthorized means the caller presented no valid credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the caller lacks the required privilege.
	ErrForbidden = errors.New("forbidden")
	// ErrBanned means the user is banned and may not submit jobs.
	ErrBanned = errors.New("user is banned")
)

// ErrNotFound is returned by repositories when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrIllegalTransition is returned when a status change violates the task
// lifecycle graph, e.g. moving out of a terminal status.
var ErrIllegalTransition = errors.New("illegal task transition")

// IsUserError reports whether err is the user's fault rather than the
// system's; such errors are rendered verbatim, without a trace id.
func IsUserError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrUserQueueFull) ||
		errors.Is(err, ErrAlreadyActive) ||
		errors.Is(err, ErrInvalidInput)
}

// IsSystemBusy reports whether err indicates transient saturation.
func IsSystemBusy(err error) bool {
	return errors.Is(err, ErrGlobalQueueFull) || errors.Is(err, ErrGPUSaturated)
}

// BackendErrorKind classifies a generation backend failure for user
// messaging. Every kind leads to FAILED status and a uniform refund.
type BackendErrorKind string

const (
	// BackendUnavailable means the backend could not be reached.
	BackendUnavailable BackendErrorKind = "unavailable"
	// BackendTimeout means the invocation exceeded its budget.
	BackendTimeout BackendErrorKind = "timeout"
	// BackendRejected means the backend refused the input (e.g. no face
	// detected for an animation job).
	BackendRejected BackendErrorKind = "rejected"
	// BackendProducedInvalid means the output failed validation (too
	// small, wrong media kind).
	BackendProducedInvalid BackendErrorKind = "produced_invalid"
	// BackendUnknown covers everything else.
	BackendUnknown BackendErrorKind = "unknown"
)

// BackendError wraps a generation backend failure with its classification.
type BackendError struct {
	Kind BackendErrorKind
	Err  error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("backend error (%s)", e.Kind)
	}
	return fmt.Sprintf("backend error (%s): %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *BackendError) Unwrap() error { return e.Err }

// ClassifyBackendError extracts the failure kind, defaulting to unknown.
func ClassifyBackendError(err error) BackendErrorKind {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}
	return BackendUnknown
}
