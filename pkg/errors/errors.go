// Package errors defines the broker error taxonomy. Every failure that
// crosses a component boundary carries one of the kinds below so that callers
// can decide between retrying, degrading, or surfacing the failure.
package errors

import (
	"errors"
	"fmt"
)

// Error kinds
const (
	// KindValidation is returned for bad input at a boundary; never retried.
	KindValidation = "validation"

	// KindConflict is returned on a unique-index collision or a lost
	// claim race; handled locally by re-reading or trying the next candidate.
	KindConflict = "conflict"

	// KindUpstream is returned for a non-2xx, non-403 gateway response.
	KindUpstream = "upstream"

	// KindForbidden is returned when the gateway rejects a call with 403
	// even after one re-authentication attempt.
	KindForbidden = "forbidden"

	// KindCircuitOpen is returned when the circuit breaker short-circuits
	// a call without issuing it.
	KindCircuitOpen = "circuit_open"

	// KindSpawnFailed is returned when a workload could not be created.
	KindSpawnFailed = "spawn_failed"

	// KindProbeTimeout is returned when a workload never became reachable
	// within the readiness deadline.
	KindProbeTimeout = "probe_timeout"

	// KindResourcePressure is returned by the pool manager when resource
	// ceilings deny a spawn; the cycle is skipped, the user path unaffected.
	KindResourcePressure = "resource_pressure"

	// KindResourceUnavailable is returned when the database pool cannot
	// hand out a connection before its deadline.
	KindResourceUnavailable = "resource_unavailable"

	// KindInternal is the catch-all for unexpected failures.
	KindInternal = "internal"
)

// Error represents an error in the broker with a classified kind.
type Error struct {
	// Kind is one of the Kind* constants.
	Kind string

	// Message describes the failure.
	Message string

	// Cause is the underlying error, if any.
	Cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new broker error.
func New(kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Newf creates a new broker error with a formatted message and no cause.
func Newf(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err (or anything it wraps) is a broker error of the
// given kind.
func IsKind(err error, kind string) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// IsConflict reports whether the error is a conflict error.
func IsConflict(err error) bool {
	return IsKind(err, KindConflict)
}

// IsCircuitOpen reports whether the error is a circuit-open error.
func IsCircuitOpen(err error) bool {
	return IsKind(err, KindCircuitOpen)
}

// IsForbidden reports whether the error is a forbidden error.
func IsForbidden(err error) bool {
	return IsKind(err, KindForbidden)
}

// IsUpstream reports whether the error is an upstream error.
func IsUpstream(err error) bool {
	return IsKind(err, KindUpstream)
}

// IsResourcePressure reports whether the error is a resource-pressure error.
func IsResourcePressure(err error) bool {
	return IsKind(err, KindResourcePressure)
}
