package runtime

import (
	"errors"
	"fmt"
)

// Error types for workload operations
var (
	// ErrWorkloadNotFound is returned when a workload is not found
	ErrWorkloadNotFound = errors.New("workload not found")

	// ErrWorkloadNotRunning is returned when a workload exists but is not
	// running
	ErrWorkloadNotRunning = errors.New("workload not running")

	// ErrWorkloadAlreadyClaimed is returned when a claim races with
	// another claimer
	ErrWorkloadAlreadyClaimed = errors.New("workload already claimed")

	// ErrNoAddress is returned when a workload started but never received
	// an IP address
	ErrNoAddress = errors.New("workload has no address")
)

// WorkloadError represents an error related to workload operations
type WorkloadError struct {
	// Err is the underlying error
	Err error
	// WorkloadID is the ID of the workload
	WorkloadID string
	// Message is an optional error message
	Message string
}

// Error returns the error message
func (e *WorkloadError) Error() string {
	if e.Message != "" {
		if e.WorkloadID != "" {
			return fmt.Sprintf("%s: %s (workload: %s)", e.Err, e.Message, e.WorkloadID)
		}
		return fmt.Sprintf("%s: %s", e.Err, e.Message)
	}

	if e.WorkloadID != "" {
		return fmt.Sprintf("%s (workload: %s)", e.Err, e.WorkloadID)
	}

	return e.Err.Error()
}

// Unwrap returns the underlying error
func (e *WorkloadError) Unwrap() error {
	return e.Err
}

// NewWorkloadError creates a new workload error
func NewWorkloadError(err error, workloadID, message string) *WorkloadError {
	return &WorkloadError{
		Err:        err,
		WorkloadID: workloadID,
		Message:    message,
	}
}

// IsWorkloadNotFound checks if the error is a workload not found error
func IsWorkloadNotFound(err error) bool {
	return errors.Is(err, ErrWorkloadNotFound)
}
