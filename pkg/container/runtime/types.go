// Package runtime defines the interface the broker uses to manage VNC
// workload containers, independent of the backing orchestrator.
package runtime

import (
	"context"
	"time"
)

// WorkloadSpec describes a workload to spawn.
type WorkloadSpec struct {
	// SessionID is the stable identifier the workload is named after.
	SessionID string
	// Username is empty for pool workloads and set for dedicated spawns.
	Username string
	// Image is the VNC workload image reference.
	Image string
	// Env is passed verbatim to the container.
	Env map[string]string
	// Network the workload joins (docker backend).
	Network string
	// MemoryLimit in docker notation ("1g", "512m").
	MemoryLimit string
	// ShmSize in docker notation.
	ShmSize string
	// UserDataVolume is the named volume mounted at /user-data, empty to
	// skip the mount.
	UserDataVolume string
}

// WorkloadInfo describes a running workload.
type WorkloadInfo struct {
	// ID is the backend identifier (container ID or pod name).
	ID string
	// Name is the human-readable workload name.
	Name string
	// SessionID from the workload labels.
	SessionID string
	// Username from the workload labels, empty for unclaimed pool
	// workloads.
	Username string
	// IP is the address reachable from the gateway.
	IP string
	// Pool reports whether this is an unclaimed pool workload.
	Pool bool
	// CreatedAt is the backend creation timestamp.
	CreatedAt time.Time
}

// Runtime abstracts workload orchestration. Implementations exist for the
// local Docker daemon and for Kubernetes.
type Runtime interface {
	// SpawnWorkload creates and starts a workload for the spec and returns
	// its backend ID and IP address. The workload may not be accepting VNC
	// connections yet; callers probe readiness separately.
	SpawnWorkload(ctx context.Context, spec WorkloadSpec) (id string, ip string, err error)

	// DestroyWorkload stops and removes a workload. Removing a workload
	// that no longer exists is not an error.
	DestroyWorkload(ctx context.Context, workloadID string) error

	// IsWorkloadRunning reports whether the workload exists and is
	// running. A missing workload yields ErrWorkloadNotFound.
	IsWorkloadRunning(ctx context.Context, workloadID string) (bool, error)

	// ListWorkloads returns every broker-managed workload.
	ListWorkloads(ctx context.Context) ([]WorkloadInfo, error)

	// ListPoolWorkloads returns the unclaimed pool workloads, oldest
	// first.
	ListPoolWorkloads(ctx context.Context) ([]WorkloadInfo, error)

	// ClaimWorkloadLabels re-labels a pool workload as owned by username.
	// Returns false without error when the workload is gone or lost a
	// concurrent update race. A workload owned by a different user reports
	// ErrWorkloadAlreadyClaimed, a stopped one ErrWorkloadNotRunning.
	ClaimWorkloadLabels(ctx context.Context, workloadID, username string) (bool, error)

	// RunningWorkloadCount returns the number of running managed
	// workloads.
	RunningWorkloadCount(ctx context.Context) (int, error)

	// WorkloadsMemoryGB estimates the total memory in use by managed
	// workloads, in gigabytes.
	WorkloadsMemoryGB(ctx context.Context) (float64, error)
}

// WorkloadName returns the canonical workload name for a session.
func WorkloadName(sessionID string) string {
	return "vnc-" + sessionID
}
