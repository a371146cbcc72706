// Package labels provides utilities for managing the container labels that
// mark workloads as broker-managed.
package labels

import "strings"

const (
	// LabelManaged is the label that indicates a workload is managed by the broker.
	LabelManaged = "guac.managed"

	// LabelSessionID is the label that carries the broker session id.
	LabelSessionID = "guac.session.id"

	// LabelPool is the label that marks a workload as an unclaimed pool entry.
	LabelPool = "guac.pool"

	// LabelUsername is the label that carries the owning username once claimed.
	LabelUsername = "guac.username"

	// LabelManagedValue is the value for the LabelManaged label.
	LabelManagedValue = "true"
)

// AddStandardLabels adds the standard broker labels to a workload.
// Pool entries have no username; claimed workloads carry one.
func AddStandardLabels(labels map[string]string, sessionID, username string) {
	labels[LabelManaged] = LabelManagedValue
	labels[LabelSessionID] = sessionID
	if username == "" {
		labels[LabelPool] = "true"
	} else {
		labels[LabelPool] = "false"
		labels[LabelUsername] = username
	}
}

// ManagedFilter returns the label filter selecting broker-managed workloads.
func ManagedFilter() string {
	return LabelManaged + "=" + LabelManagedValue
}

// PoolFilter returns the label filter selecting unclaimed pool workloads.
func PoolFilter() string {
	return ManagedFilter() + "," + LabelPool + "=true"
}

// IsManaged checks whether a workload is managed by the broker.
func IsManaged(labels map[string]string) bool {
	value, ok := labels[LabelManaged]
	return ok && strings.ToLower(value) == LabelManagedValue
}

// IsPool checks whether a workload is an unclaimed pool entry. A workload
// that carries a username label is considered claimed even if the pool label
// was never patched (backends that cannot mutate labels).
func IsPool(labels map[string]string) bool {
	if _, claimed := labels[LabelUsername]; claimed {
		return false
	}
	return labels[LabelPool] == "true"
}

// SessionID gets the session id from labels.
func SessionID(labels map[string]string) string {
	return labels[LabelSessionID]
}

// Username gets the owning username from labels.
func Username(labels map[string]string) string {
	return labels[LabelUsername]
}
