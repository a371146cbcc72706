// Package session defines the broker's session model and the storage
// interface backing it.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/google/uuid"
)

// Session ties a gateway user to a VNC workload and its catalog entry.
//
// A pool session has no Username until a user claims it. ConnectionID is set
// once the catalog entry exists. All timestamps are unix epoch seconds.
type Session struct {
	// SessionID is the stable broker-side identifier, also embedded in
	// the workload name.
	SessionID string `json:"session_id"`
	// Username owning the session, nil while the workload sits in the
	// pool.
	Username *string `json:"username"`
	// ConnectionID of the gateway catalog entry, nil until created.
	ConnectionID *string `json:"connection_id"`
	// Password is the per-session VNC password.
	Password *string `json:"-"`
	// WorkloadID is the orchestrator identifier of the container or pod.
	WorkloadID *string `json:"workload_id"`
	// WorkloadIP is the address the gateway connects to.
	WorkloadIP *string `json:"workload_ip"`
	// CreatedAt is when the session row was first written.
	CreatedAt int64 `json:"created_at"`
	// StartedAt is when the user's current connection began, 0 when
	// disconnected.
	StartedAt int64 `json:"started_at"`
	// LastActivity is the last time the user was seen connected.
	LastActivity int64 `json:"last_activity"`
}

// Claimed reports whether a user owns this session.
func (s *Session) Claimed() bool {
	return s.Username != nil && *s.Username != ""
}

// Connected reports whether the user currently has an open connection.
func (s *Session) Connected() bool {
	return s.StartedAt > 0
}

// IdleFor returns how long the session has been without activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	if s.LastActivity == 0 {
		return 0
	}
	return now.Sub(time.Unix(s.LastActivity, 0))
}

// sessionIDLength is the number of UUID characters kept for the short
// session identifier embedded in workload names.
const sessionIDLength = 8

// NewSessionID generates a fresh short session identifier.
func NewSessionID() string {
	return uuid.NewString()[:sessionIDLength]
}

// GeneratePassword returns a fresh VNC password with at least 128 bits of
// entropy, encoded so it survives environment variables and URL parameters.
func GeneratePassword() (string, error) {
	buf := make([]byte, 18)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// StringPtr is a convenience for building sessions with nullable fields.
func StringPtr(s string) *string {
	return &s
}

// Store persists sessions.
type Store interface {
	// Upsert writes the session, preserving the original created_at and
	// any stored fields the new value leaves nil.
	Upsert(ctx context.Context, s *Session) error

	// Get returns the session by ID, or nil when absent.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// GetByUsername returns the session owned by username, or nil.
	GetByUsername(ctx context.Context, username string) (*Session, error)

	// GetByConnection returns the session for a catalog connection ID,
	// or nil.
	GetByConnection(ctx context.Context, connectionID string) (*Session, error)

	// ClearWorkload nulls the workload binding after a teardown. The
	// upsert merges non-nil fields only, so clearing is a dedicated
	// operation.
	ClearWorkload(ctx context.Context, sessionID string) error

	// Touch stamps last_activity for idle tracking.
	Touch(ctx context.Context, sessionID string, lastActivity int64) error

	// Delete removes the session. Deleting an absent session is not an
	// error.
	Delete(ctx context.Context, sessionID string) error

	// List returns every session.
	List(ctx context.Context) ([]*Session, error)

	// ListPool returns unclaimed sessions, oldest first.
	ListPool(ctx context.Context) ([]*Session, error)

	// ClaimPool atomically assigns username to an unclaimed session.
	// Returns false when the session was claimed concurrently or is
	// gone.
	ClaimPool(ctx context.Context, sessionID, username string) (bool, error)

	// ProvisionedUsernames returns the set of usernames that own a
	// session.
	ProvisionedUsernames(ctx context.Context) (map[string]bool, error)

	// Close releases the underlying database.
	Close() error
}
