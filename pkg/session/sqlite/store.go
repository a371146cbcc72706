package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/virtdesk/broker/pkg/errors"
	"github.com/virtdesk/broker/pkg/session"
)

// Store implements session.Store on SQLite.
type Store struct {
	db *sql.DB
	// opTimeout bounds every operation, including waiting for a free
	// connection from the pool.
	opTimeout time.Duration
}

var _ session.Store = (*Store)(nil)

// sessionColumns is the SELECT column list shared by all read queries.
const sessionColumns = `session_id, username, gateway_connection_id, vnc_password,
	workload_id, workload_ip, created_at, started_at, last_activity`

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// opCtx bounds an operation with the store's timeout.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// Upsert writes the session. On conflict the original created_at survives
// and nil fields keep their stored values, so partial updates never erase
// what another writer recorded.
func (s *Store) Upsert(ctx context.Context, sess *session.Session) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, username, gateway_connection_id, vnc_password,
			workload_id, workload_ip, created_at, started_at, last_activity, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, unixepoch())
		ON CONFLICT(session_id) DO UPDATE SET
			username              = COALESCE(excluded.username, sessions.username),
			gateway_connection_id = COALESCE(excluded.gateway_connection_id, sessions.gateway_connection_id),
			vnc_password          = COALESCE(excluded.vnc_password, sessions.vnc_password),
			workload_id           = COALESCE(excluded.workload_id, sessions.workload_id),
			workload_ip           = COALESCE(excluded.workload_ip, sessions.workload_ip),
			started_at            = excluded.started_at,
			last_activity         = excluded.last_activity,
			updated_at            = unixepoch()`,
		sess.SessionID, sess.Username, sess.ConnectionID, sess.Password,
		sess.WorkloadID, sess.WorkloadIP, sess.CreatedAt, sess.StartedAt, sess.LastActivity,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Newf(errors.KindConflict,
				"user %s already owns a session", derefOr(sess.Username, "?"))
		}
		return storeErr(fmt.Sprintf("upserting session %s", sess.SessionID), err)
	}
	return nil
}

// Get returns the session by ID, or nil when absent.
func (s *Store) Get(ctx context.Context, sessionID string) (*session.Session, error) {
	return s.getOne(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
}

// GetByUsername returns the session owned by username, or nil.
func (s *Store) GetByUsername(ctx context.Context, username string) (*session.Session, error) {
	return s.getOne(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE username = ?`, username)
}

// GetByConnection returns the session for a catalog connection ID, or nil.
func (s *Store) GetByConnection(ctx context.Context, connectionID string) (*session.Session, error) {
	return s.getOne(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE gateway_connection_id = ?`, connectionID)
}

// ClearWorkload nulls the workload binding and connection start time after
// the workload has been destroyed.
func (s *Store) ClearWorkload(ctx context.Context, sessionID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET workload_id = NULL, workload_ip = NULL, started_at = 0, updated_at = unixepoch()
		WHERE session_id = ?`, sessionID)
	if err != nil {
		return storeErr(fmt.Sprintf("clearing workload for session %s", sessionID), err)
	}
	return nil
}

// Touch stamps last_activity for idle tracking.
func (s *Store) Touch(ctx context.Context, sessionID string, lastActivity int64) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity = ?, updated_at = unixepoch() WHERE session_id = ?`,
		lastActivity, sessionID)
	if err != nil {
		return storeErr(fmt.Sprintf("touching session %s", sessionID), err)
	}
	return nil
}

// Delete removes the session. Deleting an absent session is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return storeErr(fmt.Sprintf("deleting session %s", sessionID), err)
	}
	return nil
}

// List returns every session, newest first.
func (s *Store) List(ctx context.Context) ([]*session.Session, error) {
	return s.getMany(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC`)
}

// ListPool returns unclaimed sessions, oldest first.
func (s *Store) ListPool(ctx context.Context) ([]*session.Session, error) {
	return s.getMany(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE username IS NULL ORDER BY created_at ASC`)
}

// ClaimPool atomically assigns username to an unclaimed session. The WHERE
// clause is the compare-and-set: of two concurrent claimers exactly one sees
// a row with username still NULL.
func (s *Store) ClaimPool(ctx context.Context, sessionID, username string) (bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET username = ? WHERE session_id = ? AND username IS NULL`,
		username, sessionID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, errors.Newf(errors.KindConflict,
				"user %s already owns a session", username)
		}
		return false, storeErr(fmt.Sprintf("claiming session %s", sessionID), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, storeErr(fmt.Sprintf("claiming session %s", sessionID), err)
	}
	return affected == 1, nil
}

// ProvisionedUsernames returns the set of usernames that own a session.
func (s *Store) ProvisionedUsernames(ctx context.Context) (map[string]bool, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT username FROM sessions WHERE username IS NOT NULL`)
	if err != nil {
		return nil, storeErr("listing provisioned users", err)
	}
	defer rows.Close()

	result := map[string]bool{}
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("scanning username: %w", err)
		}
		result[username] = true
	}
	return result, rows.Err()
}

func (s *Store) getOne(ctx context.Context, query string, arg any) (*session.Session, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, arg))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("loading session", err)
	}
	return sess, nil
}

func (s *Store) getMany(ctx context.Context, query string) ([]*session.Session, error) {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storeErr("listing sessions", err)
	}
	defer rows.Close()

	var result []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var sess session.Session
	err := row.Scan(
		&sess.SessionID, &sess.Username, &sess.ConnectionID, &sess.Password,
		&sess.WorkloadID, &sess.WorkloadIP,
		&sess.CreatedAt, &sess.StartedAt, &sess.LastActivity,
	)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// storeErr classifies a driver error. Lock contention past the busy timeout
// and connection-pool exhaustion both surface as resource-unavailable so
// callers can skip the cycle instead of treating it as corruption.
func storeErr(op string, err error) error {
	if isBusy(err) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.New(errors.KindResourceUnavailable, op+": database unavailable", err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isBusy checks for SQLITE_BUSY, returned when the busy timeout expires
// while another connection holds the write lock.
func isBusy(err error) bool {
	var sqliteErr *sqlite3.Error
	if stderrors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_BUSY_SNAPSHOT:
			return true
		}
	}
	return false
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if stderrors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
