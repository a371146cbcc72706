// Package lifecycle watches the gateway's active connections and reconciles
// workloads against them: respawn on reconnect, tear down or park on
// disconnect, and reap idle sessions.
package lifecycle

import (
	"context"
	"sort"
	"time"

	"github.com/virtdesk/broker/pkg/config"
	"github.com/virtdesk/broker/pkg/container/runtime"
	"github.com/virtdesk/broker/pkg/guacamole"
	"github.com/virtdesk/broker/pkg/logger"
	"github.com/virtdesk/broker/pkg/session"
	"github.com/virtdesk/broker/pkg/telemetry"
)

const (
	// tickInterval is how often the observer polls active connections.
	tickInterval = 5 * time.Second

	// sweepEvery is the number of ticks between idle sweeps.
	sweepEvery = 60
)

// GatewayWatcher is the subset of the gateway adapter the observer uses.
type GatewayWatcher interface {
	ListActiveConnections(ctx context.Context) (map[string]guacamole.ActiveConnection, error)
	UpdateConnection(ctx context.Context, connID, hostname string, port int, password string) error
}

// Respawner restarts a workload for an existing session.
type Respawner interface {
	RespawnForSession(ctx context.Context, sess *session.Session) (string, string, error)
}

// Observer drives connection start/end handling off the gateway's active
// connection list. Single goroutine; prev is owned by Run.
type Observer struct {
	store     session.Store
	rt        runtime.Runtime
	gateway   GatewayWatcher
	respawner Respawner
	settings  config.LifecycleSettings

	prev map[string]bool
	now  func() time.Time
}

// New creates an observer.
func New(store session.Store, rt runtime.Runtime, gateway GatewayWatcher,
	respawner Respawner, settings config.LifecycleSettings) *Observer {
	return &Observer{
		store:     store,
		rt:        rt,
		gateway:   gateway,
		respawner: respawner,
		settings:  settings,
		prev:      map[string]bool{},
		now:       time.Now,
	}
}

// Run polls until the context is cancelled. Errors within a tick are logged
// and do not stop the loop.
func (o *Observer) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	logger.Infof("Connection observer started (interval %s)", tickInterval)
	ticks := 0
	for {
		select {
		case <-ctx.Done():
			logger.Infof("Connection observer stopped")
			return
		case <-ticker.C:
			o.Tick(ctx)
			ticks++
			if ticks%sweepEvery == 0 {
				o.SweepIdle(ctx)
			}
		}
	}
}

// Tick diffs the gateway's active connections against the previous tick and
// dispatches start and end handlers. Started connections are handled before
// ended ones so a fast reconnect never observes its own teardown.
func (o *Observer) Tick(ctx context.Context) {
	active, err := o.gateway.ListActiveConnections(ctx)
	if err != nil {
		logger.Warnf("Cannot list active connections: %v", err)
		return
	}

	current := make(map[string]bool, len(active))
	for _, conn := range active {
		current[conn.ConnectionIdentifier] = true
	}
	telemetry.ActiveConnections.Set(float64(len(current)))

	for connID := range current {
		if !o.prev[connID] {
			if err := o.handleConnectionStart(ctx, connID); err != nil {
				logger.Warnf("Start handler for connection %s: %v", connID, err)
			}
		}
	}
	for connID := range o.prev {
		if !current[connID] {
			if err := o.handleConnectionEnd(ctx, connID); err != nil {
				logger.Warnf("End handler for connection %s: %v", connID, err)
			}
		}
	}
	o.prev = current
}

// handleConnectionStart makes sure the session behind a newly opened
// connection has a live workload, respawning one when needed.
func (o *Observer) handleConnectionStart(ctx context.Context, connID string) error {
	sess, err := o.store.GetByConnection(ctx, connID)
	if err != nil {
		return err
	}
	if sess == nil {
		// Not a broker-managed connection.
		return nil
	}

	now := o.now().Unix()
	if sess.WorkloadID != nil {
		running, err := o.rt.IsWorkloadRunning(ctx, *sess.WorkloadID)
		if err != nil && !runtime.IsWorkloadNotFound(err) {
			// Cannot tell; assume the workload is alive rather than
			// double-spawning. The next sweep reconciles.
			logger.Warnf("Cannot verify workload %s: %v", *sess.WorkloadID, err)
			running = true
		}
		if running {
			sess.StartedAt = now
			sess.LastActivity = now
			return o.store.Upsert(ctx, sess)
		}
	}

	logger.Infow("Respawning workload for reconnect",
		"session_id", sess.SessionID, "connection_id", connID)
	workloadID, workloadIP, err := o.respawner.RespawnForSession(ctx, sess)
	if err != nil {
		return err
	}
	if err := o.gateway.UpdateConnection(ctx, connID, workloadIP, config.VNCPort, *sess.Password); err != nil {
		return err
	}

	sess.WorkloadID = &workloadID
	sess.WorkloadIP = &workloadIP
	sess.StartedAt = now
	sess.LastActivity = now
	return o.store.Upsert(ctx, sess)
}

// handleConnectionEnd parks or tears down the session behind a closed
// connection, depending on the persistence policy.
func (o *Observer) handleConnectionEnd(ctx context.Context, connID string) error {
	sess, err := o.store.GetByConnection(ctx, connID)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}

	if o.settings.PersistAfterDisconnect {
		logger.Infow("Connection closed, workload kept for idle timeout",
			"session_id", sess.SessionID, "connection_id", connID)
		return o.store.Touch(ctx, sess.SessionID, o.now().Unix())
	}
	return o.destroySession(ctx, sess, "disconnect")
}

// SweepIdle destroys workloads whose sessions have been idle past the
// timeout. Sessions with a currently active connection are never touched.
func (o *Observer) SweepIdle(ctx context.Context) {
	sessions, err := o.store.List(ctx)
	if err != nil {
		logger.Warnf("Idle sweep cannot list sessions: %v", err)
		return
	}

	now := o.now()
	timeout := o.settings.IdleTimeout()
	for _, sess := range sessions {
		if sess.WorkloadID == nil || !sess.Claimed() {
			continue
		}
		if sess.ConnectionID != nil && o.prev[*sess.ConnectionID] {
			continue
		}
		idleSince := sess.LastActivity
		if idleSince == 0 {
			idleSince = sess.StartedAt
		}
		if idleSince == 0 {
			continue
		}
		if now.Sub(time.Unix(idleSince, 0)) <= timeout {
			continue
		}

		logger.Infow("Reaping idle workload", "session_id", sess.SessionID,
			"username", *sess.Username, "idle_since", idleSince)
		if err := o.destroySession(ctx, sess, "idle"); err != nil {
			logger.Warnf("Idle reap of session %s: %v", sess.SessionID, err)
		}
	}
}

// ForceKillOldestInactive destroys up to n inactive workloads, least recently
// active first. Returns how many were destroyed. Used by the pool manager
// under memory pressure.
func (o *Observer) ForceKillOldestInactive(ctx context.Context, n int) int {
	sessions, err := o.store.List(ctx)
	if err != nil {
		logger.Warnf("Force kill cannot list sessions: %v", err)
		return 0
	}

	var candidates []*session.Session
	for _, sess := range sessions {
		if sess.WorkloadID == nil {
			continue
		}
		if sess.ConnectionID != nil && o.prev[*sess.ConnectionID] {
			continue
		}
		candidates = append(candidates, sess)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastActivity < candidates[j].LastActivity
	})

	killed := 0
	for _, sess := range candidates {
		if killed >= n {
			break
		}
		logger.Warnw("Force killing inactive workload for resources",
			"session_id", sess.SessionID, "last_activity", sess.LastActivity)
		if err := o.destroySession(ctx, sess, "forced"); err != nil {
			logger.Warnf("Force kill of session %s: %v", sess.SessionID, err)
			continue
		}
		killed++
	}
	return killed
}

// destroySession tears the workload down and clears the session's workload
// binding. The session row and catalog entry survive so the user can
// reconnect and get a fresh workload.
func (o *Observer) destroySession(ctx context.Context, sess *session.Session, reason string) error {
	if sess.WorkloadID != nil {
		if err := o.rt.DestroyWorkload(ctx, *sess.WorkloadID); err != nil {
			return err
		}
	}
	telemetry.WorkloadsDestroyed.WithLabelValues(reason).Inc()
	return o.store.ClearWorkload(ctx, sess.SessionID)
}
