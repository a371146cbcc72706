// Package provisioner turns a gateway username into a ready VNC session:
// claim a pre-warmed workload from the pool or spawn a fresh one, wait for
// the VNC port, create the catalog entry and persist the session.
package provisioner

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/virtdesk/broker/pkg/config"
	"github.com/virtdesk/broker/pkg/container/runtime"
	"github.com/virtdesk/broker/pkg/errors"
	"github.com/virtdesk/broker/pkg/logger"
	"github.com/virtdesk/broker/pkg/networking"
	"github.com/virtdesk/broker/pkg/profiles"
	"github.com/virtdesk/broker/pkg/session"
	"github.com/virtdesk/broker/pkg/telemetry"
)

// Gateway is the subset of the gateway adapter the provisioner uses.
type Gateway interface {
	UserGroups(ctx context.Context, username string) ([]string, error)
	CreateConnection(ctx context.Context, name, hostname string, port int, password, username string) (string, error)
	GrantConnectionPermission(ctx context.Context, username, connID string) error
	CreateHomeConnection(ctx context.Context, username string) (string, error)
}

// ProfileApplier writes per-user browser policies.
type ProfileApplier interface {
	Apply(username string, userGroups []string) (profiles.UserConfig, error)
}

// Provisioner creates user sessions.
type Provisioner struct {
	store    session.Store
	rt       runtime.Runtime
	gateway  Gateway
	profiles ProfileApplier

	containers config.ContainerSettings
	guac       config.GuacamoleSettings

	// waitForPort is replaceable in tests.
	waitForPort func(ctx context.Context, host string, port int, timeout time.Duration) error
	now         func() time.Time
}

// New creates a provisioner.
func New(store session.Store, rt runtime.Runtime, gateway Gateway, applier ProfileApplier,
	containers config.ContainerSettings, guac config.GuacamoleSettings) *Provisioner {
	return &Provisioner{
		store:       store,
		rt:          rt,
		gateway:     gateway,
		profiles:    applier,
		containers:  containers,
		guac:        guac,
		waitForPort: networking.WaitForPort,
		now:         time.Now,
	}
}

// Provision ensures username has a session with a live workload and a
// catalog entry, returning the gateway connection ID.
func (p *Provisioner) Provision(ctx context.Context, username string) (string, error) {
	existing, err := p.store.GetByUsername(ctx, username)
	if err != nil {
		return "", err
	}
	if existing != nil && existing.ConnectionID != nil && existing.WorkloadID != nil {
		return *existing.ConnectionID, nil
	}

	// Group policies are best-effort: a broken profiles file must not
	// block the user from getting a desktop.
	homepage := "about:blank"
	if groups, err := p.gateway.UserGroups(ctx, username); err != nil {
		logger.Warnf("Unable to get groups for %s: %v", username, err)
	} else if cfg, err := p.profiles.Apply(username, groups); err != nil {
		logger.Warnf("Unable to apply profile for %s: %v", username, err)
	} else {
		homepage = cfg.Homepage
	}

	claimed, err := p.claimFromPool(ctx, username)
	if err != nil {
		return "", err
	}

	var (
		sessionID   string
		password    string
		workloadID  string
		workloadIP  string
		isClaim     bool
	)
	if claimed != nil {
		sessionID = claimed.SessionID
		password = *claimed.Password
		workloadID = *claimed.WorkloadID
		workloadIP = *claimed.WorkloadIP
		isClaim = true
	} else {
		sessionID = session.NewSessionID()
		password, err = session.GeneratePassword()
		if err != nil {
			return "", err
		}
		workloadID, workloadIP, err = p.SpawnWorkload(ctx, sessionID, username, password, homepage)
		if err != nil {
			telemetry.ProvisionTotal.WithLabelValues("failed").Inc()
			return "", err
		}
		logger.Infow("Spawned fresh workload", "username", username, "session_id", sessionID)
	}

	if err := p.waitForPort(ctx, workloadIP, config.VNCPort, p.containers.ProbeTimeout()); err != nil {
		_ = p.rt.DestroyWorkload(ctx, workloadID)
		telemetry.ProvisionTotal.WithLabelValues("failed").Inc()
		telemetry.WorkloadsDestroyed.WithLabelValues("failed_probe").Inc()
		return "", errors.Newf(errors.KindProbeTimeout,
			"VNC server for %s not reachable: %v", username, err)
	}

	connID, err := p.gateway.CreateConnection(ctx,
		p.containers.ConnectionName, workloadIP, config.VNCPort, password, username)
	if err != nil {
		return "", err
	}
	if err := p.gateway.GrantConnectionPermission(ctx, username, connID); err != nil {
		return "", err
	}

	if p.guac.ForceHomePage {
		if _, err := p.gateway.CreateHomeConnection(ctx, username); err != nil {
			if errors.IsCircuitOpen(err) {
				return "", err
			}
			logger.Warnf("Home placeholder for %s failed: %v", username, err)
		}
	}

	now := p.now().Unix()
	sess := &session.Session{
		SessionID:    sessionID,
		Username:     session.StringPtr(username),
		ConnectionID: session.StringPtr(connID),
		Password:     session.StringPtr(password),
		WorkloadID:   session.StringPtr(workloadID),
		WorkloadIP:   session.StringPtr(workloadIP),
		StartedAt:    now,
		LastActivity: now,
	}
	if isClaim {
		// The upsert keeps the pool row's original created_at.
		sess.CreatedAt = 0
	} else {
		sess.CreatedAt = now
	}
	if err := p.store.Upsert(ctx, sess); err != nil {
		if errors.IsConflict(err) {
			// Lost a race against a concurrent provision for the same
			// user: read the winner back.
			if winner, gerr := p.store.GetByUsername(ctx, username); gerr == nil && winner != nil && winner.ConnectionID != nil {
				return *winner.ConnectionID, nil
			}
		}
		return "", err
	}

	if isClaim {
		telemetry.ProvisionTotal.WithLabelValues("claimed").Inc()
	} else {
		telemetry.ProvisionTotal.WithLabelValues("spawned").Inc()
	}
	logger.Infow("Connection provisioned", "username", username, "connection_id", connID,
		"session_id", sessionID, "claimed", isClaim)
	return connID, nil
}

// claimFromPool walks the pool oldest-first and returns the first session
// the caller wins, or nil on pool miss. Both the orchestrator labels and the
// store row must agree before a claim counts.
func (p *Provisioner) claimFromPool(ctx context.Context, username string) (*session.Session, error) {
	poolSessions, err := p.store.ListPool(ctx)
	if err != nil {
		return nil, err
	}

	for _, candidate := range poolSessions {
		if candidate.WorkloadID == nil || candidate.WorkloadIP == nil || candidate.Password == nil {
			continue
		}

		running, err := p.rt.IsWorkloadRunning(ctx, *candidate.WorkloadID)
		if err != nil && !runtime.IsWorkloadNotFound(err) {
			// Transient orchestrator error: assume alive, let the
			// observer reconcile later. Still usable for a claim try.
			logger.Warnf("Cannot verify pool workload %s: %v", *candidate.WorkloadID, err)
		} else if !running {
			logger.Infof("Pool session %s has a dead workload, pruning", candidate.SessionID)
			_ = p.rt.DestroyWorkload(ctx, *candidate.WorkloadID)
			_ = p.store.Delete(ctx, candidate.SessionID)
			continue
		}

		ok, err := p.rt.ClaimWorkloadLabels(ctx, *candidate.WorkloadID, username)
		if err != nil {
			if stderrors.Is(err, runtime.ErrWorkloadAlreadyClaimed) ||
				stderrors.Is(err, runtime.ErrWorkloadNotRunning) {
				// Lost the race or the workload died under us, try the
				// next candidate.
				continue
			}
			logger.Warnf("Failed to claim workload %s: %v", *candidate.WorkloadID, err)
			continue
		}
		if !ok {
			continue
		}

		won, err := p.store.ClaimPool(ctx, candidate.SessionID, username)
		if err != nil {
			if errors.IsConflict(err) {
				return nil, err
			}
			logger.Warnf("Failed to claim session %s: %v", candidate.SessionID, err)
			continue
		}
		if !won {
			logger.Warnf("Lost claim race for session %s, trying next", candidate.SessionID)
			continue
		}

		logger.Infow("Claimed pool workload", "username", username,
			"session_id", candidate.SessionID, "workload_id", *candidate.WorkloadID)
		return candidate, nil
	}
	return nil, nil
}

// SpawnWorkload starts a workload for the session. username is empty for
// pool workloads.
func (p *Provisioner) SpawnWorkload(ctx context.Context, sessionID, username, password, homepage string) (string, string, error) {
	if homepage == "" {
		homepage = "about:blank"
	}
	env := map[string]string{
		"VNC_PW":         password,
		"VNC_RESOLUTION": "1920x1080",
		"VNC_COL_DEPTH":  "24",
		"STARTING_URL":   homepage,
	}
	if username != "" {
		env["GUAC_USERNAME"] = username
	}

	id, ip, err := p.rt.SpawnWorkload(ctx, runtime.WorkloadSpec{
		SessionID:      sessionID,
		Username:       username,
		Image:          p.containers.Image,
		Env:            env,
		Network:        p.containers.Network,
		MemoryLimit:    p.containers.MemoryLimit,
		ShmSize:        p.containers.ShmSize,
		UserDataVolume: p.containers.UserDataVolume,
	})
	if err != nil {
		return "", "", errors.New(errors.KindSpawnFailed,
			fmt.Sprintf("spawn for session %s failed", sessionID), err)
	}
	return id, ip, nil
}

// RespawnForSession restarts a workload for an existing session, reusing its
// stored password. Used by the lifecycle observer's start handler.
func (p *Provisioner) RespawnForSession(ctx context.Context, sess *session.Session) (string, string, error) {
	username := ""
	if sess.Username != nil {
		username = *sess.Username
	}
	if sess.Password == nil {
		return "", "", errors.Newf(errors.KindInternal, "session %s has no stored password", sess.SessionID)
	}

	id, ip, err := p.SpawnWorkload(ctx, sess.SessionID, username, *sess.Password, "")
	if err != nil {
		return "", "", err
	}
	if err := p.waitForPort(ctx, ip, config.VNCPort, p.containers.ProbeTimeout()); err != nil {
		_ = p.rt.DestroyWorkload(ctx, id)
		telemetry.WorkloadsDestroyed.WithLabelValues("failed_probe").Inc()
		return "", "", errors.Newf(errors.KindProbeTimeout,
			"respawned VNC server for session %s not reachable: %v", sess.SessionID, err)
	}
	return id, ip, nil
}

// ProvisionPoolWorkload spawns one unclaimed pool workload and persists its
// session. Used by the pool manager.
func (p *Provisioner) ProvisionPoolWorkload(ctx context.Context) error {
	sessionID := session.NewSessionID()
	password, err := session.GeneratePassword()
	if err != nil {
		return err
	}

	workloadID, workloadIP, err := p.SpawnWorkload(ctx, sessionID, "", password, "")
	if err != nil {
		return err
	}
	if err := p.waitForPort(ctx, workloadIP, config.VNCPort, p.containers.ProbeTimeout()); err != nil {
		_ = p.rt.DestroyWorkload(ctx, workloadID)
		telemetry.WorkloadsDestroyed.WithLabelValues("failed_probe").Inc()
		return errors.Newf(errors.KindProbeTimeout,
			"pool workload %s not reachable: %v", workloadID, err)
	}

	now := p.now().Unix()
	return p.store.Upsert(ctx, &session.Session{
		SessionID:    sessionID,
		Password:     session.StringPtr(password),
		WorkloadID:   session.StringPtr(workloadID),
		WorkloadIP:   session.StringPtr(workloadIP),
		CreatedAt:    now,
		StartedAt:    now,
		LastActivity: now,
	})
}
