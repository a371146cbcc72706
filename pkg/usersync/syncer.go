// Package usersync discovers gateway users and provisions a session for each
// one that does not have one yet.
package usersync

import (
	"context"
	"sync"
	"time"

	"github.com/virtdesk/broker/pkg/config"
	"github.com/virtdesk/broker/pkg/logger"
	"github.com/virtdesk/broker/pkg/session"
	"github.com/virtdesk/broker/pkg/telemetry"
)

// startupDelay gives the gateway time to come up before the first sync.
const startupDelay = 10 * time.Second

// Directory lists the gateway's user accounts.
type Directory interface {
	ListUsers(ctx context.Context) ([]string, error)
}

// Provisioner creates a session for a user.
type Provisioner interface {
	Provision(ctx context.Context, username string) (string, error)
}

// Replenisher tops up the warm pool after a sync cycle.
type Replenisher interface {
	Replenish(ctx context.Context)
}

// Stats is a snapshot of sync progress, served by the admin API.
type Stats struct {
	TotalSynced  int       `json:"total_synced"`
	LastNewUsers []string  `json:"last_new_users"`
	Errors       int       `json:"errors"`
	LastSync     time.Time `json:"last_sync"`
}

// Syncer runs the periodic user sync loop.
type Syncer struct {
	directory   Directory
	provisioner Provisioner
	pool        Replenisher
	store       session.Store
	settings    config.SyncSettings

	statsMu sync.Mutex
	stats   Stats

	now func() time.Time
}

// New creates a syncer. pool may be nil when pooling is disabled.
func New(directory Directory, provisioner Provisioner, pool Replenisher,
	store session.Store, settings config.SyncSettings) *Syncer {
	return &Syncer{
		directory:   directory,
		provisioner: provisioner,
		pool:        pool,
		store:       store,
		settings:    settings,
		now:         time.Now,
	}
}

// Run loops until the context is cancelled. The first cycle waits for the
// gateway to come up.
func (s *Syncer) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(startupDelay):
	}

	logger.Infof("User sync started (interval %s)", s.settings.SyncInterval())
	ticker := time.NewTicker(s.settings.SyncInterval())
	defer ticker.Stop()

	s.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Infof("User sync stopped")
			return
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Syncer) cycle(ctx context.Context) {
	if err := s.SyncOnce(ctx); err != nil {
		logger.Warnf("User sync cycle failed: %v", err)
	}
	if s.pool != nil {
		s.pool.Replenish(ctx)
	}
}

// SyncOnce provisions every gateway user that has no session yet. Per-user
// failures are counted and do not abort the cycle.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	users, err := s.directory.ListUsers(ctx)
	if err != nil {
		s.recordCycle(nil, 1)
		return err
	}
	provisioned, err := s.store.ProvisionedUsernames(ctx)
	if err != nil {
		s.recordCycle(nil, 1)
		return err
	}

	ignored := make(map[string]bool, len(s.settings.IgnoredUsers))
	for _, u := range s.settings.IgnoredUsers {
		ignored[u] = true
	}

	var synced []string
	errCount := 0
	for _, username := range users {
		if ignored[username] || provisioned[username] {
			continue
		}
		if _, err := s.provisioner.Provision(ctx, username); err != nil {
			logger.Warnf("Provisioning %s failed: %v", username, err)
			errCount++
			continue
		}
		logger.Infow("Provisioned new user", "username", username)
		synced = append(synced, username)
	}

	if len(synced) > 0 {
		telemetry.SyncedUsers.Add(float64(len(synced)))
	}
	s.recordCycle(synced, errCount)
	return nil
}

func (s *Syncer) recordCycle(synced []string, errCount int) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.TotalSynced += len(synced)
	s.stats.LastNewUsers = synced
	s.stats.Errors += errCount
	s.stats.LastSync = s.now()
}

// Stats returns a snapshot of the sync counters.
func (s *Syncer) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	snapshot := s.stats
	snapshot.LastNewUsers = append([]string(nil), s.stats.LastNewUsers...)
	return snapshot
}
