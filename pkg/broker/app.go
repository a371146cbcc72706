// Package broker wires the session store, orchestrator, gateway adapter, and
// background loops into one runnable service.
package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/virtdesk/broker/pkg/api"
	"github.com/virtdesk/broker/pkg/config"
	"github.com/virtdesk/broker/pkg/container"
	"github.com/virtdesk/broker/pkg/container/runtime"
	"github.com/virtdesk/broker/pkg/guacamole"
	"github.com/virtdesk/broker/pkg/lifecycle"
	"github.com/virtdesk/broker/pkg/logger"
	"github.com/virtdesk/broker/pkg/pool"
	"github.com/virtdesk/broker/pkg/profiles"
	"github.com/virtdesk/broker/pkg/provisioner"
	"github.com/virtdesk/broker/pkg/resilience"
	"github.com/virtdesk/broker/pkg/session"
	"github.com/virtdesk/broker/pkg/session/sqlite"
	"github.com/virtdesk/broker/pkg/usersync"
)

// App owns every component of the broker.
type App struct {
	settings *config.Settings
	store    session.Store
	rt       runtime.Runtime
	breaker  *resilience.CircuitBreaker
	gateway  *guacamole.Client

	provisioner *provisioner.Provisioner
	observer    *lifecycle.Observer
	pool        *pool.Manager
	syncer      *usersync.Syncer
	api         *api.Server
}

// New builds the broker from settings.
func New(ctx context.Context, settings *config.Settings) (*App, error) {
	store, err := sqlite.Open(ctx, settings.Database)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}

	rt, err := container.NewRuntime(ctx, settings.Orchestrator)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	breaker := resilience.NewCircuitBreaker("guacamole")
	gateway := guacamole.NewClient(settings.Guacamole, settings.Containers.ConnectionName, breaker)

	loader := profiles.NewLoader(settings.Profiles.Path)
	profileMgr := profiles.NewManager(loader, settings.Profiles.UserDataPath, settings.Profiles.Browser)

	containers := settings.Containers
	if settings.Orchestrator.Backend == "docker" && settings.Orchestrator.Docker.Network != "" {
		containers.Network = settings.Orchestrator.Docker.Network
	}

	prov := provisioner.New(store, rt, gateway, profileMgr, containers, settings.Guacamole)
	observer := lifecycle.New(store, rt, gateway, prov, settings.Lifecycle)

	var poolMgr *pool.Manager
	if settings.Pool.Enabled {
		var evictor pool.Evictor
		if settings.Lifecycle.ForceKillOnLowResources {
			evictor = observer
		}
		poolMgr = pool.New(store, rt, prov, evictor, settings.Pool, containers,
			settings.Lifecycle.ForceKillOnLowResources)
	}

	var replenisher usersync.Replenisher
	if poolMgr != nil {
		replenisher = poolMgr
	}
	syncer := usersync.New(gateway, prov, replenisher, store, settings.Sync)
	apiServer := api.New(settings.API.Address, store, rt, gateway, syncer.Stats, breaker.Healthy)

	return &App{
		settings:    settings,
		store:       store,
		rt:          rt,
		breaker:     breaker,
		gateway:     gateway,
		provisioner: prov,
		observer:    observer,
		pool:        poolMgr,
		syncer:      syncer,
		api:         apiServer,
	}, nil
}

// Run starts every loop and blocks until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.settings.Sync.SyncConfigOnRestart {
		a.syncStoredConnections(ctx)
	}
	if a.pool != nil {
		a.pool.Replenish(ctx)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.observer.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.syncer.Run(ctx)
	}()

	apiErr := make(chan error, 1)
	go func() {
		apiErr <- a.api.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		runErr = <-apiErr
	case err := <-apiErr:
		// Listener died; take the loops down with it.
		runErr = err
		cancel()
	}
	wg.Wait()
	return runErr
}

// syncStoredConnections rewrites catalog parameters for every stored session
// once at startup, picking up renamed connections or changed recording
// settings.
func (a *App) syncStoredConnections(ctx context.Context) {
	sessions, err := a.store.List(ctx)
	if err != nil {
		logger.Warnf("Cannot list sessions for config sync: %v", err)
		return
	}

	updated := 0
	for _, sess := range sessions {
		if sess.ConnectionID == nil || sess.Username == nil {
			continue
		}
		ok, err := a.gateway.SyncConnectionConfig(ctx, *sess.ConnectionID, *sess.Username)
		if err != nil {
			logger.Warnf("Config sync aborted: %v", err)
			return
		}
		if ok {
			updated++
		}
	}
	logger.Infof("Config sync updated %d of %d connections", updated, len(sessions))
}

// Close releases resources not tied to Run's context.
func (a *App) Close() error {
	return a.store.Close()
}
