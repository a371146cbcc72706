// Package pool keeps a target number of pre-warmed, unclaimed workloads
// running so that provisioning usually skips the cold-start wait.
package pool

import (
	"context"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/virtdesk/broker/pkg/config"
	"github.com/virtdesk/broker/pkg/container/runtime"
	"github.com/virtdesk/broker/pkg/errors"
	"github.com/virtdesk/broker/pkg/logger"
	"github.com/virtdesk/broker/pkg/session"
	"github.com/virtdesk/broker/pkg/telemetry"
)

// Spawner provisions one unclaimed pool workload.
type Spawner interface {
	ProvisionPoolWorkload(ctx context.Context) error
}

// Evictor frees memory by destroying inactive workloads.
type Evictor interface {
	ForceKillOldestInactive(ctx context.Context, n int) int
}

// Manager replenishes the pool while staying inside the configured memory
// ceilings.
type Manager struct {
	store   session.Store
	rt      runtime.Runtime
	spawner Spawner
	evictor Evictor

	settings   config.PoolSettings
	perSpawnGB float64
	forceKill  bool

	// memInfo is replaceable in tests.
	memInfo func() (totalGB, availableGB float64)
}

// New creates a pool manager. evictor may be nil when force-kill is off.
func New(store session.Store, rt runtime.Runtime, spawner Spawner, evictor Evictor,
	settings config.PoolSettings, containers config.ContainerSettings, forceKill bool) *Manager {
	return &Manager{
		store:      store,
		rt:         rt,
		spawner:    spawner,
		evictor:    evictor,
		settings:   settings,
		perSpawnGB: containers.MemoryLimitGB(),
		forceKill:  forceKill,
		memInfo:    hostMemoryGB,
	}
}

// hostMemoryGB reads host memory. When the host is unreadable the pool
// assumes plenty so that a broken proc filesystem never starves users.
func hostMemoryGB() (float64, float64) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		logger.Warnf("Cannot read host memory, assuming plenty: %v", err)
		return 32.0, 999.0
	}
	const gb = 1 << 30
	return float64(vm.Total) / gb, float64(vm.Available) / gb
}

// Replenish spawns workloads until the pool reaches its target or a ceiling
// is hit. Called once at startup and after every user sync cycle.
func (m *Manager) Replenish(ctx context.Context) {
	if !m.settings.Enabled {
		return
	}

	poolSessions, err := m.store.ListPool(ctx)
	if err != nil {
		logger.Warnf("Pool replenish cannot list pool: %v", err)
		return
	}
	live, err := m.rt.RunningWorkloadCount(ctx)
	if err != nil {
		logger.Warnf("Pool replenish cannot count workloads: %v", err)
		return
	}

	poolSize := len(poolSessions)
	telemetry.PoolSize.Set(float64(poolSize))
	telemetry.RunningWorkloads.Set(float64(live))

	need := m.settings.InitContainers - poolSize
	if room := m.settings.MaxContainers - live; room < need {
		need = room
	}
	if m.settings.BatchSize < need {
		need = m.settings.BatchSize
	}
	if need <= 0 {
		return
	}

	logger.Infow("Replenishing pool", "need", need, "pool", poolSize, "live", live)
	for i := 0; i < need; i++ {
		if err := m.ensureCapacity(ctx); err != nil {
			logger.Warnf("Pool replenish stopped: %v", err)
			return
		}
		if err := m.spawner.ProvisionPoolWorkload(ctx); err != nil {
			logger.Warnf("Pool spawn failed: %v", err)
			return
		}
		poolSize++
		telemetry.PoolSize.Set(float64(poolSize))
	}
}

// ensureCapacity checks the memory ceilings before a spawn, force-evicting
// one inactive workload and rechecking when allowed.
func (m *Manager) ensureCapacity(ctx context.Context) error {
	err := m.checkResources(ctx)
	if err == nil {
		return nil
	}
	if !m.forceKill || m.evictor == nil {
		return err
	}

	logger.Warnf("Resource ceiling hit (%v), force killing one inactive workload", err)
	if m.evictor.ForceKillOldestInactive(ctx, 1) == 0 {
		return err
	}
	return m.checkResources(ctx)
}

// checkResources returns a resource-pressure error when a spawn of one more
// workload would cross a ceiling.
func (m *Manager) checkResources(ctx context.Context) error {
	totalGB, availableGB := m.memInfo()
	res := m.settings.Resources

	if availableGB-m.perSpawnGB < res.MinFreeMemoryGB {
		return pressure("free memory %.1fGB would drop below %.1fGB floor",
			availableGB, res.MinFreeMemoryGB)
	}

	workloadsGB, err := m.rt.WorkloadsMemoryGB(ctx)
	if err != nil {
		logger.Warnf("Cannot read workload memory usage: %v", err)
		workloadsGB = 0
	}
	if workloadsGB+m.perSpawnGB > res.MaxTotalMemoryGB {
		return pressure("workload memory %.1fGB would exceed %.1fGB cap",
			workloadsGB, res.MaxTotalMemoryGB)
	}

	if totalGB > 0 {
		projected := (totalGB - availableGB + m.perSpawnGB) / totalGB
		if projected > res.MaxMemoryPercent {
			return pressure("host memory usage would reach %.0f%% (cap %.0f%%)",
				projected*100, res.MaxMemoryPercent*100)
		}
	}
	return nil
}

func pressure(format string, args ...any) error {
	return errors.Newf(errors.KindResourcePressure, format, args...)
}
