package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/virtdesk/broker/pkg/config"
	"github.com/virtdesk/broker/pkg/container/runtime"
	"github.com/virtdesk/broker/pkg/session"
)

// poolStore serves only ListPool; the manager touches nothing else.
type poolStore struct {
	mu   sync.Mutex
	pool []*session.Session
}

func (p *poolStore) ListPool(context.Context) ([]*session.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*session.Session(nil), p.pool...), nil
}

func (p *poolStore) add() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pool = append(p.pool, &session.Session{SessionID: fmt.Sprintf("s-%d", len(p.pool))})
}

func (p *poolStore) Upsert(context.Context, *session.Session) error        { return nil }
func (p *poolStore) Get(context.Context, string) (*session.Session, error) { return nil, nil }
func (p *poolStore) GetByUsername(context.Context, string) (*session.Session, error) {
	return nil, nil
}
func (p *poolStore) GetByConnection(context.Context, string) (*session.Session, error) {
	return nil, nil
}
func (p *poolStore) ClearWorkload(context.Context, string) error        { return nil }
func (p *poolStore) Touch(context.Context, string, int64) error         { return nil }
func (p *poolStore) Delete(context.Context, string) error               { return nil }
func (p *poolStore) List(context.Context) ([]*session.Session, error)   { return nil, nil }
func (p *poolStore) ClaimPool(context.Context, string, string) (bool, error) {
	return false, nil
}
func (p *poolStore) ProvisionedUsernames(context.Context) (map[string]bool, error) {
	return nil, nil
}
func (p *poolStore) Close() error { return nil }

// countingRuntime reports fixed counts.
type countingRuntime struct {
	running  int
	memoryGB float64
}

func (c *countingRuntime) SpawnWorkload(context.Context, runtime.WorkloadSpec) (string, string, error) {
	return "", "", nil
}
func (c *countingRuntime) DestroyWorkload(context.Context, string) error { return nil }
func (c *countingRuntime) IsWorkloadRunning(context.Context, string) (bool, error) {
	return false, nil
}
func (c *countingRuntime) ListWorkloads(context.Context) ([]runtime.WorkloadInfo, error) {
	return nil, nil
}
func (c *countingRuntime) ListPoolWorkloads(context.Context) ([]runtime.WorkloadInfo, error) {
	return nil, nil
}
func (c *countingRuntime) ClaimWorkloadLabels(context.Context, string, string) (bool, error) {
	return false, nil
}
func (c *countingRuntime) RunningWorkloadCount(context.Context) (int, error) {
	return c.running, nil
}
func (c *countingRuntime) WorkloadsMemoryGB(context.Context) (float64, error) {
	return c.memoryGB, nil
}

type countingSpawner struct {
	store  *poolStore
	spawns int
	err    error
}

func (c *countingSpawner) ProvisionPoolWorkload(context.Context) error {
	if c.err != nil {
		return c.err
	}
	c.spawns++
	c.store.add()
	return nil
}

type countingEvictor struct {
	kills   int
	granted int
	freed   func()
}

func (c *countingEvictor) ForceKillOldestInactive(_ context.Context, n int) int {
	c.kills += n
	if c.granted <= 0 {
		return 0
	}
	c.granted--
	if c.freed != nil {
		c.freed()
	}
	return 1
}

func testPoolSettings() config.PoolSettings {
	return config.PoolSettings{
		Enabled:        true,
		InitContainers: 3,
		MaxContainers:  10,
		BatchSize:      3,
		Resources: config.PoolResourceSettings{
			MinFreeMemoryGB:  2.0,
			MaxTotalMemoryGB: 16.0,
			MaxMemoryPercent: 0.75,
		},
	}
}

func newTestManager(store *poolStore, rt *countingRuntime, spawner *countingSpawner,
	evictor *countingEvictor, settings config.PoolSettings, forceKill bool) *Manager {
	m := New(store, rt, spawner, evictor, settings,
		config.ContainerSettings{MemoryLimit: "1g"}, forceKill)
	m.memInfo = func() (float64, float64) { return 32.0, 24.0 }
	return m
}

func TestReplenishFillsToTarget(t *testing.T) {
	t.Parallel()

	store := &poolStore{}
	spawner := &countingSpawner{store: store}
	m := newTestManager(store, &countingRuntime{}, spawner, nil, testPoolSettings(), false)

	m.Replenish(context.Background())
	assert.Equal(t, 3, spawner.spawns)

	// Pool at target: nothing more to do.
	m.Replenish(context.Background())
	assert.Equal(t, 3, spawner.spawns)
}

func TestReplenishRespectsBatchSize(t *testing.T) {
	t.Parallel()

	store := &poolStore{}
	spawner := &countingSpawner{store: store}
	settings := testPoolSettings()
	settings.InitContainers = 8
	settings.BatchSize = 2
	m := newTestManager(store, &countingRuntime{}, spawner, nil, settings, false)

	m.Replenish(context.Background())
	assert.Equal(t, 2, spawner.spawns)
}

func TestReplenishRespectsMaxContainers(t *testing.T) {
	t.Parallel()

	store := &poolStore{}
	spawner := &countingSpawner{store: store}
	settings := testPoolSettings()
	settings.InitContainers = 5

	// 9 of 10 workload slots taken by live sessions.
	m := newTestManager(store, &countingRuntime{running: 9}, spawner, nil, settings, false)

	m.Replenish(context.Background())
	assert.Equal(t, 1, spawner.spawns)
}

func TestReplenishDisabled(t *testing.T) {
	t.Parallel()

	store := &poolStore{}
	spawner := &countingSpawner{store: store}
	settings := testPoolSettings()
	settings.Enabled = false
	m := newTestManager(store, &countingRuntime{}, spawner, nil, settings, false)

	m.Replenish(context.Background())
	assert.Zero(t, spawner.spawns)
}

func TestReplenishStopsOnLowFreeMemory(t *testing.T) {
	t.Parallel()

	store := &poolStore{}
	spawner := &countingSpawner{store: store}
	m := newTestManager(store, &countingRuntime{}, spawner, nil, testPoolSettings(), false)
	// 2.5GB available minus a 1GB spawn drops below the 2GB floor.
	m.memInfo = func() (float64, float64) { return 32.0, 2.5 }

	m.Replenish(context.Background())
	assert.Zero(t, spawner.spawns)
}

func TestReplenishStopsOnWorkloadMemoryCap(t *testing.T) {
	t.Parallel()

	store := &poolStore{}
	spawner := &countingSpawner{store: store}
	rt := &countingRuntime{memoryGB: 15.5}
	m := newTestManager(store, rt, spawner, nil, testPoolSettings(), false)

	m.Replenish(context.Background())
	assert.Zero(t, spawner.spawns)
}

func TestReplenishStopsOnMemoryPercent(t *testing.T) {
	t.Parallel()

	store := &poolStore{}
	spawner := &countingSpawner{store: store}
	m := newTestManager(store, &countingRuntime{}, spawner, nil, testPoolSettings(), false)
	// 26 of 32GB used plus 1GB spawn is 84%, above the 75% cap.
	m.memInfo = func() (float64, float64) { return 32.0, 6.0 }

	m.Replenish(context.Background())
	assert.Zero(t, spawner.spawns)
}

func TestReplenishForceEvictsThenSpawns(t *testing.T) {
	t.Parallel()

	store := &poolStore{}
	spawner := &countingSpawner{store: store}
	settings := testPoolSettings()
	settings.InitContainers = 1
	settings.BatchSize = 1

	available := 2.5
	evictor := &countingEvictor{granted: 1, freed: func() { available = 6.0 }}
	m := newTestManager(store, &countingRuntime{}, spawner, evictor, settings, true)
	m.memInfo = func() (float64, float64) { return 32.0, available }

	m.Replenish(context.Background())
	assert.Equal(t, 1, evictor.kills)
	assert.Equal(t, 1, spawner.spawns)
}

func TestReplenishGivesUpWhenEvictionFails(t *testing.T) {
	t.Parallel()

	store := &poolStore{}
	spawner := &countingSpawner{store: store}
	evictor := &countingEvictor{granted: 0}
	m := newTestManager(store, &countingRuntime{}, spawner, evictor, testPoolSettings(), true)
	m.memInfo = func() (float64, float64) { return 32.0, 2.5 }

	m.Replenish(context.Background())
	assert.Zero(t, spawner.spawns)
}
