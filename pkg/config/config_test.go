package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtdesk/broker/pkg/errors"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 60, s.Sync.Interval)
	assert.Equal(t, []string{"guacadmin"}, s.Sync.IgnoredUsers)
	assert.Equal(t, "docker", s.Orchestrator.Backend)
	assert.Equal(t, "Virtual Desktop", s.Containers.ConnectionName)
	assert.Equal(t, "guacamole_vnc-network", s.Containers.Network)
	assert.Equal(t, 30, s.Containers.VNCTimeout)
	assert.True(t, s.Lifecycle.PersistAfterDisconnect)
	assert.Equal(t, 3, s.Lifecycle.IdleTimeoutMinutes)
	assert.True(t, s.Pool.Enabled)
	assert.Equal(t, 2, s.Pool.InitContainers)
	assert.Equal(t, 10, s.Pool.MaxContainers)
	assert.Equal(t, 3, s.Pool.BatchSize)
	assert.InDelta(t, 2.0, s.Pool.Resources.MinFreeMemoryGB, 1e-9)
	assert.InDelta(t, 0.75, s.Pool.Resources.MaxMemoryPercent, 1e-9)
	assert.True(t, s.Guacamole.ForceHomePage)
	assert.Equal(t, "Home", s.Guacamole.HomeConnectionName)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
orchestrator:
  backend: kubernetes
  kubernetes:
    namespace: desktops
pool:
  init_containers: 4
  max_containers: 20
guacamole:
  url: http://gw:8080/guacamole
  username: admin
  password: secret
`), 0o600))

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "kubernetes", s.Orchestrator.Backend)
	assert.Equal(t, "desktops", s.Orchestrator.Kubernetes.Namespace)
	assert.Equal(t, 4, s.Pool.InitContainers)
	assert.Equal(t, 20, s.Pool.MaxContainers)
	assert.Equal(t, "http://gw:8080/guacamole", s.Guacamole.URL)
	// Untouched keys keep their defaults.
	assert.Equal(t, 3, s.Pool.BatchSize)
	assert.Equal(t, "1g", s.Containers.MemoryLimit)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("BROKER_SYNC_INTERVAL", "15")
	t.Setenv("BROKER_GUACAMOLE_PASSWORD", "from-env")

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 15, s.Sync.Interval)
	assert.Equal(t, "from-env", s.Guacamole.Password)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	base := func() *Settings {
		s, err := Load("")
		require.NoError(t, err)
		return s
	}

	t.Run("unknown backend", func(t *testing.T) {
		t.Parallel()
		s := base()
		s.Orchestrator.Backend = "podman"
		err := s.Validate()
		assert.ErrorContains(t, err, "orchestrator.backend")
		assert.True(t, errors.IsKind(err, errors.KindValidation))
	})

	t.Run("init above max", func(t *testing.T) {
		t.Parallel()
		s := base()
		s.Pool.InitContainers = 11
		err := s.Validate()
		assert.ErrorContains(t, err, "init_containers")
		assert.True(t, errors.IsKind(err, errors.KindValidation))
	})

	t.Run("zero sync interval", func(t *testing.T) {
		t.Parallel()
		s := base()
		s.Sync.Interval = 0
		err := s.Validate()
		assert.ErrorContains(t, err, "sync.interval")
		assert.True(t, errors.IsKind(err, errors.KindValidation))
	})

	t.Run("unknown browser", func(t *testing.T) {
		t.Parallel()
		s := base()
		s.Profiles.Browser = "safari"
		err := s.Validate()
		assert.ErrorContains(t, err, "profiles.browser")
		assert.True(t, errors.IsKind(err, errors.KindValidation))
	})
}

func TestParseMemoryGB(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 1.0, ParseMemoryGB("1g"), 1e-9)
	assert.InDelta(t, 2.0, ParseMemoryGB("2G"), 1e-9)
	assert.InDelta(t, 0.5, ParseMemoryGB("512m"), 1e-9)
	assert.InDelta(t, 0.125, ParseMemoryGB("128m"), 1e-6)
	assert.InDelta(t, 1.0, ParseMemoryGB(""), 1e-9)
	assert.InDelta(t, 1.0, ParseMemoryGB("garbage"), 1e-9)
}
