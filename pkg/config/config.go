// Package config contains the definition of the broker settings structure
// and the logic required to load and validate it. Settings are loaded once at
// startup from broker.yaml plus environment overrides and are immutable
// afterwards.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/virtdesk/broker/pkg/errors"
)

// Settings is the root configuration, mirroring broker.yaml.
type Settings struct {
	Sync         SyncSettings         `mapstructure:"sync"`
	Orchestrator OrchestratorSettings `mapstructure:"orchestrator"`
	Containers   ContainerSettings    `mapstructure:"containers"`
	Lifecycle    LifecycleSettings    `mapstructure:"lifecycle"`
	Pool         PoolSettings         `mapstructure:"pool"`
	Guacamole    GuacamoleSettings    `mapstructure:"guacamole"`
	Database     DatabaseSettings     `mapstructure:"database"`
	API          APISettings          `mapstructure:"api"`
	Profiles     ProfileSettings      `mapstructure:"profiles"`
	Debug        bool                 `mapstructure:"debug"`
}

// SyncSettings configures the user sync loop.
type SyncSettings struct {
	// Interval between sync ticks, in seconds.
	Interval int `mapstructure:"interval"`
	// IgnoredUsers are gateway accounts that never get a session.
	IgnoredUsers []string `mapstructure:"ignored_users"`
	// SyncConfigOnRestart rewrites connection parameters for every stored
	// session once at startup.
	SyncConfigOnRestart bool `mapstructure:"sync_config_on_restart"`
}

// OrchestratorSettings selects and configures the workload backend.
type OrchestratorSettings struct {
	// Backend is "docker" or "kubernetes".
	Backend    string                       `mapstructure:"backend"`
	Docker     DockerOrchestratorSettings   `mapstructure:"docker"`
	Kubernetes KubernetesOrchestratorSettings `mapstructure:"kubernetes"`
}

// DockerOrchestratorSettings configures the local-daemon backend.
type DockerOrchestratorSettings struct {
	// Network overrides containers.network when set.
	Network string `mapstructure:"network"`
}

// KubernetesOrchestratorSettings configures the cluster backend.
type KubernetesOrchestratorSettings struct {
	Namespace        string            `mapstructure:"namespace"`
	ServiceAccount   string            `mapstructure:"service_account"`
	Labels           map[string]string `mapstructure:"labels"`
	ImagePullPolicy  string            `mapstructure:"image_pull_policy"`
	ImagePullSecrets []string          `mapstructure:"image_pull_secrets"`
	NodeSelector     map[string]string `mapstructure:"node_selector"`
	MemoryRequest    string            `mapstructure:"memory_request"`
	MemoryLimit      string            `mapstructure:"memory_limit"`
	CPURequest       string            `mapstructure:"cpu_request"`
	CPULimit         string            `mapstructure:"cpu_limit"`
}

// ContainerSettings configures the VNC workload containers.
type ContainerSettings struct {
	Image          string `mapstructure:"image"`
	ConnectionName string `mapstructure:"connection_name"`
	Network        string `mapstructure:"network"`
	MemoryLimit    string `mapstructure:"memory_limit"`
	ShmSize        string `mapstructure:"shm_size"`
	// VNCTimeout is the readiness probe deadline in seconds.
	VNCTimeout int `mapstructure:"vnc_timeout"`
	// UserDataVolume is the named volume mounted read-write at /user-data.
	UserDataVolume string `mapstructure:"user_data_volume"`
}

// LifecycleSettings configures disconnect and idle handling.
type LifecycleSettings struct {
	PersistAfterDisconnect  bool `mapstructure:"persist_after_disconnect"`
	IdleTimeoutMinutes      int  `mapstructure:"idle_timeout_minutes"`
	ForceKillOnLowResources bool `mapstructure:"force_kill_on_low_resources"`
}

// PoolSettings configures workload pre-warming.
type PoolSettings struct {
	Enabled        bool                 `mapstructure:"enabled"`
	InitContainers int                  `mapstructure:"init_containers"`
	MaxContainers  int                  `mapstructure:"max_containers"`
	BatchSize      int                  `mapstructure:"batch_size"`
	Resources      PoolResourceSettings `mapstructure:"resources"`
}

// PoolResourceSettings are the ceilings checked before each spawn.
type PoolResourceSettings struct {
	MinFreeMemoryGB  float64 `mapstructure:"min_free_memory_gb"`
	MaxTotalMemoryGB float64 `mapstructure:"max_total_memory_gb"`
	MaxMemoryPercent float64 `mapstructure:"max_memory_percent"`
}

// GuacamoleSettings configures the gateway adapter.
type GuacamoleSettings struct {
	URL                string            `mapstructure:"url"`
	Username           string            `mapstructure:"username"`
	Password           string            `mapstructure:"password"`
	ForceHomePage      bool              `mapstructure:"force_home_page"`
	HomeConnectionName string            `mapstructure:"home_connection_name"`
	Recording          RecordingSettings `mapstructure:"recording"`
}

// RecordingSettings configure session recording parameters on catalog entries.
type RecordingSettings struct {
	Enabled        bool   `mapstructure:"enabled"`
	Path           string `mapstructure:"path"`
	Name           string `mapstructure:"name"`
	IncludeKeys    bool   `mapstructure:"include_keys"`
	AutoCreatePath bool   `mapstructure:"auto_create_path"`
}

// DatabaseSettings configure the session store.
type DatabaseSettings struct {
	// Path to the sqlite database file.
	Path string `mapstructure:"path"`
	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int `mapstructure:"max_open_conns"`
	// BusyTimeoutMS bounds how long a connection waits for the write lock
	// before failing fast.
	BusyTimeoutMS int `mapstructure:"busy_timeout_ms"`
}

// APISettings configure the admin/metrics HTTP listener.
type APISettings struct {
	Address string `mapstructure:"address"`
}

// ProfileSettings configure per-group browser profiles.
type ProfileSettings struct {
	// Path to profiles.yaml. Empty disables group profiles.
	Path string `mapstructure:"path"`
	// UserDataPath is where per-user policy directories are written.
	UserDataPath string `mapstructure:"user_data_path"`
	// Browser is "chromium" or "firefox".
	Browser string `mapstructure:"browser"`
}

// VNCPort is the fixed port the workload image exposes.
const VNCPort = 5901

// SyncInterval returns the sync tick interval as a duration.
func (s *SyncSettings) SyncInterval() time.Duration {
	return time.Duration(s.Interval) * time.Second
}

// ProbeTimeout returns the VNC readiness deadline as a duration.
func (c *ContainerSettings) ProbeTimeout() time.Duration {
	return time.Duration(c.VNCTimeout) * time.Second
}

// IdleTimeout returns the idle reap threshold as a duration.
func (l *LifecycleSettings) IdleTimeout() time.Duration {
	return time.Duration(l.IdleTimeoutMinutes) * time.Minute
}

// MemoryLimitGB parses the container memory limit ("1g", "512m") into GB.
func (c *ContainerSettings) MemoryLimitGB() float64 {
	return ParseMemoryGB(c.MemoryLimit)
}

// ParseMemoryGB parses docker-style memory strings ("2g", "512m", "1024k")
// into gigabytes. Unparseable input yields 1.0.
func ParseMemoryGB(s string) float64 {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 1.0
	}
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "g"):
		s = strings.TrimSuffix(s, "g")
	case strings.HasSuffix(s, "m"):
		s, mult = strings.TrimSuffix(s, "m"), 1.0/1024
	case strings.HasSuffix(s, "k"):
		s, mult = strings.TrimSuffix(s, "k"), 1.0/(1024*1024)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 1.0
	}
	return v * mult
}

// setDefaults enumerates every setting with its default value.
func setDefaults(v *viper.Viper) {
	v.SetDefault("sync.interval", 60)
	v.SetDefault("sync.ignored_users", []string{"guacadmin"})
	v.SetDefault("sync.sync_config_on_restart", false)

	v.SetDefault("orchestrator.backend", "docker")
	v.SetDefault("orchestrator.docker.network", "")
	v.SetDefault("orchestrator.kubernetes.namespace", "guacamole")
	v.SetDefault("orchestrator.kubernetes.image_pull_policy", "IfNotPresent")
	v.SetDefault("orchestrator.kubernetes.memory_request", "512Mi")
	v.SetDefault("orchestrator.kubernetes.memory_limit", "2Gi")
	v.SetDefault("orchestrator.kubernetes.cpu_request", "250m")
	v.SetDefault("orchestrator.kubernetes.cpu_limit", "1000m")

	v.SetDefault("containers.image", "ghcr.io/virtdesk/vnc-browser:latest")
	v.SetDefault("containers.connection_name", "Virtual Desktop")
	v.SetDefault("containers.network", "guacamole_vnc-network")
	v.SetDefault("containers.memory_limit", "1g")
	v.SetDefault("containers.shm_size", "128m")
	v.SetDefault("containers.vnc_timeout", 30)
	v.SetDefault("containers.user_data_volume", "guacamole_user_profiles")

	v.SetDefault("lifecycle.persist_after_disconnect", true)
	v.SetDefault("lifecycle.idle_timeout_minutes", 3)
	v.SetDefault("lifecycle.force_kill_on_low_resources", true)

	v.SetDefault("pool.enabled", true)
	v.SetDefault("pool.init_containers", 2)
	v.SetDefault("pool.max_containers", 10)
	v.SetDefault("pool.batch_size", 3)
	v.SetDefault("pool.resources.min_free_memory_gb", 2.0)
	v.SetDefault("pool.resources.max_total_memory_gb", 16.0)
	v.SetDefault("pool.resources.max_memory_percent", 0.75)

	v.SetDefault("guacamole.url", "http://guacamole:8080/guacamole")
	v.SetDefault("guacamole.username", "guacadmin")
	v.SetDefault("guacamole.force_home_page", true)
	v.SetDefault("guacamole.home_connection_name", "Home")
	v.SetDefault("guacamole.recording.enabled", false)
	v.SetDefault("guacamole.recording.path", "/recordings")
	v.SetDefault("guacamole.recording.name", "${GUAC_USERNAME}-${GUAC_DATE}-${GUAC_TIME}")
	v.SetDefault("guacamole.recording.include_keys", false)
	v.SetDefault("guacamole.recording.auto_create_path", true)

	v.SetDefault("database.path", "/data/broker.db")
	v.SetDefault("database.max_open_conns", 8)
	v.SetDefault("database.busy_timeout_ms", 5000)

	v.SetDefault("api.address", ":8090")

	v.SetDefault("profiles.path", "")
	v.SetDefault("profiles.user_data_path", "/data/users")
	v.SetDefault("profiles.browser", "chromium")

	v.SetDefault("debug", false)
}

// Load reads settings from the given file (optional) plus BROKER_* environment
// overrides and validates the result.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the settings for internal consistency.
func (s *Settings) Validate() error {
	switch s.Orchestrator.Backend {
	case "docker", "kubernetes":
	default:
		return errors.Newf(errors.KindValidation,
			"invalid orchestrator.backend %q (must be docker or kubernetes)", s.Orchestrator.Backend)
	}

	if s.Sync.Interval <= 0 {
		return errors.Newf(errors.KindValidation,
			"sync.interval must be positive, got %d", s.Sync.Interval)
	}
	if s.Containers.VNCTimeout <= 0 {
		return errors.Newf(errors.KindValidation,
			"containers.vnc_timeout must be positive, got %d", s.Containers.VNCTimeout)
	}
	if s.Pool.InitContainers < 0 || s.Pool.MaxContainers <= 0 || s.Pool.BatchSize <= 0 {
		return errors.Newf(errors.KindValidation,
			"pool sizes must be non-negative with max_containers and batch_size positive")
	}
	if s.Pool.InitContainers > s.Pool.MaxContainers {
		return errors.Newf(errors.KindValidation,
			"pool.init_containers (%d) exceeds pool.max_containers (%d)",
			s.Pool.InitContainers, s.Pool.MaxContainers)
	}
	if s.Database.MaxOpenConns <= 0 {
		return errors.Newf(errors.KindValidation,
			"database.max_open_conns must be positive, got %d", s.Database.MaxOpenConns)
	}
	if s.Guacamole.URL == "" {
		return errors.Newf(errors.KindValidation, "guacamole.url is required")
	}

	switch s.Profiles.Browser {
	case "chromium", "firefox":
	default:
		return errors.Newf(errors.KindValidation,
			"invalid profiles.browser %q (must be chromium or firefox)", s.Profiles.Browser)
	}

	return nil
}
