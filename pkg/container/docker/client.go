// Package docker implements the workload runtime on top of the local Docker
// daemon.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/virtdesk/broker/pkg/config"
	"github.com/virtdesk/broker/pkg/container/runtime"
	"github.com/virtdesk/broker/pkg/labels"
	"github.com/virtdesk/broker/pkg/logger"
)

const (
	// DockerSocketPath is the standard Docker socket location
	DockerSocketPath = "/var/run/docker.sock"

	// DockerSocketEnv overrides the socket location
	DockerSocketEnv = "BROKER_DOCKER_SOCKET"

	// stopGracePeriod is how long a workload gets to shut down cleanly
	// before being killed.
	stopGracePeriod = 10
)

// dockerAPI is the subset of the Docker SDK the client uses. Narrowed so
// tests can substitute a fake.
type dockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *v1.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerStatsOneShot(ctx context.Context, containerID string) (container.StatsResponseReader, error)
	NetworkInspect(ctx context.Context, networkID string, options network.InspectOptions) (network.Inspect, error)
	NetworkCreate(ctx context.Context, name string, options network.CreateOptions) (network.CreateResponse, error)
}

// Client implements runtime.Runtime against the local Docker daemon.
type Client struct {
	api        dockerAPI
	socketPath string
}

// NewClient creates a Docker runtime client and verifies the daemon is
// reachable.
func NewClient(ctx context.Context) (*Client, error) {
	socketPath := os.Getenv(DockerSocketEnv)
	if socketPath == "" {
		socketPath = DockerSocketPath
	}
	if _, err := os.Stat(socketPath); err != nil {
		return nil, fmt.Errorf("docker socket not found at %s: %w", socketPath, err)
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", socketPath)
			},
		},
	}

	dockerClient, err := client.NewClientWithOpts(
		client.WithAPIVersionNegotiation(),
		client.WithHTTPClient(httpClient),
		client.WithHost("unix://"+socketPath),
	)
	if err != nil {
		return nil, runtime.NewWorkloadError(err, "", fmt.Sprintf("failed to create docker client: %v", err))
	}

	c := &Client{api: dockerClient, socketPath: socketPath}
	if _, err := c.api.Ping(ctx); err != nil {
		return nil, runtime.NewWorkloadError(err, "", fmt.Sprintf("failed to ping docker daemon: %v", err))
	}
	logger.Debugf("Connected to docker daemon at %s", socketPath)

	return c, nil
}

// SpawnWorkload creates and starts a VNC workload container and returns its
// ID and network-internal IP address.
func (c *Client) SpawnWorkload(ctx context.Context, spec runtime.WorkloadSpec) (string, string, error) {
	if err := c.ensureNetwork(ctx, spec.Network); err != nil {
		return "", "", err
	}

	containerLabels := map[string]string{}
	labels.AddStandardLabels(containerLabels, spec.SessionID, spec.Username)

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	vncPort := nat.Port(fmt.Sprintf("%d/tcp", config.VNCPort))
	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       containerLabels,
		ExposedPorts: nat.PortSet{vncPort: struct{}{}},
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory: memoryBytes(spec.MemoryLimit),
		},
		ShmSize: memoryBytes(spec.ShmSize),
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
	}
	if spec.UserDataVolume != "" {
		hostConfig.Mounts = []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: spec.UserDataVolume,
			Target: "/user-data",
		}}
	}

	networkingConfig := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			spec.Network: {},
		},
	}

	name := runtime.WorkloadName(spec.SessionID)
	resp, err := c.api.ContainerCreate(ctx, cfg, hostConfig, networkingConfig, nil, name)
	if err != nil {
		return "", "", runtime.NewWorkloadError(err, "", fmt.Sprintf("failed to create container %s: %v", name, err))
	}

	if err := c.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up the created-but-unstartable container.
		_ = c.api.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", "", runtime.NewWorkloadError(err, resp.ID, fmt.Sprintf("failed to start container: %v", err))
	}

	ip, err := c.workloadIP(ctx, resp.ID, spec.Network)
	if err != nil {
		return "", "", err
	}

	logger.Infow("Spawned workload", "name", name, "id", resp.ID[:12], "ip", ip)
	return resp.ID, ip, nil
}

// DestroyWorkload stops the container with a short grace period and removes
// it. A missing container is treated as already destroyed.
func (c *Client) DestroyWorkload(ctx context.Context, workloadID string) error {
	grace := stopGracePeriod
	err := c.api.ContainerStop(ctx, workloadID, container.StopOptions{Timeout: &grace})
	if err != nil && !client.IsErrNotFound(err) {
		// Removal below is forced, so a stop failure is only logged.
		logger.Warnf("Failed to stop workload %s: %v", workloadID, err)
	}

	err = c.api.ContainerRemove(ctx, workloadID, container.RemoveOptions{Force: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return runtime.NewWorkloadError(err, workloadID, fmt.Sprintf("failed to remove workload: %v", err))
	}
	return nil
}

// IsWorkloadRunning reports whether the container exists and is running.
func (c *Client) IsWorkloadRunning(ctx context.Context, workloadID string) (bool, error) {
	info, err := c.api.ContainerInspect(ctx, workloadID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, runtime.NewWorkloadError(runtime.ErrWorkloadNotFound, workloadID, "")
		}
		return false, runtime.NewWorkloadError(err, workloadID, fmt.Sprintf("failed to inspect workload: %v", err))
	}
	return info.State != nil && info.State.Running, nil
}

// ListWorkloads returns every managed workload.
func (c *Client) ListWorkloads(ctx context.Context) ([]runtime.WorkloadInfo, error) {
	return c.list(ctx, labels.ManagedFilter())
}

// ListPoolWorkloads returns unclaimed pool workloads, oldest first.
func (c *Client) ListPoolWorkloads(ctx context.Context) ([]runtime.WorkloadInfo, error) {
	workloads, err := c.list(ctx, labels.PoolFilter())
	if err != nil {
		return nil, err
	}

	// Label filters cannot express "username label absent", filter here.
	unclaimed := workloads[:0]
	for _, w := range workloads {
		if w.Username == "" {
			unclaimed = append(unclaimed, w)
		}
	}
	sort.Slice(unclaimed, func(i, j int) bool {
		return unclaimed[i].CreatedAt.Before(unclaimed[j].CreatedAt)
	})
	return unclaimed, nil
}

// ClaimWorkloadLabels marks a pool workload as owned by username. Docker
// cannot relabel a running container, so ownership is tracked in the session
// store; this only verifies the workload is still an unclaimed pool member.
func (c *Client) ClaimWorkloadLabels(ctx context.Context, workloadID, username string) (bool, error) {
	info, err := c.api.ContainerInspect(ctx, workloadID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, runtime.NewWorkloadError(err, workloadID, fmt.Sprintf("failed to inspect workload: %v", err))
	}
	if info.State == nil || !info.State.Running {
		return false, runtime.NewWorkloadError(runtime.ErrWorkloadNotRunning, workloadID, "")
	}
	if owner := labels.Username(info.Config.Labels); owner != "" && owner != username {
		return false, runtime.NewWorkloadError(
			runtime.ErrWorkloadAlreadyClaimed, workloadID, "owned by "+owner)
	}
	return true, nil
}

// RunningWorkloadCount returns the number of running managed workloads.
func (c *Client) RunningWorkloadCount(ctx context.Context) (int, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labels.ManagedFilter())
	filterArgs.Add("status", "running")

	containers, err := c.api.ContainerList(ctx, container.ListOptions{Filters: filterArgs})
	if err != nil {
		return 0, runtime.NewWorkloadError(err, "", fmt.Sprintf("failed to count workloads: %v", err))
	}
	return len(containers), nil
}

// WorkloadsMemoryGB sums the current memory usage of managed workloads.
func (c *Client) WorkloadsMemoryGB(ctx context.Context) (float64, error) {
	workloads, err := c.ListWorkloads(ctx)
	if err != nil {
		return 0, err
	}

	var totalBytes uint64
	for _, w := range workloads {
		stats, err := c.api.ContainerStatsOneShot(ctx, w.ID)
		if err != nil {
			logger.Debugf("Failed to read stats for %s: %v", w.ID, err)
			continue
		}
		var resp container.StatsResponse
		decodeErr := json.NewDecoder(stats.Body).Decode(&resp)
		stats.Body.Close()
		if decodeErr != nil {
			continue
		}
		totalBytes += resp.MemoryStats.Usage
	}
	return float64(totalBytes) / (1 << 30), nil
}

func (c *Client) list(ctx context.Context, labelFilter string) ([]runtime.WorkloadInfo, error) {
	filterArgs := filters.NewArgs()
	for _, f := range strings.Split(labelFilter, ",") {
		filterArgs.Add("label", f)
	}

	containers, err := c.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, runtime.NewWorkloadError(err, "", fmt.Sprintf("failed to list workloads: %v", err))
	}

	result := make([]runtime.WorkloadInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}

		ip := ""
		if ctr.NetworkSettings != nil {
			for _, endpoint := range ctr.NetworkSettings.Networks {
				if endpoint.IPAddress != "" {
					ip = endpoint.IPAddress
					break
				}
			}
		}

		result = append(result, runtime.WorkloadInfo{
			ID:        ctr.ID,
			Name:      name,
			SessionID: labels.SessionID(ctr.Labels),
			Username:  labels.Username(ctr.Labels),
			IP:        ip,
			Pool:      labels.IsPool(ctr.Labels),
			CreatedAt: time.Unix(ctr.Created, 0),
		})
	}
	return result, nil
}

// ensureNetwork creates the workload bridge network if it does not exist.
func (c *Client) ensureNetwork(ctx context.Context, name string) error {
	_, err := c.api.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return runtime.NewWorkloadError(err, "", fmt.Sprintf("failed to inspect network %s: %v", name, err))
	}

	logger.Infof("Creating workload network %s", name)
	_, err = c.api.NetworkCreate(ctx, name, network.CreateOptions{Driver: "bridge"})
	if err != nil {
		return runtime.NewWorkloadError(err, "", fmt.Sprintf("failed to create network %s: %v", name, err))
	}
	return nil
}

// workloadIP reads the container's address on the given network.
func (c *Client) workloadIP(ctx context.Context, containerID, networkName string) (string, error) {
	info, err := c.api.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", runtime.NewWorkloadError(err, containerID, fmt.Sprintf("failed to inspect workload: %v", err))
	}
	if info.NetworkSettings != nil {
		if endpoint, ok := info.NetworkSettings.Networks[networkName]; ok && endpoint.IPAddress != "" {
			return endpoint.IPAddress, nil
		}
		// Fall back to any attached network.
		for _, endpoint := range info.NetworkSettings.Networks {
			if endpoint.IPAddress != "" {
				return endpoint.IPAddress, nil
			}
		}
	}
	return "", runtime.NewWorkloadError(runtime.ErrNoAddress, containerID, "")
}

func memoryBytes(s string) int64 {
	return int64(config.ParseMemoryGB(s) * (1 << 30))
}
