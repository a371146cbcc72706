// Package container selects and constructs the workload runtime backend.
package container

import (
	"context"
	"fmt"

	"github.com/virtdesk/broker/pkg/config"
	"github.com/virtdesk/broker/pkg/container/docker"
	"github.com/virtdesk/broker/pkg/container/kubernetes"
	"github.com/virtdesk/broker/pkg/container/runtime"
)

// NewRuntime constructs the runtime named by orchestrator.backend.
func NewRuntime(ctx context.Context, settings config.OrchestratorSettings) (runtime.Runtime, error) {
	switch settings.Backend {
	case "docker":
		return docker.NewClient(ctx)
	case "kubernetes":
		return kubernetes.NewClient(ctx, settings.Kubernetes)
	default:
		return nil, fmt.Errorf("unsupported orchestrator backend %q", settings.Backend)
	}
}
