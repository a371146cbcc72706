// Package telemetry holds the broker's prometheus instruments.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections is the number of open gateway tunnels.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_active_connections",
		Help: "Number of currently open gateway connections",
	})

	// PoolSize is the number of unclaimed pre-warmed workloads.
	PoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_pool_size",
		Help: "Number of unclaimed workloads in the warm pool",
	})

	// RunningWorkloads is the number of managed workloads running.
	RunningWorkloads = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "broker_running_workloads",
		Help: "Number of managed workloads currently running",
	})

	// ProvisionTotal counts provisioning attempts by outcome.
	ProvisionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_provision_total",
		Help: "Provisioning attempts by outcome (claimed, spawned, failed)",
	}, []string{"outcome"})

	// WorkloadsDestroyed counts workload teardowns by reason.
	WorkloadsDestroyed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_workloads_destroyed_total",
		Help: "Workloads destroyed by reason (idle, disconnect, forced, failed_probe, api)",
	}, []string{"reason"})

	// SyncedUsers counts users provisioned by the sync loop.
	SyncedUsers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "broker_synced_users_total",
		Help: "Users provisioned by the sync loop",
	})
)
