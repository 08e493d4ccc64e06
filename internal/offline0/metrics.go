package offline0

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fetch outcomes.
const (
	outcomeNetwork     = "network"
	outcomeCache       = "cache"
	outcomeOffline     = "offline"
	outcomePassthrough = "passthrough"
	outcomeFailed      = "failed"
)

var (
	fetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_fetch_total",
			Help: "Intercepted requests by how they were answered",
		},
		[]string{"outcome"},
	)

	writeBehindTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_write_behind_total",
			Help: "Write-behind cache updates by result",
		},
		[]string{"result"},
	)

	installTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_install_total",
			Help: "Cache version installs by result",
		},
		[]string{"result"},
	)

	activationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline0_activations_total",
			Help: "Cache versions that became active",
		},
	)

	gcFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline0_gc_failures_total",
			Help: "Superseded cache versions that could not be deleted",
		},
	)

	syncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_sync_total",
			Help: "Deferred sync attempts by result",
		},
		[]string{"result"},
	)

	pushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline0_push_total",
			Help: "Push deliveries by result",
		},
		[]string{"result"},
	)
)
