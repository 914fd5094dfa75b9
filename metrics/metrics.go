// Package metrics provides Prometheus metrics for advisory lock operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Status label values for LockOperationsTotal.
const (
	StatusAcquired  = "acquired"
	StatusContended = "contended"
	StatusReleased  = "released"
	StatusNotHeld   = "not_held"
	StatusError     = "error"
)

var (
	// Lock operation metrics
	LockOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advlock_lock_operations_total",
			Help: "Total number of lock operations",
		},
		[]string{"operation", "mode", "status"}, // operation: "acquire", "release"
	)

	LockOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "advlock_lock_operation_duration_seconds",
			Help:    "Lock operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "mode"},
	)

	// Locks currently held by this process
	HeldLocks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "advlock_held_locks",
			Help: "Number of advisory locks currently held by this process",
		},
	)

	// Pool connections pinned by lock handles
	CheckedOutConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "advlock_checked_out_connections",
			Help: "Number of pool connections currently pinned by lock handles",
		},
		[]string{"driver"},
	)

	// Connections destroyed instead of returned to the pool
	DiscardedConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "advlock_discarded_connections_total",
			Help: "Total number of connections closed because their lock state was unknown",
		},
		[]string{"driver"},
	)
)

// RegisterMetrics ensures all metrics are registered with Prometheus.
// This function is idempotent and safe to call multiple times.
func RegisterMetrics() {
	// All metrics are automatically registered via promauto.
}
