package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pricing fallback metrics
	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costguard_pricing_fallback_total",
			Help: "Total number of pricing fallbacks (missing/unknown model or tool)",
		},
		[]string{"reason"},
	)

	// Policy reload metrics
	PolicyReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costguard_policy_reloads_total",
			Help: "Total number of policy snapshot reloads",
		},
		[]string{"outcome"},
	)

	PolicySnapshotBudgets = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "costguard_policy_snapshot_budgets",
			Help: "Number of enabled budget specs in the active policy snapshot",
		},
	)

	// Persistent store metrics
	StoreCASConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "costguard_store_cas_conflicts_total",
			Help: "Total number of compare-and-set conflicts against the persistent store",
		},
	)

	StoreCASExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "costguard_store_cas_exhausted_total",
			Help: "Total number of updates that fell back to in-memory accounting after exhausting CAS retries",
		},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costguard_store_errors_total",
			Help: "Total number of persistent store operation errors",
		},
		[]string{"op"},
	)

	StoreHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "costguard_store_healthy",
			Help: "Whether the persistent store backend is currently reachable (1) or degraded (0)",
		},
	)

	// Tracker metrics
	LateEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costguard_late_events_total",
			Help: "Total number of lifecycle events received for unknown or ended runs",
		},
		[]string{"hook"},
	)

	ThresholdCrossings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "costguard_threshold_crossings_total",
			Help: "Total number of soft-threshold crossing events detected",
		},
	)
)
