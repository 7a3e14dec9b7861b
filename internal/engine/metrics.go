package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики хеджированного исполнения
// ============================================================

// ============ Счётчики исполнений ============

var executionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundarb",
		Subsystem: "execution",
		Name:      "hedged_entries_total",
		Help:      "Total number of hedged entry attempts",
	},
	[]string{"symbol", "result"}, // result: complete, failed, rollback
)

var executionFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundarb",
		Subsystem: "execution",
		Name:      "failures_total",
		Help:      "Execution failures by reason",
	},
	[]string{"reason"},
)

var ghostFillsDetected = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fundarb",
		Subsystem: "execution",
		Name:      "ghost_fills_total",
		Help:      "Maker cancels that raced with a fill",
	},
)

// ============ Латентность ============

var fillWaitDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fundarb",
		Subsystem: "execution",
		Name:      "fill_wait_seconds",
		Help:      "Time spent waiting for the maker leg to fill",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90},
	},
	[]string{"symbol", "outcome"}, // outcome: filled, timeout, ghost
)

var legLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "fundarb",
		Subsystem: "execution",
		Name:      "leg_latency_ms",
		Help:      "Order placement round-trip per leg in milliseconds",
		Buckets:   []float64{50, 100, 200, 300, 500, 1000, 2000, 5000},
	},
	[]string{"venue", "leg"}, // leg: maker, hedge
)

// ============ Rollback ============

var rollbacksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundarb",
		Subsystem: "rollback",
		Name:      "total",
		Help:      "Rollback outcomes",
	},
	[]string{"result"}, // queued, done, failed
)

var rollbackQueueDepth = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fundarb",
		Subsystem: "rollback",
		Name:      "queue_depth",
		Help:      "Current number of pending rollbacks",
	},
)

// ============ Reconciler ============

var reconcilerActions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fundarb",
		Subsystem: "reconciler",
		Name:      "actions_total",
		Help:      "Reconciler corrective actions",
	},
	[]string{"action"}, // zombie_closed, ghost_imported, ghost_closed, conflict_flattened, late_fill_closed
)

var reconcilerPassDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "fundarb",
		Subsystem: "reconciler",
		Name:      "pass_seconds",
		Help:      "Duration of a full reconciliation pass",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	},
)

// ============ Состояние ============

var activeExecutions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "fundarb",
		Subsystem: "execution",
		Name:      "active",
		Help:      "Current number of active hedged executions",
	},
)

var notificationsDropped = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "fundarb",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Notifications dropped due to full buffer",
	},
)
