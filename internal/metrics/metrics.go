// Package metrics exposes the Prometheus counters/gauges the sandbox
// engine updates during operation, grounded on the metrics.go pattern
// used by the chidi150c-coinbase example: package-level vars registered
// in init(), incremented inline at the call site.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_orders_placed_total",
			Help: "Orders placed, by action and product.",
		},
		[]string{"action", "product"},
	)

	OrdersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_orders_rejected_total",
			Help: "Orders rejected, by reason kind.",
		},
		[]string{"kind"},
	)

	Fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_fills_total",
			Help: "Fills executed, by action and price type.",
		},
		[]string{"action", "price_type"},
	)

	MarginBlocked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandbox_margin_blocked_total",
			Help: "Sum of used_margin across all users.",
		},
	)

	SquareoffClosures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_squareoff_closures_total",
			Help: "Positions force-closed by the squareoff manager, by exchange group.",
		},
		[]string{"group"},
	)

	SettlementsRun = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandbox_t1_settlements_total",
			Help: "CNC positions swept into holdings by the T+1 settlement job.",
		},
	)

	InvariantViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_invariant_violations_total",
			Help: "LedgerDrift-class invariant violations recovered by clamping (see spec §7).",
		},
		[]string{"invariant"},
	)

	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandbox_execution_tick_seconds",
			Help:    "Wall time of one execution engine tick.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersPlaced,
		OrdersRejected,
		Fills,
		MarginBlocked,
		SquareoffClosures,
		SettlementsRun,
		InvariantViolations,
		TickDuration,
	)
}
