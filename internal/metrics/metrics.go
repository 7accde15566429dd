package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Feed / aggregator metrics.
var (
	FeedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_feed_events_total",
		Help: "Normalized feed events ingested, by venue and kind.",
	}, []string{"venue", "kind"})

	FeedReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_feed_reconnects_total",
		Help: "Feed connection drops followed by reconnect attempts.",
	}, []string{"venue"})

	FeedResyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_feed_resyncs_total",
		Help: "Full book resyncs forced by sequence gaps.",
	}, []string{"venue"})

	StaleReads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_stale_reads_total",
		Help: "Snapshot reads rejected for staleness, by symbol.",
	}, []string{"symbol"})
)

// Risk gate metrics.
var (
	GateVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_gate_verdicts_total",
		Help: "Risk gate verdicts, by tier and outcome.",
	}, []string{"tier", "outcome"})

	BreakerTripped = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gatekeeper_circuit_breaker_tripped",
		Help: "1 while the system circuit breaker is tripped.",
	})
)

// Execution metrics.
var (
	Reprices = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_reprices_total",
		Help: "Chase-limit cancel-and-replace operations, by symbol.",
	}, []string{"symbol"})

	Fills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_fills_total",
		Help: "Order fills confirmed, by symbol.",
	}, []string{"symbol"})

	ExecutionsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_executions_terminal_total",
		Help: "Executions reaching a terminal state, by state.",
	}, []string{"state"})

	SlippageBps = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gatekeeper_slippage_bps",
		Help:    "Realized slippage versus reference price in basis points.",
		Buckets: []float64{-50, -20, -10, -5, -2, 0, 2, 5, 10, 20, 50, 100},
	})
)
