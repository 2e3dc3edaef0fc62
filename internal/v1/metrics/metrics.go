package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the matchmaking and signaling service.
//
// Naming convention: namespace_subsystem_name
// - namespace: devroulette (application-level grouping)
// - subsystem: gateway, queue, room, relay, safety (feature-level grouping)
//
// Metric Types:
// - Gauge: current state (connections, rooms, queue depth)
// - Counter: cumulative events (matches, relayed signals, rejections)
// - Histogram: latency distributions (command processing time)

var (
	// ActiveConnections tracks the current number of attached websocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "devroulette",
		Subsystem: "gateway",
		Name:      "connections_active",
		Help:      "Current number of attached WebSocket connections",
	})

	// ActiveRooms tracks the current number of minted rooms on this instance's view.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "devroulette",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// QueueDepth tracks waiting sessions per (intent, medium) queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "devroulette",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of sessions waiting per queue",
	}, []string{"intent", "medium"})

	// MatchesTotal counts minted rooms by intent and medium.
	MatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devroulette",
		Subsystem: "queue",
		Name:      "matches_total",
		Help:      "Total rooms minted by the pairing engine",
	}, []string{"intent", "medium"})

	// StaleCandidatesTotal counts queue entries discarded during a pair scan.
	StaleCandidatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "devroulette",
		Subsystem: "queue",
		Name:      "stale_candidates_total",
		Help:      "Queue entries discarded as stale during pairing",
	})

	// SignalsRelayed counts forwarded signaling envelopes by type and outcome.
	SignalsRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devroulette",
		Subsystem: "relay",
		Name:      "signals_total",
		Help:      "Total signaling envelopes relayed",
	}, []string{"type", "status"})

	// GatewayEvents counts processed websocket commands.
	GatewayEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devroulette",
		Subsystem: "gateway",
		Name:      "events_total",
		Help:      "Total WebSocket commands processed",
	}, []string{"event_type", "status"})

	// CommandDuration tracks time spent processing websocket commands.
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "devroulette",
		Subsystem: "gateway",
		Name:      "command_duration_seconds",
		Help:      "Time spent processing WebSocket commands",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// RateLimitExceeded counts rejected operations per limiter scope.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devroulette",
		Subsystem: "safety",
		Name:      "rate_limit_exceeded_total",
		Help:      "Operations rejected by the rate limiter",
	}, []string{"scope"})

	// ReportsTotal counts ingested abuse reports by outcome.
	ReportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devroulette",
		Subsystem: "safety",
		Name:      "reports_total",
		Help:      "Abuse reports ingested",
	}, []string{"status"})

	// AutoDisconnects counts forced disconnects triggered by report thresholds.
	AutoDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "devroulette",
		Subsystem: "safety",
		Name:      "auto_disconnects_total",
		Help:      "Forced disconnects after crossing the report threshold",
	})

	// CircuitBreakerState exposes the store circuit breaker state (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "devroulette",
		Subsystem: "store",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	// StoreOperationsTotal counts shared-store operations by command and outcome.
	StoreOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devroulette",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Total shared-store operations",
	}, []string{"op", "status"})

	// StoreOperationDuration tracks shared-store operation latency.
	StoreOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "devroulette",
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "Shared-store operation latency",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
	}, []string{"op"})

	// CircuitBreakerFailures counts requests dropped by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devroulette",
		Subsystem: "store",
		Name:      "circuit_breaker_failures_total",
		Help:      "Requests rejected while the circuit breaker was open",
	}, []string{"name"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
