package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the pairing broker.
//
// Naming convention: namespace_subsystem_name
// - namespace: pairing_broker (application-level grouping)
// - subsystem: websocket, room, command, logsink, circuit_breaker, rate_limit, redis, identity_store
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: current state (connections, rooms, occupancy)
// - Counter: cumulative events (messages processed, errors)
// - Histogram: latency distributions (processing time)

var (
	// ActiveWebSocketConnections tracks the current number of open WebSocket
	// connections, joined or not.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pairing_broker",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of rooms with at least one client.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pairing_broker",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of rooms with at least one client",
	})

	// RoomOccupancy tracks the number of occupied slots (0, 1, or 2) per room.
	RoomOccupancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pairing_broker",
		Subsystem: "room",
		Name:      "occupancy",
		Help:      "Number of occupied slots (display/app) in a room",
	}, []string{"pairing_code"})

	// WebsocketEvents tracks total frames processed, by type and outcome.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairing_broker",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket frames processed",
	}, []string{"frame_type", "status"})

	// MessageProcessingDuration tracks time spent routing a frame.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pairing_broker",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing a WebSocket frame",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"frame_type"})

	// JoinAttempts tracks pairing join attempts by role and outcome
	// (success, schema_error, auth_rejected, rate_limited, slot_occupied).
	JoinAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairing_broker",
		Subsystem: "room",
		Name:      "join_attempts_total",
		Help:      "Total room join attempts",
	}, []string{"role", "outcome"})

	// CommandsPending tracks outstanding correlated commands awaiting a
	// command_response.
	CommandsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pairing_broker",
		Subsystem: "command",
		Name:      "pending",
		Help:      "Number of commands awaiting a correlated response",
	})

	// CommandsTimedOut counts commands answered with a synthesized failure
	// because no open display was in the room. The correlator has no
	// per-entry deadline, so no other event increments it.
	CommandsTimedOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pairing_broker",
		Subsystem: "command",
		Name:      "timed_out_total",
		Help:      "Total commands rejected because the display was not connected",
	})

	// LogSinkPersisted/Dropped track the debug-log worker pool's throughput.
	LogSinkPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pairing_broker",
		Subsystem: "logsink",
		Name:      "persisted_total",
		Help:      "Total debug_log frames persisted to the identity store",
	})
	LogSinkDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairing_broker",
		Subsystem: "logsink",
		Name:      "dropped_total",
		Help:      "Total debug_log frames dropped before persistence",
	}, []string{"reason"})

	// CircuitBreakerState tracks the current state of a circuit breaker.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pairing_broker",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks requests rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairing_broker",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks join attempts rejected by the rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairing_broker",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks requests checked against the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairing_broker",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal/Duration track the device registry's Redis calls.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairing_broker",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pairing_broker",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// IdentityStoreRequests tracks outbound calls to the external identity store.
	IdentityStoreRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pairing_broker",
		Subsystem: "identity_store",
		Name:      "requests_total",
		Help:      "Total requests made to the external identity store",
	}, []string{"operation", "status"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
