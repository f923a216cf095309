// Package metrics holds the Prometheus collectors shared by the master and daemons.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// packetsIn tracks decoded packets by name
	packetsIn = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_packets_received_total",
			Help: "Total packets received by packet name",
		},
		[]string{"packet"},
	)

	// packetsOut tracks sent packets by name
	packetsOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_packets_sent_total",
			Help: "Total packets sent by packet name",
		},
		[]string{"packet"},
	)

	// requestTimeouts tracks requests that expired without a response
	requestTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_request_timeouts_total",
			Help: "Total requests that timed out by packet name",
		},
		[]string{"packet"},
	)

	// handshakes tracks handshake outcomes
	handshakes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_handshakes_total",
			Help: "Total handshakes by client type and status",
		},
		[]string{"client_type", "status"},
	)

	// sessions tracks admitted sessions
	sessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_sessions",
			Help: "Currently admitted sessions by client type",
		},
		[]string{"client_type"},
	)

	// instances tracks master instance table size
	instances = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_instances",
			Help: "Server instances known to the master by pattern and state",
		},
		[]string{"pattern", "state"},
	)

	// startRequests tracks start requests issued by the orchestrator
	startRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_start_requests_total",
			Help: "Total start requests by pattern and reason",
		},
		[]string{"pattern", "reason"},
	)

	// capacityDenied tracks explicit requests rejected by pattern max
	capacityDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_capacity_denied_total",
			Help: "Total explicit start requests rejected by pattern max",
		},
		[]string{"pattern"},
	)

	// processExits tracks supervised process terminations on a daemon
	processExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_process_exits_total",
			Help: "Total supervised server process exits by pattern",
		},
		[]string{"pattern"},
	)

	// cleanupFailures tracks absorbed workspace archive/delete errors
	cleanupFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_workspace_cleanup_failures_total",
			Help: "Total workspace cleanup failures by step",
		},
		[]string{"step"},
	)

	// apiRejected tracks admin API and report requests refused before reaching a handler
	apiRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_api_rejected_total",
			Help: "Total rejected API requests by reason",
		},
		[]string{"reason"},
	)
)

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordPacketIn increments the received packet counter
func RecordPacketIn(packet string) {
	packetsIn.WithLabelValues(packet).Inc()
}

// RecordPacketOut increments the sent packet counter
func RecordPacketOut(packet string) {
	packetsOut.WithLabelValues(packet).Inc()
}

// RecordRequestTimeout increments the request timeout counter
func RecordRequestTimeout(packet string) {
	requestTimeouts.WithLabelValues(packet).Inc()
}

// RecordHandshake increments the handshake counter
func RecordHandshake(clientType, status string) {
	handshakes.WithLabelValues(clientType, status).Inc()
}

// SessionOpened increments the admitted session gauge
func SessionOpened(clientType string) {
	sessions.WithLabelValues(clientType).Inc()
}

// SessionClosed decrements the admitted session gauge
func SessionClosed(clientType string) {
	sessions.WithLabelValues(clientType).Dec()
}

// SetInstances replaces the instance gauge with the given counts keyed by pattern and state.
func SetInstances(counts map[[2]string]int) {
	instances.Reset()
	for key, n := range counts {
		instances.WithLabelValues(key[0], key[1]).Set(float64(n))
	}
}

// RecordStartRequest increments the start request counter
func RecordStartRequest(pattern, reason string) {
	startRequests.WithLabelValues(pattern, reason).Inc()
}

// RecordCapacityDenied increments the capacity denied counter
func RecordCapacityDenied(pattern string) {
	capacityDenied.WithLabelValues(pattern).Inc()
}

// RecordProcessExit increments the process exit counter
func RecordProcessExit(pattern string) {
	processExits.WithLabelValues(pattern).Inc()
}

// RecordCleanupFailure increments the cleanup failure counter
func RecordCleanupFailure(step string) {
	cleanupFailures.WithLabelValues(step).Inc()
}

// RecordAPIRejected increments the rejected API request counter
func RecordAPIRejected(reason string) {
	apiRejected.WithLabelValues(reason).Inc()
}
