// Package metrics provides Prometheus instrumentation for Harrier.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "harrier",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsScored counts scored transactions by decision.
	TransactionsScored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "transactions_scored_total",
			Help:      "Total scored transactions by decision (approved, flagged, blocked).",
		},
		[]string{"decision"},
	)

	// ScoringDuration observes end-to-end pipeline latency.
	ScoringDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "harrier",
			Name:      "scoring_duration_seconds",
			Help:      "End-to-end transaction scoring latency in seconds.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .075, .1, .25, .5},
		},
	)

	// RuleHits counts fired rules by rule id.
	RuleHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "rule_hits_total",
			Help:      "Total rule firings by rule id.",
		},
		[]string{"rule"},
	)

	// DetectorCalls counts external scores by source and fallback reason.
	DetectorCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "detector_calls_total",
			Help:      "External detector results by source (remote, fallback) and reason.",
		},
		[]string{"source", "reason"},
	)

	// DetectorDuration observes remote detector call latency.
	DetectorDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "harrier",
			Name:      "detector_remote_duration_seconds",
			Help:      "Remote anomaly detector call latency in seconds.",
			Buckets:   []float64{.005, .01, .02, .03, .04, .05, .075, .1},
		},
	)

	// AlertsCreated counts created alerts by priority.
	AlertsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "alerts_created_total",
			Help:      "Total alerts created by priority.",
		},
		[]string{"priority"},
	)

	// AlertTransitions counts alert status changes.
	AlertTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "alert_transitions_total",
			Help:      "Total alert status transitions by source and target status.",
		},
		[]string{"from", "to"},
	)

	// HubConnections tracks live websocket subscribers per channel.
	HubConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "harrier",
			Name:      "hub_connections",
			Help:      "Number of live subscribers per broadcast channel.",
		},
		[]string{"channel"},
	)

	// HubDropped counts messages dropped for slow subscribers.
	HubDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "hub_dropped_messages_total",
			Help:      "Messages dropped because a subscriber's send buffer was full.",
		},
		[]string{"channel"},
	)

	// CacheLookups counts profile cache lookups by layer and result.
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "cache_lookups_total",
			Help:      "Profile cache lookups by layer (local, redis) and result (hit, miss).",
		},
		[]string{"layer", "result"},
	)

	// CacheInvalidations counts local entries dropped because another node wrote them.
	CacheInvalidations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "cache_invalidations_total",
			Help:      "Local cache entries invalidated by writes on other nodes.",
		},
	)

	// BusMessages counts event bus traffic by topic and result
	// (published, delivered, dropped, failed).
	BusMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "bus_messages_total",
			Help:      "Event bus messages by topic and result.",
		},
		[]string{"topic", "result"},
	)

	// StoreErrors counts persistence failures that did not fail the request.
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "harrier",
			Name:      "store_errors_total",
			Help:      "Persistence failures on the scoring path by operation.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsScored,
		ScoringDuration,
		RuleHits,
		DetectorCalls,
		DetectorDuration,
		AlertsCreated,
		AlertTransitions,
		HubConnections,
		HubDropped,
		CacheLookups,
		CacheInvalidations,
		BusMessages,
		StoreErrors,
	)
}

// ObserveRequest records one HTTP request.
func ObserveRequest(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
	HTTPRequestsTotal.WithLabelValues(method, route, statusBucket(status)).Inc()
}

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
