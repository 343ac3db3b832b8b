package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Number of reachable drivers"})
	OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "ws_connections", Help: "Number of live websocket connections"})

	InboundMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ws_messages_total", Help: "Inbound realtime messages by event"},
		[]string{"event"},
	)
	DroppedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ws_messages_dropped_total", Help: "Inbound realtime messages dropped as malformed or unknown"},
		[]string{"event"},
	)

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ride_transitions_total", Help: "Persisted ride state transitions"},
		[]string{"from", "to"},
	)
	WindowExpirations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "response_window_expirations_total", Help: "Response window timer firings by outcome"},
		[]string{"outcome"},
	)
	NearbyLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "nearby_query_seconds", Help: "Proximity query latency seconds"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
