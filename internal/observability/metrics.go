package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gig_dispatch"

var (
	LocationUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Worker location updates by result"},
		[]string{"result"},
	)
	LocationSinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_sink_errors_total", Help: "Failed deliveries of accepted pings to downstream sinks"},
		[]string{"sink"},
	)

	MatchesTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Total number of worker match queries"})
	MatchLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Match latency seconds"})
	MatchResultLen = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "match_result_size",
		Help:      "Number of workers returned per match query",
		Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
	})

	BookingTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_transitions_total", Help: "Booking state transitions by edge and result"},
		[]string{"from", "to", "result"},
	)
	StatsCreditFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "stats_credit_failures_total", Help: "Completed bookings whose worker stats increment failed"})
	TrackingSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "tracking_subscribers", Help: "Open live tracking websocket connections"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
