package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts total HTTP requests
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RequestDuration tracks request latency. Streaming routes are long-lived and skew this.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ActiveStreams tracks sessions currently held by the registry
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatrelay_active_streams",
			Help: "Number of stream sessions currently registered",
		},
	)

	// StreamsStarted counts relays started per provider
	StreamsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_streams_started_total",
			Help: "Total number of relays started",
		},
		[]string{"provider"},
	)

	// StreamsFinalized counts finalizations by exit reason
	StreamsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_streams_finalized_total",
			Help: "Total number of relays finalized",
		},
		[]string{"provider", "reason"},
	)

	// StreamDuration tracks how long a relay runs from start to finalization
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatrelay_stream_duration_seconds",
			Help:    "Relay duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 480},
		},
		[]string{"provider", "reason"},
	)

	// UpstreamConnectFailures counts relays that never reached the loop
	UpstreamConnectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_upstream_connect_failures_total",
			Help: "Total number of upstream connection failures",
		},
		[]string{"provider"},
	)

	// ParseErrors counts malformed upstream lines
	ParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_parse_errors_total",
			Help: "Total number of upstream lines that failed to decode",
		},
		[]string{"provider"},
	)

	// ClientSendFailures counts best-effort sends that did not reach the client
	ClientSendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_client_send_failures_total",
			Help: "Total number of events not delivered to the client",
		},
		[]string{"kind"},
	)

	// PersistFailures counts failed durable writes
	PersistFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_persist_failures_total",
			Help: "Total number of persistence failures",
		},
		[]string{"record"},
	)

	// StopRequests counts stop requests by origin
	StopRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_stop_requests_total",
			Help: "Total number of stop requests",
		},
		[]string{"origin"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and latency for every route
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		RequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		RequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// SetActiveStreams records the registry size
func SetActiveStreams(n int) {
	ActiveStreams.Set(float64(n))
}

// RecordStreamStart records a relay start
func RecordStreamStart(provider string) {
	StreamsStarted.WithLabelValues(provider).Inc()
}

// RecordStreamEnd records a finalization and its duration
func RecordStreamEnd(provider, reason string, d time.Duration) {
	StreamsFinalized.WithLabelValues(provider, reason).Inc()
	StreamDuration.WithLabelValues(provider, reason).Observe(d.Seconds())
}

// RecordConnectFailure records an upstream that could not be opened
func RecordConnectFailure(provider string) {
	UpstreamConnectFailures.WithLabelValues(provider).Inc()
}

// RecordParseError records a malformed upstream line
func RecordParseError(provider string) {
	ParseErrors.WithLabelValues(provider).Inc()
}

// RecordSendFailure records an undelivered client event
func RecordSendFailure(kind string) {
	ClientSendFailures.WithLabelValues(kind).Inc()
}

// RecordPersistFailure records a failed durable write
func RecordPersistFailure(record string) {
	PersistFailures.WithLabelValues(record).Inc()
}

// RecordStopRequest records a stop request
func RecordStopRequest(origin string) {
	StopRequests.WithLabelValues(origin).Inc()
}
