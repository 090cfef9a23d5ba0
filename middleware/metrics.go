package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	processTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "process_transitions_total",
			Help: "Process status transitions by outcome",
		},
		[]string{"from", "to", "result"},
	)

	escrowOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_operations_total",
			Help: "Escrow gateway calls by operation and outcome",
		},
		[]string{"operation", "result"},
	)

	escrowBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "escrow_circuit_breaker_state",
			Help: "Escrow circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)

	realtimeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_connections",
			Help: "Open realtime client connections",
		},
	)

	realtimeMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_messages_total",
			Help: "Realtime messages by event and direction",
		},
		[]string{"event", "direction"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(processTransitionsTotal)
	prometheus.MustRegister(escrowOperationsTotal)
	prometheus.MustRegister(escrowBreakerState)
	prometheus.MustRegister(realtimeConnections)
	prometheus.MustRegister(realtimeMessagesTotal)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func RecordTransition(from, to, result string) {
	processTransitionsTotal.WithLabelValues(from, to, result).Inc()
}

func RecordEscrowOperation(operation, result string) {
	escrowOperationsTotal.WithLabelValues(operation, result).Inc()
}

func RecordBreakerState(name string, state int) {
	escrowBreakerState.WithLabelValues(name).Set(float64(state))
}

func RealtimeConnectionOpened() { realtimeConnections.Inc() }

func RealtimeConnectionClosed() { realtimeConnections.Dec() }

func RecordRealtimeMessage(event, direction string) {
	realtimeMessagesTotal.WithLabelValues(event, direction).Inc()
}
