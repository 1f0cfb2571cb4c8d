package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Request metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jina_requests_total",
			Help: "Total number of data requests by runtime, endpoint and status",
		},
		[]string{"runtime", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jina_request_duration_seconds",
			Help:    "Data request duration in seconds by runtime",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"runtime"},
	)

	// Gateway metrics
	InflightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jina_gateway_inflight_requests",
			Help: "Number of client requests currently traversing the graph",
		},
	)

	HangingPodCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jina_gateway_hanging_pod_calls_total",
			Help: "Fire-and-forget invocations of hanging pods by pod name",
		},
		[]string{"pod"},
	)

	// Head metrics
	ShardDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jina_head_shard_dispatch_total",
			Help: "Requests dispatched to shards by polling mode and outcome",
		},
		[]string{"polling", "outcome"},
	)

	ReplicaRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jina_head_replica_retries_total",
			Help: "Replica calls retried after a transient transport failure",
		},
	)

	// Connection pool metrics
	ConnectionsHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jina_pool_connections_healthy",
			Help: "Healthy long-lived worker connections in the pool",
		},
	)

	ConnectionsUnhealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jina_pool_connections_unhealthy",
			Help: "Worker connections currently marked unhealthy",
		},
	)

	// Worker metrics
	HandlerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jina_worker_handler_errors_total",
			Help: "Executor handler failures by endpoint",
		},
		[]string{"endpoint"},
	)
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(InflightRequests)
	prometheus.MustRegister(HangingPodCalls)
	prometheus.MustRegister(ShardDispatchTotal)
	prometheus.MustRegister(ReplicaRetriesTotal)
	prometheus.MustRegister(ConnectionsHealthy)
	prometheus.MustRegister(ConnectionsUnhealthy)
	prometheus.MustRegister(HandlerErrorsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
