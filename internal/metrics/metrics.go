// Package metrics provides Prometheus instrumentation for the order engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersQueued counts orders accepted by the intake API, by side.
	OrdersQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_engine_orders_queued_total",
		Help: "Orders accepted and pushed to the queue",
	}, []string{"side"})

	// OrdersProcessed counts order outcomes, partitioned by side and outcome.
	OrdersProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_engine_orders_processed_total",
		Help: "Order outcomes produced by the ledger engine",
	}, []string{"side", "outcome"})

	// OrderRejections counts typed order rejections by reason.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_engine_order_rejections_total",
		Help: "Orders rejected with a typed error",
	}, []string{"reason"})

	// BatchesTotal counts processed batches by mode and outcome.
	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_engine_batches_total",
		Help: "Batches processed",
	}, []string{"mode", "outcome"})

	// BatchLatency tracks end-to-end batch processing time.
	BatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "order_engine_batch_latency_seconds",
		Help:    "Batch processing latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"mode"})

	// QueueRedeliveries counts messages reclaimed after the visibility timeout.
	QueueRedeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_engine_queue_redeliveries_total",
		Help: "Queue messages redelivered after their visibility timeout",
	})

	// QueuePoisonMessages counts unparseable messages dropped from the queue.
	QueuePoisonMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_engine_queue_poison_messages_total",
		Help: "Malformed queue messages acknowledged without processing",
	})

	// WebSocketClients tracks connected fill-feed clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "order_engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "order_engine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
