package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTPRequestsTotal counts HTTP requests by route, method, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	// HTTPRequestDuration records request durations by route and method.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	// QueueMessagesProcessedTotal counts processed messages by queue and outcome.
	QueueMessagesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_processed_total",
			Help: "Total number of queue messages processed by stage and outcome",
		},
		[]string{"queue", "status"},
	)
	// QueueProcessingDuration records per-message processing duration.
	QueueProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_processing_duration_seconds",
			Help:    "Message processing duration in seconds by queue",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"queue"},
	)
	// QueueDepth is a gauge of pending messages per queue, refreshed by the
	// maintenance loop (spec.md §4.7's maintenance section).
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Approximate number of pending messages in a queue",
		},
		[]string{"queue"},
	)
	// DeadLetterTotal counts messages routed to the DLQ by queue and category.
	DeadLetterTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_dead_letter_total",
			Help: "Total number of messages routed to the dead letter queue",
		},
		[]string{"queue", "category"},
	)
	// CircuitBreakerState exposes the current state (0=closed,1=open,2=half-open) per resource.
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state by resource name",
		},
		[]string{"resource"},
	)
	// RateLimiterRejectedTotal counts canProceed(false) outcomes per key.
	RateLimiterRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limiter_rejected_total",
			Help: "Total number of rate-limited rejections by key",
		},
		[]string{"key"},
	)
	// CacheHitsTotal / CacheMissesTotal track cache effectiveness by namespace.
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cache_hits_total", Help: "Total cache hits by namespace"},
		[]string{"namespace"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cache_misses_total", Help: "Total cache misses by namespace"},
		[]string{"namespace"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		QueueMessagesProcessedTotal,
		QueueProcessingDuration,
		QueueDepth,
		DeadLetterTotal,
		CircuitBreakerState,
		RateLimiterRejectedTotal,
		CacheHitsTotal,
		CacheMissesTotal,
	)
}

// HTTPMetricsMiddleware records request counts and durations per route.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
