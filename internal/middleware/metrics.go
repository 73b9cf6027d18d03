package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deploy_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	buildsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deploy_builds_created_total",
			Help: "Total number of builds created",
		},
	)

	buildsCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_builds_completed_total",
			Help: "Total number of builds reaching a terminal status",
		},
		[]string{"status"},
	)

	deploymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_deployments_total",
			Help: "Total number of deployment activations by result",
		},
		[]string{"result"},
	)

	webhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_webhook_deliveries_total",
			Help: "Total number of webhook deliveries by event type",
		},
		[]string{"event"},
	)

	queueWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deploy_queue_waiting",
			Help: "Build jobs waiting in the queue",
		},
	)

	queueActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deploy_queue_active",
			Help: "Build jobs currently being processed",
		},
	)

	logSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deploy_log_stream_subscribers",
			Help: "Live build log stream subscribers",
		},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deploy_errors_total",
			Help: "Total number of HTTP errors by class",
		},
		[]string{"type"},
	)
)

// Metrics returns a middleware that records Prometheus metrics for every
// request, labelled by the chi route pattern to keep cardinality bounded.
func Metrics() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			path := normalizePath(r)
			status := strconv.Itoa(wrapped.status)

			httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())

			if wrapped.status >= 400 {
				errorType := "client_error"
				if wrapped.status >= 500 {
					errorType = "server_error"
				}
				errorsTotal.WithLabelValues(errorType).Inc()
			}
		})
	}
}

// normalizePath collapses dynamic path segments so metric labels stay
// low-cardinality. The chi route pattern already has placeholders; the
// fallback masks UUID and ULID segments by hand.
func normalizePath(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}

	segments := strings.Split(r.URL.Path, "/")
	for i, seg := range segments {
		if len(seg) == 36 && strings.Count(seg, "-") == 4 {
			segments[i] = "{id}"
		}
		if len(seg) == 26 && isAlphanumeric(seg) {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

func isAlphanumeric(s string) bool {
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')) {
			return false
		}
	}
	return true
}

// IncrementBuildsCreated records a build creation.
func IncrementBuildsCreated() {
	buildsCreatedTotal.Inc()
}

// ObserveBuildCompleted records a build reaching success or failed.
func ObserveBuildCompleted(status string) {
	buildsCompletedTotal.WithLabelValues(status).Inc()
}

// ObserveDeployment records an activation attempt's result.
func ObserveDeployment(result string) {
	deploymentsTotal.WithLabelValues(result).Inc()
}

// ObserveWebhookDelivery records an inbound webhook by event type.
func ObserveWebhookDelivery(event string) {
	webhookDeliveriesTotal.WithLabelValues(event).Inc()
}

// SetQueueDepth publishes the queue's waiting and active list lengths.
func SetQueueDepth(waiting, active int64) {
	queueWaiting.Set(float64(waiting))
	queueActive.Set(float64(active))
}

// SetLogSubscribers publishes the live stream subscriber count.
func SetLogSubscribers(n int) {
	logSubscribers.Set(float64(n))
}
