package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	BackendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_requests_total",
			Help: "Total number of backend executions by backend and operation",
		},
		[]string{"backend", "operation"},
	)
	BackendRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_request_duration_seconds",
			Help:    "Backend execution duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"backend"},
	)
	BackendFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backend_failures_total",
			Help: "Total number of failed backend executions by backend and class",
		},
		[]string{"backend", "class"},
	)

	PoolActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_active_processes",
			Help: "Number of running backend processes per pool",
		},
		[]string{"backend"},
	)
	PoolQueued = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_queued_requests",
			Help: "Number of queued requests per pool",
		},
		[]string{"backend"},
	)
	PoolRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pool_rejected_total",
			Help: "Requests rejected by pool admission, by reason",
		},
		[]string{"backend", "reason"},
	)

	CascadeFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "router_cascade_fallbacks_total",
			Help: "Requests retried on the next backend after queue saturation",
		},
	)
	DegradedResponsesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_degraded_responses_total",
			Help: "Responses served by a fallback credential allocation",
		},
	)

	SubscriptionWeeklyUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "subscription_weekly_used_usd",
			Help: "Accumulated weekly spend per subscription",
		},
		[]string{"subscription"},
	)
	SubscriptionHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "subscription_health_score",
			Help: "Composite health score per subscription (0-100)",
		},
		[]string{"subscription"},
	)

	NotificationsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Notifications emitted, by rule and channel",
		},
		[]string{"rule", "channel"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(BackendRequestsTotal)
	prometheus.MustRegister(BackendRequestDuration)
	prometheus.MustRegister(BackendFailuresTotal)
	prometheus.MustRegister(PoolActive)
	prometheus.MustRegister(PoolQueued)
	prometheus.MustRegister(PoolRejectedTotal)
	prometheus.MustRegister(CascadeFallbacksTotal)
	prometheus.MustRegister(DegradedResponsesTotal)
	prometheus.MustRegister(SubscriptionWeeklyUsed)
	prometheus.MustRegister(SubscriptionHealth)
	prometheus.MustRegister(NotificationsSentTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}
