package observability

import (
	"net/http"
	"strconv"
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

	InferenceRequestsSuccess = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inference_requests_success_total",
			Help: "Successful inference requests",
		},
		[]string{"provider", "model", "tenant"},
	)
	InferenceRequestsFailure = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inference_requests_failure_total",
			Help: "Failed inference requests by error type",
		},
		[]string{"error_type", "provider", "model", "tenant"},
	)
	InferenceRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inference_retries_total",
			Help: "Inference retry attempts (failover is not counted)",
		},
		[]string{"attempt", "provider", "model", "tenant"},
	)
	InferenceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inference_errors_total",
			Help: "Inference errors by taxonomy code",
		},
		[]string{"error_type"},
	)
	InferenceRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inference_request_duration_seconds",
			Help:    "End-to-end inference request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model", "tenant"},
	)
	PhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inference_phase_duration_seconds",
			Help:    "Pipeline phase duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"phase", "success"},
	)
	PluginDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inference_plugin_duration_seconds",
			Help:    "Per-plugin execution duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"plugin", "phase", "success"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "breaker_state",
			Help: "Circuit breaker state per provider (0=closed 1=open 2=half-open)",
		},
		[]string{"provider"},
	)
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"provider", "from", "to"},
	)

	SessionsLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessions_loaded",
			Help: "Warm sessions currently loaded",
		},
	)
	SessionsEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sessions_evicted_total",
			Help: "Warm sessions evicted (LRU or idle sweep)",
		},
	)
	ActiveConcurrency = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenant_active_concurrency",
			Help: "Concurrency slots currently held per tenant",
		},
		[]string{"tenant"},
	)

	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "Async jobs submitted",
		},
		[]string{"tenant"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Async jobs reaching a terminal state",
		},
		[]string{"status"},
	)
	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Async jobs currently running",
		},
	)
)

// InitMetrics registers all Prometheus collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(InferenceRequestsSuccess)
	prometheus.MustRegister(InferenceRequestsFailure)
	prometheus.MustRegister(InferenceRetries)
	prometheus.MustRegister(InferenceErrors)
	prometheus.MustRegister(InferenceRequestDuration)
	prometheus.MustRegister(PhaseDuration)
	prometheus.MustRegister(PluginDuration)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(BreakerTransitions)
	prometheus.MustRegister(SessionsLoaded)
	prometheus.MustRegister(SessionsEvicted)
	prometheus.MustRegister(ActiveConcurrency)
	prometheus.MustRegister(JobsSubmittedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsRunning)
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
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
