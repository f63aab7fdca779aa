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

	ModelRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "model_requests_total",
			Help: "Total number of vision-model requests by model and operation",
		},
		[]string{"model", "operation"},
	)
	ModelRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "model_request_duration_seconds",
			Help:    "Vision-model request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model", "operation"},
	)

	TasksEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_enqueued_total",
			Help: "Total number of tasks enqueued by queue",
		},
		[]string{"queue"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current number of queued items by queue",
		},
		[]string{"queue"},
	)
	TasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tasks_in_flight",
			Help: "Number of tasks currently leased by workers",
		},
	)
	TasksSettledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_settled_total",
			Help: "Total number of tasks reaching a terminal state",
		},
		[]string{"status"},
	)
	TasksReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tasks_reclaimed_total",
			Help: "Total number of expired leases reclaimed by the reaper",
		},
	)

	QAAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qa_attempts_total",
			Help: "Total number of QA tier attempts by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)
	QATierDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qa_tier_duration_seconds",
			Help:    "QA tier execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"tier"},
	)
	QAConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qa_domain_expert_confidence",
			Help:    "Distribution of domain-expert confidence scores [0,1]",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	BreakerTripsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "process_breaker_trips_total",
			Help: "Total number of process-level circuit-breaker trips",
		},
	)
	ProfileReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "profile_reloads_total",
			Help: "Total number of profile reload cycles by result",
		},
		[]string{"result"},
	)
)

// InitMetrics registers all collectors. Call once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ModelRequestsTotal)
	prometheus.MustRegister(ModelRequestDuration)
	prometheus.MustRegister(TasksEnqueuedTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(TasksInFlight)
	prometheus.MustRegister(TasksSettledTotal)
	prometheus.MustRegister(TasksReclaimedTotal)
	prometheus.MustRegister(QAAttemptsTotal)
	prometheus.MustRegister(QATierDuration)
	prometheus.MustRegister(QAConfidence)
	prometheus.MustRegister(BreakerTripsTotal)
	prometheus.MustRegister(ProfileReloadsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// ObserveModelCall records one vision-model invocation.
func ObserveModelCall(model, operation string, dur time.Duration) {
	ModelRequestsTotal.WithLabelValues(model, operation).Inc()
	ModelRequestDuration.WithLabelValues(model, operation).Observe(dur.Seconds())
}

// ObserveQAAttempt records one QA tier execution.
func ObserveQAAttempt(tier string, passed bool, dur time.Duration) {
	outcome := "fail"
	if passed {
		outcome = "pass"
	}
	QAAttemptsTotal.WithLabelValues(tier, outcome).Inc()
	QATierDuration.WithLabelValues(tier).Observe(dur.Seconds())
}
