// Package telemetry exposes Prometheus metrics for the pipeline engine.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	itemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobsift_items_total",
			Help: "Total work items completed, labeled by stage and final status.",
		},
		[]string{"stage", "status"},
	)

	operationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobsift_operation_duration_seconds",
			Help:    "Histogram of stage operation latencies.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"stage"},
	)

	rateLimitDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobsift_rate_limit_delay_seconds",
			Help:    "Histogram of rate limiter wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"limiter"},
	)

	activeWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobsift_active_workers",
			Help: "Number of workers currently processing an item, per stage.",
		},
		[]string{"stage"},
	)

	poolSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobsift_pool_size",
			Help: "Configured worker pool size, per stage.",
		},
		[]string{"stage"},
	)

	resourcePressure = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobsift_resource_pressure",
			Help: "Current resource pressure level (0=low, 1=normal, 2=high).",
		},
	)

	cpuPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobsift_cpu_percent",
			Help: "Last sampled CPU utilization percent.",
		},
	)

	memPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobsift_mem_percent",
			Help: "Last sampled memory utilization percent.",
		},
	)

	batchFlushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobsift_batch_flushes_total",
			Help: "Total batch flush attempts, labeled by collection and result.",
		},
		[]string{"collection", "result"},
	)

	batchFlushSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobsift_batch_flush_size",
			Help:    "Histogram of records per batch flush.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"collection"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobsift_http_requests_total",
			Help: "Total HTTP requests to the operational API.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobsift_http_request_duration_seconds",
			Help:    "Histogram of API request latencies.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem records one completed work item attempt.
func ObserveItem(stage, status string) {
	itemsTotal.WithLabelValues(stage, status).Inc()
}

// ObserveOperation records the latency of one stage operation.
func ObserveOperation(stage string, duration time.Duration) {
	operationDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(limiter string, duration time.Duration) {
	rateLimitDelaySeconds.WithLabelValues(limiter).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active worker count for a stage.
func IncActiveWorkers(stage string) {
	activeWorkers.WithLabelValues(stage).Inc()
}

// DecActiveWorkers decrements the active worker count for a stage.
func DecActiveWorkers(stage string) {
	activeWorkers.WithLabelValues(stage).Dec()
}

// SetPoolSize records the current pool size for a stage.
func SetPoolSize(stage string, size int) {
	poolSize.WithLabelValues(stage).Set(float64(size))
}

// SetPressure records the pressure level and the samples behind it.
func SetPressure(level int, cpu, mem float64) {
	resourcePressure.Set(float64(level))
	cpuPercent.Set(cpu)
	memPercent.Set(mem)
}

// ObserveBatchFlush records a flush attempt and its size.
func ObserveBatchFlush(collection string, size int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	batchFlushesTotal.WithLabelValues(collection, result).Inc()
	if err == nil {
		batchFlushSize.WithLabelValues(collection).Observe(float64(size))
	}
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.statusCode)).Inc()
		httpRequestDurationSeconds.WithLabelValues(r.Method, routePattern).Observe(time.Since(start).Seconds())
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
