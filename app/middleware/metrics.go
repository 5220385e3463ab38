package middleware

import (
	"strconv"
	"time"

	"github.com/amirphl/orochi-dispatch/models"
	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Total HTTP requests partitioned by method, route, and status code
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	// Request duration in seconds partitioned by method, route, and status code
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// In-flight HTTP requests
	httpInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Number of HTTP requests currently being served",
		},
	)

	// Delivery attempts partitioned by provider and outcome
	dispatchSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_sends_total",
			Help: "Total number of delivery attempts",
		},
		[]string{"provider", "status"},
	)

	// Continuous worker restarts
	dispatchWorkerRestartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_worker_restarts_total",
			Help: "Total number of continuous worker restarts",
		},
	)

	// Job status transitions partitioned by job type and target status
	dispatchJobTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_job_transitions_total",
			Help: "Total number of job status transitions",
		},
		[]string{"type", "status"},
	)
)

// Metrics returns a Fiber v3 middleware that records basic Prometheus metrics.
// Labels are kept low-cardinality by using the matched route path when available.
func Metrics() fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		err := c.Next()

		route := c.Path()
		if r := c.Route(); r != nil && r.Path != "" {
			route = r.Path
		}

		labels := prometheus.Labels{
			"method": c.Method(),
			"route":  route,
			"status": strconv.Itoa(c.Response().StatusCode()),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())

		return err
	}
}

// DispatchMetrics exports worker and job events as Prometheus counters.
// It satisfies worker.Observer.
type DispatchMetrics struct{}

func (DispatchMetrics) SendAttempted(provider string, status models.SendStatus) {
	dispatchSendsTotal.WithLabelValues(provider, string(status)).Inc()
}

func (DispatchMetrics) WorkerRestarted(uint) {
	dispatchWorkerRestartsTotal.Inc()
}

// JobTransition has the shape of businessflow.TransitionHook
func (DispatchMetrics) JobTransition(jobType models.JobType, to models.JobStatus) {
	dispatchJobTransitionsTotal.WithLabelValues(string(jobType), string(to)).Inc()
}
