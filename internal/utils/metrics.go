// Package utils provides utility functions including metrics collection.
package utils

import (
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics
var (
	jobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genforge_jobs_processed_total",
		Help: "Total number of generation jobs driven to a terminal state",
	}, []string{"status"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "genforge_queue_depth",
		Help: "Current length of the global task queue",
	})

	gpuActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "genforge_gpu_active_jobs",
		Help: "Number of jobs currently holding a GPU slot",
	})

	refundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "genforge_refunds_total",
		Help: "Total number of refunds written to the credit ledger",
	})

	paymentsReconciledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "genforge_payments_reconciled_total",
		Help: "Pending payments completed by the reconciler",
	})

	//nolint:unused // exported to Prometheus via promauto registration
	activeGoroutines = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "genforge_goroutines_active",
		Help: "Number of active goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genforge_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "endpoint", "status_code"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "genforge_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint"})
)

// MetricsCollector collects basic application metrics.
type MetricsCollector struct {
	startTime     time.Time
	jobsProcessed int64
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

// RecordJobProcessed counts one job reaching the given terminal status.
func (m *MetricsCollector) RecordJobProcessed(status string) {
	atomic.AddInt64(&m.jobsProcessed, 1)
	jobsProcessedTotal.WithLabelValues(status).Inc()
}

// RecordRefund counts one refund ledger row.
func (m *MetricsCollector) RecordRefund() {
	refundsTotal.Inc()
}

// RecordPaymentsReconciled counts payments completed by the reconciler.
func (m *MetricsCollector) RecordPaymentsReconciled(n int) {
	paymentsReconciledTotal.Add(float64(n))
}

// SetQueueDepth records the current global queue length.
func (m *MetricsCollector) SetQueueDepth(depth int64) {
	queueDepth.Set(float64(depth))
}

// SetGPUActiveJobs records the current GPU semaphore value.
func (m *MetricsCollector) SetGPUActiveJobs(n int64) {
	gpuActiveJobs.Set(float64(n))
}

// RecordHTTPRequest records one HTTP request with its outcome and latency.
func (m *MetricsCollector) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// Uptime returns how long the process has been running.
func (m *MetricsCollector) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// JobsProcessed returns the in-process job counter.
func (m *MetricsCollector) JobsProcessed() int64 {
	return atomic.LoadInt64(&m.jobsProcessed)
}
