// Package metrics owns the prometheus collectors exported on /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "nimlykoder"

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

// Metrics groups every collector of the service on a private registry so
// parallel tests never collide on the global default registerer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	requestTotal   *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
	lockOps        *prometheus.CounterVec
	lockLatency    *prometheus.HistogramVec
	sweeps         *prometheus.CounterVec
	swept          prometheus.Counter
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		lockOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_operations_total",
			Help:      "Lock commands by operation and outcome",
		}, []string{"op", "result"}),
		lockLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_operation_duration_seconds",
			Help:      "Time spent on lock commands including retries",
			Buckets:   histogramBuckets,
		}, []string{"op"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Expiry sweeps by outcome",
		}, []string{"result"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_credentials_total",
			Help:      "Expired credentials removed by sweeps",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestTotal,
		m.requestLatency,
		m.lockOps,
		m.lockLatency,
		m.sweeps,
		m.swept,
	)

	return m
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(d.Seconds())
}

// ObserveLockOp records a lock command after all retries have finished.
func (m *Metrics) ObserveLockOp(op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.lockOps.WithLabelValues(op, result).Inc()
	m.lockLatency.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveSweep records a finished sweep and how many credentials it removed.
func (m *Metrics) ObserveSweep(removed, failed int) {
	if m == nil {
		return
	}
	result := "ok"
	if failed > 0 {
		result = "partial"
	}
	m.sweeps.WithLabelValues(result).Inc()
	m.swept.Add(float64(removed))
}
