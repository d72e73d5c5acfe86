package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jkaninda/velocity/internal/proxy"
)

// MetricsCollector holds the process-wide Prometheus metrics for Velocity.
// Uses a custom registry, no global state. Packages with their own metrics
// (worker) register on the same Registry.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox provider metrics.
	SandboxOperationsTotal   *prometheus.CounterVec
	SandboxOperationDuration *prometheus.HistogramVec
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration prometheus.Histogram
	SandboxOutputLines       *prometheus.CounterVec

	// Proxy bridge metrics.
	ProxyRequestsTotal   *prometheus.CounterVec
	ProxyRequestDuration *prometheus.HistogramVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry, along with the Go runtime and process
// collectors.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		SandboxOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "velocity",
			Subsystem: "sandbox",
			Name:      "operations_total",
			Help:      "Total sandbox provider operations.",
		}, []string{"provider", "operation", "status"}),

		SandboxOperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "velocity",
			Subsystem: "sandbox",
			Name:      "operation_duration_seconds",
			Help:      "Sandbox provider operation duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"provider", "operation"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "velocity",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total streamed sandbox executions.",
		}, []string{"provider", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "velocity",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Streamed sandbox execution duration in seconds.",
			Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}),

		SandboxOutputLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "velocity",
			Subsystem: "sandbox",
			Name:      "output_lines_total",
			Help:      "Lines read from sandbox executions.",
		}, []string{"stream"}),

		ProxyRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "velocity",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Total proxied integration requests.",
		}, []string{"method", "outcome"}),

		ProxyRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "velocity",
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Proxied integration request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "velocity",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "velocity",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.005, 0.05, 0.25, 1, 5, 30, 120, 600},
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "velocity",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SandboxOperationsTotal,
		m.SandboxOperationDuration,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
		m.SandboxOutputLines,
		m.ProxyRequestsTotal,
		m.ProxyRequestDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordProxyRequest implements proxy.Recorder. Safe on a nil collector.
func (m *MetricsCollector) RecordProxyRequest(method, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	// Methods are chosen inside the sandbox; keep unknown ones out of the label set.
	if outcome == proxy.OutcomeUnknownMethod {
		method = "other"
	}
	m.ProxyRequestsTotal.WithLabelValues(method, outcome).Inc()
	m.ProxyRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}
