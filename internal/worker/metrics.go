package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the session worker pool.
type Metrics struct {
	ActiveWorkers     prometheus.Gauge
	Provisions        *prometheus.CounterVec
	ProvisionDuration prometheus.Histogram
	Queries           *prometheus.CounterVec
	QueryDuration     prometheus.Histogram
	Events            *prometheus.CounterVec
	Evictions         *prometheus.CounterVec
}

// NewMetrics creates and registers worker pool metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "velocity",
			Subsystem: "worker",
			Name:      "active",
			Help:      "Session workers currently in the pool.",
		}),
		Provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "velocity",
			Subsystem: "worker",
			Name:      "provisions_total",
			Help:      "Sandbox provisioning attempts by outcome.",
		}, []string{"outcome"}),
		ProvisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "velocity",
			Subsystem: "worker",
			Name:      "provision_duration_seconds",
			Help:      "Time from worker start to sandbox ready.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "velocity",
			Subsystem: "worker",
			Name:      "queries_total",
			Help:      "Queries served by outcome (ok, failed, timeout, canceled).",
		}, []string{"outcome"}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "velocity",
			Subsystem: "worker",
			Name:      "query_duration_seconds",
			Help:      "Duration of one sandbox query.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "velocity",
			Subsystem: "worker",
			Name:      "events_total",
			Help:      "Events delivered to callers by type.",
		}, []string{"type"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "velocity",
			Subsystem: "worker",
			Name:      "evictions_total",
			Help:      "Workers removed from the pool by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.ActiveWorkers,
		m.Provisions,
		m.ProvisionDuration,
		m.Queries,
		m.QueryDuration,
		m.Events,
		m.Evictions,
	)

	return m
}

func (m *Metrics) setActive(n int) {
	if m != nil {
		m.ActiveWorkers.Set(float64(n))
	}
}

func (m *Metrics) provisioned(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Provisions.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.ProvisionDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) query(outcome string, d time.Duration) {
	if m != nil {
		m.Queries.WithLabelValues(outcome).Inc()
		m.QueryDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) event(eventType string) {
	if m != nil {
		m.Events.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) evicted(reason string) {
	if m != nil {
		m.Evictions.WithLabelValues(reason).Inc()
	}
}
