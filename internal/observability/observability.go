// Package observability holds Velocity's metrics, tracing and readiness
// probes. Every piece is optional: a nil *Observability, or a nil field on
// it, turns the matching instrumentation into a no-op.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/velocity/internal/config"
)

// Observability bundles the per-process instrumentation.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Health  *HealthChecker

	probes *config.HealthConfig
}

// New builds the components cfg enables. A nil cfg yields a nil
// *Observability, which every method accepts.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	if cfg == nil {
		return nil, nil
	}
	o := &Observability{
		Health: NewHealthChecker(logger),
		probes: cfg.Health,
	}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		o.Metrics = NewMetricsCollector()
	}
	if cfg.Tracing != nil && cfg.Tracing.Enabled {
		ts, err := NewTracerSetup(cfg.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		o.Tracer = ts
	}
	return o, nil
}

// Instrumented reports whether sandbox calls should be wrapped.
func (o *Observability) Instrumented() bool {
	return o.MetricsOrNil() != nil || o.TracerOrNil() != nil
}

// RegisterProbes adds the sandbox and database readiness probes the health
// section selects. A missing section selects both; a nil database probe
// (no durable history) is skipped.
func (o *Observability) RegisterProbes(sandboxProbe, databaseProbe Probe) {
	if o == nil || o.Health == nil {
		return
	}
	if sandboxProbe != nil && (o.probes == nil || o.probes.IncludeSandbox) {
		o.Health.AddCheck("sandbox", sandboxProbe)
	}
	if databaseProbe != nil && (o.probes == nil || o.probes.IncludeDB) {
		o.Health.AddCheck("database", databaseProbe)
	}
}

// Shutdown flushes pending spans.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	var errs []error
	if err := o.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracer: %w", err))
	}
	return errors.Join(errs...)
}

func (o *Observability) TracerOrNil() *TracerSetup {
	if o == nil {
		return nil
	}
	return o.Tracer
}

func (o *Observability) MetricsOrNil() *MetricsCollector {
	if o == nil {
		return nil
	}
	return o.Metrics
}

// NamedTracer returns a component tracer, no-op when tracing is off.
func (o *Observability) NamedTracer(name string) trace.Tracer {
	return o.TracerOrNil().Provider().Tracer(name)
}
