package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/velocity/internal/sandbox"
)

// --- InstrumentedManager ---

// InstrumentedManager wraps a sandbox.Manager with metrics and tracing.
type InstrumentedManager struct {
	inner    sandbox.Manager
	provider string // "process" or "docker"
	metrics  *MetricsCollector
	tracer   trace.Tracer
}

// NewInstrumentedManager wraps a sandbox manager with observability.
func NewInstrumentedManager(inner sandbox.Manager, provider string, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedManager {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedManager{
		inner:    inner,
		provider: provider,
		metrics:  metrics,
		tracer:   tracer,
	}
}

func (m *InstrumentedManager) Create(ctx context.Context, sessionID string, env map[string]string) (*sandbox.Handle, error) {
	var h *sandbox.Handle
	err := m.observe(ctx, "create", sessionID, func(ctx context.Context) error {
		var err error
		h, err = m.inner.Create(ctx, sessionID, env)
		return err
	})
	return h, err
}

func (m *InstrumentedManager) UploadScript(ctx context.Context, sessionID string, content []byte, path string) error {
	return m.observe(ctx, "upload", sessionID, func(ctx context.Context) error {
		return m.inner.UploadScript(ctx, sessionID, content, path)
	})
}

func (m *InstrumentedManager) WriteFile(ctx context.Context, sessionID string, content []byte, path string) error {
	return m.observe(ctx, "write_file", sessionID, func(ctx context.Context) error {
		return m.inner.WriteFile(ctx, sessionID, content, path)
	})
}

func (m *InstrumentedManager) Cleanup(ctx context.Context, sessionID string) error {
	return m.observe(ctx, "cleanup", sessionID, func(ctx context.Context) error {
		return m.inner.Cleanup(ctx, sessionID)
	})
}

func (m *InstrumentedManager) Ping(ctx context.Context) error {
	return m.inner.Ping(ctx)
}

// ExecuteStreaming forwards the inner execution's lines unchanged and
// records the result once the command has ended.
func (m *InstrumentedManager) ExecuteStreaming(ctx context.Context, sessionID string, req sandbox.ExecRequest) *sandbox.Execution {
	var span trace.Span
	if m.tracer != nil {
		ctx, span = m.tracer.Start(ctx, "sandbox.execute",
			trace.WithAttributes(
				attribute.String("sandbox.provider", m.provider),
				attribute.String("session.id", sessionID),
			))
	}

	start := time.Now()
	inner := m.inner.ExecuteStreaming(ctx, sessionID, req)

	return sandbox.Run(ctx, func(emit func(sandbox.Line) bool) sandbox.ExecResult {
		var stdout, stderr int
		for l := range inner.Lines() {
			if l.Stream == sandbox.Stderr {
				stderr++
			} else {
				stdout++
			}
			if !emit(l) {
				break
			}
		}
		// Let the inner execution finish delivering.
		for range inner.Lines() {
		}
		res := inner.Wait()

		status := "success"
		switch {
		case res.TimedOut:
			status = "timeout"
		case res.Failed():
			status = "error"
		}

		if m.metrics != nil {
			m.metrics.SandboxExecutionsTotal.WithLabelValues(m.provider, status).Inc()
			m.metrics.SandboxExecutionDuration.Observe(time.Since(start).Seconds())
			m.metrics.SandboxOutputLines.WithLabelValues(sandbox.Stdout.String()).Add(float64(stdout))
			m.metrics.SandboxOutputLines.WithLabelValues(sandbox.Stderr.String()).Add(float64(stderr))
		}
		if span != nil {
			span.SetAttributes(
				attribute.Int("sandbox.exit_code", res.ExitCode),
				attribute.Bool("sandbox.timed_out", res.TimedOut),
			)
			if res.Err != nil {
				span.RecordError(res.Err)
			}
			if status != "success" {
				span.SetStatus(codes.Error, status)
			}
			span.End()
		}
		return res
	})
}

func (m *InstrumentedManager) observe(ctx context.Context, op, sessionID string, fn func(context.Context) error) error {
	var span trace.Span
	if m.tracer != nil {
		ctx, span = m.tracer.Start(ctx, "sandbox."+op,
			trace.WithAttributes(
				attribute.String("sandbox.provider", m.provider),
				attribute.String("session.id", sessionID),
			))
		defer span.End()
	}

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if m.metrics != nil {
		m.metrics.SandboxOperationsTotal.WithLabelValues(m.provider, op, status).Inc()
		m.metrics.SandboxOperationDuration.WithLabelValues(m.provider, op).Observe(duration)
	}
	return err
}

var _ sandbox.Manager = (*InstrumentedManager)(nil)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
