package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultCheckTimeout = 3 * time.Second

// Probe reports whether a dependency (sandbox backend, history database) can
// serve sessions right now.
type Probe func(ctx context.Context) error

// HealthChecker runs readiness probes for the session runtime. Probes run
// concurrently, each under its own deadline, so one hung dependency does not
// hide the state of the others.
type HealthChecker struct {
	mu      sync.RWMutex
	probes  []namedProbe
	timeout time.Duration
	started time.Time
	logger  *slog.Logger
}

type namedProbe struct {
	name  string
	probe Probe
}

// HealthStatus is the JSON body of /healthz and /readyz.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Status    string `json:"status"` // "ok" or "fail"
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// NewHealthChecker returns a checker with no probes.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		timeout: defaultCheckTimeout,
		started: time.Now(),
		logger:  logger,
	}
}

// WithTimeout sets the per-probe deadline.
func (h *HealthChecker) WithTimeout(d time.Duration) *HealthChecker {
	if d > 0 {
		h.timeout = d
	}
	return h
}

// AddCheck registers a named probe. Registering a name twice replaces the
// earlier probe.
func (h *HealthChecker) AddCheck(name string, probe Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.probes {
		if h.probes[i].name == name {
			h.probes[i].probe = probe
			return
		}
	}
	h.probes = append(h.probes, namedProbe{name: name, probe: probe})
}

// CheckHealth is the liveness answer: the process is up.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{
		Status: "ok",
		Uptime: time.Since(h.started).Truncate(time.Second).String(),
	}
}

// CheckReady runs every probe and reports "ok" only when all of them pass.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	probes := append([]namedProbe(nil), h.probes...)
	h.mu.RUnlock()

	if len(probes) == 0 {
		return HealthStatus{Status: "ok"}
	}

	results := make([]CheckResult, len(probes))
	var g errgroup.Group
	for i, p := range probes {
		g.Go(func() error {
			results[i] = h.run(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(probes)),
	}
	for i, p := range probes {
		if results[i].Status != "ok" {
			status.Status = "degraded"
		}
		status.Checks[p.name] = results[i]
	}
	return status
}

func (h *HealthChecker) run(ctx context.Context, p namedProbe) CheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	err := p.probe(probeCtx)
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err == nil {
		return res
	}
	res.Status = "fail"
	res.Message = err.Error()
	if h.logger != nil {
		h.logger.Warn("readiness check failed",
			slog.String("check", p.name),
			slog.Int64("latency_ms", res.LatencyMs),
			slog.String("error", err.Error()),
		)
	}
	return res
}
