// Package proxy implements the trusted side of the cross-environment bridge:
// sandboxed code asks for a network call it cannot make itself, the backend
// performs it with server-held credentials and hands the JSON result back
// through a file inside the sandbox.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/velocity/internal/events"
)

// Outcomes recorded for each proxied request.
const (
	OutcomeOK            = "ok"
	OutcomeNotConfigured = "not_configured"
	OutcomeUnknownMethod = "unknown_method"
	OutcomeFailed        = "failed"
	OutcomeWriteFailed   = "write_failed"
)

// validID restricts correlation ids so a response path can never leave the
// response directory.
var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// FileWriter delivers response files into a session's sandbox.
type FileWriter interface {
	WriteFile(ctx context.Context, sessionID string, content []byte, path string) error
}

// Recorder receives one observation per proxied request.
type Recorder interface {
	RecordProxyRequest(method, outcome string, duration time.Duration)
}

// Config configures the bridge.
type Config struct {
	SlackToken   string        // Empty = Slack calls answer slack_not_configured.
	SlackBaseURL string        // Default: https://slack.com/api.
	HTTPTimeout  time.Duration // Upstream call timeout. Default: 15s.
	ResponseDir  string        // In-sandbox directory for response files. Default: /tmp.
}

type methodFunc func(ctx context.Context, p params) (json.RawMessage, error)

type route struct {
	service string
	call    methodFunc // nil = service not configured
}

// Bridge dispatches proxy requests to upstream services.
type Bridge struct {
	routes      map[string]route
	writer      FileWriter
	responseDir string
	timeout     time.Duration
	logger      *slog.Logger
	recorder    Recorder
	tracer      trace.Tracer

	wg sync.WaitGroup
}

// New creates a Bridge that writes responses through writer.
func New(cfg Config, writer FileWriter, logger *slog.Logger) *Bridge {
	if cfg.ResponseDir == "" {
		cfg.ResponseDir = "/tmp"
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}

	var slack *SlackClient
	if cfg.SlackToken != "" {
		slack = NewSlackClient(cfg.SlackToken, cfg.SlackBaseURL, cfg.HTTPTimeout)
	}
	routes := make(map[string]route)
	for name, fn := range slackMethods(slack) {
		r := route{service: "slack"}
		if slack != nil {
			r.call = fn
		}
		routes[name] = r
	}

	return &Bridge{
		routes:      routes,
		writer:      writer,
		responseDir: cfg.ResponseDir,
		timeout:     cfg.HTTPTimeout,
		logger:      logger,
		tracer:      noop.NewTracerProvider().Tracer("proxy"),
	}
}

// WithRecorder attaches a metrics recorder.
func (b *Bridge) WithRecorder(r Recorder) *Bridge {
	b.recorder = r
	return b
}

// WithTracer attaches an OpenTelemetry tracer.
func (b *Bridge) WithTracer(t trace.Tracer) *Bridge {
	if t != nil {
		b.tracer = t
	}
	return b
}

// ResponsePath returns the in-sandbox path of the response file for id.
func ResponsePath(dir, id string) (string, error) {
	if !validID.MatchString(id) {
		return "", fmt.Errorf("invalid proxy request id %q", id)
	}
	return path.Join(dir, "slack_resp_"+id+".json"), nil
}

// Handle performs the request and returns the JSON result along with its
// outcome. Failures are encoded as {"ok":false,"error":...}; Handle never
// returns an error.
func (b *Bridge) Handle(ctx context.Context, req events.ProxyRequest) (json.RawMessage, string) {
	r, ok := b.routes[req.Method]
	if !ok {
		return failure("unknown_method: " + req.Method), OutcomeUnknownMethod
	}
	if r.call == nil {
		return failure(r.service + "_not_configured"), OutcomeNotConfigured
	}
	result, err := r.call(ctx, params(req.Params))
	if err != nil {
		return failure(err.Error()), OutcomeFailed
	}
	return result, OutcomeOK
}

// Dispatch serves req in the background and writes the result into the
// session's sandbox. It returns immediately; panics and errors are logged.
func (b *Bridge) Dispatch(ctx context.Context, sessionID string, req events.ProxyRequest) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("proxy handler panicked",
					slog.String("session_id", sessionID),
					slog.String("request_id", req.ID),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
			}
		}()
		b.serve(context.WithoutCancel(ctx), sessionID, req)
	}()
}

// Wait blocks until every dispatched request has finished.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) serve(ctx context.Context, sessionID string, req events.ProxyRequest) {
	ctx, cancel := context.WithTimeout(ctx, 2*b.timeout)
	defer cancel()
	ctx, span := b.tracer.Start(ctx, "proxy.request",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("proxy.method", req.Method),
		),
	)
	defer span.End()

	start := time.Now()
	respPath, err := ResponsePath(b.responseDir, req.ID)
	if err != nil {
		// No path can be derived; the sandbox side will time out.
		b.logger.Warn("dropping proxy request",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		span.SetStatus(codes.Error, err.Error())
		b.record(req.Method, OutcomeFailed, start)
		return
	}

	result, outcome := b.Handle(ctx, req)
	if err := b.writer.WriteFile(ctx, sessionID, result, respPath); err != nil {
		b.logger.Error("writing proxy response failed",
			slog.String("session_id", sessionID),
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()),
		)
		span.SetStatus(codes.Error, err.Error())
		b.record(req.Method, OutcomeWriteFailed, start)
		return
	}

	if outcome != OutcomeOK {
		span.SetStatus(codes.Error, outcome)
	}
	b.logger.Info("proxy request served",
		slog.String("session_id", sessionID),
		slog.String("request_id", req.ID),
		slog.String("method", req.Method),
		slog.String("outcome", outcome),
		slog.Duration("duration", time.Since(start)),
	)
	b.record(req.Method, outcome, start)
}

func (b *Bridge) record(method, outcome string, start time.Time) {
	if b.recorder != nil {
		b.recorder.RecordProxyRequest(method, outcome, time.Since(start))
	}
}

type failureBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func failure(msg string) json.RawMessage {
	b, _ := json.Marshal(failureBody{Error: msg})
	return b
}

// params reads loosely typed JSON parameters.
type params map[string]any

func (p params) str(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (p params) intOr(key string, def int) int {
	switch v := p[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	case json.Number:
		if n, err := v.Int64(); err == nil && n > 0 {
			return int(n)
		}
	}
	return def
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
