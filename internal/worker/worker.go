package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/velocity/internal/driver"
	"github.com/jkaninda/velocity/internal/events"
	"github.com/jkaninda/velocity/internal/sandbox"
)

// cleanupTimeout bounds sandbox teardown once a worker exits.
const cleanupTimeout = 30 * time.Second

// item is one element of a query's output stream.
type item struct {
	ev  events.Event
	err error
}

type request struct {
	ctx     context.Context
	message string
	out     chan<- item
}

// Worker owns one session's sandbox and the goroutine that drives it. All
// sandbox operations for the session happen on that goroutine, one query
// at a time.
type Worker struct {
	sessionID string
	pool      *Pool
	logger    *slog.Logger

	input chan request

	ready     chan struct{}
	readyOnce sync.Once
	createErr error

	// Owned by the run goroutine.
	sandboxCreated atomic.Bool
	history        []events.Turn

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc

	teardownOnce sync.Once

	createdAt time.Time
	lastUsed  atomic.Int64
	busy      atomic.Bool
	queries   atomic.Int64
}

func newWorker(p *Pool, sessionID string) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		sessionID: sessionID,
		pool:      p,
		logger:    p.logger.With(slog.String("session_id", sessionID)),
		input:     make(chan request),
		ready:     make(chan struct{}),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		createdAt: time.Now(),
	}
	w.lastUsed.Store(w.createdAt.UnixNano())
	return w
}

// SessionID returns the session this worker serves.
func (w *Worker) SessionID() string { return w.sessionID }

// Info returns a snapshot of the worker's state.
func (w *Worker) Info() SessionInfo {
	return SessionInfo{
		SessionID: w.sessionID,
		CreatedAt: w.createdAt,
		LastUsed:  time.Unix(0, w.lastUsed.Load()),
		Busy:      w.busy.Load(),
		Queries:   int(w.queries.Load()),
	}
}

func (w *Worker) signalReady(err error) {
	w.readyOnce.Do(func() {
		w.createErr = err
		close(w.ready)
	})
}

// stop asks the run loop to exit after the current query.
func (w *Worker) stop() {
	w.quitOnce.Do(func() { close(w.quit) })
}

func (w *Worker) stopping() bool {
	select {
	case <-w.quit:
		return true
	case <-w.ctx.Done():
		return true
	default:
		return false
	}
}

// submit hands a query to the run loop. It blocks while another query for
// the session is in flight.
func (w *Worker) submit(ctx context.Context, message string, out chan<- item) error {
	select {
	case w.input <- request{ctx: ctx, message: message, out: out}:
		return nil
	case <-w.quit:
		return ErrWorkerStopped
	case <-w.done:
		return ErrWorkerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) run() {
	defer close(w.done)
	defer w.teardown()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("session worker panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err := fmt.Errorf("session worker panicked: %v", r)
			w.signalReady(&ProvisionError{SessionID: w.sessionID, Stage: "panic", Err: err})
			w.pool.evictFailed(w, err)
		}
	}()

	if err := w.provision(); err != nil {
		w.signalReady(err)
		return
	}
	w.signalReady(nil)

	for {
		if w.stopping() {
			return
		}
		select {
		case <-w.quit:
			return
		case <-w.ctx.Done():
			return
		case req := <-w.input:
			if w.stopping() {
				select {
				case req.out <- item{err: ErrWorkerStopped}:
				case <-req.ctx.Done():
				}
				close(req.out)
				return
			}
			w.serve(req)
		}
	}
}

// provision creates the sandbox, uploads the program and seeds history.
func (w *Worker) provision() error {
	p := w.pool
	start := time.Now()
	ctx, span := p.tracer.Start(w.ctx, "worker.provision",
		trace.WithAttributes(attribute.String("session.id", w.sessionID)),
	)
	defer span.End()

	fail := func(stage string, err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, stage)
		p.metrics.provisioned("failed", time.Since(start))
		w.logger.Error("sandbox provisioning failed",
			slog.String("stage", stage),
			slog.String("error", err.Error()),
		)
		return &ProvisionError{SessionID: w.sessionID, Stage: stage, Err: err}
	}

	if _, err := p.manager.Create(ctx, w.sessionID, p.cfg.Env); err != nil {
		return fail("create", err)
	}
	w.sandboxCreated.Store(true)

	if err := p.manager.UploadScript(ctx, w.sessionID, p.cfg.Script, p.cfg.ScriptPath); err != nil {
		return fail("upload", err)
	}

	if p.store != nil {
		turns, err := p.store.LoadTurns(ctx, w.sessionID)
		if err != nil {
			return fail("history", err)
		}
		w.history = trimHistory(turns, p.cfg.MaxHistoryTurns, p.cfg.MaxHistoryTokens)
	}

	p.metrics.provisioned("ok", time.Since(start))
	w.logger.Info("session worker ready",
		slog.Duration("duration", time.Since(start)),
		slog.Int("history_turns", len(w.history)),
	)
	return nil
}

// serve runs one query and streams its events into req.out, which it
// always closes.
func (w *Worker) serve(req request) {
	defer close(req.out)
	w.busy.Store(true)
	defer func() {
		w.busy.Store(false)
		w.lastUsed.Store(time.Now().UnixNano())
	}()
	w.queries.Add(1)

	p := w.pool
	start := time.Now()

	// The execution ends when the caller goes away or the worker is
	// force-cancelled, whichever comes first.
	ctx, cancel := context.WithCancel(req.ctx)
	defer cancel()
	stopAfter := context.AfterFunc(w.ctx, cancel)
	defer stopAfter()

	ctx, span := p.tracer.Start(ctx, "worker.query",
		trace.WithAttributes(attribute.String("session.id", w.sessionID)),
	)
	defer span.End()

	send := func(it item) bool {
		select {
		case req.out <- it:
			return true
		case <-ctx.Done():
			return false
		}
	}

	done, transcript, err := w.execute(ctx, req.message, send)
	if err != nil {
		outcome := "failed"
		var execErr *ExecutionError
		timedOut := errors.As(err, &execErr) && execErr.TimedOut
		if timedOut {
			outcome = "timeout"
		}
		if req.ctx.Err() != nil && !timedOut {
			// The caller left; the sandbox itself is still healthy.
			outcome = "canceled"
			err = req.ctx.Err()
		} else {
			p.evictFailed(w, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		p.metrics.query(outcome, time.Since(start))
		send(item{err: err})
		return
	}

	// A run that produced no text leaves no assistant turn.
	turns := []events.Turn{{Role: events.RoleUser, Content: req.message}}
	if transcript != "" {
		turns = append(turns, events.Turn{Role: events.RoleAssistant, Content: transcript})
	}
	w.history = trimHistory(append(w.history, turns...), p.cfg.MaxHistoryTurns, p.cfg.MaxHistoryTokens)
	if p.store != nil {
		if err := p.store.AppendTurns(context.WithoutCancel(ctx), w.sessionID, turns...); err != nil {
			w.logger.Warn("persisting conversation turns failed", slog.String("error", err.Error()))
		}
	}

	p.metrics.query("ok", time.Since(start))
	p.metrics.event(events.TypeDone)
	w.logger.Info("query completed",
		slog.Duration("duration", time.Since(start)),
		slog.Int("input_tokens", done.TokensUsed.Input),
		slog.Int("output_tokens", done.TokensUsed.Output),
	)
	send(item{ev: done})
}

// execute runs the sandbox program for one message. Caller-visible events
// are passed to send in order; the terminal done event is held back and
// returned so it is delivered only once the execution is known to have
// succeeded.
func (w *Worker) execute(ctx context.Context, message string, send func(item) bool) (events.Done, string, error) {
	p := w.pool

	inv := driver.Invocation{
		Message:   message,
		SessionID: w.sessionID,
		Config:    p.cfg.Run,
		History:   trimHistory(w.history, p.cfg.MaxHistoryTurns, p.cfg.MaxHistoryTokens),
	}
	args, err := inv.Args()
	if err != nil {
		return events.Done{}, "", &ExecutionError{Err: err}
	}
	cmd := make([]string, 0, len(p.cfg.Interpreter)+1+len(args))
	cmd = append(cmd, p.cfg.Interpreter...)
	cmd = append(cmd, p.cfg.ScriptPath)
	cmd = append(cmd, args...)

	exec := p.manager.ExecuteStreaming(ctx, w.sessionID, sandbox.ExecRequest{
		Command: cmd,
		Env:     p.cfg.ExecEnv,
		Timeout: p.cfg.ExecTimeout,
	})

	tr := events.NewTranslator(w.logger)
	var (
		done       *events.Done
		sandboxErr error
		gone       bool
	)
	for line := range exec.Lines() {
		if line.Stream == sandbox.Stderr {
			w.logger.Debug("sandbox stderr", slog.String("line", line.Text))
			continue
		}
		ev, err := tr.Translate(line.Text)
		if err != nil {
			if sandboxErr == nil {
				sandboxErr = err
			}
			continue
		}
		if ev == nil {
			continue
		}
		if req, ok := ev.(events.ProxyRequest); ok {
			// Served even after a terminal event: the program may still be
			// waiting on it.
			p.proxy.Dispatch(ctx, w.sessionID, req)
			continue
		}
		if done != nil || sandboxErr != nil || gone {
			continue
		}
		if d, ok := ev.(events.Done); ok {
			done = &d
			continue
		}
		if !send(item{ev: ev}) {
			gone = true
			continue
		}
		p.metrics.event(ev.Type())
	}

	res := exec.Wait()
	if tr.Skipped() > 0 {
		w.logger.Debug("skipped non-protocol output", slog.Int("lines", tr.Skipped()))
	}
	if res.DroppedLines > 0 {
		w.logger.Warn("dropped oversized sandbox output lines", slog.Int("lines", res.DroppedLines))
	}

	switch {
	case sandboxErr != nil:
		return events.Done{}, "", &ExecutionError{ExitCode: res.ExitCode, Stderr: res.Stderr, Err: sandboxErr}
	case res.Failed():
		return events.Done{}, "", &ExecutionError{
			ExitCode: res.ExitCode,
			TimedOut: res.TimedOut,
			Stderr:   res.Stderr,
			Err:      res.Err,
		}
	case gone:
		return events.Done{}, "", context.Canceled
	}
	if done == nil {
		// Clean exit without a done record.
		done = &events.Done{}
	}
	return *done, tr.Transcript(), nil
}

// teardown releases the sandbox exactly once. Failures are logged and
// never propagated.
func (w *Worker) teardown() {
	w.teardownOnce.Do(func() {
		if !w.sandboxCreated.Load() {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("sandbox cleanup panicked",
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := w.pool.manager.Cleanup(ctx, w.sessionID); err != nil {
			w.logger.Warn("sandbox cleanup failed", slog.String("error", err.Error()))
			return
		}
		w.logger.Info("sandbox cleaned up")
	})
}
