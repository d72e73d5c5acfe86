// Package worker runs each session's agent queries on a dedicated goroutine
// bound to that session's sandbox, and multiplexes callers onto those
// goroutines.
package worker

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/velocity/internal/driver"
	"github.com/jkaninda/velocity/internal/events"
	"github.com/jkaninda/velocity/internal/sandbox"
)

// Dispatcher serves proxy requests emitted by the sandbox program without
// blocking the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID string, req events.ProxyRequest)
}

// HistoryStore persists conversation turns across worker lifetimes.
type HistoryStore interface {
	LoadTurns(ctx context.Context, sessionID string) ([]events.Turn, error)
	AppendTurns(ctx context.Context, sessionID string, turns ...events.Turn) error
	DeleteSession(ctx context.Context, sessionID string) error
}

// Config configures how workers provision and invoke the sandbox program.
type Config struct {
	Script      []byte   // Program uploaded at provisioning.
	ScriptPath  string   // Where the program lives inside the sandbox.
	Interpreter []string // Prefix before ScriptPath, e.g. ["python"].

	Env     map[string]string // Injected at sandbox creation.
	ExecEnv map[string]string // Added to every execution.
	Run     driver.RunConfig

	ExecTimeout      time.Duration
	StopGrace        time.Duration // Default: 15s.
	MaxHistoryTurns  int
	MaxHistoryTokens int
}

// SessionInfo describes a live worker.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  time.Time `json:"last_used"`
	Busy      bool      `json:"busy"`
	Queries   int       `json:"queries"`
}

// sessionLock serializes worker creation for one session id. It is
// dropped from the pool once nobody holds or waits on it.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// Pool owns every session worker in the process.
type Pool struct {
	manager sandbox.Manager
	proxy   Dispatcher
	cfg     Config
	logger  *slog.Logger
	store   HistoryStore
	metrics *Metrics
	tracer  trace.Tracer

	mu       sync.Mutex
	workers  map[string]*Worker
	locks    map[string]*sessionLock
	retiring map[string]*Worker
	closed   bool
}

// NewPool creates an empty pool.
func NewPool(manager sandbox.Manager, proxy Dispatcher, cfg Config, logger *slog.Logger) *Pool {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 15 * time.Second
	}
	return &Pool{
		manager:  manager,
		proxy:    proxy,
		cfg:      cfg,
		logger:   logger,
		tracer:   noop.NewTracerProvider().Tracer("worker"),
		workers:  make(map[string]*Worker),
		locks:    make(map[string]*sessionLock),
		retiring: make(map[string]*Worker),
	}
}

// WithStore enables durable history.
func (p *Pool) WithStore(s HistoryStore) *Pool {
	p.store = s
	return p
}

// WithMetrics attaches Prometheus metrics.
func (p *Pool) WithMetrics(m *Metrics) *Pool {
	p.metrics = m
	return p
}

// WithTracer attaches an OpenTelemetry tracer.
func (p *Pool) WithTracer(t trace.Tracer) *Pool {
	if t != nil {
		p.tracer = t
	}
	return p
}

// GetOrCreateWorker returns the session's worker, provisioning one if
// needed. Concurrent first calls for a session collapse into a single
// provisioning; each of them receives its outcome.
func (p *Pool) GetOrCreateWorker(ctx context.Context, sessionID string) (*Worker, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if w, ok := p.workers[sessionID]; ok {
		p.mu.Unlock()
		return w, nil
	}
	lock := p.acquireLock(sessionID)
	p.mu.Unlock()

	lock.mu.Lock()
	defer p.releaseLock(sessionID, lock)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if w, ok := p.workers[sessionID]; ok {
		p.mu.Unlock()
		return w, nil
	}
	old := p.retiring[sessionID]
	p.mu.Unlock()

	// A previous worker for this session may still be tearing its sandbox
	// down; provisioning before it finishes would let that teardown hit the
	// new sandbox.
	if old != nil {
		select {
		case <-old.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	w := newWorker(p, sessionID)
	go w.run()

	select {
	case <-w.ready:
	case <-ctx.Done():
		p.retire(w)
		return nil, ctx.Err()
	}
	if w.createErr != nil {
		p.retire(w)
		return nil, w.createErr
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.retire(w)
		return nil, ErrPoolClosed
	}
	p.workers[sessionID] = w
	n := len(p.workers)
	p.mu.Unlock()
	p.metrics.setActive(n)
	return w, nil
}

// QueryAndStream sends message to the session's worker and returns the
// resulting events. The sequence ends after a done event, or yields a
// single non-nil error as its last element. Stopping the iteration early
// cancels the query.
func (p *Pool) QueryAndStream(ctx context.Context, sessionID, message string) iter.Seq2[events.Event, error] {
	return func(yield func(events.Event, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		w, err := p.GetOrCreateWorker(ctx, sessionID)
		if err != nil {
			yield(nil, err)
			return
		}

		out := make(chan item, 16)
		if err := w.submit(ctx, message, out); err != nil {
			yield(nil, err)
			return
		}

		terminal := false
		for it := range out {
			terminal = it.err != nil || events.IsTerminal(it.ev)
			if !yield(it.ev, it.err) {
				return
			}
		}
		if !terminal {
			yield(nil, ErrWorkerStopped)
		}
	}
}

// RemoveWorker stops the session's worker, waiting up to the stop grace
// period before cancelling it. The sandbox is always released; teardown
// failures are logged, not returned.
func (p *Pool) RemoveWorker(ctx context.Context, sessionID string) {
	p.mu.Lock()
	w, ok := p.workers[sessionID]
	if ok {
		delete(p.workers, sessionID)
	}
	n := len(p.workers)
	p.mu.Unlock()
	if !ok {
		return
	}
	p.metrics.setActive(n)
	p.metrics.evicted("removed")
	p.retire(w)
	p.awaitExit(ctx, w)
}

// DeleteSession removes the worker and any stored history.
func (p *Pool) DeleteSession(ctx context.Context, sessionID string) error {
	p.RemoveWorker(ctx, sessionID)
	if p.store == nil {
		return nil
	}
	return p.store.DeleteSession(ctx, sessionID)
}

// Evict removes a worker whose sandbox was reclaimed by the provider. It
// does not block.
func (p *Pool) Evict(sessionID string) {
	go p.RemoveWorker(context.Background(), sessionID)
}

// EvictIdle removes workers that have not served a query for ttl and
// returns how many were removed.
func (p *Pool) EvictIdle(ctx context.Context, ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	var idle []string
	p.mu.Lock()
	for id, w := range p.workers {
		info := w.Info()
		if !info.Busy && info.LastUsed.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	p.mu.Unlock()

	for _, id := range idle {
		p.logger.Info("evicting idle session worker", slog.String("session_id", id))
		p.RemoveWorker(ctx, id)
	}
	return len(idle)
}

// ShutdownAll removes every worker and rejects further work.
func (p *Pool) ShutdownAll(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	retiring := make([]*Worker, 0, len(p.retiring))
	for _, w := range p.retiring {
		retiring = append(retiring, w)
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			p.RemoveWorker(gctx, id)
			return nil
		})
	}
	for _, w := range retiring {
		g.Go(func() error {
			select {
			case <-w.done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	p.logger.Info("session workers stopped", slog.Int("count", len(ids)))
	return nil
}

// List returns the live sessions ordered by id.
func (p *Pool) List() []SessionInfo {
	p.mu.Lock()
	out := make([]SessionInfo, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.Info())
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Len returns the number of live workers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// evictFailed drops a worker whose query failed so the next query for the
// session provisions a fresh sandbox.
func (p *Pool) evictFailed(w *Worker, cause error) {
	p.mu.Lock()
	if p.workers[w.sessionID] != w {
		p.mu.Unlock()
		return
	}
	delete(p.workers, w.sessionID)
	n := len(p.workers)
	p.mu.Unlock()

	p.metrics.setActive(n)
	p.metrics.evicted("failed")
	w.logger.Warn("evicting session worker after failure", slog.String("error", cause.Error()))
	p.retire(w)
}

// retire stops w and tracks it until its teardown has finished.
func (p *Pool) retire(w *Worker) {
	w.stop()
	p.mu.Lock()
	p.retiring[w.sessionID] = w
	p.mu.Unlock()

	go func() {
		<-w.done
		p.mu.Lock()
		if p.retiring[w.sessionID] == w {
			delete(p.retiring, w.sessionID)
		}
		p.mu.Unlock()
	}()
}

// awaitExit waits for w to stop, cancelling it after the grace period. If
// it still has not exited after a second grace period the sandbox is
// released directly.
func (p *Pool) awaitExit(ctx context.Context, w *Worker) {
	grace := time.NewTimer(p.cfg.StopGrace)
	defer grace.Stop()

	select {
	case <-w.done:
		return
	case <-grace.C:
	case <-ctx.Done():
	}

	w.logger.Warn("session worker did not stop in time, cancelling")
	w.cancel()

	grace.Reset(p.cfg.StopGrace)
	select {
	case <-w.done:
	case <-grace.C:
		w.logger.Error("session worker still running after cancel, releasing sandbox")
		w.teardown()
	}
}

func (p *Pool) acquireLock(sessionID string) *sessionLock {
	l, ok := p.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		p.locks[sessionID] = l
	}
	l.refs++
	return l
}

func (p *Pool) releaseLock(sessionID string, l *sessionLock) {
	l.mu.Unlock()
	p.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(p.locks, sessionID)
	}
	p.mu.Unlock()
}
