package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/velocity/internal/events"
	"github.com/jkaninda/velocity/internal/sandbox"
)

// script is the scripted output of one execution.
type script struct {
	lines  []string
	stderr []string
	result sandbox.ExecResult
	// hang keeps the execution running until its context ends.
	hang bool
}

var okScript = script{lines: []string{
	`{"type":"text_delta","text":"ok"}`,
	`{"type":"done","tokens_used":{"input":1,"output":1},"agents_used":[]}`,
}}

// fakeManager is a scripted sandbox.Manager.
type fakeManager struct {
	mu sync.Mutex

	createDelay  time.Duration
	createErrs   []error // consumed one per Create
	uploadErr    error
	cleanupErr   error
	cleanupPanic bool
	execDelay    time.Duration
	scripts      []script // consumed one per execution; okScript when empty

	creates  map[string]int
	uploads  map[string]int
	execs    map[string]int
	cleanups map[string]int
	live     map[string]bool
	commands [][]string
	execEnv  []map[string]string
	files    map[string]string

	inflight    int
	maxInflight int
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		creates:  make(map[string]int),
		uploads:  make(map[string]int),
		execs:    make(map[string]int),
		cleanups: make(map[string]int),
		live:     make(map[string]bool),
		files:    make(map[string]string),
	}
}

func (f *fakeManager) Create(ctx context.Context, sessionID string, env map[string]string) (*sandbox.Handle, error) {
	if f.createDelay > 0 {
		select {
		case <-time.After(f.createDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates[sessionID]++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.live[sessionID] {
		return nil, sandbox.ErrExists
	}
	f.live[sessionID] = true
	return &sandbox.Handle{SessionID: sessionID, ID: "fake-" + sessionID, Env: env, CreatedAt: time.Now()}, nil
}

func (f *fakeManager) UploadScript(_ context.Context, sessionID string, content []byte, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads[sessionID]++
	if f.uploadErr != nil {
		return f.uploadErr
	}
	f.files[sessionID+":"+path] = string(content)
	return nil
}

func (f *fakeManager) ExecuteStreaming(ctx context.Context, sessionID string, req sandbox.ExecRequest) *sandbox.Execution {
	f.mu.Lock()
	f.execs[sessionID]++
	f.commands = append(f.commands, req.Command)
	f.execEnv = append(f.execEnv, req.Env)
	live := f.live[sessionID]
	s := okScript
	if len(f.scripts) > 0 {
		s = f.scripts[0]
		f.scripts = f.scripts[1:]
	}
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	delay := f.execDelay
	f.mu.Unlock()

	return sandbox.Run(ctx, func(emit func(sandbox.Line) bool) sandbox.ExecResult {
		defer func() {
			f.mu.Lock()
			f.inflight--
			f.mu.Unlock()
		}()
		if !live {
			return sandbox.ExecResult{ExitCode: -1, Err: sandbox.ErrNotFound}
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		for _, l := range s.lines {
			if !emit(sandbox.Line{Stream: sandbox.Stdout, Text: l}) {
				return sandbox.ExecResult{ExitCode: -1, Err: ctx.Err()}
			}
		}
		for _, l := range s.stderr {
			emit(sandbox.Line{Stream: sandbox.Stderr, Text: l})
		}
		if s.hang {
			<-ctx.Done()
			return sandbox.ExecResult{ExitCode: -1, Err: ctx.Err()}
		}
		return s.result
	})
}

func (f *fakeManager) WriteFile(_ context.Context, sessionID string, content []byte, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[sessionID] {
		return sandbox.ErrNotFound
	}
	f.files[sessionID+":"+path] = string(content)
	return nil
}

func (f *fakeManager) Cleanup(_ context.Context, sessionID string) error {
	f.mu.Lock()
	f.cleanups[sessionID]++
	delete(f.live, sessionID)
	boom, err := f.cleanupPanic, f.cleanupErr
	f.mu.Unlock()
	if boom {
		panic("cleanup exploded")
	}
	return err
}

func (f *fakeManager) Ping(context.Context) error { return nil }

func (f *fakeManager) count(m map[string]int, sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return m[sessionID]
}

func (f *fakeManager) file(sessionID, path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.files[sessionID+":"+path]
	return v, ok
}

func (f *fakeManager) lastCommand() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.commands) == 0 {
		return nil
	}
	return f.commands[len(f.commands)-1]
}

// memoryHistory is an in-package HistoryStore.
type memoryHistory struct {
	mu      sync.Mutex
	turns   map[string][]events.Turn
	loadErr error
}

func newMemoryHistory() *memoryHistory {
	return &memoryHistory{turns: make(map[string][]events.Turn)}
}

func (m *memoryHistory) LoadTurns(_ context.Context, sessionID string) ([]events.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return append([]events.Turn(nil), m.turns[sessionID]...), nil
}

func (m *memoryHistory) AppendTurns(_ context.Context, sessionID string, turns ...events.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns[sessionID] = append(m.turns[sessionID], turns...)
	return nil
}

func (m *memoryHistory) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.turns, sessionID)
	return nil
}

func (m *memoryHistory) get(sessionID string) []events.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]events.Turn(nil), m.turns[sessionID]...)
}

// recordingDispatcher captures proxy requests.
type recordingDispatcher struct {
	mu   sync.Mutex
	reqs []events.ProxyRequest
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ string, req events.ProxyRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reqs = append(d.reqs, req)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		Script:           []byte("print('hi')"),
		ScriptPath:       "/tmp/sandbox_runner.py",
		Interpreter:      []string{"python"},
		Env:              map[string]string{"ANTHROPIC_API_KEY": "sk-test"},
		ExecEnv:          map[string]string{"VELOCITY_PROXY_DIR": "/tmp"},
		ExecTimeout:      5 * time.Second,
		StopGrace:        time.Second,
		MaxHistoryTurns:  40,
		MaxHistoryTokens: 60000,
	}
}

// runQuery drains one query.
func runQuery(p *Pool, sessionID, message string) ([]events.Event, error) {
	var evs []events.Event
	for ev, err := range p.QueryAndStream(context.Background(), sessionID, message) {
		if err != nil {
			return evs, err
		}
		evs = append(evs, ev)
	}
	return evs, nil
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

var errBoom = errors.New("boom")
