package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/velocity/internal/driver"
	"github.com/jkaninda/velocity/internal/events"
	"github.com/jkaninda/velocity/internal/proxy"
	"github.com/jkaninda/velocity/internal/sandbox"
)

func newTestPool(m *fakeManager) (*Pool, *recordingDispatcher) {
	d := &recordingDispatcher{}
	return NewPool(m, d, testConfig(), testLogger()), d
}

func assertTerminalLast(t *testing.T, evs []events.Event) {
	t.Helper()
	if len(evs) == 0 {
		t.Fatal("no events")
	}
	for i, ev := range evs {
		if events.IsTerminal(ev) != (i == len(evs)-1) {
			t.Fatalf("event %d (%s) terminal placement wrong in %v", i, ev.Type(), evs)
		}
	}
}

// --- Lifecycle ---

func TestPool_SequentialQueriesReuseSandbox(t *testing.T) {
	m := newFakeManager()
	p, _ := newTestPool(m)
	defer p.ShutdownAll(context.Background())

	for _, msg := range []string{"one", "two", "three"} {
		evs, err := runQuery(p, "s1", msg)
		if err != nil {
			t.Fatalf("query %q: %v", msg, err)
		}
		assertTerminalLast(t, evs)
		if evs[len(evs)-1].Type() != events.TypeDone {
			t.Errorf("query %q ended with %s", msg, evs[len(evs)-1].Type())
		}
	}

	if n := m.count(m.creates, "s1"); n != 1 {
		t.Errorf("creates = %d, want 1", n)
	}
	if n := m.count(m.uploads, "s1"); n != 1 {
		t.Errorf("uploads = %d, want 1", n)
	}
	if n := m.count(m.execs, "s1"); n != 3 {
		t.Errorf("executions = %d, want 3", n)
	}
}

func TestPool_SessionsAreIsolated(t *testing.T) {
	m := newFakeManager()
	p, _ := newTestPool(m)
	defer p.ShutdownAll(context.Background())

	ctx := context.Background()
	w1, err := p.GetOrCreateWorker(ctx, "s1")
	if err != nil {
		t.Fatalf("s1: %v", err)
	}
	w2, err := p.GetOrCreateWorker(ctx, "s2")
	if err != nil {
		t.Fatalf("s2: %v", err)
	}
	if w1 == w2 {
		t.Fatal("sessions share a worker")
	}

	m.scripts = []script{{result: sandbox.ExecResult{ExitCode: 1}}}
	if _, err := runQuery(p, "s1", "fail"); err == nil {
		t.Fatal("expected s1 query to fail")
	}

	again, err := p.GetOrCreateWorker(ctx, "s2")
	if err != nil || again != w2 {
		t.Errorf("s2 worker changed after s1 failure: %v", err)
	}
	if _, err := runQuery(p, "s2", "still fine"); err != nil {
		t.Errorf("s2 query: %v", err)
	}
}

func TestPool_ConcurrentFirstRequestsProvisionOnce(t *testing.T) {
	m := newFakeManager()
	m.createDelay = 50 * time.Millisecond
	p, _ := newTestPool(m)
	defer p.ShutdownAll(context.Background())

	const callers = 10
	workers := make([]*Worker, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			workers[i], errs[i] = p.GetOrCreateWorker(context.Background(), "new")
		}()
	}
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if workers[i] != workers[0] {
			t.Fatalf("caller %d got a different worker", i)
		}
	}
	if n := m.count(m.creates, "new"); n != 1 {
		t.Errorf("creates = %d, want 1", n)
	}
}

func TestPool_ProvisionFailureIsNotCached(t *testing.T) {
	m := newFakeManager()
	m.createErrs = []error{errBoom}
	p, _ := newTestPool(m)
	defer p.ShutdownAll(context.Background())

	_, err := p.GetOrCreateWorker(context.Background(), "s1")
	var pe *ProvisionError
	if !errors.As(err, &pe) || pe.Stage != "create" || !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want create ProvisionError", err)
	}
	if p.Len() != 0 {
		t.Errorf("failed worker inserted into pool")
	}
	// Creation never succeeded, so there is nothing to tear down.
	if n := m.count(m.cleanups, "s1"); n != 0 {
		t.Errorf("cleanups = %d, want 0", n)
	}

	if _, err := p.GetOrCreateWorker(context.Background(), "s1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n := m.count(m.creates, "s1"); n != 2 {
		t.Errorf("creates = %d, want 2", n)
	}
}

func TestPool_UploadFailureTearsDown(t *testing.T) {
	m := newFakeManager()
	m.uploadErr = errBoom
	p, _ := newTestPool(m)
	defer p.ShutdownAll(context.Background())

	_, err := p.GetOrCreateWorker(context.Background(), "s1")
	var pe *ProvisionError
	if !errors.As(err, &pe) || pe.Stage != "upload" {
		t.Fatalf("err = %v, want upload ProvisionError", err)
	}
	if !waitFor(func() bool { return m.count(m.cleanups, "s1") == 1 }) {
		t.Errorf("cleanups = %d, want 1", m.count(m.cleanups, "s1"))
	}
}

// --- Query semantics ---

func TestPool_MalformedLineSkipped(t *testing.T) {
	m := newFakeManager()
	m.scripts = []script{{lines: []string{
		"not json",
		`{"type":"text_delta","text":"hello"}`,
		`{"type":"future_event","x":1}`,
		`{"type":"done","tokens_used":{"input":3,"output":4},"agents_used":["research"]}`,
	}}}
	p, _ := newTestPool(m)
	defer p.ShutdownAll(context.Background())

	evs, err := runQuery(p, "s1", "hi")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("events = %v", evs)
	}
	if evs[0] != (events.TextDelta{Text: "hello"}) {
		t.Errorf("event 0 = %+v", evs[0])
	}
	done, ok := evs[1].(events.Done)
	if !ok || done.TokensUsed.Output != 4 || len(done.AgentsUsed) != 1 {
		t.Errorf("event 1 = %+v", evs[1])
	}
}

func TestPool_EventsKeepSandboxOrder(t *testing.T) {
	m := newFakeManager()
	m.scripts = []script{{lines: []string{
		`{"type":"thinking_delta","text":"hmm"}`,
		`{"type":"agent_activity","agent":"research","status":"running","task":"look"}`,
		`{"type":"slack_proxy","id":"p1","method":"conversations.list","params":{}}`,
		`{"type":"tool_call","tool":"slack_search","params":{"query":"q"}}`,
		`{"type":"text_delta","text":"a"}`,
		`{"type":"text_delta","text":"b"}`,
		`{"type":"done","tokens_used":{"input":0,"output":0},"agents_used":[]}`,
	}}}
	p, d := newTestPool(m)
	defer p.ShutdownAll(context.Background())

	evs, err := runQuery(p, "s1", "hi")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var types []string
	for _, ev := range evs {
		types = append(types, ev.Type())
	}
	want := "thinking_delta,agent_activity,tool_call,text_delta,text_delta,done"
	if strings.Join(types, ",") != want {
		t.Errorf("types = %s, want %s", strings.Join(types, ","), want)
	}
	if len(d.reqs) != 1 || d.reqs[0].ID != "p1" {
		t.Errorf("proxy requests = %+v", d.reqs)
	}
}

func TestPool_CleanExitWithoutDoneStillTerminates(t *testing.T) {
	m := newFakeManager()
	m.scripts = []script{{lines: []string{`{"type":"text_delta","text":"x"}`}}}
	p, _ := newTestPool(m)
	defer p.ShutdownAll(context.Background())

	evs, err := runQuery(p, "s1", "hi")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	assertTerminalLast(t, evs)
}

func TestPool_HistoryIsReinjected(t *testing.T) {
	m := newFakeManager()
	m.scripts = []script{
		{lines: []string{`{"type":"text_delta","text":"first answer"}`, `{"type":"done","tokens_used":{"input":0,"output":0},"agents_used":[]}`}},
	}
	p, _ := newTestPool(m)
	defer p.ShutdownAll(context.Background())

	if _, err := runQuery(p, "s1", "first question"); err != nil {
		t.Fatalf("query 1: %v", err)
	}
	first := m.lastCommand()
	if _, err := runQuery(p, "s1", "second question"); err != nil {
		t.Fatalf("query 2: %v", err)
	}
	second := m.lastCommand()

	if first[0] != "python" || first[1] != "/tmp/sandbox_runner.py" {
		t.Fatalf("command prefix = %v", first[:2])
	}
	inv1, err := driver.ParseArgs(first[2:])
	if err != nil {
		t.Fatalf("parse 1: %v", err)
	}
	if len(inv1.History) != 0 || inv1.Message != "first question" || inv1.SessionID != "s1" {
		t.Errorf("invocation 1 = %+v", inv1)
	}
	inv2, err := driver.ParseArgs(second[2:])
	if err != nil {
		t.Fatalf("parse 2: %v", err)
	}
	want := []events.Turn{
		{Role: events.RoleUser, Content: "first question"},
		{Role: events.RoleAssistant, Content: "first answer"},
	}
	if len(inv2.History) != 2 || inv2.History[0] != want[0] || inv2.History[1] != want[1] {
		t.Errorf("history = %+v", inv2.History)
	}

	for _, arg := range second {
		if strings.Contains(arg, "sk-test") {
			t.Errorf("credential in argv: %s", arg)
		}
	}
}

func TestPool_QueriesAreSerialized(t *testing.T) {
	m := newFakeManager()
	m.execDelay = 30 * time.Millisecond
	p, _ := newTestPool(m)
	defer p.ShutdownAll(context.Background())

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := runQuery(p, "s1", "q"); err != nil {
				t.Errorf("query: %v", err)
			}
		}()
	}
	wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxInflight != 1 {
		t.Errorf("max concurrent executions = %d, want 1", m.maxInflight)
	}
	if m.execs["s1"] != 4 {
		t.Errorf("executions = %d, want 4", m.execs["s1"])
	}
}

// --- Failure handling ---

func TestPool_FailedExecutionEvictsWorker(t *testing.T) {
	m := newFakeManager()
	m.scripts = []script{{
		lines:  []string{`{"type":"text_delta","text":"partial"}`},
		stderr: []string{"Traceback: boom"},
		result: sandbox.ExecResult{ExitCode: 2},
	}}
	p, _ := newTestPool(m)
	defer p.ShutdownAll(context.Background())

	evs, err := runQuery(p, "s1", "hi")
	var ee *ExecutionError
	if !errors.As(err, &ee) || ee.ExitCode != 2 {
		t.Fatalf("err = %v, want ExecutionError exit 2", err)
	}
	if !strings.Contains(ee.Stderr, "Traceback") {
		t.Errorf("stderr = %q", ee.Stderr)
	}
	for _, ev := range evs {
		if events.IsTerminal(ev) {
			t.Errorf("terminal event %s delivered before error", ev.Type())
		}
	}
	if p.Len() != 0 {
		t.Errorf("failed worker still in pool")
	}

	if _, err := runQuery(p, "s1", "again"); err != nil {
		t.Fatalf("second query: %v", err)
	}
	if n := m.count(m.creates, "s1"); n != 2 {
		t.Errorf("creates = %d, want 2", n)
	}
	if n := m.count(m.cleanups, "s1"); n != 1 {
		t.Errorf("cleanups = %d, want 1", n)
	}
}

func TestPool_SandboxErrorEventFailsQuery(t *testing.T) {
	m := newFakeManager()
	m.scripts = []script{{
		lines: []string{
			`{"type":"text_delta","text":"partial"}`,
			`{"type":"error","message":"Agent execution failed: quota","recoverable":false}`,
			`{"type":"done","tokens_used":{"input":0,"output":0},"agents_used":[]}`,
		},
		result: sandbox.ExecResult{ExitCode: 1},
	}}
	p, _ := newTestPool(m)
	defer p.ShutdownAll(context.Background())

	evs, err := runQuery(p, "s1", "hi")
	var se *events.SandboxError
	if !errors.As(err, &se) || !strings.Contains(se.Message, "quota") {
		t.Fatalf("err = %v, want SandboxError", err)
	}
	if len(evs) != 1 || evs[0].Type() != events.TypeTextDelta {
		t.Errorf("events = %v", evs)
	}
	if got := events.FromError(err); got.Message != "Agent execution failed: quota" {
		t.Errorf("FromError = %+v", got)
	}
}

func TestPool_DoneWithheldWhenExitFails(t *testing.T) {
	m := newFakeManager()
	m.scripts = []script{{
		lines:  []string{`{"type":"done","tokens_used":{"input":0,"output":0},"agents_used":[]}`},
		result: sandbox.ExecResult{ExitCode: 137},
	}}
	p, _ := newTestPool(m)
	defer p.ShutdownAll(context.Background())

	evs, err := runQuery(p, "s1", "hi")
	if err == nil {
		t.Fatal("expected error")
	}
	if len(evs) != 0 {
		t.Errorf("events = %v", evs)
	}
}

func TestPool_TimeoutIsDistinguishable(t *testing.T) {
	m := newFakeManager()
	m.scripts = []script{{result: sandbox.ExecResult{ExitCode: 124, TimedOut: true}}}
	p, _ := newTestPool(m)
	defer p.ShutdownAll(context.Background())

	_, err := runQuery(p, "s1", "hi")
	var ee *ExecutionError
	if !errors.As(err, &ee) || !ee.TimedOut {
		t.Fatalf("err = %v, want timeout", err)
	}
	if ee.Error() != "sandbox execution timed out" {
		t.Errorf("message = %q", ee.Error())
	}
}

func TestPool_CallerCancelKeepsWorker(t *testing.T) {
	m := newFakeManager()
	m.scripts = []script{{lines: []string{`{"type":"text_delta","text":"first"}`}, hang: true}}
	p, _ := newTestPool(m)
	defer p.ShutdownAll(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	for ev, err := range p.QueryAndStream(ctx, "s1", "hi") {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev.Type() == events.TypeTextDelta {
			cancel()
			break
		}
	}
	cancel()

	if _, err := runQuery(p, "s1", "next"); err != nil {
		t.Fatalf("next query: %v", err)
	}
	if n := m.count(m.creates, "s1"); n != 1 {
		t.Errorf("creates = %d, want 1", n)
	}
}

// --- Proxy ---

func TestPool_ProxyNotConfiguredScenario(t *testing.T) {
	m := newFakeManager()
	m.scripts = []script{{lines: []string{
		`{"type":"slack_proxy","id":"abc123","method":"conversations.list","params":{"limit":50}}`,
		`{"type":"text_delta","text":"no slack"}`,
		`{"type":"done","tokens_used":{"input":0,"output":0},"agents_used":[]}`,
	}}}
	bridge := proxy.New(proxy.Config{}, m, testLogger())
	p := NewPool(m, bridge, testConfig(), testLogger())
	defer p.ShutdownAll(context.Background())

	evs, err := runQuery(p, "s1", "channels?")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, ev := range evs {
		if ev.Type() == events.TypeProxyRequest {
			t.Error("proxy request reached the caller")
		}
	}
	bridge.Wait()

	got, ok := m.file("s1", "/tmp/slack_resp_abc123.json")
	if !ok {
		t.Fatal("response file not written")
	}
	if got != `{"ok":false,"error":"slack_not_configured"}` {
		t.Errorf("response = %s", got)
	}
}

// --- Removal ---

func TestPool_RemoveWorkerSurvivesTeardownFailure(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(*fakeManager)
	}{
		{"error", func(m *fakeManager) { m.cleanupErr = errBoom }},
		{"panic", func(m *fakeManager) { m.cleanupPanic = true }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newFakeManager()
			p, _ := newTestPool(m)
			if _, err := p.GetOrCreateWorker(context.Background(), "s1"); err != nil {
				t.Fatalf("create: %v", err)
			}
			tc.setup(m)

			p.RemoveWorker(context.Background(), "s1")

			if p.Len() != 0 {
				t.Error("worker still in pool")
			}
			if n := m.count(m.cleanups, "s1"); n != 1 {
				t.Errorf("cleanups = %d, want 1", n)
			}
		})
	}
}

func TestPool_RemoveWorkerForceCancelsAfterGrace(t *testing.T) {
	m := newFakeManager()
	m.scripts = []script{{hang: true}}
	cfg := testConfig()
	cfg.StopGrace = 50 * time.Millisecond
	p := NewPool(m, &recordingDispatcher{}, cfg, testLogger())

	errc := make(chan error, 1)
	go func() {
		_, err := runQuery(p, "s1", "long")
		errc <- err
	}()
	if !waitFor(func() bool { return m.count(m.execs, "s1") == 1 }) {
		t.Fatal("execution never started")
	}

	start := time.Now()
	p.RemoveWorker(context.Background(), "s1")
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("RemoveWorker took %s", elapsed)
	}
	if n := m.count(m.cleanups, "s1"); n != 1 {
		t.Errorf("cleanups = %d, want 1", n)
	}

	select {
	case err := <-errc:
		if err == nil {
			t.Error("expected the in-flight query to fail")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight query never finished")
	}
}

func TestPool_RemoveUnknownSessionIsNoop(t *testing.T) {
	m := newFakeManager()
	p, _ := newTestPool(m)
	p.RemoveWorker(context.Background(), "missing")
	if n := m.count(m.cleanups, "missing"); n != 0 {
		t.Errorf("cleanups = %d", n)
	}
}

func TestPool_ShutdownAll(t *testing.T) {
	m := newFakeManager()
	p, _ := newTestPool(m)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := p.GetOrCreateWorker(context.Background(), id); err != nil {
			t.Fatalf("%s: %v", id, err)
		}
	}
	if err := p.ShutdownAll(context.Background()); err != nil {
		t.Fatalf("ShutdownAll: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if n := m.count(m.cleanups, id); n != 1 {
			t.Errorf("%s cleanups = %d", id, n)
		}
	}
	if _, err := p.GetOrCreateWorker(context.Background(), "d"); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("err = %v, want ErrPoolClosed", err)
	}
}

func TestPool_EvictIdle(t *testing.T) {
	m := newFakeManager()
	p, _ := newTestPool(m)
	defer p.ShutdownAll(context.Background())

	if _, err := runQuery(p, "old", "hi"); err != nil {
		t.Fatalf("query: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if _, err := runQuery(p, "fresh", "hi"); err != nil {
		t.Fatalf("query: %v", err)
	}

	if n := p.EvictIdle(context.Background(), 150*time.Millisecond); n != 1 {
		t.Fatalf("evicted = %d, want 1", n)
	}
	list := p.List()
	if len(list) != 1 || list[0].SessionID != "fresh" || list[0].Queries != 1 {
		t.Errorf("remaining = %+v", list)
	}
}

func TestPool_EvictFromProvider(t *testing.T) {
	m := newFakeManager()
	p, _ := newTestPool(m)
	defer p.ShutdownAll(context.Background())

	if _, err := p.GetOrCreateWorker(context.Background(), "s1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	p.Evict("s1")
	if !waitFor(func() bool { return p.Len() == 0 && m.count(m.cleanups, "s1") == 1 }) {
		t.Errorf("worker not evicted: len=%d cleanups=%d", p.Len(), m.count(m.cleanups, "s1"))
	}
}

// --- Durable history ---

func TestPool_SilentRunRecordsNoAssistantTurn(t *testing.T) {
	m := newFakeManager()
	m.scripts = []script{
		{lines: []string{`{"type":"tool_call","tool":"search","params":{}}`, `{"type":"done","tokens_used":{"input":0,"output":0},"agents_used":[]}`}},
	}
	store := newMemoryHistory()
	p, _ := newTestPool(m)
	p.WithStore(store)
	defer p.ShutdownAll(context.Background())

	if _, err := runQuery(p, "s1", "quiet please"); err != nil {
		t.Fatalf("query 1: %v", err)
	}
	if _, err := runQuery(p, "s1", "anything?"); err != nil {
		t.Fatalf("query 2: %v", err)
	}
	inv, err := driver.ParseArgs(m.lastCommand()[2:])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(inv.History) != 1 || inv.History[0] != (events.Turn{Role: events.RoleUser, Content: "quiet please"}) {
		t.Errorf("history = %+v", inv.History)
	}
	for _, turn := range store.get("s1") {
		if turn.Role == events.RoleAssistant && turn.Content == "" {
			t.Errorf("stored an empty assistant turn: %+v", store.get("s1"))
		}
	}
}

func TestPool_StoreSeedsAndPersistsHistory(t *testing.T) {
	m := newFakeManager()
	store := newMemoryHistory()
	_ = store.AppendTurns(context.Background(), "s1",
		events.Turn{Role: events.RoleUser, Content: "earlier"},
		events.Turn{Role: events.RoleAssistant, Content: "reply"},
	)
	p, _ := newTestPool(m)
	p.WithStore(store)
	defer p.ShutdownAll(context.Background())

	if _, err := runQuery(p, "s1", "now"); err != nil {
		t.Fatalf("query: %v", err)
	}
	inv, err := driver.ParseArgs(m.lastCommand()[2:])
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(inv.History) != 2 || inv.History[0].Content != "earlier" {
		t.Errorf("seeded history = %+v", inv.History)
	}

	turns := store.get("s1")
	if len(turns) != 4 || turns[2].Content != "now" || turns[3].Content != "ok" {
		t.Errorf("stored turns = %+v", turns)
	}

	if err := p.DeleteSession(context.Background(), "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if len(store.get("s1")) != 0 {
		t.Error("stored turns not deleted")
	}
	if p.Len() != 0 {
		t.Error("worker not removed")
	}
}

func TestPool_StoreLoadFailureIsProvisionError(t *testing.T) {
	m := newFakeManager()
	store := newMemoryHistory()
	store.loadErr = errBoom
	p, _ := newTestPool(m)
	p.WithStore(store)
	defer p.ShutdownAll(context.Background())

	_, err := p.GetOrCreateWorker(context.Background(), "s1")
	var pe *ProvisionError
	if !errors.As(err, &pe) || pe.Stage != "history" {
		t.Fatalf("err = %v", err)
	}
	if !waitFor(func() bool { return m.count(m.cleanups, "s1") == 1 }) {
		t.Error("sandbox not cleaned up after history failure")
	}
}

// --- Metrics ---

func TestPool_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newFakeManager()
	p, _ := newTestPool(m)
	p.WithMetrics(NewMetrics(reg))
	defer p.ShutdownAll(context.Background())

	if _, err := runQuery(p, "s1", "hi"); err != nil {
		t.Fatalf("query: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetGauge() != nil:
				found[mf.GetName()] = metric.GetGauge().GetValue()
			case metric.GetCounter() != nil:
				key := mf.GetName()
				for _, l := range metric.GetLabel() {
					key += "/" + l.GetValue()
				}
				found[key] = metric.GetCounter().GetValue()
			}
		}
	}
	if found["velocity_worker_active"] != 1 {
		t.Errorf("active = %v", found["velocity_worker_active"])
	}
	if found["velocity_worker_queries_total/ok"] != 1 {
		t.Errorf("queries ok = %v", found["velocity_worker_queries_total/ok"])
	}
	if found["velocity_worker_provisions_total/ok"] != 1 {
		t.Errorf("provisions ok = %v", found["velocity_worker_provisions_total/ok"])
	}
	if found["velocity_worker_events_total/text_delta"] != 1 {
		t.Errorf("text events = %v", found["velocity_worker_events_total/text_delta"])
	}
}

func TestNewMetricsNilRegistry(t *testing.T) {
	if NewMetrics(nil) != nil {
		t.Error("expected nil metrics for nil registry")
	}
	var m *Metrics
	m.setActive(1)
	m.query("ok", time.Second)
}
