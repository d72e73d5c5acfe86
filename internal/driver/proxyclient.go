package driver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/velocity/internal/events"
)

// Defaults for ProxyClient.
const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultProxyTimeout = 30 * time.Second
)

// timeoutResult is returned when no response file appears in time.
var timeoutResult = json.RawMessage(`{"ok":false,"error":"proxy_timeout"}`)

// ProxyClient asks the trusted side to perform a network call and waits for
// the answer to show up as a file.
type ProxyClient struct {
	emitter  *Emitter
	dir      string
	interval time.Duration
	timeout  time.Duration
}

// ProxyOptions configures a ProxyClient.
type ProxyOptions struct {
	// Dir is the response directory as the trusted side sees it.
	Dir string
	// Root is prefixed to Dir on the local filesystem; the process sandbox
	// provider exposes it as SANDBOX_ROOT.
	Root         string
	PollInterval time.Duration
	Timeout      time.Duration
}

// NewProxyClient creates a client that emits requests through e.
func NewProxyClient(e *Emitter, opts ProxyOptions) *ProxyClient {
	if opts.Dir == "" {
		opts.Dir = "/tmp"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultProxyTimeout
	}
	dir := opts.Dir
	if opts.Root != "" {
		dir = filepath.Join(opts.Root, opts.Dir)
	}
	return &ProxyClient{
		emitter:  e,
		dir:      dir,
		interval: opts.PollInterval,
		timeout:  opts.Timeout,
	}
}

// Call emits a proxy request and blocks until the response file is read or
// the timeout elapses. A timeout yields {"ok":false,"error":"proxy_timeout"}
// rather than an error; errors are reserved for failing to emit the request.
func (p *ProxyClient) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	id := uuid.NewString()
	if err := p.emitter.Emit(events.ProxyRequest{ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	path := filepath.Join(p.dir, "slack_resp_"+id+".json")
	deadline := time.NewTimer(p.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if data, ok := readResponse(path); ok {
			return data, nil
		}
		select {
		case <-ctx.Done():
			return timeoutResult, nil
		case <-deadline.C:
			return timeoutResult, nil
		case <-ticker.C:
		}
	}
}

// readResponse reads and removes the response file. A file that is present
// but not yet valid JSON is still being written and is left for the next poll.
func readResponse(path string) (json.RawMessage, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if !json.Valid(data) {
		return nil, false
	}
	// Best effort: a concurrent reader may already have removed it.
	_ = os.Remove(path)
	return json.RawMessage(data), true
}
