// Package cli implements an interactive CLI gateway for Velocity sessions.
package cli

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/jkaninda/velocity/internal/events"
	"github.com/jkaninda/velocity/internal/gateway"
)

// Gateway is the interactive command-line interface. The whole REPL is one
// session; "/reset" starts a fresh one.
type Gateway struct {
	sessions  gateway.Sessions
	in        io.Reader
	out       io.Writer
	logger    *slog.Logger
	done      chan struct{} // closed by Stop to signal shutdown
	sessionID string
	thinking  bool
}

// NewGateway creates a CLI gateway reading messages from in and printing
// streamed events to out.
func NewGateway(sessions gateway.Sessions, in io.Reader, out io.Writer, logger *slog.Logger) *Gateway {
	return &Gateway{
		sessions:  sessions,
		in:        in,
		out:       out,
		logger:    logger,
		done:      make(chan struct{}),
		sessionID: uuid.New().String(),
	}
}

// WithSessionID resumes an existing session instead of starting a new one.
func (g *Gateway) WithSessionID(id string) *Gateway {
	if id != "" {
		g.sessionID = id
	}
	return g
}

// WithThinking prints reasoning deltas as well as the answer.
func (g *Gateway) WithThinking(on bool) *Gateway {
	g.thinking = on
	return g
}

// SessionID returns the session the REPL is currently talking to.
func (g *Gateway) SessionID() string {
	return g.sessionID
}

// Start runs the interactive REPL. Blocks until ctx is cancelled,
// Stop is called, input ends or the user types "exit".
func (g *Gateway) Start(ctx context.Context) error {
	scanner := bufio.NewScanner(g.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	fmt.Fprintln(g.out, "Velocity: sandboxed agent sessions")
	fmt.Fprintf(g.out, "Session %s. Type your message (\"/reset\" for a new session, \"exit\" to quit).\n\n", g.sessionID)

	for {
		fmt.Fprint(g.out, "velocity> ")

		select {
		case <-ctx.Done():
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		case <-g.done:
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		default:
		}

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			fmt.Fprintln(g.out, "Goodbye.")
			return nil
		case "/reset":
			if err := g.sessions.DeleteSession(ctx, g.sessionID); err != nil {
				fmt.Fprintf(g.out, "Error: %v\n", err)
			}
			g.sessionID = uuid.New().String()
			fmt.Fprintf(g.out, "New session %s.\n", g.sessionID)
			continue
		}

		correlationID := newCorrelationID()
		g.logger.DebugContext(ctx, "cli request",
			slog.String("session_id", g.sessionID),
			slog.String("correlation_id", correlationID),
		)

		err := gateway.Relay(ctx, g.sessions.QueryAndStream(ctx, g.sessionID, line), g.render)
		if err != nil && !errors.Is(err, context.Canceled) {
			g.logger.ErrorContext(ctx, "query failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(g.out, "\nError: %v\n", err)
		}
		fmt.Fprintln(g.out)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

// Stop signals the REPL to shut down.
func (g *Gateway) Stop(_ context.Context) error {
	select {
	case <-g.done:
		// Already closed.
	default:
		close(g.done)
	}
	return nil
}

// render prints one event as it arrives.
func (g *Gateway) render(ev events.Event) error {
	var err error
	switch e := ev.(type) {
	case events.TextDelta:
		_, err = io.WriteString(g.out, e.Text)
	case events.ThinkingDelta:
		if g.thinking {
			_, err = fmt.Fprintf(g.out, "\x1b[2m%s\x1b[0m", e.Text)
		}
	case events.ToolCall:
		_, err = fmt.Fprintf(g.out, "\n  [tool] %s%s\n", e.Tool, formatParams(e.Params))
	case events.AgentActivity:
		_, err = fmt.Fprintf(g.out, "\n  [%s %s] %s\n", e.Agent, e.Status, e.Task)
	case events.Error:
		_, err = fmt.Fprintf(g.out, "\nError: %s\n", e.Message)
	case events.Done:
		if e.TokensUsed.Input > 0 || e.TokensUsed.Output > 0 {
			_, err = fmt.Fprintf(g.out, "\n  (tokens: %d in, %d out)\n", e.TokensUsed.Input, e.TokensUsed.Output)
		} else {
			_, err = fmt.Fprintln(g.out)
		}
	}
	return err
}

func formatParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return " " + strings.Join(parts, " ")
}

// newCorrelationID generates a short random hex ID for request tracing.
func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}
