package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jkaninda/velocity/internal/events"
)

// failPrefix makes the loopback driver fail on purpose.
const failPrefix = "fail:"

// Loopback answers queries without a model. It speaks the full wire
// protocol, including proxied Slack calls, so the trusted side can be
// exercised end to end with the process sandbox provider.
type Loopback struct {
	emitter *Emitter
	proxy   *ProxyClient
}

// NewLoopback creates a loopback driver.
func NewLoopback(e *Emitter, p *ProxyClient) *Loopback {
	return &Loopback{emitter: e, proxy: p}
}

// Run answers one invocation. On error the caller is expected to emit the
// failure pair and exit non-zero.
func (l *Loopback) Run(ctx context.Context, inv Invocation) error {
	if msg, ok := strings.CutPrefix(inv.Message, failPrefix); ok {
		return errors.New(strings.TrimSpace(msg))
	}

	var agents []string
	if err := l.emitter.Emit(events.ThinkingDelta{Text: "Reading the request."}); err != nil {
		return err
	}

	var notes []string
	if len(inv.History) > 0 {
		notes = append(notes, fmt.Sprintf("%d earlier turns in context", len(inv.History)))
	}

	if mentionsSlack(inv.Message) {
		agents = append(agents, "research")
		note, err := l.listChannels(ctx)
		if err != nil {
			return err
		}
		notes = append(notes, note)
	}

	reply := "You said: " + inv.Message
	if len(notes) > 0 {
		reply += " (" + strings.Join(notes, "; ") + ")"
	}
	for _, word := range strings.SplitAfter(reply, " ") {
		if err := l.emitter.Emit(events.TextDelta{Text: word}); err != nil {
			return err
		}
	}

	input := estimateTokens(inv.Message)
	for _, t := range inv.History {
		input += estimateTokens(t.Content)
	}
	return l.emitter.Emit(events.Done{
		TokensUsed: events.TokenUsage{Input: input, Output: estimateTokens(reply)},
		AgentsUsed: agents,
	})
}

func (l *Loopback) listChannels(ctx context.Context) (string, error) {
	params := map[string]any{"limit": 50}
	if err := l.emitter.Emit(events.AgentActivity{Agent: "research", Status: events.StatusRunning, Task: "List Slack channels"}); err != nil {
		return "", err
	}
	if err := l.emitter.Emit(events.ToolCall{Tool: "slack_list_channels", Params: params}); err != nil {
		return "", err
	}

	raw, err := l.proxy.Call(ctx, "conversations.list", params)
	if err != nil {
		return "", err
	}
	var resp struct {
		OK       bool              `json:"ok"`
		Error    string            `json:"error"`
		Channels []json.RawMessage `json:"channels"`
	}
	note := "slack: unreadable response"
	if json.Unmarshal(raw, &resp) == nil {
		if resp.OK {
			note = fmt.Sprintf("slack: %d channels", len(resp.Channels))
		} else {
			note = "slack: " + resp.Error
		}
	}

	if err := l.emitter.Emit(events.AgentActivity{Agent: "research", Status: events.StatusCompleted, Task: "List Slack channels"}); err != nil {
		return "", err
	}
	return note, nil
}

func mentionsSlack(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "slack") || strings.Contains(m, "channel")
}

func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
