package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed is returned by Decode for lines that are not a JSON object.
var ErrMalformed = errors.New("malformed event line")

// wireRecord is the union of every field any event variant carries.
type wireRecord struct {
	Type        string         `json:"type"`
	Text        string         `json:"text,omitempty"`
	Tool        string         `json:"tool,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Agent       string         `json:"agent,omitempty"`
	Status      string         `json:"status,omitempty"`
	Task        string         `json:"task,omitempty"`
	TokensUsed  *TokenUsage    `json:"tokens_used,omitempty"`
	AgentsUsed  []string       `json:"agents_used,omitempty"`
	Message     string         `json:"message,omitempty"`
	Recoverable *bool          `json:"recoverable,omitempty"`
	ID          string         `json:"id,omitempty"`
	Method      string         `json:"method,omitempty"`
}

// doneRecord always carries both fields, even when empty.
type doneRecord struct {
	Type       string     `json:"type"`
	TokensUsed TokenUsage `json:"tokens_used"`
	AgentsUsed []string   `json:"agents_used"`
}

// Decode parses one output line. Lines that are not a JSON object yield
// ErrMalformed; objects with an unknown type decode to Ignored.
func Decode(line string) (Event, error) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return nil, ErrMalformed
	}
	var rec wireRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch rec.Type {
	case TypeTextDelta:
		return TextDelta{Text: rec.Text}, nil
	case TypeThinkingDelta:
		return ThinkingDelta{Text: rec.Text}, nil
	case TypeToolCall:
		return ToolCall{Tool: rec.Tool, Params: rec.Params}, nil
	case TypeAgentActivity:
		return AgentActivity{Agent: rec.Agent, Status: ActivityStatus(rec.Status), Task: rec.Task}, nil
	case TypeDone:
		d := Done{AgentsUsed: rec.AgentsUsed}
		if rec.TokensUsed != nil {
			d.TokensUsed = *rec.TokensUsed
		}
		return d, nil
	case TypeError:
		e := Error{Message: rec.Message}
		if rec.Recoverable != nil {
			e.Recoverable = *rec.Recoverable
		}
		return e, nil
	case TypeProxyRequest:
		return ProxyRequest{ID: rec.ID, Method: rec.Method, Params: rec.Params}, nil
	default:
		return Ignored{WireType: rec.Type}, nil
	}
}

// Encode renders ev in its wire form without a trailing newline.
func Encode(ev Event) ([]byte, error) {
	rec := wireRecord{Type: ev.Type()}
	switch e := ev.(type) {
	case TextDelta:
		rec.Text = e.Text
	case ThinkingDelta:
		rec.Text = e.Text
	case ToolCall:
		rec.Tool = e.Tool
		rec.Params = e.Params
	case AgentActivity:
		rec.Agent = e.Agent
		rec.Status = string(e.Status)
		rec.Task = e.Task
	case Done:
		agents := e.AgentsUsed
		if agents == nil {
			agents = []string{}
		}
		return json.Marshal(doneRecord{Type: TypeDone, TokensUsed: e.TokensUsed, AgentsUsed: agents})
	case Error:
		rec.Message = e.Message
		rec.Recoverable = &e.Recoverable
	case ProxyRequest:
		rec.ID = e.ID
		rec.Method = e.Method
		rec.Params = e.Params
	case Ignored:
		return nil, fmt.Errorf("cannot encode ignored event %q", e.WireType)
	default:
		return nil, fmt.Errorf("unknown event %T", ev)
	}
	return json.Marshal(rec)
}
