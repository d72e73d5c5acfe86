// Package events defines the typed records streamed out of a sandboxed agent
// run and the codec for their newline-delimited JSON wire form.
package events

import "errors"

// Wire names carried in the "type" field of each output line.
const (
	TypeTextDelta     = "text_delta"
	TypeThinkingDelta = "thinking_delta"
	TypeToolCall      = "tool_call"
	TypeAgentActivity = "agent_activity"
	TypeDone          = "done"
	TypeError         = "error"
	TypeProxyRequest  = "slack_proxy"
)

// Event is one record of agent output. The set of implementations is closed;
// switch on the concrete type to handle each variant.
type Event interface {
	// Type returns the wire name of the event.
	Type() string
	isEvent()
}

// TextDelta is a fragment of the assistant's visible answer.
type TextDelta struct {
	Text string
}

// ThinkingDelta is a fragment of the model's reasoning stream.
type ThinkingDelta struct {
	Text string
}

// ToolCall reports that the agent invoked a tool.
type ToolCall struct {
	Tool   string
	Params map[string]any
}

// ActivityStatus is the lifecycle state of a subagent.
type ActivityStatus string

const (
	StatusRunning   ActivityStatus = "running"
	StatusCompleted ActivityStatus = "completed"
)

// AgentActivity reports a subagent starting or finishing a task.
type AgentActivity struct {
	Agent  string
	Status ActivityStatus
	Task   string
}

// TokenUsage counts model tokens consumed by one query.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Done terminates a successful query.
type Done struct {
	TokensUsed TokenUsage
	AgentsUsed []string
}

// Error terminates a failed query.
type Error struct {
	Message     string
	Recoverable bool
}

// ProxyRequest asks the trusted side to perform a network call on behalf
// of the sandbox. It is consumed internally and never reaches callers.
type ProxyRequest struct {
	ID     string
	Method string
	Params map[string]any
}

// Ignored stands in for a line whose type this build does not know.
type Ignored struct {
	WireType string
}

func (TextDelta) Type() string     { return TypeTextDelta }
func (ThinkingDelta) Type() string { return TypeThinkingDelta }
func (ToolCall) Type() string      { return TypeToolCall }
func (AgentActivity) Type() string { return TypeAgentActivity }
func (Done) Type() string          { return TypeDone }
func (Error) Type() string         { return TypeError }
func (ProxyRequest) Type() string  { return TypeProxyRequest }
func (i Ignored) Type() string     { return i.WireType }

func (TextDelta) isEvent()     {}
func (ThinkingDelta) isEvent() {}
func (ToolCall) isEvent()      {}
func (AgentActivity) isEvent() {}
func (Done) isEvent()          {}
func (Error) isEvent()         {}
func (ProxyRequest) isEvent()  {}
func (Ignored) isEvent()       {}

// IsTerminal reports whether ev ends a query.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case Done, Error:
		return true
	}
	return false
}

// CallerVisible reports whether ev may be delivered to callers of the pool.
func CallerVisible(ev Event) bool {
	switch ev.(type) {
	case ProxyRequest, Ignored:
		return false
	}
	return ev != nil
}

// FromError converts a failure into the terminal event shown to callers.
func FromError(err error) Error {
	var se *SandboxError
	if errors.As(err, &se) {
		return Error{Message: se.Message, Recoverable: se.Recoverable}
	}
	return Error{Message: err.Error()}
}

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one prior exchange re-injected into the sandbox as history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
