// Package sandbox manages the ephemeral, isolated execution environment that
// each session leases for running the agent program.
// A session owns at most one sandbox at a time; all operations are keyed by
// session ID.
package sandbox

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no sandbox exists for the session.
	ErrNotFound = errors.New("sandbox not found")
	// ErrExists is returned by Create when the session already owns a sandbox.
	ErrExists = errors.New("sandbox already exists for session")
)

// Manager provisions sandboxes and runs commands inside them.
type Manager interface {
	// Create provisions a sandbox for the session, injecting env into every
	// command run in it. Provider-side expiry is configured at creation.
	Create(ctx context.Context, sessionID string, env map[string]string) (*Handle, error)

	// UploadScript writes the driver program to path inside the sandbox.
	UploadScript(ctx context.Context, sessionID string, content []byte, path string) error

	// ExecuteStreaming starts a command and streams its output line by line.
	// It never returns nil; start failures are reported through Wait.
	ExecuteStreaming(ctx context.Context, sessionID string, req ExecRequest) *Execution

	// WriteFile writes content to path inside the sandbox.
	WriteFile(ctx context.Context, sessionID string, content []byte, path string) error

	// Cleanup tears the sandbox down. It is idempotent and safe to call for a
	// session whose sandbox was never fully created.
	Cleanup(ctx context.Context, sessionID string) error

	// Ping checks that the provider is reachable.
	Ping(ctx context.Context) error
}

// Handle identifies a provisioned sandbox.
type Handle struct {
	SessionID string
	ID        string            // Provider-side identifier (container ID, root dir).
	Env       map[string]string // Variables injected at creation.
	CreatedAt time.Time
}

// ExecRequest defines what to run and under what constraints.
type ExecRequest struct {
	// Command is the program and arguments to execute.
	Command []string

	// Env adds per-execution variables on top of the creation env.
	Env map[string]string

	// WorkingDir overrides the working directory inside the sandbox.
	WorkingDir string

	// Timeout bounds the execution. Zero = provider default.
	Timeout time.Duration
}

// ExecResult is the outcome of a finished execution.
type ExecResult struct {
	ExitCode int
	TimedOut bool
	Err      error // Provider or transport failure; nil when the command ran.
	Duration time.Duration
	Stderr   string // Tail of standard error, for diagnostics.

	// DroppedLines counts output lines discarded for exceeding the line
	// size limit.
	DroppedLines int
}

// Failed reports whether the execution did not complete successfully.
func (r ExecResult) Failed() bool {
	return r.Err != nil || r.TimedOut || r.ExitCode != 0
}
