package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolClosed is returned once ShutdownAll has started.
	ErrPoolClosed = errors.New("worker pool closed")
	// ErrWorkerStopped is returned for queries submitted to a worker that is
	// shutting down.
	ErrWorkerStopped = errors.New("session worker stopped")
)

// ProvisionError reports a failure to bring a session's sandbox up. It is
// fatal to worker creation and never cached.
type ProvisionError struct {
	SessionID string
	Stage     string // "create", "upload", "history" or "panic"
	Err       error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning sandbox for session %s (%s): %v", e.SessionID, e.Stage, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ExecutionError reports a failed query: non-zero exit, timeout, transport
// failure, or a fatal error reported by the sandbox program. The worker is
// evicted so the next query starts from a fresh sandbox.
type ExecutionError struct {
	ExitCode int
	TimedOut bool
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	switch {
	case e.TimedOut:
		return "sandbox execution timed out"
	case e.Err != nil:
		return fmt.Sprintf("sandbox execution failed: %v", e.Err)
	default:
		return fmt.Sprintf("sandbox execution exited with code %d", e.ExitCode)
	}
}

func (e *ExecutionError) Unwrap() error { return e.Err }
