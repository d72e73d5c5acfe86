// Package driver is the sandbox side of the session protocol. It writes
// newline-delimited events to standard output, performs proxied calls
// through the response-file handoff, and ships the program that runs the
// agent inside the sandbox.
package driver

import (
	"fmt"
	"io"
	"sync"

	"github.com/jkaninda/velocity/internal/events"
)

// Emitter writes one event per line. Safe for concurrent use.
type Emitter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEmitter creates an Emitter writing to w.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

// Emit encodes ev and writes it as a single line.
func (e *Emitter) Emit(ev events.Event) error {
	b, err := events.Encode(ev)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(b); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

// Fail emits an error event followed by done, the pair the trusted side
// expects from a program that is about to exit non-zero.
func (e *Emitter) Fail(msg string) {
	_ = e.Emit(events.Error{Message: msg})
	_ = e.Emit(events.Done{})
}
