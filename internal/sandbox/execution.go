package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

const (
	// maxLineBytes bounds a single output line. A longer line is dropped
	// whole and counted in ExecResult.DroppedLines; the lines after it
	// are still delivered.
	maxLineBytes = 1 << 20 // 1 MB

	// stderrTailBytes is how much standard error is kept for diagnostics.
	stderrTailBytes = 8 << 10

	lineBuffer = 64
)

// Stream identifies which output stream a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Line is one complete line of command output, without its newline.
type Line struct {
	Stream Stream
	Text   string
}

// Execution is a running command. Consumers range over Lines until it is
// closed, then call Wait for the result.
type Execution struct {
	lines  chan Line
	done   chan struct{}
	result ExecResult

	mu      sync.Mutex
	stderr  tailBuffer
	dropped int
}

func newExecution() *Execution {
	return &Execution{
		lines: make(chan Line, lineBuffer),
		done:  make(chan struct{}),
	}
}

// Run exposes fn as an Execution. fn runs on its own goroutine and calls
// emit once per output line; emit reports false once ctx is done, after
// which fn should wind down. The value fn returns becomes the result.
func Run(ctx context.Context, fn func(emit func(Line) bool) ExecResult) *Execution {
	e := newExecution()
	go func() {
		r := fn(func(l Line) bool { return e.emit(ctx, l) })
		e.finish(r)
	}()
	return e
}

// failedExecution returns an Execution that produced no output.
func failedExecution(err error) *Execution {
	e := newExecution()
	e.finish(ExecResult{ExitCode: -1, Err: err})
	return e
}

// Lines streams output in arrival order. It is closed when the command ends.
func (e *Execution) Lines() <-chan Line {
	return e.lines
}

// Wait blocks until the execution has finished and all lines were delivered.
func (e *Execution) Wait() ExecResult {
	<-e.done
	return e.result
}

// emit delivers a line, giving up if ctx is done.
func (e *Execution) emit(ctx context.Context, l Line) bool {
	if l.Stream == Stderr {
		e.mu.Lock()
		e.stderr.write(l.Text + "\n")
		e.mu.Unlock()
	}
	select {
	case e.lines <- l:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish records the result and closes the stream. Call exactly once,
// after every emit has returned.
func (e *Execution) finish(r ExecResult) {
	e.mu.Lock()
	if r.Stderr == "" {
		r.Stderr = e.stderr.String()
	}
	r.DroppedLines += e.dropped
	e.mu.Unlock()
	e.result = r
	close(e.lines)
	close(e.done)
}

// pump splits r into lines and emits them. It drains r to EOF even after
// ctx is done so the writer side never blocks.
func (e *Execution) pump(ctx context.Context, r io.Reader, stream Stream) {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	live, oversized := true, false
	for {
		chunk, err := br.ReadSlice('\n')
		if !oversized {
			if len(line)+len(chunk) > maxLineBytes {
				oversized, line = true, line[:0]
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		switch {
		case oversized:
			e.mu.Lock()
			e.dropped++
			e.mu.Unlock()
		case live && (err == nil || len(line) > 0):
			text := bytes.TrimRight(bytes.TrimSuffix(line, []byte("\n")), "\r")
			live = e.emit(ctx, Line{Stream: stream, Text: string(text)})
		}
		line, oversized = line[:0], false
		if err != nil {
			// EOF, or the writer closed the pipe with an error.
			return
		}
	}
}

// replay emits buffered output as lines, for providers without streaming.
func (e *Execution) replay(ctx context.Context, stdout, stderr string) {
	e.pump(ctx, strings.NewReader(stdout), Stdout)
	e.pump(ctx, strings.NewReader(stderr), Stderr)
}

// tailBuffer keeps the last stderrTailBytes written to it.
type tailBuffer struct {
	buf []byte
}

func (t *tailBuffer) write(s string) {
	t.buf = append(t.buf, s...)
	if over := len(t.buf) - stderrTailBytes; over > 0 {
		t.buf = t.buf[over:]
	}
}

func (t *tailBuffer) String() string {
	return string(t.buf)
}

// drain discards all output and returns the result.
func drain(e *Execution) ExecResult {
	for range e.Lines() {
	}
	return e.Wait()
}
