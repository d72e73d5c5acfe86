package events

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// SandboxError is a fatal error reported by the sandbox program itself.
type SandboxError struct {
	Message     string
	Recoverable bool
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox error: %s", e.Message)
}

// Translator turns raw output lines of one query into events and keeps the
// running assistant transcript. It is not safe for concurrent use.
type Translator struct {
	logger     *slog.Logger
	transcript strings.Builder
	skipped    int
}

// NewTranslator creates a Translator for a single query.
func NewTranslator(logger *slog.Logger) *Translator {
	return &Translator{logger: logger}
}

// Translate decodes one line.
//
// It returns (nil, nil) for lines that carry nothing for the caller:
// undecodable diagnostics and unknown event types. A sandbox "error" record
// is returned as a *SandboxError rather than an event. ProxyRequest events
// are returned as-is; the caller routes them away from the output stream.
func (t *Translator) Translate(line string) (Event, error) {
	ev, err := Decode(line)
	if err != nil {
		if errors.Is(err, ErrMalformed) {
			t.skipped++
			t.logger.Debug("skipping non-protocol output line",
				slog.String("line", truncate(line, 200)),
			)
			return nil, nil
		}
		return nil, err
	}

	switch e := ev.(type) {
	case TextDelta:
		t.transcript.WriteString(e.Text)
	case Error:
		return nil, &SandboxError{Message: e.Message, Recoverable: e.Recoverable}
	case Ignored:
		t.logger.Debug("ignoring unknown event type", slog.String("type", e.WireType))
		return nil, nil
	}
	return ev, nil
}

// Transcript returns the concatenated text deltas seen so far.
func (t *Translator) Transcript() string {
	return t.transcript.String()
}

// Skipped returns how many lines were discarded as protocol noise.
func (t *Translator) Skipped() int {
	return t.skipped
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
