package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestExecutionReplayPreservesOrder(t *testing.T) {
	e := newExecution()
	go func() {
		e.replay(context.Background(), "a\nb\r\nc", "warn\n")
		e.finish(ExecResult{})
	}()

	lines, res := collect(e)
	var got []string
	for _, l := range lines {
		got = append(got, l.Stream.String()+":"+l.Text)
	}
	want := "stdout:a,stdout:b,stdout:c,stderr:warn"
	if strings.Join(got, ",") != want {
		t.Errorf("lines = %v, want %s", got, want)
	}
	if res.Stderr != "warn\n" {
		t.Errorf("stderr tail = %q", res.Stderr)
	}
}

func TestExecutionEmitGivesUpOnCancel(t *testing.T) {
	e := newExecution()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		// More lines than the channel buffer, with no reader.
		e.pump(ctx, strings.NewReader(strings.Repeat("x\n", lineBuffer*4)), Stdout)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump blocked after cancellation")
	}
}

func TestRunForwardsLinesAndResult(t *testing.T) {
	e := Run(context.Background(), func(emit func(Line) bool) ExecResult {
		emit(Line{Stream: Stdout, Text: "one"})
		emit(Line{Stream: Stderr, Text: "two"})
		return ExecResult{ExitCode: 3}
	})
	lines, res := collect(e)
	if len(lines) != 2 || lines[0].Text != "one" || lines[1].Stream != Stderr {
		t.Errorf("lines = %+v", lines)
	}
	if res.ExitCode != 3 || res.Stderr != "two\n" {
		t.Errorf("result = %+v", res)
	}
}

func TestFailedExecution(t *testing.T) {
	e := failedExecution(ErrNotFound)
	lines, res := collect(e)
	if len(lines) != 0 {
		t.Errorf("lines = %v", lines)
	}
	if res.Err != ErrNotFound || !res.Failed() {
		t.Errorf("result = %+v", res)
	}
}

func TestTailBufferKeepsEnd(t *testing.T) {
	var tb tailBuffer
	tb.write(strings.Repeat("a", stderrTailBytes))
	tb.write("END")
	s := tb.String()
	if len(s) != stderrTailBytes || !strings.HasSuffix(s, "END") {
		t.Errorf("tail len = %d suffix ok = %v", len(s), strings.HasSuffix(s, "END"))
	}
}

func TestWithDeadlineAndQuoting(t *testing.T) {
	argv := withDeadline([]string{"python", "run.py"}, 90*time.Second)
	if strings.Join(argv, " ") != "timeout -k 5 90 python run.py" {
		t.Errorf("argv = %v", argv)
	}
	if got := shellJoin([]string{"echo", "it's"}); got != `'echo' 'it'\''s'` {
		t.Errorf("shellJoin = %s", got)
	}
	if !timedOut(exitTimedOut, time.Minute, time.Minute) {
		t.Error("124 after the limit should count as timeout")
	}
	if timedOut(exitTimedOut, time.Second, time.Minute) {
		t.Error("124 before the limit is the program's own exit code")
	}
}

func TestKillScriptTargetsProcessGroup(t *testing.T) {
	script := killScript("/tmp/.velocity-exec/x.pid")
	for _, want := range []string{
		"cat /tmp/.velocity-exec/x.pid",
		"kill -s TERM -- -$p",
		"kill -s KILL -- -$p",
		"rm -f /tmp/.velocity-exec/x.pid",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("kill script missing %q:\n%s", want, script)
		}
	}
}

func TestPumpDropsOnlyOversizedLines(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		dropped int
	}{
		{"plain", "a\nb\n", []string{"a", "b"}, 0},
		{"no trailing newline", "a\nb", []string{"a", "b"}, 0},
		{"empty lines kept", "a\n\nb\n", []string{"a", "", "b"}, 0},
		{"oversized in the middle", "a\n" + strings.Repeat("x", maxLineBytes+1) + "\nb\n", []string{"a", "b"}, 1},
		{"oversized at the end", "a\n" + strings.Repeat("x", 2*maxLineBytes), []string{"a"}, 1},
		{"exactly at the limit", strings.Repeat("y", maxLineBytes-1) + "\n", []string{strings.Repeat("y", maxLineBytes-1)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newExecution()
			go func() {
				e.pump(context.Background(), strings.NewReader(tt.input), Stdout)
				e.finish(ExecResult{})
			}()
			lines, res := collect(e)
			if len(lines) != len(tt.want) {
				t.Fatalf("got %d lines, want %d", len(lines), len(tt.want))
			}
			for i, w := range tt.want {
				if lines[i].Text != w {
					t.Errorf("line %d = %.40q, want %.40q", i, lines[i].Text, w)
				}
			}
			if res.DroppedLines != tt.dropped {
				t.Errorf("DroppedLines = %d, want %d", res.DroppedLines, tt.dropped)
			}
		})
	}
}
