package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/velocity/internal/events"
)

func turns(pairs int, size int) []events.Turn {
	var out []events.Turn
	for i := 0; i < pairs; i++ {
		out = append(out,
			events.Turn{Role: events.RoleUser, Content: strings.Repeat("u", size)},
			events.Turn{Role: events.RoleAssistant, Content: strings.Repeat("a", size)},
		)
	}
	return out
}

func TestTrimHistory(t *testing.T) {
	tests := []struct {
		name      string
		in        []events.Turn
		maxTurns  int
		maxTokens int
		want      int
	}{
		{"empty", nil, 40, 60000, 0},
		{"under limits", turns(3, 10), 40, 60000, 6},
		{"turn cap", turns(30, 10), 40, 60000, 40},
		{"odd turn cap drops leading assistant", turns(5, 10), 5, 0, 4},
		{"token cap", turns(10, 400), 0, 1000, 10},
		{"no limits", turns(50, 10), 0, 0, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := trimHistory(tt.in, tt.maxTurns, tt.maxTokens)
			if len(got) != tt.want {
				t.Fatalf("len = %d, want %d", len(got), tt.want)
			}
			if len(got) > 0 && got[0].Role != events.RoleUser {
				t.Errorf("first turn role = %s", got[0].Role)
			}
			if tt.maxTokens > 0 {
				total := 0
				for _, turn := range got {
					total += estimateTokens(turn.Content)
				}
				if total > tt.maxTokens {
					t.Errorf("tokens = %d > %d", total, tt.maxTokens)
				}
			}
		})
	}
}

func TestTrimHistoryKeepsNewest(t *testing.T) {
	in := []events.Turn{
		{Role: events.RoleUser, Content: "old"},
		{Role: events.RoleAssistant, Content: "old reply"},
		{Role: events.RoleUser, Content: "new"},
		{Role: events.RoleAssistant, Content: "new reply"},
	}
	got := trimHistory(in, 2, 0)
	if len(got) != 2 || got[0].Content != "new" || got[1].Content != "new reply" {
		t.Errorf("got %+v", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	for s, want := range map[string]int{"": 0, "a": 1, "abcd": 1, "abcde": 2} {
		if got := estimateTokens(s); got != want {
			t.Errorf("estimateTokens(%q) = %d, want %d", s, got, want)
		}
	}
}

// --- Sweeper ---

func TestNewIdleSweeperValidation(t *testing.T) {
	p, _ := newTestPool(newFakeManager())
	if _, err := NewIdleSweeper(p, 0, "@every 1m", testLogger()); err == nil {
		t.Error("expected error for zero ttl")
	}
	if _, err := NewIdleSweeper(p, time.Minute, "not a schedule", testLogger()); err == nil {
		t.Error("expected error for bad schedule")
	}
	if _, err := NewIdleSweeper(p, time.Minute, "*/5 * * * *", testLogger()); err != nil {
		t.Errorf("standard spec: %v", err)
	}
}

func TestIdleSweeperStartEvicts(t *testing.T) {
	m := newFakeManager()
	p, _ := newTestPool(m)
	defer p.ShutdownAll(context.Background())

	if _, err := runQuery(p, "s1", "hi"); err != nil {
		t.Fatalf("query: %v", err)
	}
	s, err := NewIdleSweeper(p, time.Millisecond, "@every 1s", testLogger())
	if err != nil {
		t.Fatalf("NewIdleSweeper: %v", err)
	}
	stop := s.Start(context.Background())
	defer stop()

	if !waitFor(func() bool { return p.Len() == 0 }) {
		t.Error("idle worker was not swept")
	}
}
