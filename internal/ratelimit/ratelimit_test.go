package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestUnlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("k"); err != nil {
			t.Fatalf("Allow: %v", err)
		}
	}
	if l.Len() != 0 {
		t.Errorf("unlimited limiter tracked %d keys", l.Len())
	}
}

func TestBurstThenLimited(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	// One token per second at 60/min.
	now = now.Add(time.Second)
	if err := l.Allow("alice"); err != nil {
		t.Errorf("after refill: %v", err)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 1, BurstSize: 1})
	if err := l.Allow("a"); err != nil {
		t.Fatalf("a: %v", err)
	}
	if err := l.Allow("a"); err == nil {
		t.Error("a should be limited")
	}
	if err := l.Allow("b"); err != nil {
		t.Errorf("b: %v", err)
	}
}

func TestBurstDefaultsToRate(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 5})
	ok := 0
	for i := 0; i < 10; i++ {
		if l.Allow("k") == nil {
			ok++
		}
	}
	if ok != 5 {
		t.Errorf("allowed = %d, want 5", ok)
	}
}

func TestPrune(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	l.Allow("old")
	now = now.Add(10 * time.Minute)
	l.Allow("new")

	if n := l.Prune(5 * time.Minute); n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Errorf("keys = %d, want 1", l.Len())
	}
}

func TestRefillInterval(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 30, BurstSize: 10})
	if got := l.RefillInterval(); got != 20*time.Second {
		t.Errorf("RefillInterval = %s, want 20s", got)
	}
	if got := NewLimiter(Config{}).RefillInterval(); got != 0 {
		t.Errorf("unlimited RefillInterval = %s", got)
	}
}

func TestConcurrentAllow(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 50})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared") == nil {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 50 {
		t.Errorf("allowed = %d, want 50", allowed)
	}
}
