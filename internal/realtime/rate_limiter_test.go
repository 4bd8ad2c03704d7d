package realtime

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("event over limit should be denied")
	}
}

func TestRateLimiterSlidesWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if !rl.Allow(now) || !rl.Allow(now) {
		t.Fatalf("initial events should be allowed")
	}
	if rl.Allow(now.Add(500 * time.Millisecond)) {
		t.Fatalf("still inside window, should be denied")
	}
	if !rl.Allow(now.Add(1100 * time.Millisecond)) {
		t.Fatalf("window passed, should be allowed again")
	}
}

func TestRateLimiterRingReuse(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	steps := []struct {
		at   time.Duration
		want bool
	}{
		{at: 0, want: true},
		{at: 400 * time.Millisecond, want: true},
		{at: 1100 * time.Millisecond, want: true},  // slot from t=0 expired
		{at: 1200 * time.Millisecond, want: false}, // t=400ms still in window
		{at: 1500 * time.Millisecond, want: true},  // t=400ms expired
		{at: 1600 * time.Millisecond, want: false}, // t=1100ms still in window
	}
	for _, s := range steps {
		if got := rl.Allow(base.Add(s.at)); got != s.want {
			t.Fatalf("Allow at +%v = %v, want %v", s.at, got, s.want)
		}
	}
}

func TestRateLimiterDefaultsOnInvalidInput(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if !rl.Allow(time.Now()) {
		t.Fatalf("defaulted limiter should allow the first event")
	}
}
