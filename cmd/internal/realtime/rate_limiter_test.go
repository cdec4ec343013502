package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(3, 10*time.Second)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("event %d rejected", i)
		}
	}
	if rl.Allow(base.Add(5 * time.Second)) {
		t.Fatalf("4th event inside window allowed")
	}
	if !rl.Allow(base.Add(10 * time.Second)) {
		t.Fatalf("event after oldest expired rejected")
	}
	if rl.Allow(base.Add(10500 * time.Millisecond)) {
		t.Fatalf("event allowed while window still full")
	}
	if !rl.Allow(base.Add(11 * time.Second)) {
		t.Fatalf("event after second expiry rejected")
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if len(rl.ring) != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("defaults = %d/%v", len(rl.ring), rl.window)
	}
}
