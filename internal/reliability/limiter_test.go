package reliability

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiter_WaitsWhenExhausted(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var waits []time.Duration
	var observed []time.Duration

	limiter := NewRateLimiter(100*time.Millisecond, 1, func(d time.Duration) {
		observed = append(observed, d)
	})
	limiter.now = func() time.Time { return now }
	limiter.last = now
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		now = now.Add(d)
		return nil
	}

	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(waits) != 1 || waits[0] != 100*time.Millisecond {
		t.Fatalf("expected one wait of 100ms, got %v", waits)
	}
	if len(observed) != 1 {
		t.Fatalf("expected onWait once, got %v", observed)
	}
}

func TestRateLimiter_DisabledPassesThrough(t *testing.T) {
	var limiter *RateLimiter
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := NewRateLimiter(0, 0, nil).Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
