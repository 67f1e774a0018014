package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/newsfleet/drover/internal/config"
	"github.com/newsfleet/drover/internal/types"
)

func testLimiter(t *testing.T) (*Limiter, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	l := New(config.DefaultConfig().RateLimit, slog.Default())
	l.now = func() time.Time { return now }
	return l, &now
}

func TestAcquireImmediate(t *testing.T) {
	l, _ := testLimiter(t)
	ctx := context.Background()

	// Bucket starts full (capacity 2); first acquisitions do not block.
	start := time.Now()
	if err := l.Acquire(ctx, "example.com"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := l.Acquire(ctx, "example.com"); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("burst acquisitions should not block, took %s", elapsed)
	}
}

func TestAcquireCancelled(t *testing.T) {
	l, _ := testLimiter(t)
	ctx, cancel := context.WithCancel(context.Background())

	// Drain the burst, then cancel a blocked waiter.
	_ = l.Acquire(ctx, "example.com")
	_ = l.Acquire(ctx, "example.com")

	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx, "example.com") }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, types.ErrCancelled) {
			t.Errorf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled acquire did not return")
	}
}

func TestSuspensionOn429(t *testing.T) {
	l, now := testLimiter(t)

	l.OnResponse("example.com", 429, 2*time.Second)

	err := l.Acquire(context.Background(), "example.com")
	var rl *RetryLaterError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RetryLaterError, got %v", err)
	}
	if want := now.Add(2 * time.Second); !rl.Resume.Equal(want) {
		t.Errorf("resume = %s, want %s", rl.Resume, want)
	}
	if !errors.Is(err, types.ErrRetryLater) {
		t.Error("RetryLaterError should unwrap to ErrRetryLater")
	}

	// After the window passes, acquisition proceeds again.
	*now = now.Add(3 * time.Second)
	if err := l.Acquire(context.Background(), "example.com"); err != nil {
		t.Errorf("acquire after suspension: %v", err)
	}
}

func TestRateDecreaseAndRecovery(t *testing.T) {
	l, _ := testLimiter(t)
	host := "example.com"

	initial := l.Rate(host)
	l.OnResponse(host, 429, time.Second)
	if got := l.Rate(host); got >= initial {
		t.Errorf("rate should shrink after 429: %v -> %v", initial, got)
	}

	reduced := l.Rate(host)
	for i := 0; i < l.cfg.RecoveryRuns; i++ {
		l.OnResponse(host, 200, 0)
	}
	if got := l.Rate(host); got <= reduced {
		t.Errorf("rate should grow after sustained 2xx: %v -> %v", reduced, got)
	}
}

func TestRateCeiling(t *testing.T) {
	l, _ := testLimiter(t)
	host := "example.com"

	for i := 0; i < 100*l.cfg.RecoveryRuns; i++ {
		l.OnResponse(host, 200, 0)
	}
	if got := l.Rate(host); got > l.cfg.RateCeiling {
		t.Errorf("rate %v exceeds ceiling %v", got, l.cfg.RateCeiling)
	}
}

func TestNetworkBackoffDoubles(t *testing.T) {
	l, now := testLimiter(t)
	host := "example.com"

	l.OnNetworkError(host, types.KindTCPReset)
	first := l.SuspendedUntil(host)
	if first.IsZero() {
		t.Fatal("expected suspension after network error")
	}
	if want := now.Add(l.cfg.BackoffBase); !first.Equal(want) {
		t.Errorf("first backoff resume = %s, want %s", first, want)
	}

	l.OnNetworkError(host, types.KindTCPReset)
	second := l.SuspendedUntil(host)
	if want := now.Add(2 * l.cfg.BackoffBase); !second.Equal(want) {
		t.Errorf("second backoff resume = %s, want %s", second, want)
	}

	// Success resets the backoff sequence.
	l.OnResponse(host, 200, 0)
	*now = now.Add(time.Hour)
	l.OnNetworkError(host, types.KindTimeout)
	if want := now.Add(l.cfg.BackoffBase); !l.SuspendedUntil(host).Equal(want) {
		t.Errorf("backoff did not reset after success")
	}
}

func TestBackoffCap(t *testing.T) {
	l, now := testLimiter(t)
	host := "example.com"

	for i := 0; i < 20; i++ {
		l.OnNetworkError(host, types.KindDNS)
	}
	latest := l.SuspendedUntil(host)
	if max := now.Add(l.cfg.BackoffCap); latest.After(max) {
		t.Errorf("backoff exceeded cap: resume=%s max=%s", latest, max)
	}
}

func TestCrawlDelayCapsRate(t *testing.T) {
	l, _ := testLimiter(t)
	host := "example.com"

	l.SetCrawlDelay(host, 10*time.Second)
	if got := l.Rate(host); got > 0.1+1e-9 {
		t.Errorf("rate %v should be capped to 0.1 by 10s crawl-delay", got)
	}

	// Recovery must not climb past the crawl-delay cap either.
	for i := 0; i < 50*l.cfg.RecoveryRuns; i++ {
		l.OnResponse(host, 200, 0)
	}
	if got := l.Rate(host); got > 0.1+1e-9 {
		t.Errorf("recovery pushed rate %v past crawl-delay cap", got)
	}
}

func TestHostsIndependent(t *testing.T) {
	l, _ := testLimiter(t)

	l.OnResponse("a.example.com", 429, time.Minute)
	if err := l.Acquire(context.Background(), "b.example.com"); err != nil {
		t.Errorf("suspension of host A must not affect host B: %v", err)
	}
}
