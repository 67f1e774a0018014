// Package ratelimit enforces polite per-host request pacing, adapting to
// server throttling signals and network failures.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/newsfleet/drover/internal/config"
	"github.com/newsfleet/drover/internal/types"
)

// RetryLaterError is returned by Acquire when the host is suspended. The
// worker may skip to a URL on another host, or wait until Resume.
type RetryLaterError struct {
	Host   string
	Resume time.Time
}

func (e *RetryLaterError) Error() string {
	return fmt.Sprintf("host %s suspended until %s", e.Host, e.Resume.Format(time.RFC3339))
}

func (e *RetryLaterError) Unwrap() error { return types.ErrRetryLater }

// hostBucket is the adaptive token bucket for a single host.
type hostBucket struct {
	mu             sync.Mutex
	limiter        *rate.Limiter
	suspendedUntil time.Time
	backoff        time.Duration
	successRun     int
	minInterval    time.Duration // robots crawl-delay floor on spacing
}

// Limiter manages one token bucket per host.
type Limiter struct {
	cfg    config.RateLimitConfig
	logger *slog.Logger

	mu    sync.Mutex
	hosts map[string]*hostBucket

	now func() time.Time // injectable clock for tests
}

// New creates a Limiter with the given pacing configuration.
func New(cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	return &Limiter{
		cfg:    cfg,
		logger: logger.With("component", "ratelimit"),
		hosts:  make(map[string]*hostBucket),
		now:    time.Now,
	}
}

func (l *Limiter) bucket(host string) *hostBucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.hosts[host]
	if !ok {
		b = &hostBucket{
			limiter: rate.NewLimiter(rate.Limit(l.cfg.RefillPerSec), l.cfg.Capacity),
		}
		l.hosts[host] = b
	}
	return b
}

// Acquire blocks until a token for host is available or ctx is cancelled.
// If the host is suspended it returns *RetryLaterError immediately so the
// caller can decide whether to wait or move on.
func (l *Limiter) Acquire(ctx context.Context, host string) error {
	b := l.bucket(host)

	b.mu.Lock()
	resume := b.suspendedUntil
	b.mu.Unlock()

	if now := l.now(); now.Before(resume) {
		return &RetryLaterError{Host: host, Resume: resume}
	}

	// Waiters queue on the limiter reservation in arrival order.
	if err := b.limiter.Wait(ctx); err != nil {
		return types.ErrCancelled
	}
	return nil
}

// AcquireWait is Acquire for single-host workers: it sleeps through any
// suspension instead of returning retry-later.
func (l *Limiter) AcquireWait(ctx context.Context, host string) error {
	for {
		err := l.Acquire(ctx, host)
		var rl *RetryLaterError
		switch {
		case err == nil:
			return nil
		case asRetryLater(err, &rl):
			select {
			case <-ctx.Done():
				return types.ErrCancelled
			case <-time.After(time.Until(rl.Resume)):
			}
		default:
			return err
		}
	}
}

func asRetryLater(err error, target **RetryLaterError) bool {
	rl, ok := err.(*RetryLaterError)
	if ok {
		*target = rl
	}
	return ok
}

// OnResponse updates the bucket from an HTTP response. 429/503 suspend the
// host until the Retry-After instant and shrink the refill rate; sustained
// 2xx recovery grows it back toward the ceiling.
func (l *Limiter) OnResponse(host string, status int, retryAfter time.Duration) {
	b := l.bucket(host)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case status == 429 || status == 503:
		if retryAfter <= 0 {
			retryAfter = l.cfg.BackoffBase
		}
		resume := l.now().Add(retryAfter)
		if resume.After(b.suspendedUntil) {
			b.suspendedUntil = resume
		}
		b.successRun = 0
		next := rate.Limit(float64(b.limiter.Limit()) * l.cfg.DecreaseAlpha)
		if min := minLimit(b.minInterval); next < min {
			next = min
		}
		b.limiter.SetLimit(next)
		l.logger.Warn("host throttled",
			"host", host, "status", status,
			"retry_after", retryAfter, "new_rate", float64(next))

	case status >= 200 && status < 300:
		b.backoff = 0
		b.successRun++
		if b.successRun >= l.cfg.RecoveryRuns {
			b.successRun = 0
			next := rate.Limit(float64(b.limiter.Limit()) * l.cfg.IncreaseBeta)
			ceiling := l.capFor(b)
			if next > ceiling {
				next = ceiling
			}
			b.limiter.SetLimit(next)
		}
	}
}

// OnNetworkError applies host-scoped exponential backoff; the next success
// resets it via OnResponse.
func (l *Limiter) OnNetworkError(host string, kind types.ErrorKind) {
	b := l.bucket(host)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.backoff == 0 {
		b.backoff = l.cfg.BackoffBase
	} else {
		b.backoff *= 2
		if b.backoff > l.cfg.BackoffCap {
			b.backoff = l.cfg.BackoffCap
		}
	}
	b.successRun = 0
	resume := l.now().Add(b.backoff)
	if resume.After(b.suspendedUntil) {
		b.suspendedUntil = resume
	}
	l.logger.Debug("network backoff",
		"host", host, "kind", string(kind), "backoff", b.backoff)
}

// SetCrawlDelay applies a robots.txt crawl-delay as a minimum spacing for the
// host, capping the refill rate accordingly.
func (l *Limiter) SetCrawlDelay(host string, delay time.Duration) {
	if delay <= 0 {
		return
	}
	b := l.bucket(host)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.minInterval = delay
	max := rate.Limit(float64(time.Second) / float64(delay))
	if b.limiter.Limit() > max {
		b.limiter.SetLimit(max)
	}
}

// SuspendedUntil reports the resume instant for a host, zero if not suspended.
func (l *Limiter) SuspendedUntil(host string) time.Time {
	b := l.bucket(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	if l.now().Before(b.suspendedUntil) {
		return b.suspendedUntil
	}
	return time.Time{}
}

// Rate reports the current refill rate for a host in tokens per second.
func (l *Limiter) Rate(host string) float64 {
	b := l.bucket(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.limiter.Limit())
}

func (l *Limiter) capFor(b *hostBucket) rate.Limit {
	ceiling := rate.Limit(l.cfg.RateCeiling)
	if b.minInterval > 0 {
		byDelay := rate.Limit(float64(time.Second) / float64(b.minInterval))
		if byDelay < ceiling {
			return byDelay
		}
	}
	return ceiling
}

// minLimit is the floor the decrease factor never goes below. A crawl-delay
// floor does not apply here; the absolute floor keeps the bucket draining.
func minLimit(minInterval time.Duration) rate.Limit {
	return rate.Limit(1.0 / 120.0) // one request per two minutes
}
