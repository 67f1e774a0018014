package types

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure modes.
var (
	ErrCancelled     = errors.New("operation cancelled")
	ErrMaxDepth      = errors.New("max depth exceeded")
	ErrDuplicate     = errors.New("duplicate URL")
	ErrInvalidURL    = errors.New("invalid URL")
	ErrQueueEmpty    = errors.New("no claimable URLs")
	ErrFatal         = errors.New("worker is in fatal state")
	ErrAlreadyActive = errors.New("crawl run already active")
	ErrNotRunning    = errors.New("worker is not running")
	ErrRetryLater    = errors.New("host suspended, retry later")
)

// ErrorKind classifies fetch failures for retry policy and intelligence.
type ErrorKind string

const (
	KindTimeout   ErrorKind = "timeout"
	KindDNS       ErrorKind = "dns"
	KindTCPReset  ErrorKind = "tcp_reset"
	KindTLS       ErrorKind = "tls"
	KindThrottled ErrorKind = "throttled"
	KindHTTP4xx   ErrorKind = "http_4xx"
	KindHTTP5xx   ErrorKind = "http_5xx"
	KindTooLarge  ErrorKind = "too_large"
	KindMalformed ErrorKind = "malformed"
	KindRobots    ErrorKind = "disallowed_by_robots"
	KindCancelled ErrorKind = "cancelled"
)

// Transient reports whether the kind warrants a bounded retry.
func (k ErrorKind) Transient() bool {
	switch k {
	case KindTimeout, KindDNS, KindTCPReset, KindHTTP5xx, KindThrottled:
		return true
	}
	return false
}

// FetchError wraps errors surfaced by the fetcher with their classification
// and the context needed by the rate limiter and intelligence.
type FetchError struct {
	URL        string
	Kind       ErrorKind
	StatusCode int
	Elapsed    time.Duration
	BytesRead  int64
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: %s (status %d): %v", e.URL, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether the worker should re-attempt the URL.
func (e *FetchError) Retryable() bool { return e.Kind.Transient() }

// StoreError wraps failures from the durable store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// AnalyzeError wraps analyzer failures; pages are still recorded.
type AnalyzeError struct {
	URL string
	Err error
}

func (e *AnalyzeError) Error() string {
	return fmt.Sprintf("analyze %s: %v", e.URL, e.Err)
}

func (e *AnalyzeError) Unwrap() error { return e.Err }
