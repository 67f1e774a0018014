// Package fetch is the content acquisition layer: polite HTTP GET with
// redirects, decompression, size caps, and typed failure classification,
// plus an optional headless rendering fetcher.
package fetch

import (
	"context"
	"net/http"
	"time"
)

// Options tune a single fetch.
type Options struct {
	// Timeout overrides the configured request timeout when > 0.
	Timeout time.Duration

	// UserAgent overrides the configured agent string when non-empty.
	UserAgent string

	// Render requests the headless rendering fetcher when available.
	Render bool
}

// Result is a completed fetch. A Result is only returned for responses the
// worker should record as fetched; throttling and failures surface as
// *types.FetchError.
type Result struct {
	StatusCode    int
	Headers       http.Header
	Body          []byte
	FinalURL      string
	ContentType   string
	ContentLength int64
	Truncated     bool
	CrossOrigin   bool // a redirect left the original origin
	Elapsed       time.Duration
}

// IsHTML reports whether the sniffed content type is an HTML document.
func (r *Result) IsHTML() bool {
	switch {
	case len(r.ContentType) >= 9 && r.ContentType[:9] == "text/html":
		return true
	case len(r.ContentType) >= 21 && r.ContentType[:21] == "application/xhtml+xml":
		return true
	}
	return false
}

// Fetcher retrieves a single URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error)
	Close() error
}
