package fetch

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/newsfleet/drover/internal/config"
	"github.com/newsfleet/drover/internal/types"
)

// HTTPFetcher implements Fetcher using net/http.
type HTTPFetcher struct {
	client    *http.Client
	cfg       config.FetcherConfig
	userAgent string
	logger    *slog.Logger
}

// NewHTTPFetcher creates the standard HTTP fetcher.
func NewHTTPFetcher(cfg config.FetcherConfig, userAgent string, logger *slog.Logger) *HTTPFetcher {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns / 2,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.TLSInsecure,
		},
		DisableCompression: true, // decompression handled below, including brotli
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			return nil
		},
	}

	return &HTTPFetcher{
		client:    client,
		cfg:       cfg,
		userAgent: userAgent,
		logger:    logger.With("component", "http_fetcher"),
	}
}

// Fetch executes a GET and classifies every failure into an ErrorKind.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	timeout := f.cfg.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &types.FetchError{URL: rawURL, Kind: types.KindMalformed, Err: err}
	}

	ua := f.userAgent
	if opts.UserAgent != "" {
		ua = opts.UserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	start := time.Now()
	resp, err := f.client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		return nil, classifyTransportError(rawURL, err, elapsed)
	}
	defer resp.Body.Close()

	// Throttling and HTTP failures surface as typed errors; only responses
	// worth recording as fetched become Results.
	if resp.StatusCode == 429 || resp.StatusCode == 503 {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &types.FetchError{
			URL:        rawURL,
			Kind:       types.KindThrottled,
			StatusCode: resp.StatusCode,
			Elapsed:    elapsed,
			RetryAfter: retryAfter,
			Err:        fmt.Errorf("throttled: HTTP %d", resp.StatusCode),
		}
	}
	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &types.FetchError{
			URL:        rawURL,
			Kind:       kindForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Elapsed:    elapsed,
			Err:        fmt.Errorf("HTTP %d", resp.StatusCode),
		}
	}

	body, truncated, err := f.readBody(resp)
	if err != nil {
		return nil, classifyTransportError(rawURL, err, time.Since(start))
	}

	result := &Result{
		StatusCode:    resp.StatusCode,
		Headers:       resp.Header,
		Body:          body,
		FinalURL:      resp.Request.URL.String(),
		ContentType:   sniffContentType(resp.Header.Get("Content-Type"), body),
		ContentLength: int64(len(body)),
		Truncated:     truncated,
		CrossOrigin:   crossedOrigin(rawURL, resp.Request.URL),
		Elapsed:       time.Since(start),
	}

	f.logger.Debug("fetch complete",
		"url", rawURL,
		"status", result.StatusCode,
		"size", len(body),
		"truncated", truncated,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

// Close releases idle connections.
func (f *HTTPFetcher) Close() error {
	f.client.CloseIdleConnections()
	return nil
}

// readBody decompresses and reads up to MaxBodySize bytes, reporting whether
// the body was cut short.
func (f *HTTPFetcher) readBody(resp *http.Response) ([]byte, bool, error) {
	var reader io.Reader = resp.Body

	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, false, err
		}
		reader = gz
	case "deflate":
		reader = flate.NewReader(reader)
	case "br":
		reader = brotli.NewReader(reader)
	}

	limit := f.cfg.MaxBodySize
	body, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > limit {
		return body[:limit], true, nil
	}
	return body, false, nil
}

// classifyTransportError maps transport failures onto ErrorKinds.
func classifyTransportError(rawURL string, err error, elapsed time.Duration) *types.FetchError {
	fe := &types.FetchError{URL: rawURL, Elapsed: elapsed, Err: err}

	var dnsErr *net.DNSError
	var certErr *tls.CertificateVerificationError
	var recordErr tls.RecordHeaderError
	var unknownAuth x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var opErr *net.OpError

	switch {
	case errors.Is(err, context.Canceled):
		fe.Kind = types.KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		fe.Kind = types.KindTimeout
	case errors.As(err, &dnsErr):
		fe.Kind = types.KindDNS
	case errors.As(err, &certErr), errors.As(err, &recordErr),
		errors.As(err, &unknownAuth), errors.As(err, &hostnameErr):
		fe.Kind = types.KindTLS
	case errors.As(err, &opErr) && errors.Is(opErr.Err, syscall.ECONNRESET):
		fe.Kind = types.KindTCPReset
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.ErrUnexpectedEOF):
		fe.Kind = types.KindTCPReset
	default:
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			fe.Kind = types.KindTimeout
		} else {
			fe.Kind = types.KindMalformed
		}
	}
	return fe
}

func kindForStatus(status int) types.ErrorKind {
	if status >= 500 {
		return types.KindHTTP5xx
	}
	return types.KindHTTP4xx
}

// sniffContentType prefers the declared header and falls back to a
// magic-byte check over the first 512 bytes.
func sniffContentType(declared string, body []byte) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil {
			return mt
		}
	}
	head := body
	if len(head) > 512 {
		head = head[:512]
	}
	mt, _, _ := strings.Cut(http.DetectContentType(head), ";")
	return strings.TrimSpace(mt)
}

// crossedOrigin reports whether the final URL left the requested origin.
func crossedOrigin(rawURL string, final *url.URL) bool {
	u, err := url.Parse(rawURL)
	if err != nil || final == nil {
		return false
	}
	return !strings.EqualFold(u.Scheme, final.Scheme) || !strings.EqualFold(u.Host, final.Host)
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms, capped at
// two minutes.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil {
		if secs < 0 {
			return 0
		}
		if secs > 120 {
			secs = 120
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			return time.Second
		}
		if d > 2*time.Minute {
			return 2 * time.Minute
		}
		return d
	}
	return 0
}
