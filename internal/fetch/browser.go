package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/newsfleet/drover/internal/config"
	"github.com/newsfleet/drover/internal/types"
)

// BrowserFetcher renders pages in headless Chromium via Rod. The worker
// selects it for hosts whose intelligence recommends rendering.
type BrowserFetcher struct {
	browser   *rod.Browser
	cfg       config.FetcherConfig
	userAgent string
	logger    *slog.Logger
	mu        sync.Mutex
}

// NewBrowserFetcher launches Chromium and connects to it.
func NewBrowserFetcher(cfg config.FetcherConfig, userAgent string, logger *slog.Logger) (*BrowserFetcher, error) {
	l := launcher.New().
		Headless(true).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-blink-features", "AutomationControlled")
	if cfg.BrowserBin != "" {
		l = l.Bin(cfg.BrowserBin)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	bf := &BrowserFetcher{
		browser:   browser,
		cfg:       cfg,
		userAgent: userAgent,
		logger:    logger.With("component", "browser_fetcher"),
	}
	bf.logger.Info("browser fetcher ready")
	return bf, nil
}

// Fetch navigates to rawURL and returns the rendered DOM.
func (f *BrowserFetcher) Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	timeout := f.cfg.Timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	start := time.Now()

	page, err := stealth.Page(f.browser)
	if err != nil {
		return nil, &types.FetchError{URL: rawURL, Kind: types.KindMalformed,
			Err: fmt.Errorf("stealth page: %w", err)}
	}
	defer page.Close()

	page = page.Context(ctx).Timeout(timeout)

	ua := f.userAgent
	if opts.UserAgent != "" {
		ua = opts.UserAgent
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
		f.logger.Warn("set user agent failed", "error", err)
	}

	if err := page.Navigate(rawURL); err != nil {
		return nil, &types.FetchError{
			URL: rawURL, Kind: types.KindTimeout,
			Elapsed: time.Since(start),
			Err:     fmt.Errorf("navigate: %w", err),
		}
	}
	if err := page.WaitLoad(); err != nil {
		return nil, &types.FetchError{
			URL: rawURL, Kind: types.KindTimeout,
			Elapsed: time.Since(start),
			Err:     fmt.Errorf("wait load: %w", err),
		}
	}

	html, err := page.HTML()
	if err != nil {
		return nil, &types.FetchError{
			URL: rawURL, Kind: types.KindMalformed,
			Elapsed: time.Since(start),
			Err:     fmt.Errorf("read dom: %w", err),
		}
	}

	body := []byte(html)
	truncated := false
	if int64(len(body)) > f.cfg.MaxBodySize {
		body = body[:f.cfg.MaxBodySize]
		truncated = true
	}

	finalURL := rawURL
	if info, err := page.Info(); err == nil && info.URL != "" {
		finalURL = info.URL
	}

	return &Result{
		StatusCode:    http.StatusOK, // CDP does not expose the document status reliably
		Headers:       make(http.Header),
		Body:          body,
		FinalURL:      finalURL,
		ContentType:   "text/html",
		ContentLength: int64(len(body)),
		Truncated:     truncated,
		Elapsed:       time.Since(start),
	}, nil
}

// Close shuts the browser down.
func (f *BrowserFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser == nil {
		return nil
	}
	err := f.browser.Close()
	f.browser = nil
	return err
}
