// Package robots fetches, parses, and caches robots.txt per host.
package robots

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/newsfleet/drover/internal/config"
)

const maxRobotsSize = 512 * 1024

// Decision is the outcome of a robots check for one URL.
type Decision struct {
	Allow      bool
	CrawlDelay time.Duration
	Sitemaps   []string
}

type cacheEntry struct {
	data      *robotstxt.RobotsData
	sitemaps  []string
	fetchedAt time.Time
	ttl       time.Duration
	failOpen  bool
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.Sub(e.fetchedAt) > e.ttl
}

// Cache caches parsed robots.txt per scheme://host with positive and
// negative TTLs. Fetch failures fail open.
type Cache struct {
	cfg    config.RobotsConfig
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry

	now func() time.Time
}

// New creates a robots cache with its own fetch client.
func New(cfg config.RobotsConfig, logger *slog.Logger) *Cache {
	return &Cache{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.FetchTimeout,
		},
		logger:  logger.With("component", "robots"),
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
	}
}

// Allowed checks whether userAgent may fetch rawURL. On robots.txt fetch
// failure it allows the fetch and caches the failure for the negative TTL.
func (c *Cache) Allowed(ctx context.Context, userAgent, rawURL string) Decision {
	if !c.cfg.Enabled {
		return Decision{Allow: true}
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return Decision{Allow: true}
	}
	origin := u.Scheme + "://" + u.Host

	entry := c.entry(ctx, origin)
	if entry.failOpen {
		return Decision{Allow: true}
	}

	group := entry.data.FindGroup(userAgent)
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	return Decision{
		Allow:      group.Test(path),
		CrawlDelay: group.CrawlDelay,
		Sitemaps:   entry.sitemaps,
	}
}

// entry returns the cached entry for an origin, fetching on miss or expiry.
func (c *Cache) entry(ctx context.Context, origin string) *cacheEntry {
	c.mu.Lock()
	entry, ok := c.entries[origin]
	if ok && !entry.expired(c.now()) {
		c.mu.Unlock()
		return entry
	}
	c.mu.Unlock()

	entry = c.fetch(ctx, origin)

	c.mu.Lock()
	c.entries[origin] = entry
	c.mu.Unlock()
	return entry
}

func (c *Cache) fetch(ctx context.Context, origin string) *cacheEntry {
	robotsURL := origin + "/robots.txt"

	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return c.negative(origin, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return c.negative(origin, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsSize))
	if err != nil {
		return c.negative(origin, err)
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return c.negative(origin, err)
	}

	return &cacheEntry{
		data:      data,
		sitemaps:  extractSitemaps(body),
		fetchedAt: c.now(),
		ttl:       c.cfg.PositiveTTL,
	}
}

func (c *Cache) negative(origin string, err error) *cacheEntry {
	c.logger.Warn("robots.txt fetch failed, failing open",
		"origin", origin, "error", err, "negative_ttl", c.cfg.NegativeTTL)
	return &cacheEntry{
		fetchedAt: c.now(),
		ttl:       c.cfg.NegativeTTL,
		failOpen:  true,
	}
}

// extractSitemaps pulls Sitemap directives; robotstxt does not expose them.
func extractSitemaps(body []byte) []string {
	var sitemaps []string
	for _, line := range strings.Split(string(body), "\n") {
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if len(line) < 8 || !strings.EqualFold(line[:8], "sitemap:") {
			continue
		}
		if sm := strings.TrimSpace(line[8:]); sm != "" {
			sitemaps = append(sitemaps, sm)
		}
	}
	return sitemaps
}

// Invalidate drops the cached entry for an origin.
func (c *Cache) Invalidate(origin string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, origin)
}

// Len reports the number of cached origins.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
