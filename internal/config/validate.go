package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks the configuration for invalid values.
func Validate(cfg *Config) error {
	if cfg.Crawl.Domain == "" {
		return fmt.Errorf("crawl.domain is required")
	}
	if strings.Contains(cfg.Crawl.Domain, "/") || strings.Contains(cfg.Crawl.Domain, "://") {
		return fmt.Errorf("crawl.domain must be a bare host, got %q", cfg.Crawl.Domain)
	}
	if cfg.Crawl.MaxPages < 0 {
		return fmt.Errorf("crawl.max_pages must be >= 0, got %d", cfg.Crawl.MaxPages)
	}
	if cfg.Crawl.MaxRetries < 0 {
		return fmt.Errorf("crawl.max_retries must be >= 0, got %d", cfg.Crawl.MaxRetries)
	}
	if cfg.Crawl.ClaimBatch < 1 {
		return fmt.Errorf("crawl.claim_batch must be >= 1, got %d", cfg.Crawl.ClaimBatch)
	}
	if cfg.Crawl.IdleSleepMin <= 0 || cfg.Crawl.IdleSleepMax < cfg.Crawl.IdleSleepMin {
		return fmt.Errorf("crawl.idle_sleep bounds invalid: min=%s max=%s",
			cfg.Crawl.IdleSleepMin, cfg.Crawl.IdleSleepMax)
	}

	if cfg.RateLimit.Capacity < 1 {
		return fmt.Errorf("ratelimit.capacity must be >= 1, got %d", cfg.RateLimit.Capacity)
	}
	if cfg.RateLimit.RefillPerSec <= 0 {
		return fmt.Errorf("ratelimit.refill_per_sec must be > 0")
	}
	if cfg.RateLimit.RateCeiling < cfg.RateLimit.RefillPerSec {
		return fmt.Errorf("ratelimit.rate_ceiling must be >= refill_per_sec")
	}
	if cfg.RateLimit.DecreaseAlpha <= 0 || cfg.RateLimit.DecreaseAlpha >= 1 {
		return fmt.Errorf("ratelimit.decrease_alpha must be in (0,1), got %v", cfg.RateLimit.DecreaseAlpha)
	}
	if cfg.RateLimit.IncreaseBeta <= 1 {
		return fmt.Errorf("ratelimit.increase_beta must be > 1, got %v", cfg.RateLimit.IncreaseBeta)
	}

	if cfg.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be > 0")
	}
	if cfg.Fetcher.MaxRedirects < 0 {
		return fmt.Errorf("fetcher.max_redirects must be >= 0")
	}
	if cfg.Fetcher.MaxBodySize <= 0 {
		return fmt.Errorf("fetcher.max_body_size must be > 0")
	}

	if cfg.Queue.MaxDepth < 0 {
		return fmt.Errorf("queue.max_depth must be >= 0, got %d", cfg.Queue.MaxDepth)
	}
	if cfg.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue.visibility_timeout must be > 0")
	}
	if cfg.Queue.MaxReclaims < 1 {
		return fmt.Errorf("queue.max_reclaims must be >= 1, got %d", cfg.Queue.MaxReclaims)
	}
	if cfg.Queue.LowWater > cfg.Queue.HighWater {
		return fmt.Errorf("queue.low_water (%d) must be <= high_water (%d)",
			cfg.Queue.LowWater, cfg.Queue.HighWater)
	}

	if cfg.Analyzer.PoolSize < 1 {
		return fmt.Errorf("analyzer.pool_size must be >= 1, got %d", cfg.Analyzer.PoolSize)
	}
	if cfg.Analyzer.TemplateK < 1 {
		return fmt.Errorf("analyzer.template_k must be >= 1, got %d", cfg.Analyzer.TemplateK)
	}

	if cfg.Watchdog.Interval <= 0 {
		return fmt.Errorf("watchdog.interval must be > 0")
	}
	if cfg.Watchdog.MaxRestarts < 0 {
		return fmt.Errorf("watchdog.max_restarts must be >= 0, got %d", cfg.Watchdog.MaxRestarts)
	}

	if cfg.Export.DefaultLimit < 1 {
		return fmt.Errorf("export.default_limit must be >= 1, got %d", cfg.Export.DefaultLimit)
	}

	if cfg.Store.Driver != "sqlite3" && cfg.Store.Driver != "postgres" {
		return fmt.Errorf("store.driver must be 'sqlite3' or 'postgres', got %q", cfg.Store.Driver)
	}
	if cfg.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required")
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", cfg.Server.Port)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	return nil
}

// ValidateSeedURL checks that a seed URL is fetchable and belongs to the
// worker's target domain.
func ValidateSeedURL(rawURL, domain string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL has no host")
	}
	host := strings.ToLower(u.Hostname())
	if host != domain && !strings.HasSuffix(host, "."+domain) {
		return fmt.Errorf("URL host %q is outside target domain %q", host, domain)
	}
	return nil
}
