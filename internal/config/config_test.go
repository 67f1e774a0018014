package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Crawl.Domain = "example.com"
	return cfg
}

func TestValidateDefaults(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing domain", func(c *Config) { c.Crawl.Domain = "" }},
		{"domain with scheme", func(c *Config) { c.Crawl.Domain = "https://example.com" }},
		{"domain with path", func(c *Config) { c.Crawl.Domain = "example.com/news" }},
		{"alpha above one", func(c *Config) { c.RateLimit.DecreaseAlpha = 1.5 }},
		{"beta below one", func(c *Config) { c.RateLimit.IncreaseBeta = 0.9 }},
		{"zero visibility timeout", func(c *Config) { c.Queue.VisibilityTimeout = 0 }},
		{"low water above high water", func(c *Config) {
			c.Queue.LowWater = 10
			c.Queue.HighWater = 5
		}},
		{"bad store driver", func(c *Config) { c.Store.Driver = "oracle" }},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"zero watchdog interval", func(c *Config) { c.Watchdog.Interval = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestValidateSeedURL(t *testing.T) {
	assert.NoError(t, ValidateSeedURL("https://example.com/world", "example.com"))
	assert.NoError(t, ValidateSeedURL("http://www.example.com/", "example.com"))
	assert.Error(t, ValidateSeedURL("https://other.org/", "example.com"))
	assert.Error(t, ValidateSeedURL("ftp://example.com/", "example.com"))
	assert.Error(t, ValidateSeedURL("not a url", "example.com"))
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SQLITE_DB_PATH", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, 3, cfg.Queue.MaxReclaims)
	assert.Equal(t, 24*time.Hour, cfg.Robots.PositiveTTL)
	assert.Equal(t, "sqlite3", cfg.Store.Driver)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "drover.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
crawl:
  domain: example.com
  max_pages: 250
queue:
  max_depth: 2
server:
  port: 9090
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "example.com", cfg.Crawl.Domain)
	assert.Equal(t, 250, cfg.Crawl.MaxPages)
	assert.Equal(t, 2, cfg.Queue.MaxDepth)
	assert.Equal(t, 9090, cfg.Server.Port)
	// Untouched keys keep their defaults.
	assert.Equal(t, 3, cfg.Crawl.MaxRetries)
}

func TestWellKnownEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://crawler:pw@db:5432/drover")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://crawler:pw@db:5432/drover", cfg.Store.DSN)
	assert.Equal(t, "redis://cache:6379/0", cfg.Coord.RedisURL)
}
