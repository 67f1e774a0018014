package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file, environment, and defaults.
// Priority (highest to lowest): env vars > config file > defaults.
// CLI flag overrides are applied by the caller after Load.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, cfg)

	v.SetEnvPrefix("DROVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("drover")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".drover"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyWellKnownEnv(cfg)

	return cfg, nil
}

// applyWellKnownEnv maps the conventional platform environment variables onto
// the config. DATABASE_URL wins over SQLITE_DB_PATH.
func applyWellKnownEnv(cfg *Config) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Store.Driver = "postgres"
		cfg.Store.DSN = dsn
	} else if path := os.Getenv("SQLITE_DB_PATH"); path != "" {
		cfg.Store.Driver = "sqlite3"
		cfg.Store.DSN = path
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Coord.RedisURL = redisURL
	}
}

// setDefaults registers default values in viper so env vars resolve even when
// no config file is present.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("crawl.max_pages", cfg.Crawl.MaxPages)
	v.SetDefault("crawl.max_retries", cfg.Crawl.MaxRetries)
	v.SetDefault("crawl.claim_batch", cfg.Crawl.ClaimBatch)
	v.SetDefault("crawl.idle_sleep_min", cfg.Crawl.IdleSleepMin)
	v.SetDefault("crawl.idle_sleep_max", cfg.Crawl.IdleSleepMax)
	v.SetDefault("crawl.user_agent", cfg.Crawl.UserAgent)
	v.SetDefault("crawl.readiness_timeout", cfg.Crawl.ReadinessTimeout)

	v.SetDefault("ratelimit.capacity", cfg.RateLimit.Capacity)
	v.SetDefault("ratelimit.refill_per_sec", cfg.RateLimit.RefillPerSec)
	v.SetDefault("ratelimit.rate_ceiling", cfg.RateLimit.RateCeiling)
	v.SetDefault("ratelimit.decrease_alpha", cfg.RateLimit.DecreaseAlpha)
	v.SetDefault("ratelimit.increase_beta", cfg.RateLimit.IncreaseBeta)
	v.SetDefault("ratelimit.backoff_base", cfg.RateLimit.BackoffBase)
	v.SetDefault("ratelimit.backoff_cap", cfg.RateLimit.BackoffCap)
	v.SetDefault("ratelimit.recovery_runs", cfg.RateLimit.RecoveryRuns)

	v.SetDefault("robots.enabled", cfg.Robots.Enabled)
	v.SetDefault("robots.fetch_timeout", cfg.Robots.FetchTimeout)
	v.SetDefault("robots.positive_ttl", cfg.Robots.PositiveTTL)
	v.SetDefault("robots.negative_ttl", cfg.Robots.NegativeTTL)

	v.SetDefault("fetcher.timeout", cfg.Fetcher.Timeout)
	v.SetDefault("fetcher.max_redirects", cfg.Fetcher.MaxRedirects)
	v.SetDefault("fetcher.max_body_size", cfg.Fetcher.MaxBodySize)
	v.SetDefault("fetcher.idle_conn_timeout", cfg.Fetcher.IdleConnTimeout)
	v.SetDefault("fetcher.max_idle_conns", cfg.Fetcher.MaxIdleConns)
	v.SetDefault("fetcher.browser_enabled", cfg.Fetcher.BrowserEnabled)

	v.SetDefault("analyzer.article_min_chars", cfg.Analyzer.ArticleMinChars)
	v.SetDefault("analyzer.hub_min_links", cfg.Analyzer.HubMinLinks)
	v.SetDefault("analyzer.nav_ratio_hub", cfg.Analyzer.NavRatioHub)
	v.SetDefault("analyzer.nav_dense_anchors", cfg.Analyzer.NavDenseAnchors)
	v.SetDefault("analyzer.template_k", cfg.Analyzer.TemplateK)
	v.SetDefault("analyzer.hub_sections", cfg.Analyzer.HubSections)
	v.SetDefault("analyzer.place_dictionary", cfg.Analyzer.PlaceDictionary)
	v.SetDefault("analyzer.topic_dictionary", cfg.Analyzer.TopicDictionary)
	v.SetDefault("analyzer.pool_size", cfg.Analyzer.PoolSize)
	v.SetDefault("analyzer.analysis_timeout", cfg.Analyzer.AnalysisTimeout)
	v.SetDefault("analyzer.near_dup_threshold", cfg.Analyzer.NearDupThreshold)

	v.SetDefault("queue.max_depth", cfg.Queue.MaxDepth)
	v.SetDefault("queue.visibility_timeout", cfg.Queue.VisibilityTimeout)
	v.SetDefault("queue.max_reclaims", cfg.Queue.MaxReclaims)
	v.SetDefault("queue.high_water", cfg.Queue.HighWater)
	v.SetDefault("queue.low_water", cfg.Queue.LowWater)
	v.SetDefault("queue.keep_params", cfg.Queue.KeepParams)

	v.SetDefault("intel.reset_window", cfg.Intel.ResetWindow)
	v.SetDefault("intel.reset_threshold", cfg.Intel.ResetThreshold)
	v.SetDefault("intel.connectivity_after", cfg.Intel.ConnectivityAfter)
	v.SetDefault("intel.connectivity_tries", cfg.Intel.ConnectivityTries)
	v.SetDefault("intel.blocked_ratio", cfg.Intel.BlockedRatio)
	v.SetDefault("intel.blocked_sample", cfg.Intel.BlockedSample)

	v.SetDefault("watchdog.interval", cfg.Watchdog.Interval)
	v.SetDefault("watchdog.max_restarts", cfg.Watchdog.MaxRestarts)

	v.SetDefault("export.default_limit", cfg.Export.DefaultLimit)
	v.SetDefault("export.archive_path", cfg.Export.ArchivePath)
	v.SetDefault("export.mongo_uri", cfg.Export.MongoURI)
	v.SetDefault("export.mongo_db", cfg.Export.MongoDB)

	v.SetDefault("store.driver", cfg.Store.Driver)
	v.SetDefault("store.dsn", cfg.Store.DSN)

	v.SetDefault("server.port", cfg.Server.Port)

	v.SetDefault("coord.redis_url", cfg.Coord.RedisURL)
	v.SetDefault("coord.channel", cfg.Coord.Channel)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.path", cfg.Metrics.Path)
}
