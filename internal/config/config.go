package config

import (
	"runtime"
	"time"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for a drover crawl worker.
type Config struct {
	Crawl     CrawlConfig     `mapstructure:"crawl"     yaml:"crawl"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" yaml:"ratelimit"`
	Robots    RobotsConfig    `mapstructure:"robots"    yaml:"robots"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"   yaml:"fetcher"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"  yaml:"analyzer"`
	Queue     QueueConfig     `mapstructure:"queue"     yaml:"queue"`
	Intel     IntelConfig     `mapstructure:"intel"     yaml:"intel"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"  yaml:"watchdog"`
	Export    ExportConfig    `mapstructure:"export"    yaml:"export"`
	Store     StoreConfig     `mapstructure:"store"     yaml:"store"`
	Server    ServerConfig    `mapstructure:"server"    yaml:"server"`
	Coord     CoordConfig     `mapstructure:"coord"     yaml:"coord"`
	Logging   LoggingConfig   `mapstructure:"logging"   yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"   yaml:"metrics"`
}

// CrawlConfig controls the per-domain worker loop.
type CrawlConfig struct {
	Domain           string        `mapstructure:"domain"            yaml:"domain"`
	MaxPages         int           `mapstructure:"max_pages"         yaml:"max_pages"`
	MaxRetries       int           `mapstructure:"max_retries"       yaml:"max_retries"`
	ClaimBatch       int           `mapstructure:"claim_batch"       yaml:"claim_batch"`
	IdleSleepMin     time.Duration `mapstructure:"idle_sleep_min"    yaml:"idle_sleep_min"`
	IdleSleepMax     time.Duration `mapstructure:"idle_sleep_max"    yaml:"idle_sleep_max"`
	UserAgent        string        `mapstructure:"user_agent"        yaml:"user_agent"`
	ReadinessTimeout time.Duration `mapstructure:"readiness_timeout" yaml:"readiness_timeout"`
}

// RateLimitConfig controls per-host token buckets.
type RateLimitConfig struct {
	Capacity      int           `mapstructure:"capacity"       yaml:"capacity"`
	RefillPerSec  float64       `mapstructure:"refill_per_sec" yaml:"refill_per_sec"`
	RateCeiling   float64       `mapstructure:"rate_ceiling"   yaml:"rate_ceiling"`
	DecreaseAlpha float64       `mapstructure:"decrease_alpha" yaml:"decrease_alpha"`
	IncreaseBeta  float64       `mapstructure:"increase_beta"  yaml:"increase_beta"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"   yaml:"backoff_base"`
	BackoffCap    time.Duration `mapstructure:"backoff_cap"    yaml:"backoff_cap"`
	RecoveryRuns  int           `mapstructure:"recovery_runs"  yaml:"recovery_runs"`
}

// RobotsConfig controls robots.txt fetching and caching.
type RobotsConfig struct {
	Enabled      bool          `mapstructure:"enabled"       yaml:"enabled"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	PositiveTTL  time.Duration `mapstructure:"positive_ttl"  yaml:"positive_ttl"`
	NegativeTTL  time.Duration `mapstructure:"negative_ttl"  yaml:"negative_ttl"`
}

// FetcherConfig controls the content acquisition layer.
type FetcherConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"           yaml:"timeout"`
	MaxRedirects    int           `mapstructure:"max_redirects"     yaml:"max_redirects"`
	MaxBodySize     int64         `mapstructure:"max_body_size"     yaml:"max_body_size"`
	TLSInsecure     bool          `mapstructure:"tls_insecure"      yaml:"tls_insecure"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout" yaml:"idle_conn_timeout"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"    yaml:"max_idle_conns"`
	BrowserEnabled  bool          `mapstructure:"browser_enabled"   yaml:"browser_enabled"`
	BrowserBin      string        `mapstructure:"browser_bin"       yaml:"browser_bin"`
}

// AnalyzerConfig controls classification, templates, and hub detection.
type AnalyzerConfig struct {
	ArticleMinChars  int           `mapstructure:"article_min_chars"  yaml:"article_min_chars"`
	HubMinLinks      int           `mapstructure:"hub_min_links"      yaml:"hub_min_links"`
	NavRatioHub      float64       `mapstructure:"nav_ratio_hub"      yaml:"nav_ratio_hub"`
	NavDenseAnchors  int           `mapstructure:"nav_dense_anchors"  yaml:"nav_dense_anchors"`
	TemplateK        int           `mapstructure:"template_k"         yaml:"template_k"`
	HubSections      []string      `mapstructure:"hub_sections"       yaml:"hub_sections"`
	PlaceDictionary  []string      `mapstructure:"place_dictionary"   yaml:"place_dictionary"`
	TopicDictionary  []string      `mapstructure:"topic_dictionary"   yaml:"topic_dictionary"`
	PoolSize         int           `mapstructure:"pool_size"          yaml:"pool_size"`
	AnalysisTimeout  time.Duration `mapstructure:"analysis_timeout"   yaml:"analysis_timeout"`
	NearDupThreshold int           `mapstructure:"near_dup_threshold" yaml:"near_dup_threshold"`
}

// QueueConfig controls the durable URL queue.
type QueueConfig struct {
	MaxDepth          int           `mapstructure:"max_depth"          yaml:"max_depth"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" yaml:"visibility_timeout"`
	MaxReclaims       int           `mapstructure:"max_reclaims"       yaml:"max_reclaims"`
	HighWater         int           `mapstructure:"high_water"         yaml:"high_water"`
	LowWater          int           `mapstructure:"low_water"          yaml:"low_water"`
	KeepParams        []string      `mapstructure:"keep_params"        yaml:"keep_params"`
}

// IntelConfig controls failure heuristics and fatal thresholds.
type IntelConfig struct {
	ResetWindow       time.Duration `mapstructure:"reset_window"        yaml:"reset_window"`
	ResetThreshold    int           `mapstructure:"reset_threshold"     yaml:"reset_threshold"`
	ConnectivityAfter time.Duration `mapstructure:"connectivity_after"  yaml:"connectivity_after"`
	ConnectivityTries int           `mapstructure:"connectivity_tries"  yaml:"connectivity_tries"`
	BlockedRatio      float64       `mapstructure:"blocked_ratio"       yaml:"blocked_ratio"`
	BlockedSample     int           `mapstructure:"blocked_sample"      yaml:"blocked_sample"`
}

// WatchdogConfig controls stall detection and restart policy.
type WatchdogConfig struct {
	Interval    time.Duration `mapstructure:"interval"     yaml:"interval"`
	MaxRestarts int           `mapstructure:"max_restarts" yaml:"max_restarts"`
}

// ExportConfig controls the delta export pipeline.
type ExportConfig struct {
	DefaultLimit int    `mapstructure:"default_limit" yaml:"default_limit"`
	ArchivePath  string `mapstructure:"archive_path"  yaml:"archive_path"`
	MongoURI     string `mapstructure:"mongo_uri"     yaml:"mongo_uri"`
	MongoDB      string `mapstructure:"mongo_db"      yaml:"mongo_db"`
}

// StoreConfig selects and configures the durable backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"` // sqlite3 or postgres
	DSN    string `mapstructure:"dsn"    yaml:"dsn"`
}

// ServerConfig controls the HTTP control surface.
type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

// CoordConfig controls the optional Redis fleet bus.
type CoordConfig struct {
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url"`
	Channel  string `mapstructure:"channel"   yaml:"channel"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() *Config {
	pool := runtime.NumCPU()
	if pool > 4 {
		pool = 4
	}
	return &Config{
		Crawl: CrawlConfig{
			MaxRetries:       3,
			ClaimBatch:       1,
			IdleSleepMin:     500 * time.Millisecond,
			IdleSleepMax:     5 * time.Second,
			UserAgent:        "droverbot/" + Version + " (+https://newsfleet.dev/drover)",
			ReadinessTimeout: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Capacity:      2,
			RefillPerSec:  1.0,
			RateCeiling:   4.0,
			DecreaseAlpha: 0.5,
			IncreaseBeta:  1.1,
			BackoffBase:   time.Second,
			BackoffCap:    60 * time.Second,
			RecoveryRuns:  5,
		},
		Robots: RobotsConfig{
			Enabled:      true,
			FetchTimeout: 10 * time.Second,
			PositiveTTL:  24 * time.Hour,
			NegativeTTL:  5 * time.Minute,
		},
		Fetcher: FetcherConfig{
			Timeout:         30 * time.Second,
			MaxRedirects:    5,
			MaxBodySize:     10 * 1024 * 1024,
			IdleConnTimeout: 90 * time.Second,
			MaxIdleConns:    100,
		},
		Analyzer: AnalyzerConfig{
			ArticleMinChars:  500,
			HubMinLinks:      10,
			NavRatioHub:      0.5,
			NavDenseAnchors:  8,
			TemplateK:        3,
			HubSections:      []string{"/world", "/news", "/section", "/sport", "/business", "/politics", "/local"},
			PlaceDictionary:  []string{"europe", "asia", "africa", "americas", "middle-east", "uk", "us", "australia"},
			TopicDictionary:  []string{"politics", "business", "technology", "science", "health", "sport", "culture"},
			PoolSize:         pool,
			AnalysisTimeout:  5 * time.Second,
			NearDupThreshold: 3,
		},
		Queue: QueueConfig{
			MaxDepth:          5,
			VisibilityTimeout: 5 * time.Minute,
			MaxReclaims:       3,
			HighWater:         100_000,
			LowWater:          70_000,
			KeepParams:        []string{"page", "p", "offset"},
		},
		Intel: IntelConfig{
			ResetWindow:       10 * time.Minute,
			ResetThreshold:    3,
			ConnectivityAfter: 60 * time.Second,
			ConnectivityTries: 5,
			BlockedRatio:      0.9,
			BlockedSample:     100,
		},
		Watchdog: WatchdogConfig{
			Interval:    120 * time.Second,
			MaxRestarts: 3,
		},
		Export: ExportConfig{
			DefaultLimit: 5000,
			MongoDB:      "drover",
		},
		Store: StoreConfig{
			Driver: "sqlite3",
			DSN:    "./drover.db",
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Coord: CoordConfig{
			Channel: "drover:intelligence",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}
