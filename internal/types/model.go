package types

import (
	"time"
)

// URLStatus is the lifecycle state of a URL record.
type URLStatus string

const (
	StatusPending  URLStatus = "pending"
	StatusFetching URLStatus = "fetching"
	StatusDone     URLStatus = "done"
	StatusError    URLStatus = "error"
	StatusDead     URLStatus = "dead"
)

// Priority levels for queue dispatch. Lower value = dispatched first.
const (
	PrioritySeed       = 0 // P0: operator-provided seeds
	PriorityHub        = 1 // P1: pages classified as hubs
	PriorityArticle    = 2 // P2: pages matching article templates
	PriorityDiscovered = 3 // P3: everything else found during crawl
)

// Classification of a fetched page.
type Classification string

const (
	ClassArticle Classification = "article"
	ClassHub     Classification = "hub"
	ClassOther   Classification = "other"
)

// URLRecord is the primary crawl entity, one row per normalized URL.
type URLRecord struct {
	ID             int64          `db:"id"              json:"id"`
	URL            string         `db:"url"             json:"url"`
	Host           string         `db:"host"            json:"host"`
	Path           string         `db:"path"            json:"path"`
	Status         URLStatus      `db:"status"          json:"status"`
	Priority       int            `db:"priority"        json:"priority"`
	HTTPStatus     int            `db:"http_status"     json:"http_status,omitempty"`
	ContentType    string         `db:"content_type"    json:"content_type,omitempty"`
	ContentLength  int64          `db:"content_length"  json:"content_length,omitempty"`
	Title          string         `db:"title"           json:"title,omitempty"`
	WordCount      int            `db:"word_count"      json:"word_count,omitempty"`
	Classification Classification `db:"classification"  json:"classification,omitempty"`
	Depth          int            `db:"depth"           json:"depth"`
	DiscoveredFrom int64          `db:"discovered_from" json:"discovered_from,omitempty"`
	LinksFound     int            `db:"links_found"     json:"links_found"`
	RetryCount     int            `db:"retry_count"     json:"retry_count"`
	ReclaimCount   int            `db:"reclaim_count"   json:"reclaim_count"`
	LockedBy       string         `db:"locked_by"       json:"-"`
	LockedAt       *time.Time     `db:"locked_at"       json:"-"`
	VisibleAfter   *time.Time     `db:"visible_after"   json:"-"`
	FetchedAt      *time.Time     `db:"fetched_at"      json:"fetched_at,omitempty"`
	CreatedAt      time.Time      `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"      json:"updated_at"`
	ErrorMsg       string         `db:"error_msg"       json:"error_msg,omitempty"`
}

// DiscoveredLink records a single outbound link found on a fetched page.
type DiscoveredLink struct {
	ID          int64     `db:"id"            json:"id"`
	SourceURLID int64     `db:"source_url_id" json:"source_url_id"`
	TargetURL   string    `db:"target_url"    json:"target_url"`
	LinkText    string    `db:"link_text"     json:"link_text,omitempty"`
	IsNavLink   bool      `db:"is_nav_link"   json:"is_nav_link"`
	CreatedAt   time.Time `db:"created_at"    json:"created_at"`
}

// RunStatus is the lifecycle state of a crawl run.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunStopping RunStatus = "stopping"
	RunStopped  RunStatus = "stopped"
	RunFailed   RunStatus = "failed"
)

// CrawlRun tracks one worker lifecycle; exactly one is active at a time.
type CrawlRun struct {
	ID           int64      `db:"id"            json:"id"`
	TargetDomain string     `db:"target_domain" json:"target_domain"`
	StartedAt    time.Time  `db:"started_at"    json:"started_at"`
	EndedAt      *time.Time `db:"ended_at"      json:"ended_at,omitempty"`
	TotalFetched int64      `db:"total_fetched" json:"total_fetched"`
	TotalErrors  int64      `db:"total_errors"  json:"total_errors"`
	Status       RunStatus  `db:"status"        json:"status"`
}

// LogEntry is an append-only crawl log row.
type LogEntry struct {
	ID      int64     `db:"id"      json:"id"`
	RunID   int64     `db:"run_id"  json:"run_id"`
	Level   string    `db:"level"   json:"level"`
	Message string    `db:"message" json:"message"`
	Data    string    `db:"data"    json:"data,omitempty"`
	TS      time.Time `db:"ts"      json:"ts"`
}

// FatalReason identifies a non-recoverable per-domain condition.
type FatalReason string

const (
	FatalConnectivity      FatalReason = "CONNECTIVITY"
	FatalBlockedOrEmpty    FatalReason = "BLOCKED_OR_EMPTY"
	FatalWatchdogExhausted FatalReason = "WATCHDOG_EXHAUSTED"
)

// Severity orders fatal reasons for merge precedence; higher wins.
func (r FatalReason) Severity() int {
	switch r {
	case FatalWatchdogExhausted:
		return 1
	case FatalBlockedOrEmpty:
		return 2
	case FatalConnectivity:
		return 3
	default:
		return 0
	}
}

// FatalState describes why a worker refuses to start new fetches.
type FatalState struct {
	Reason     FatalReason `json:"reason"`
	Message    string      `json:"message"`
	DetectedAt time.Time   `json:"detected_at"`
}

// Template is a learned URL path pattern, e.g. "/world/{slug}".
type Template struct {
	Pattern    string  `json:"pattern"`
	Verified   int     `json:"verified"`
	Confidence float64 `json:"confidence"`
}

// HubKind distinguishes place hubs from topic hubs.
type HubKind string

const (
	HubPlace HubKind = "place"
	HubTopic HubKind = "topic"
)

// HubConfidence grades a hub candidate.
type HubConfidence string

const (
	HubProbable  HubConfidence = "probable"
	HubConfirmed HubConfidence = "confirmed"
)

// HubCandidate is a navigation-section signal emitted by the analyzer.
type HubCandidate struct {
	Kind       HubKind       `json:"kind"`
	Section    string        `json:"section"`
	Slug       string        `json:"slug"`
	Confidence HubConfidence `json:"confidence"`
}

// IntelligenceState is the per-domain adaptive state shared with the fleet.
type IntelligenceState struct {
	Domain               string           `json:"domain"`
	FailureCounts        map[string]int64 `json:"failure_counts_by_kind"`
	EconnresetCount      int64            `json:"econnreset_count"`
	PuppeteerRecommended bool             `json:"puppeteer_recommended"`
	PuppeteerReason      string           `json:"puppeteer_reason,omitempty"`
	Fatal                *FatalState      `json:"fatal_state,omitempty"`
	Templates            []Template       `json:"templates,omitempty"`
	LastUpdatedAt        time.Time        `json:"last_updated_at"`
}

// Link is an analyzer-produced outbound link before persistence.
type Link struct {
	TargetURL string `json:"target_url"`
	Text      string `json:"text,omitempty"`
	IsNav     bool   `json:"is_nav"`
}

// Analysis is the analyzer's output for one fetched page.
type Analysis struct {
	Classification Classification `json:"classification"`
	Title          string         `json:"title,omitempty"`
	WordCount      int            `json:"word_count"`
	Language       string         `json:"language,omitempty"`
	CanonicalURL   string         `json:"canonical_url,omitempty"`
	Links          []Link         `json:"links"`
	Templates      []string       `json:"templates,omitempty"`
	HubCandidates  []HubCandidate `json:"hub_candidates,omitempty"`
	Fingerprint    uint64         `json:"fingerprint,omitempty"`
	NearDuplicate  bool           `json:"near_duplicate,omitempty"`
	Truncated      bool           `json:"truncated,omitempty"`
	Warning        string         `json:"warning,omitempty"`
}
