// Package store is the durable persistence facade for the crawl worker:
// URL queue rows, discovered links, runs, logs, and intelligence snapshots
// over SQLite or Postgres.
package store

import (
	"context"
	"time"

	"github.com/newsfleet/drover/internal/types"
)

// Outcome is the terminal result the worker reports for a claimed URL.
type Outcome struct {
	Status         types.URLStatus // done, error, or dead
	HTTPStatus     int
	ContentType    string
	ContentLength  int64
	Title          string
	WordCount      int
	Classification types.Classification
	LinksFound     int
	ErrorMsg       string
	// Retry re-queues the URL instead of finishing it; VisibleAfter
	// delays its next dispatch (Retry-After politeness). Throttled marks
	// a 429/503 re-queue, which never consumes the retry budget.
	Retry        bool
	Throttled    bool
	VisibleAfter time.Time
}

// ExportWindow bounds a snapshot read by updated_at.
type ExportWindow struct {
	Since time.Time
	Until time.Time
	Limit int
}

// Store is the capability interface handed to the queue, worker, export
// pipeline, and HTTP surface. Implementations must serialize queue
// mutations (row-level locking or equivalent).
type Store interface {
	// Migrate creates or upgrades the schema. Additive only.
	Migrate(ctx context.Context) error

	// InsertURL inserts a pending row if the normalized URL is new.
	// Returns false when the URL already exists.
	InsertURL(ctx context.Context, rec *types.URLRecord) (bool, error)

	// Claim atomically selects up to limit dispatchable pending rows in
	// (priority, created_at) order, marks them fetching under workerID,
	// and returns them. Expired fetching locks are reclaimed first;
	// rows past maxReclaims die with reason "abandoned".
	Claim(ctx context.Context, limit int, workerID string, visibility time.Duration, maxReclaims int) ([]types.URLRecord, error)

	// Complete finishes (or re-queues) a claimed row.
	Complete(ctx context.Context, id int64, out Outcome) error

	// ExtendLock pushes a claimed row's lock forward for long fetches.
	ExtendLock(ctx context.Context, id int64, workerID string) error

	// ReleaseLock returns a claimed row to pending without penalty.
	ReleaseLock(ctx context.Context, id int64, workerID string) error

	// RequeueForRevisit is the one sanctioned done -> pending transition.
	RequeueForRevisit(ctx context.Context, url string) error

	// HasURL reports whether a normalized URL exists.
	HasURL(ctx context.Context, url string) (bool, error)

	// CountByStatus returns row counts keyed by status.
	CountByStatus(ctx context.Context) (map[types.URLStatus]int64, error)

	// PendingCount is the number of dispatchable rows.
	PendingCount(ctx context.Context) (int64, error)

	// RecentURLs lists rows by descending updated_at, optionally
	// filtered by status.
	RecentURLs(ctx context.Context, status types.URLStatus, limit int) ([]types.URLRecord, error)

	// ErrorDistribution aggregates error_msg prefixes of error/dead rows.
	ErrorDistribution(ctx context.Context) (map[string]int64, error)

	// InsertLinks appends discovered links.
	InsertLinks(ctx context.Context, links []types.DiscoveredLink) error

	// URLsUpdatedIn and LinksCreatedIn are the export snapshot reads.
	URLsUpdatedIn(ctx context.Context, w ExportWindow) ([]types.URLRecord, error)
	LinksCreatedIn(ctx context.Context, w ExportWindow) ([]types.DiscoveredLink, error)

	// StartRun opens the single active crawl run.
	StartRun(ctx context.Context, domain string) (*types.CrawlRun, error)

	// ActiveRun returns the current running/stopping run, or nil.
	ActiveRun(ctx context.Context) (*types.CrawlRun, error)

	// FinishRun closes a run with its final status and totals.
	FinishRun(ctx context.Context, id int64, status types.RunStatus, fetched, errors int64) error

	// RunsUpdatedIn lists runs for export metadata.
	RunsUpdatedIn(ctx context.Context, w ExportWindow) ([]types.CrawlRun, error)

	// AppendLog writes one append-only log row.
	AppendLog(ctx context.Context, entry *types.LogEntry) error

	// SaveIntelligence persists the single intelligence row.
	SaveIntelligence(ctx context.Context, state *types.IntelligenceState) error

	// LoadIntelligence reads it back; nil when absent.
	LoadIntelligence(ctx context.Context, domain string) (*types.IntelligenceState, error)

	Close() error
}
