// Package queue layers crawl semantics over the durable store: URL
// normalization and dedup, depth limits, priority assignment, visibility
// timeouts, and frontier backpressure.
package queue

import (
	"context"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/newsfleet/drover/internal/config"
	"github.com/newsfleet/drover/internal/store"
	"github.com/newsfleet/drover/internal/types"
)

// Item is one URL offered to the queue.
type Item struct {
	URL          string
	Priority     int
	Depth        int
	SourceID     int64
	VisibleAfter time.Time
}

// EnqueueStats summarizes one Enqueue call.
type EnqueueStats struct {
	Inserted   int
	Duplicates int
	OutOfScope int
	TooDeep    int
	Shed       int // P3 items dropped under backpressure
	Invalid    int
}

// Queue owns the pending frontier for one target domain.
type Queue struct {
	store  store.Store
	cfg    config.QueueConfig
	domain string
	logger *slog.Logger

	// shedding flips at high water and clears at low water so the
	// frontier does not flap around a single threshold.
	shedding atomic.Bool
}

func New(st store.Store, cfg config.QueueConfig, domain string, logger *slog.Logger) *Queue {
	return &Queue{
		store:  st,
		cfg:    cfg,
		domain: domain,
		logger: logger.With("component", "queue"),
	}
}

// Seed inserts operator-provided URLs at the highest priority. Returns the
// number of new rows.
func (q *Queue) Seed(ctx context.Context, rawURLs []string) (int, error) {
	inserted := 0
	for _, raw := range rawURLs {
		normalized, err := Normalize(raw, q.cfg.KeepParams)
		if err != nil {
			q.logger.Warn("seed rejected", "url", raw, "err", err)
			continue
		}
		if !InScope(normalized, q.domain) {
			q.logger.Warn("seed out of scope", "url", normalized, "domain", q.domain)
			continue
		}
		ok, err := q.insert(ctx, Item{URL: normalized, Priority: types.PrioritySeed})
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	return inserted, nil
}

// Enqueue offers discovered links to the frontier. Items are normalized,
// scoped, depth-checked, and deduplicated; P3 items are shed while the
// frontier is above high water.
func (q *Queue) Enqueue(ctx context.Context, items []Item) (EnqueueStats, error) {
	var stats EnqueueStats

	shed, err := q.updateBackpressure(ctx)
	if err != nil {
		return stats, err
	}

	for _, item := range items {
		normalized, err := Normalize(item.URL, q.cfg.KeepParams)
		if err != nil {
			stats.Invalid++
			continue
		}
		if !InScope(normalized, q.domain) {
			stats.OutOfScope++
			continue
		}
		if item.Depth > q.cfg.MaxDepth {
			stats.TooDeep++
			continue
		}
		if shed && item.Priority >= types.PriorityDiscovered {
			stats.Shed++
			continue
		}

		item.URL = normalized
		ok, err := q.insert(ctx, item)
		if err != nil {
			return stats, err
		}
		if ok {
			stats.Inserted++
		} else {
			stats.Duplicates++
		}
	}

	if stats.Shed > 0 {
		q.logger.Warn("frontier backpressure", "shed", stats.Shed, "high_water", q.cfg.HighWater)
	}
	return stats, nil
}

func (q *Queue) insert(ctx context.Context, item Item) (bool, error) {
	u, err := url.Parse(item.URL)
	if err != nil {
		return false, types.ErrInvalidURL
	}
	rec := &types.URLRecord{
		URL:            item.URL,
		Host:           u.Hostname(),
		Path:           u.Path,
		Status:         types.StatusPending,
		Priority:       item.Priority,
		Depth:          item.Depth,
		DiscoveredFrom: item.SourceID,
	}
	if !item.VisibleAfter.IsZero() {
		v := item.VisibleAfter
		rec.VisibleAfter = &v
	}
	return q.store.InsertURL(ctx, rec)
}

// updateBackpressure maintains the shed flag with hysteresis.
func (q *Queue) updateBackpressure(ctx context.Context) (bool, error) {
	pending, err := q.store.PendingCount(ctx)
	if err != nil {
		return false, err
	}
	if q.shedding.Load() {
		if pending <= int64(q.cfg.LowWater) {
			q.shedding.Store(false)
			q.logger.Info("frontier drained below low water", "pending", pending)
		}
	} else if pending >= int64(q.cfg.HighWater) {
		q.shedding.Store(true)
		q.logger.Warn("frontier above high water", "pending", pending)
	}
	return q.shedding.Load(), nil
}

// Claim leases up to limit dispatchable URLs for workerID.
func (q *Queue) Claim(ctx context.Context, limit int, workerID string) ([]types.URLRecord, error) {
	return q.store.Claim(ctx, limit, workerID, q.cfg.VisibilityTimeout, q.cfg.MaxReclaims)
}

// Complete reports the terminal (or retry) outcome for a leased URL.
func (q *Queue) Complete(ctx context.Context, id int64, out store.Outcome) error {
	return q.store.Complete(ctx, id, out)
}

// ExtendLock keeps a long fetch from being reclaimed mid-flight.
func (q *Queue) ExtendLock(ctx context.Context, id int64, workerID string) error {
	return q.store.ExtendLock(ctx, id, workerID)
}

// Release returns a leased URL to pending without recording an attempt.
func (q *Queue) Release(ctx context.Context, id int64, workerID string) error {
	return q.store.ReleaseLock(ctx, id, workerID)
}

// Revisit re-queues an already-done URL, the only sanctioned done to
// pending transition.
func (q *Queue) Revisit(ctx context.Context, rawURL string) error {
	normalized, err := Normalize(rawURL, q.cfg.KeepParams)
	if err != nil {
		return err
	}
	return q.store.RequeueForRevisit(ctx, normalized)
}

// PendingCount reports the dispatchable frontier size.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	return q.store.PendingCount(ctx)
}
