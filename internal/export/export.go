// Package export assembles watermark-driven delta batches of crawl output
// for the central collector, and optionally archives them to local files
// or MongoDB.
package export

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/newsfleet/drover/internal/config"
	"github.com/newsfleet/drover/internal/intel"
	"github.com/newsfleet/drover/internal/observability"
	"github.com/newsfleet/drover/internal/store"
	"github.com/newsfleet/drover/internal/types"
)

// Query bounds one delta batch. A zero Since means "from the beginning";
// a zero Until means "up to now".
type Query struct {
	Since time.Time
	Until time.Time
	Limit int
}

// Window is the half-open interval (since, until] a batch covers.
type Window struct {
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
}

// Payload is one export batch. Feeding the returned Watermark back as the
// next Since yields exactly-once delivery over at-least-once transports:
// replaying the same window reproduces the same batch.
type Payload struct {
	BatchID      string                  `json:"batch_id"`
	Domain       string                  `json:"domain"`
	Window       Window                  `json:"window"`
	Watermark    time.Time               `json:"watermark"`
	Counts       map[string]int          `json:"counts"`
	URLs         []types.URLRecord       `json:"urls"`
	Links        []types.DiscoveredLink  `json:"links"`
	Runs         []types.CrawlRun        `json:"runs"`
	Intelligence types.IntelligenceState `json:"intelligence"`
	GeneratedAt  time.Time               `json:"generated_at"`
}

// Pipeline reads snapshots from the store and fans archived batches out
// to the configured sinks.
type Pipeline struct {
	store   store.Store
	intel   *intel.Tracker
	cfg     config.ExportConfig
	domain  string
	logger  *slog.Logger
	metrics *observability.Metrics
	sinks   []Sink

	now func() time.Time
}

func New(st store.Store, tr *intel.Tracker, cfg config.ExportConfig, domain string, metrics *observability.Metrics, logger *slog.Logger, sinks ...Sink) *Pipeline {
	return &Pipeline{
		store:   st,
		intel:   tr,
		cfg:     cfg,
		domain:  domain,
		logger:  logger.With("component", "export"),
		metrics: metrics,
		sinks:   sinks,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Batch reads one delta batch. The read is a snapshot by updated_at, so a
// crawl running concurrently only shifts rows into later batches.
func (p *Pipeline) Batch(ctx context.Context, q Query) (*Payload, error) {
	now := p.now()
	if q.Until.IsZero() {
		q.Until = now
	}
	if q.Limit <= 0 {
		q.Limit = p.cfg.DefaultLimit
	}
	w := store.ExportWindow{Since: q.Since, Until: q.Until, Limit: q.Limit}

	urls, err := p.store.URLsUpdatedIn(ctx, w)
	if err != nil {
		return nil, err
	}
	links, err := p.store.LinksCreatedIn(ctx, w)
	if err != nil {
		return nil, err
	}
	runs, err := p.store.RunsUpdatedIn(ctx, w)
	if err != nil {
		return nil, err
	}

	// The watermark is the newest updated_at actually shipped. When the
	// limit truncated the batch, resuming from it picks up the remainder;
	// an empty batch leaves the caller's cursor where it was.
	watermark := q.Since
	for _, u := range urls {
		if u.UpdatedAt.After(watermark) {
			watermark = u.UpdatedAt
		}
	}
	if len(urls) < q.Limit {
		for _, l := range links {
			if l.CreatedAt.After(watermark) {
				watermark = l.CreatedAt
			}
		}
		if watermark.Before(q.Until) && len(urls) == 0 && len(links) == 0 {
			watermark = q.Until
		}
	}

	payload := &Payload{
		BatchID:   uuid.NewString(),
		Domain:    p.domain,
		Window:    Window{Since: q.Since, Until: q.Until},
		Watermark: watermark,
		Counts: map[string]int{
			"urls":  len(urls),
			"links": len(links),
			"runs":  len(runs),
		},
		URLs:         urls,
		Links:        links,
		Runs:         runs,
		Intelligence: p.intel.Snapshot(),
		GeneratedAt:  now,
	}

	if p.metrics != nil {
		p.metrics.ExportBatches.Inc()
		p.metrics.ExportedURLs.Add(float64(len(urls)))
	}
	p.logger.Info("export batch",
		"batch_id", payload.BatchID,
		"urls", len(urls), "links", len(links),
		"since", q.Since, "watermark", watermark)
	return payload, nil
}

// Archive fans a batch out to every configured sink. The first sink error
// aborts; the caller can replay the same window safely.
func (p *Pipeline) Archive(ctx context.Context, payload *Payload) error {
	for _, s := range p.sinks {
		if err := s.Write(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

// Close releases all sinks.
func (p *Pipeline) Close() error {
	var first error
	for _, s := range p.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
