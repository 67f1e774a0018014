// Package worker runs the per-domain crawl loop: claim, rate limit,
// robots, fetch, analyze, enqueue, complete. One worker owns one domain.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/newsfleet/drover/internal/analyze"
	"github.com/newsfleet/drover/internal/config"
	"github.com/newsfleet/drover/internal/fetch"
	"github.com/newsfleet/drover/internal/intel"
	"github.com/newsfleet/drover/internal/observability"
	"github.com/newsfleet/drover/internal/queue"
	"github.com/newsfleet/drover/internal/ratelimit"
	"github.com/newsfleet/drover/internal/robots"
	"github.com/newsfleet/drover/internal/store"
	"github.com/newsfleet/drover/internal/types"
)

// Lifecycle states, advanced by CAS so Start/Stop race cleanly.
const (
	stateIdle int32 = iota
	stateRunning
	stateStopping
)

// Analyzer is the page analysis capability the worker consumes.
type Analyzer interface {
	Analyze(ctx context.Context, res *fetch.Result, knownTemplates []string) (*types.Analysis, error)
}

// Deps are the worker's collaborators, built once in cmd and shared with
// the HTTP surface.
type Deps struct {
	Store    store.Store
	Queue    *queue.Queue
	Limiter  *ratelimit.Limiter
	Robots   *robots.Cache
	Fetcher  fetch.Fetcher
	Browser  fetch.Fetcher // optional rendering fetcher
	Analyzer Analyzer
	Intel    *intel.Tracker
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Worker is the single-threaded crawl loop plus its watchdog.
type Worker struct {
	cfg    *config.Config
	id     string
	logger *slog.Logger

	store    store.Store
	queue    *queue.Queue
	limiter  *ratelimit.Limiter
	robots   *robots.Cache
	fetcher  fetch.Fetcher
	browser  fetch.Fetcher
	analyzer Analyzer
	intel    *intel.Tracker
	metrics  *observability.Metrics

	// OnIntel, when set, receives every persisted intelligence snapshot
	// (the fleet bus hook).
	OnIntel func(types.IntelligenceState)

	state    atomic.Int32
	maxPages atomic.Int64
	run      atomic.Pointer[types.CrawlRun]
	fetched  atomic.Int64
	errs     atomic.Int64
	progress atomic.Int64 // stamp bumped on every completed item
	restarts atomic.Int64

	opMu     sync.Mutex
	opCancel context.CancelFunc

	cancel context.CancelFunc
	done   chan struct{}

	readyOnce sync.Once
	ready     chan struct{}
}

func New(cfg *config.Config, deps Deps) *Worker {
	id := "drover-" + uuid.NewString()[:8]
	w := &Worker{
		cfg:      cfg,
		id:       id,
		logger:   deps.Logger.With("component", "worker", "worker_id", id),
		store:    deps.Store,
		queue:    deps.Queue,
		limiter:  deps.Limiter,
		robots:   deps.Robots,
		fetcher:  deps.Fetcher,
		browser:  deps.Browser,
		analyzer: deps.Analyzer,
		intel:    deps.Intel,
		metrics:  deps.Metrics,
		ready:    make(chan struct{}),
	}
	w.maxPages.Store(int64(cfg.Crawl.MaxPages))
	return w
}

// SetMaxPages overrides the page budget for the current run. Start resets
// it to the configured value.
func (w *Worker) SetMaxPages(n int) {
	w.maxPages.Store(int64(n))
}

// ID returns the worker's claim identity.
func (w *Worker) ID() string { return w.id }

// Ready is closed after the first full pass over the queue, claim included.
func (w *Worker) Ready() <-chan struct{} { return w.ready }

// Done reports the current run's completion channel, nil when idle.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Start begins the crawl loop and watchdog. It returns types.ErrAlreadyActive
// if the worker is already running. A crawl run left open by a crash is
// adopted rather than duplicated.
func (w *Worker) Start(ctx context.Context) error {
	if !w.state.CompareAndSwap(stateIdle, stateRunning) {
		return types.ErrAlreadyActive
	}
	w.maxPages.Store(int64(w.cfg.Crawl.MaxPages))

	run, err := w.store.StartRun(ctx, w.cfg.Crawl.Domain)
	if errors.Is(err, types.ErrAlreadyActive) {
		run, err = w.store.ActiveRun(ctx)
		if err == nil && run != nil {
			w.logger.Warn("adopting run left open by a previous process", "run_id", run.ID)
		}
	}
	if err != nil {
		w.state.Store(stateIdle)
		return err
	}
	w.run.Store(run)

	if saved, err := w.store.LoadIntelligence(ctx, w.cfg.Crawl.Domain); err == nil {
		w.intel.Restore(saved)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	g, gctx := errgroup.WithContext(loopCtx)
	g.Go(func() error { return w.loop(gctx) })
	g.Go(func() error { return w.watchdogLoop(gctx) })

	go func() {
		err := g.Wait()
		w.finish(err)
	}()

	w.logger.Info("worker started", "domain", w.cfg.Crawl.Domain, "run_id", run.ID)
	w.logEvent(ctx, "info", "worker started", "")
	return nil
}

// Stop cancels the loop and waits for it to drain, bounded by ctx.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.state.CompareAndSwap(stateRunning, stateStopping) {
		return types.ErrNotRunning
	}
	w.cancel()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) finish(loopErr error) {
	status := types.RunStopped
	if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
		status = types.RunFailed
	}
	if f := w.intel.Fatal(); f != nil {
		status = types.RunFailed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if run := w.run.Load(); run != nil {
		if err := w.store.FinishRun(ctx, run.ID, status, w.fetched.Load(), w.errs.Load()); err != nil {
			w.logger.Error("finish run", "err", err)
		}
	}
	w.saveIntel(ctx)

	w.logger.Info("worker stopped",
		"status", string(status), "fetched", w.fetched.Load(), "errors", w.errs.Load())
	w.logEvent(ctx, "info", "worker stopped", string(status))

	w.markReady()
	w.state.Store(stateIdle)
	close(w.done)
}

// loop is the single-threaded claim/process cycle.
func (w *Worker) loop(ctx context.Context) error {
	idle := w.cfg.Crawl.IdleSleepMin

	for {
		if ctx.Err() != nil {
			return nil
		}
		if f := w.intel.Fatal(); f != nil {
			w.logger.Error("stopping on fatal state", "reason", string(f.Reason))
			return fmt.Errorf("%w: %s", types.ErrFatal, f.Reason)
		}
		if max := w.maxPages.Load(); max > 0 && w.fetched.Load() >= max {
			w.logger.Info("page budget reached", "max_pages", max)
			return nil
		}

		recs, err := w.queue.Claim(ctx, w.cfg.Crawl.ClaimBatch, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("claim", "err", err)
			if !w.sleep(ctx, idle) {
				return nil
			}
			continue
		}
		w.markReady()
		w.observeQueueDepth(ctx)

		if len(recs) == 0 {
			if !w.sleep(ctx, idle) {
				return nil
			}
			// Idle backoff keeps an empty frontier from busy-polling.
			idle *= 2
			if idle > w.cfg.Crawl.IdleSleepMax {
				idle = w.cfg.Crawl.IdleSleepMax
			}
			continue
		}
		idle = w.cfg.Crawl.IdleSleepMin

		for i := range recs {
			if ctx.Err() != nil {
				return nil
			}
			w.processOne(ctx, &recs[i])
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func (w *Worker) markReady() {
	w.readyOnce.Do(func() { close(w.ready) })
}

func (w *Worker) observeQueueDepth(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	if pending, err := w.queue.PendingCount(ctx); err == nil {
		w.metrics.QueueDepth.Set(float64(pending))
	}
	w.metrics.LimiterRate.Set(w.limiter.Rate(w.cfg.Crawl.Domain))
}

// processOne runs one URL through the full pipeline. Panics are contained
// so a pathological page cannot kill the worker.
func (w *Worker) processOne(ctx context.Context, rec *types.URLRecord) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic processing url", "url", rec.URL, "panic", r)
			w.errs.Add(1)
			w.bumpProgress()
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = w.queue.Complete(cctx, rec.ID, store.Outcome{
				Status:   types.StatusError,
				ErrorMsg: fmt.Sprintf("panic: %v", r),
			})
		}
	}()

	opCtx, cancel := context.WithCancel(ctx)
	w.opMu.Lock()
	w.opCancel = cancel
	w.opMu.Unlock()
	defer func() {
		w.opMu.Lock()
		w.opCancel = nil
		w.opMu.Unlock()
		cancel()
	}()

	host := rec.Host
	if host == "" {
		if u, err := url.Parse(rec.URL); err == nil {
			host = u.Hostname()
		}
	}

	if w.cfg.Robots.Enabled {
		decision := w.robots.Allowed(opCtx, w.cfg.Crawl.UserAgent, rec.URL)
		if decision.CrawlDelay > 0 {
			w.limiter.SetCrawlDelay(host, decision.CrawlDelay)
		}
		if !decision.Allow {
			if w.metrics != nil {
				w.metrics.RobotsDenied.Inc()
			}
			w.completeOutcome(ctx, rec, store.Outcome{
				Status:   types.StatusDead,
				ErrorMsg: string(types.KindRobots),
			}, false)
			return
		}
	}

	if err := w.limiter.AcquireWait(opCtx, host); err != nil {
		// Cancelled mid-wait: give the lease back untouched.
		w.releaseQuietly(rec)
		return
	}

	fetcher := w.fetcher
	opts := fetch.Options{}
	if w.browser != nil && w.intel.PuppeteerRecommended() {
		fetcher = w.browser
		opts.Render = true
	}

	start := time.Now()
	res, err := fetcher.Fetch(opCtx, rec.URL, opts)
	if err != nil {
		w.handleFetchError(ctx, rec, host, err)
		return
	}
	if w.metrics != nil {
		w.metrics.Fetches.WithLabelValues("ok").Inc()
		w.metrics.FetchDuration.Observe(time.Since(start).Seconds())
	}

	w.limiter.OnResponse(host, res.StatusCode, 0)
	w.intel.RecordHTTPStatus(res.StatusCode, len(res.Body) == 0)

	w.handleFetched(ctx, opCtx, rec, res)
}

// handleFetchError maps a failed fetch onto limiter feedback, intelligence
// evidence, and a queue outcome.
func (w *Worker) handleFetchError(ctx context.Context, rec *types.URLRecord, host string, err error) {
	var fe *types.FetchError
	if !errors.As(err, &fe) {
		// Context cancellation during shutdown; release, not an attempt.
		w.releaseQuietly(rec)
		return
	}
	if fe.Kind == types.KindCancelled {
		w.releaseQuietly(rec)
		return
	}

	if w.metrics != nil {
		w.metrics.Fetches.WithLabelValues(string(fe.Kind)).Inc()
	}

	switch fe.Kind {
	case types.KindThrottled:
		// 429/503 are host pressure, not URL failures: feed the limiter
		// and put the URL back, untouched, for the Retry-After instant.
		w.limiter.OnResponse(host, fe.StatusCode, fe.RetryAfter)
		w.intel.RecordHTTPStatus(fe.StatusCode, false)
		w.completeOutcome(ctx, rec, store.Outcome{
			HTTPStatus:   fe.StatusCode,
			ErrorMsg:     fe.Err.Error(),
			Retry:        true,
			Throttled:    true,
			VisibleAfter: w.retryAt(host, fe),
		}, true)
		return
	case types.KindHTTP4xx:
		// Permanent: the URL is gone, not the host.
		w.intel.RecordHTTPStatus(fe.StatusCode, false)
		w.errs.Add(1)
		w.completeOutcome(ctx, rec, store.Outcome{
			Status:     types.StatusDead,
			HTTPStatus: fe.StatusCode,
			ErrorMsg:   fmt.Sprintf("http_%d", fe.StatusCode),
		}, true)
		return
	case types.KindTimeout, types.KindDNS, types.KindTCPReset, types.KindTLS, types.KindMalformed:
		w.limiter.OnNetworkError(host, fe.Kind)
		w.intel.RecordFailure(fe.Kind)
	case types.KindHTTP5xx:
		w.intel.RecordHTTPStatus(fe.StatusCode, false)
	}

	retry := fe.Retryable() && rec.RetryCount < w.cfg.Crawl.MaxRetries
	out := store.Outcome{
		HTTPStatus: fe.StatusCode,
		ErrorMsg:   fmt.Sprintf("%s: %v", fe.Kind, fe.Err),
	}
	if retry {
		out.Retry = true
		out.VisibleAfter = w.retryAt(host, fe)
	} else {
		out.Status = types.StatusError
	}

	w.errs.Add(1)
	w.completeOutcome(ctx, rec, out, true)
}

// retryAt spaces retries with the limiter's suspension when one is active,
// else a simple per-attempt delay.
func (w *Worker) retryAt(host string, fe *types.FetchError) time.Time {
	if resume := w.limiter.SuspendedUntil(host); !resume.IsZero() {
		return resume
	}
	if fe.RetryAfter > 0 {
		return time.Now().Add(fe.RetryAfter)
	}
	return time.Now().Add(w.cfg.RateLimit.BackoffBase)
}

// handleFetched records a successful fetch: analysis, link harvest,
// template observation, and the terminal outcome.
func (w *Worker) handleFetched(ctx, opCtx context.Context, rec *types.URLRecord, res *fetch.Result) {
	out := store.Outcome{
		Status:         types.StatusDone,
		HTTPStatus:     res.StatusCode,
		ContentType:    res.ContentType,
		ContentLength:  int64(len(res.Body)),
		Classification: types.ClassOther,
	}

	if !res.IsHTML() {
		w.fetched.Add(1)
		w.completeOutcome(ctx, rec, out, true)
		return
	}

	actx, acancel := context.WithTimeout(opCtx, w.cfg.Analyzer.AnalysisTimeout)
	defer acancel()

	analysis, err := w.analyzer.Analyze(actx, res, w.intel.VerifiedTemplates())
	if err != nil {
		if analysis != nil {
			out.Title = analysis.Title
			out.WordCount = analysis.WordCount
		}
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			// A hung parse is an error; a broken one is not.
			out.Status = types.StatusError
			out.ErrorMsg = "analysis_timeout"
			w.errs.Add(1)
		} else {
			// The fetch stands: done with a warning, classified other,
			// no links harvested.
			out.ErrorMsg = fmt.Sprintf("analysis_failed: %v", err)
			w.fetched.Add(1)
		}
		w.completeOutcome(ctx, rec, out, true)
		return
	}

	out.Title = analysis.Title
	out.WordCount = analysis.WordCount
	out.Classification = analysis.Classification
	out.LinksFound = len(analysis.Links)

	if res.Truncated {
		// Oversized bodies keep their partial metadata but are not
		// treated as cleanly fetched.
		out.Status = types.StatusError
		out.ErrorMsg = string(types.KindTooLarge)
	}

	// Template evidence: any non-hub 2xx page whose path generalized.
	// Near-duplicate bodies are boilerplate and do not count.
	if res.StatusCode >= 200 && res.StatusCode < 300 &&
		analysis.Classification != types.ClassHub && !analysis.NearDuplicate {
		for _, pattern := range analysis.Templates {
			w.intel.ObserveTemplate(pattern)
		}
	}

	w.persistLinks(ctx, rec, analysis)
	w.enqueueDiscovered(ctx, rec, res, analysis)

	if out.Status == types.StatusDone {
		w.fetched.Add(1)
	} else {
		w.errs.Add(1)
	}
	if w.metrics != nil {
		w.metrics.Pages.WithLabelValues(string(analysis.Classification)).Inc()
	}
	w.completeOutcome(ctx, rec, out, true)
}

func (w *Worker) persistLinks(ctx context.Context, rec *types.URLRecord, analysis *types.Analysis) {
	if len(analysis.Links) == 0 {
		return
	}
	rows := make([]types.DiscoveredLink, 0, len(analysis.Links))
	for _, l := range analysis.Links {
		rows = append(rows, types.DiscoveredLink{
			SourceURLID: rec.ID,
			TargetURL:   l.TargetURL,
			LinkText:    l.Text,
			IsNavLink:   l.IsNav,
		})
	}
	if err := w.store.InsertLinks(ctx, rows); err != nil {
		w.logger.Error("persist links", "url", rec.URL, "err", err)
	}
	if w.metrics != nil {
		w.metrics.LinksDiscovered.Add(float64(len(rows)))
	}
}

func (w *Worker) enqueueDiscovered(ctx context.Context, rec *types.URLRecord, res *fetch.Result, analysis *types.Analysis) {
	templates := w.intel.VerifiedTemplates()
	items := make([]queue.Item, 0, len(analysis.Links)+len(analysis.HubCandidates))

	for _, l := range analysis.Links {
		items = append(items, queue.Item{
			URL:      l.TargetURL,
			Priority: linkPriority(l.TargetURL, templates, w.cfg.Analyzer.HubSections),
			Depth:    rec.Depth + 1,
			SourceID: rec.ID,
		})
	}
	for _, hc := range analysis.HubCandidates {
		if u := hubURL(res.FinalURL, hc); u != "" {
			items = append(items, queue.Item{
				URL:      u,
				Priority: types.PriorityHub,
				Depth:    rec.Depth + 1,
				SourceID: rec.ID,
			})
		}
	}
	if len(items) == 0 {
		return
	}

	stats, err := w.queue.Enqueue(ctx, items)
	if err != nil {
		w.logger.Error("enqueue links", "url", rec.URL, "err", err)
		return
	}
	if w.metrics != nil && stats.Shed > 0 {
		w.metrics.LinksShed.Add(float64(stats.Shed))
	}
	w.logger.Debug("links enqueued",
		"url", rec.URL, "inserted", stats.Inserted, "dup", stats.Duplicates, "shed", stats.Shed)
}

// linkPriority ranks a discovered URL: article-template matches dispatch
// before hub-section pages, everything else trails.
func linkPriority(rawURL string, templates, hubSections []string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return types.PriorityDiscovered
	}
	path := u.Path
	for _, t := range templates {
		if analyze.MatchesPattern(path, t) {
			return types.PriorityArticle
		}
	}
	trimmed := strings.TrimSuffix(path, "/")
	for _, section := range hubSections {
		if trimmed == section || strings.HasPrefix(trimmed, section+"/") {
			return types.PriorityHub
		}
	}
	return types.PriorityDiscovered
}

func hubURL(finalURL string, hc types.HubCandidate) string {
	u, err := url.Parse(finalURL)
	if err != nil {
		return ""
	}
	u.Path = hc.Section + "/" + hc.Slug
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// completeOutcome reports the outcome, stamps progress, and persists the
// intelligence snapshot when countAttempt is set.
func (w *Worker) completeOutcome(ctx context.Context, rec *types.URLRecord, out store.Outcome, countAttempt bool) {
	cctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := w.queue.Complete(cctx, rec.ID, out); err != nil {
		w.logger.Error("complete", "url", rec.URL, "err", err)
	}
	w.bumpProgress()
	if out.Status == types.StatusError || out.Status == types.StatusDead {
		w.logEvent(cctx, "warn", "url "+string(out.Status), fmt.Sprintf(`{"url":%q,"error":%q}`, rec.URL, out.ErrorMsg))
	}
	if countAttempt {
		w.saveIntel(cctx)
	}
}

func (w *Worker) releaseQuietly(rec *types.URLRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.Release(ctx, rec.ID, w.id); err != nil {
		w.logger.Warn("release lease", "url", rec.URL, "err", err)
	}
}

func (w *Worker) saveIntel(ctx context.Context) {
	snap := w.intel.Snapshot()
	if err := w.store.SaveIntelligence(ctx, &snap); err != nil {
		w.logger.Error("save intelligence", "err", err)
		return
	}
	if w.OnIntel != nil {
		w.OnIntel(snap)
	}
}

func (w *Worker) logEvent(ctx context.Context, level, message, data string) {
	run := w.run.Load()
	if run == nil {
		return
	}
	_ = w.store.AppendLog(ctx, &types.LogEntry{
		RunID:   run.ID,
		Level:   level,
		Message: message,
		Data:    data,
	})
}

func (w *Worker) bumpProgress() {
	w.progress.Add(1)
}

func (w *Worker) progressStamp() int64 {
	return w.progress.Load()
}

// kick cancels the in-flight operation so a stalled loop iteration
// unwinds and the loop continues with the next claim.
func (w *Worker) kick() {
	w.opMu.Lock()
	defer w.opMu.Unlock()
	if w.opCancel != nil {
		w.opCancel()
	}
}

// Status is the live view served by the control surface.
type Status struct {
	State            string                     `json:"state"`
	WorkerID         string                     `json:"worker_id"`
	Domain           string                     `json:"domain"`
	Run              *types.CrawlRun            `json:"run,omitempty"`
	Counts           map[types.URLStatus]int64  `json:"counts"`
	Pending          int64                      `json:"pending"`
	PagesFetched     int64                      `json:"pages_fetched"`
	Errors           int64                      `json:"errors"`
	RatePerSec       float64                    `json:"rate_per_sec"`
	WatchdogRestarts int64                      `json:"watchdog_restarts"`
	Intelligence     types.IntelligenceState    `json:"intelligence"`
}

// CurrentStatus assembles the status snapshot.
func (w *Worker) CurrentStatus(ctx context.Context) (*Status, error) {
	counts, err := w.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := w.queue.PendingCount(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{
		State:            stateName(w.state.Load()),
		WorkerID:         w.id,
		Domain:           w.cfg.Crawl.Domain,
		Run:              w.run.Load(),
		Counts:           counts,
		Pending:          pending,
		PagesFetched:     w.fetched.Load(),
		Errors:           w.errs.Load(),
		RatePerSec:       w.limiter.Rate(w.cfg.Crawl.Domain),
		WatchdogRestarts: w.restarts.Load(),
		Intelligence:     w.intel.Snapshot(),
	}
	return st, nil
}

func stateName(s int32) string {
	switch s {
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	default:
		return "idle"
	}
}
