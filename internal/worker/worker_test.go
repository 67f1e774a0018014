package worker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newsfleet/drover/internal/analyze"
	"github.com/newsfleet/drover/internal/config"
	"github.com/newsfleet/drover/internal/fetch"
	"github.com/newsfleet/drover/internal/intel"
	"github.com/newsfleet/drover/internal/queue"
	"github.com/newsfleet/drover/internal/ratelimit"
	"github.com/newsfleet/drover/internal/robots"
	"github.com/newsfleet/drover/internal/store"
	"github.com/newsfleet/drover/internal/types"
)

type testRig struct {
	worker *Worker
	store  *store.SQL
	queue  *queue.Queue
	intel  *intel.Tracker
	server *httptest.Server
	cfg    *config.Config
}

func newRig(t *testing.T, handler http.Handler, mutate func(*config.Config)) *testRig {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	host, err := url.Parse(srv.URL)
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Crawl.Domain = host.Hostname()
	cfg.Crawl.ClaimBatch = 1
	cfg.Crawl.IdleSleepMin = 5 * time.Millisecond
	cfg.Crawl.IdleSleepMax = 20 * time.Millisecond
	cfg.RateLimit.Capacity = 100
	cfg.RateLimit.RefillPerSec = 1000
	cfg.RateLimit.RateCeiling = 1000
	cfg.RateLimit.BackoffBase = 10 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.Default()
	st, err := store.Open("sqlite3", ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	q := queue.New(st, cfg.Queue, cfg.Crawl.Domain, logger)
	tr := intel.New(cfg.Intel, cfg.Analyzer.TemplateK, cfg.Crawl.Domain, logger)

	w := New(cfg, Deps{
		Store:    st,
		Queue:    q,
		Limiter:  ratelimit.New(cfg.RateLimit, logger),
		Robots:   robots.New(cfg.Robots, logger),
		Fetcher:  fetch.NewHTTPFetcher(cfg.Fetcher, cfg.Crawl.UserAgent, logger),
		Analyzer: analyze.New(cfg.Analyzer, logger),
		Intel:    tr,
		Logger:   logger,
	})
	return &testRig{worker: w, store: st, queue: q, intel: tr, server: srv, cfg: cfg}
}

func (r *testRig) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.worker.Stop(ctx); err != nil && err != types.ErrNotRunning {
		t.Fatalf("stop: %v", err)
	}
}

// articleBody generates per-path prose distinct enough that the near
// duplicate detector does not collapse the stories into one.
func articleBody(path string) string {
	h := fnv.New32a()
	h.Write([]byte(path))
	seed := int(h.Sum32() % 1000)

	var b strings.Builder
	b.WriteString("<html><body><article>")
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&b, "<p>Dispatch %s part %d: the ward %d committee voted %d to %d on measure M-%d after a %d minute session chaired by delegate %d.</p>",
			path, i, (seed*7+i*3)%97, (seed+i*13)%15, (seed*3+i)%11, seed*31+i*7, (seed*5+i*17)%240, (seed*11+i*29)%89)
	}
	b.WriteString(`</article><a href="/about-the-site">about</a></body></html>`)
	return b.String()
}

func newsSite() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		var b strings.Builder
		b.WriteString("<html><body><nav>")
		for i := 0; i < 12; i++ {
			fmt.Fprintf(&b, `<a href="/world/breaking-story-number-%d">story %d</a>`, i, i)
		}
		b.WriteString("</nav></body></html>")
		fmt.Fprint(w, b.String())
	})
	mux.HandleFunc("/world/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, articleBody(r.URL.Path))
	})
	mux.HandleFunc("/about-the-site", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><p>about</p></body></html>")
	})
	return mux
}

func TestWorkerCrawlsSite(t *testing.T) {
	rig := newRig(t, newsSite(), nil)
	ctx := context.Background()

	_, err := rig.queue.Seed(ctx, []string{rig.server.URL + "/"})
	require.NoError(t, err)

	require.NoError(t, rig.worker.Start(ctx))
	defer rig.stop(t)

	// Root + 12 stories + about page.
	require.Eventually(t, func() bool {
		counts, err := rig.store.CountByStatus(ctx)
		return err == nil && counts[types.StatusDone] >= 14 && counts[types.StatusPending] == 0
	}, 10*time.Second, 20*time.Millisecond)

	done, err := rig.store.RecentURLs(ctx, types.StatusDone, 50)
	require.NoError(t, err)

	var root *types.URLRecord
	articles := 0
	for i := range done {
		if done[i].Path == "/" {
			root = &done[i]
		}
		if done[i].Classification == types.ClassArticle {
			articles++
		}
	}
	require.NotNil(t, root)
	assert.Equal(t, types.ClassHub, root.Classification)
	assert.Equal(t, 12, root.LinksFound)

	// The first stories land before /world/{slug} is promoted; later ones
	// must classify as articles.
	assert.Greater(t, articles, 0, "promoted template should yield article classifications")
	assert.Contains(t, rig.intel.VerifiedTemplates(), "/world/{slug}")

	// Harvested links were persisted for export.
	links, err := rig.store.LinksCreatedIn(ctx, store.ExportWindow{
		Since: time.Time{}, Until: time.Now().Add(time.Hour), Limit: 1000,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, links)
}

func TestWorkerHonorsMaxPages(t *testing.T) {
	rig := newRig(t, newsSite(), func(c *config.Config) {
		c.Crawl.MaxPages = 1
	})
	ctx := context.Background()

	_, err := rig.queue.Seed(ctx, []string{rig.server.URL + "/"})
	require.NoError(t, err)
	require.NoError(t, rig.worker.Start(ctx))

	require.Eventually(t, func() bool {
		return rig.worker.state.Load() == stateIdle
	}, 10*time.Second, 20*time.Millisecond)

	counts, err := rig.store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[types.StatusDone])
}

func TestWorkerRetriesTransientErrors(t *testing.T) {
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "<html><body><p>recovered</p></body></html>")
	})
	rig := newRig(t, mux, nil)
	ctx := context.Background()

	_, err := rig.queue.Seed(ctx, []string{rig.server.URL + "/flaky"})
	require.NoError(t, err)
	require.NoError(t, rig.worker.Start(ctx))
	defer rig.stop(t)

	require.Eventually(t, func() bool {
		counts, err := rig.store.CountByStatus(ctx)
		return err == nil && counts[types.StatusDone] == 1
	}, 10*time.Second, 20*time.Millisecond)

	done, err := rig.store.RecentURLs(ctx, types.StatusDone, 1)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, 2, done[0].RetryCount)
	assert.Equal(t, int64(3), hits.Load())
}

func TestWorkerPermanent4xxIsNotRetried(t *testing.T) {
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	})
	rig := newRig(t, mux, nil)
	ctx := context.Background()

	_, err := rig.queue.Seed(ctx, []string{rig.server.URL + "/gone"})
	require.NoError(t, err)
	require.NoError(t, rig.worker.Start(ctx))
	defer rig.stop(t)

	require.Eventually(t, func() bool {
		counts, err := rig.store.CountByStatus(ctx)
		return err == nil && counts[types.StatusDead] == 1
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(1), hits.Load())

	dead, err := rig.store.RecentURLs(ctx, types.StatusDead, 1)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "http_404", dead[0].ErrorMsg)
	assert.Equal(t, 0, dead[0].RetryCount)
}

func TestWorkerRequeuesThrottled429(t *testing.T) {
	var hits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/hot", func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, "<html><body><p>cooled down</p></body></html>")
	})
	rig := newRig(t, mux, nil)
	ctx := context.Background()

	host, err := url.Parse(rig.server.URL)
	require.NoError(t, err)
	initialRate := rig.worker.limiter.Rate(host.Hostname())

	_, err = rig.queue.Seed(ctx, []string{rig.server.URL + "/hot"})
	require.NoError(t, err)
	require.NoError(t, rig.worker.Start(ctx))
	defer rig.stop(t)

	require.Eventually(t, func() bool {
		counts, err := rig.store.CountByStatus(ctx)
		return err == nil && counts[types.StatusDone] == 1
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, int64(2), hits.Load())

	// Throttling is host pressure, not a URL failure: no retry consumed,
	// nothing counted as an error, and the host rate backed off.
	done, err := rig.store.RecentURLs(ctx, types.StatusDone, 1)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, 0, done[0].RetryCount)
	assert.Equal(t, int64(0), rig.worker.errs.Load())
	assert.Less(t, rig.worker.limiter.Rate(host.Hostname()), initialRate)
}

func TestSetMaxPagesOverridesBudget(t *testing.T) {
	release := make(chan struct{})
	site := newsSite()
	mux := http.NewServeMux()
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		site.ServeHTTP(w, r)
	}))
	rig := newRig(t, mux, nil)
	ctx := context.Background()

	_, err := rig.queue.Seed(ctx, []string{rig.server.URL + "/"})
	require.NoError(t, err)
	require.NoError(t, rig.worker.Start(ctx))

	// The first fetch is parked on release, so the override is in place
	// before any budget check can pass.
	rig.worker.SetMaxPages(1)
	close(release)

	require.Eventually(t, func() bool {
		return rig.worker.state.Load() == stateIdle
	}, 10*time.Second, 20*time.Millisecond)

	counts, err := rig.store.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[types.StatusDone])
}

type failingAnalyzer struct{ err error }

func (f failingAnalyzer) Analyze(ctx context.Context, res *fetch.Result, knownTemplates []string) (*types.Analysis, error) {
	return &types.Analysis{Classification: types.ClassOther, Links: []types.Link{}}, f.err
}

func TestAnalyzerFailureIsDoneWithWarning(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><p>fine content, broken analyzer</p></body></html>")
	})
	rig := newRig(t, mux, nil)
	rig.worker.analyzer = failingAnalyzer{err: errors.New("selector exploded")}
	ctx := context.Background()

	_, err := rig.queue.Seed(ctx, []string{rig.server.URL + "/page"})
	require.NoError(t, err)
	require.NoError(t, rig.worker.Start(ctx))
	defer rig.stop(t)

	require.Eventually(t, func() bool {
		counts, err := rig.store.CountByStatus(ctx)
		return err == nil && counts[types.StatusDone] == 1
	}, 10*time.Second, 20*time.Millisecond)

	done, err := rig.store.RecentURLs(ctx, types.StatusDone, 1)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, types.ClassOther, done[0].Classification)
	assert.Contains(t, done[0].ErrorMsg, "analysis_failed")
	assert.Equal(t, 0, done[0].LinksFound)
	assert.Equal(t, int64(0), rig.worker.errs.Load())
	assert.Equal(t, int64(1), rig.worker.fetched.Load())
}

func TestAnalysisTimeoutIsError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/slow-parse", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body><p>body</p></body></html>")
	})
	rig := newRig(t, mux, func(c *config.Config) {
		c.Analyzer.AnalysisTimeout = time.Nanosecond
	})
	ctx := context.Background()

	_, err := rig.queue.Seed(ctx, []string{rig.server.URL + "/slow-parse"})
	require.NoError(t, err)
	require.NoError(t, rig.worker.Start(ctx))
	defer rig.stop(t)

	require.Eventually(t, func() bool {
		counts, err := rig.store.CountByStatus(ctx)
		return err == nil && counts[types.StatusError] == 1
	}, 10*time.Second, 20*time.Millisecond)

	failed, err := rig.store.RecentURLs(ctx, types.StatusError, 1)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "analysis_timeout", failed[0].ErrorMsg)
}

func TestWorkerRespectsRobots(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /secret\n")
	})
	mux.HandleFunc("/secret", func(w http.ResponseWriter, r *http.Request) {
		t.Error("disallowed URL must never be fetched")
	})
	rig := newRig(t, mux, nil)
	ctx := context.Background()

	_, err := rig.queue.Seed(ctx, []string{rig.server.URL + "/secret"})
	require.NoError(t, err)
	require.NoError(t, rig.worker.Start(ctx))
	defer rig.stop(t)

	require.Eventually(t, func() bool {
		counts, err := rig.store.CountByStatus(ctx)
		return err == nil && counts[types.StatusDead] == 1
	}, 10*time.Second, 20*time.Millisecond)

	dead, err := rig.store.RecentURLs(ctx, types.StatusDead, 1)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, string(types.KindRobots), dead[0].ErrorMsg)
}

func TestWatchdogExhaustsIntoFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done() // hang until the worker gives up
	})
	rig := newRig(t, mux, func(c *config.Config) {
		c.Watchdog.Interval = 50 * time.Millisecond
		c.Watchdog.MaxRestarts = 2
		c.Fetcher.Timeout = 30 * time.Second
	})
	ctx := context.Background()

	_, err := rig.queue.Seed(ctx, []string{rig.server.URL + "/"})
	require.NoError(t, err)
	require.NoError(t, rig.worker.Start(ctx))

	require.Eventually(t, func() bool {
		f := rig.intel.Fatal()
		return f != nil && f.Reason == types.FatalWatchdogExhausted &&
			rig.worker.state.Load() == stateIdle
	}, 10*time.Second, 20*time.Millisecond)

	run, err := rig.store.ActiveRun(ctx)
	require.NoError(t, err)
	assert.Nil(t, run, "failed run must be closed")
}

func TestStartStopLifecycle(t *testing.T) {
	rig := newRig(t, newsSite(), nil)
	ctx := context.Background()

	require.NoError(t, rig.worker.Start(ctx))
	assert.ErrorIs(t, rig.worker.Start(ctx), types.ErrAlreadyActive)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, rig.worker.Stop(stopCtx))
	assert.ErrorIs(t, rig.worker.Stop(stopCtx), types.ErrNotRunning)

	// A stopped worker can start a fresh run.
	require.NoError(t, rig.worker.Start(ctx))
	rig.stop(t)
}
