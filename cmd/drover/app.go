package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/newsfleet/drover/internal/analyze"
	"github.com/newsfleet/drover/internal/api"
	"github.com/newsfleet/drover/internal/config"
	"github.com/newsfleet/drover/internal/coord"
	"github.com/newsfleet/drover/internal/export"
	"github.com/newsfleet/drover/internal/fetch"
	"github.com/newsfleet/drover/internal/intel"
	"github.com/newsfleet/drover/internal/observability"
	"github.com/newsfleet/drover/internal/queue"
	"github.com/newsfleet/drover/internal/ratelimit"
	"github.com/newsfleet/drover/internal/robots"
	"github.com/newsfleet/drover/internal/store"
	"github.com/newsfleet/drover/internal/types"
	"github.com/newsfleet/drover/internal/worker"
)

// app is the assembled worker process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store   *store.SQL
	queue   *queue.Queue
	intel   *intel.Tracker
	worker  *worker.Worker
	export  *export.Pipeline
	server  *api.Server
	bus     *coord.Bus
	browser fetch.Fetcher
}

// buildApp constructs and connects every component. The returned app owns
// their lifecycles; call close when done.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN, logger)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}

	domain := cfg.Crawl.Domain
	q := queue.New(st, cfg.Queue, domain, logger)
	tr := intel.New(cfg.Intel, cfg.Analyzer.TemplateK, domain, logger)
	metrics := observability.New()

	var browser fetch.Fetcher
	if cfg.Fetcher.BrowserEnabled {
		b, err := fetch.NewBrowserFetcher(cfg.Fetcher, cfg.Crawl.UserAgent, logger)
		if err != nil {
			logger.Warn("browser fetcher unavailable, staying on plain HTTP", "err", err)
		} else {
			browser = b
		}
	}

	w := worker.New(cfg, worker.Deps{
		Store:    st,
		Queue:    q,
		Limiter:  ratelimit.New(cfg.RateLimit, logger),
		Robots:   robots.New(cfg.Robots, logger),
		Fetcher:  fetch.NewHTTPFetcher(cfg.Fetcher, cfg.Crawl.UserAgent, logger),
		Browser:  browser,
		Analyzer: analyze.New(cfg.Analyzer, logger),
		Intel:    tr,
		Metrics:  metrics,
		Logger:   logger,
	})

	var sinks []export.Sink
	if cfg.Export.ArchivePath != "" {
		fileSink, err := export.NewFileSink(cfg.Export.ArchivePath, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
		sinks = append(sinks, fileSink)
	}
	if cfg.Export.MongoURI != "" {
		mongoCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		mongoSink, err := export.NewMongoSink(mongoCtx, cfg.Export, logger)
		cancel()
		if err != nil {
			logger.Warn("mongo archive unavailable", "err", err)
		} else {
			sinks = append(sinks, mongoSink)
		}
	}
	ex := export.New(st, tr, cfg.Export, domain, metrics, logger, sinks...)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		queue:   q,
		intel:   tr,
		worker:  w,
		export:  ex,
		browser: browser,
	}
	a.server = api.New(cfg, w, q, st, ex, tr, metrics, logger)

	if cfg.Coord.RedisURL != "" {
		bus, err := coord.New(ctx, cfg.Coord.RedisURL, cfg.Coord.Channel, w.ID(), logger)
		if err != nil {
			logger.Warn("fleet bus unavailable, running standalone", "err", err)
		} else {
			a.bus = bus
			w.OnIntel = func(state types.IntelligenceState) {
				pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := bus.Publish(pubCtx, state); err != nil {
					logger.Warn("publish intelligence", "err", err)
				}
			}
			bus.Subscribe(ctx, domain, tr.MergeRemote)
		}
	}
	return a, nil
}

func (a *app) close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.browser != nil {
		a.browser.Close()
	}
	if err := a.export.Close(); err != nil {
		a.logger.Warn("close export sinks", "err", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", "err", err)
	}
}

// run serves the control surface, and when autostart is set also starts
// the crawl loop, until the context is cancelled or the loop finishes.
func (a *app) run(ctx context.Context, autostart bool, seeds []string) error {
	if len(seeds) > 0 {
		n, err := a.queue.Seed(ctx, seeds)
		if err != nil {
			return err
		}
		a.logger.Info("seeded", "new", n, "given", len(seeds))
	}

	if autostart {
		if err := a.worker.Start(ctx); err != nil && !errors.Is(err, types.ErrAlreadyActive) {
			return err
		}
		readyCtx, cancel := context.WithTimeout(ctx, a.cfg.Crawl.ReadinessTimeout)
		defer cancel()
		select {
		case <-a.worker.Ready():
		case <-readyCtx.Done():
			return configError(fmt.Errorf("worker not ready within %s", a.cfg.Crawl.ReadinessTimeout))
		}
		a.logger.Info("worker ready", "domain", a.cfg.Crawl.Domain)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.server.ListenAndServe)
	if autostart {
		done := a.worker.Done()
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-done:
				if f := a.intel.Fatal(); f != nil {
					return fmt.Errorf("%w: %s: %s", types.ErrFatal, f.Reason, f.Message)
				}
				return errCrawlComplete
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if err := a.worker.Stop(stopCtx); err != nil && !errors.Is(err, types.ErrNotRunning) {
			a.logger.Warn("stop worker", "err", err)
		}
		return a.server.Shutdown(shutCtx)
	})

	err := g.Wait()
	if errors.Is(err, errCrawlComplete) {
		return nil
	}
	return err
}

// errCrawlComplete signals a clean end of the crawl (page budget or
// drained frontier after stop); it shuts the process down with exit 0.
var errCrawlComplete = errors.New("crawl complete")

func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the target domain and serve the control surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := applyCommonFlags(cmd, cfg); err != nil {
				return configError(err)
			}
			seeds, _ := cmd.Flags().GetStringSlice("seed")
			for _, s := range seeds {
				if err := config.ValidateSeedURL(s, cfg.Crawl.Domain); err != nil {
					return configError(fmt.Errorf("seed %s: %w", s, err))
				}
			}

			logger := newLogger(cfg.Logging)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return runtimeError(err)
			}
			defer app.close()

			if err := app.run(ctx, true, seeds); err != nil {
				var ee *exitError
				if errors.As(err, &ee) {
					return err
				}
				return runtimeError(err)
			}
			return nil
		},
	}
	addCommonFlags(cmd)
	cmd.Flags().StringSlice("seed", nil, "seed URL (repeatable)")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the control surface without starting the crawl loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := applyCommonFlags(cmd, cfg); err != nil {
				return configError(err)
			}

			logger := newLogger(cfg.Logging)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return runtimeError(err)
			}
			defer app.close()

			if err := app.run(ctx, false, nil); err != nil {
				return runtimeError(err)
			}
			return nil
		},
	}
	addCommonFlags(cmd)
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}
