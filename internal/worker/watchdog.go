package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/newsfleet/drover/internal/types"
)

// watchdogLoop watches for a stalled crawl loop. Each tick without
// progress while work is pending costs one restart: the in-flight
// operation is cancelled so the loop unwinds and claims again. When the
// restart budget is spent the domain goes fatal.
func (w *Worker) watchdogLoop(ctx context.Context) error {
	interval := w.cfg.Watchdog.Interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := w.progressStamp()
	stalls := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if f := w.intel.Fatal(); f != nil {
			// The loop notices fatal itself; nothing to guard anymore.
			return nil
		}

		cur := w.progressStamp()
		if cur != last {
			last = cur
			if stalls > 0 {
				w.logger.Info("progress resumed, restart budget reset", "stalls", stalls)
			}
			stalls = 0
			w.restarts.Store(0)
			continue
		}

		counts, err := w.store.CountByStatus(ctx)
		if err != nil {
			w.logger.Error("watchdog counts", "err", err)
			continue
		}
		pending := counts[types.StatusPending]
		inflight := counts[types.StatusFetching]

		if pending+inflight == 0 {
			// An empty frontier is not a stall. Reseed the domain roots
			// so a drained crawl can pick the site up again.
			n, err := w.queue.Seed(ctx, w.domainRoots())
			if err != nil {
				w.logger.Error("watchdog reseed", "err", err)
			} else if n > 0 {
				w.logger.Info("watchdog reseeded empty frontier", "seeds", n)
				w.logEvent(ctx, "info", "watchdog reseeded", fmt.Sprintf(`{"seeds":%d}`, n))
			}
			continue
		}

		// A host suspension (Retry-After, network backoff) is deliberate
		// waiting, not a hang.
		if !w.limiter.SuspendedUntil(w.cfg.Crawl.Domain).IsZero() {
			continue
		}
		if inflight == 0 {
			// Nothing claimed and nothing dispatchable yet means the
			// remaining rows are delay-queued retries.
			if dispatchable, err := w.queue.PendingCount(ctx); err == nil && dispatchable == 0 {
				continue
			}
		}

		stalls++
		w.restarts.Add(1)
		if w.metrics != nil {
			w.metrics.WatchdogRestarts.Inc()
		}

		if stalls > w.cfg.Watchdog.MaxRestarts {
			w.intel.SetFatal(types.FatalWatchdogExhausted, fmt.Sprintf(
				"no progress across %d watchdog intervals of %s", stalls, interval))
			w.kick()
			return nil
		}

		w.logger.Warn("watchdog restarting stalled operation",
			"stall", stalls, "max", w.cfg.Watchdog.MaxRestarts, "pending", pending)
		w.logEvent(ctx, "warn", "watchdog restart", fmt.Sprintf(`{"stall":%d}`, stalls))
		w.kick()
	}
}

func (w *Worker) domainRoots() []string {
	domain := w.cfg.Crawl.Domain
	return []string{
		"https://" + domain + "/",
		"https://www." + domain + "/",
	}
}
