// Package observability exposes Prometheus metrics for the crawl worker.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the worker's instruments on a private registry so tests
// can build as many as they like without duplicate registration panics.
type Metrics struct {
	registry *prometheus.Registry

	Fetches          *prometheus.CounterVec
	FetchDuration    prometheus.Histogram
	Pages            *prometheus.CounterVec
	QueueDepth       prometheus.Gauge
	LinksDiscovered  prometheus.Counter
	LinksShed        prometheus.Counter
	LimiterRate      prometheus.Gauge
	RobotsDenied     prometheus.Counter
	WatchdogRestarts prometheus.Counter
	ExportBatches    prometheus.Counter
	ExportedURLs     prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drover",
			Name:      "fetches_total",
			Help:      "Fetch attempts by outcome (ok, or the error kind).",
		}, []string{"outcome"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "drover",
			Name:      "fetch_duration_seconds",
			Help:      "Wall time per fetch.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		Pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drover",
			Name:      "pages_total",
			Help:      "Completed pages by classification.",
		}, []string{"classification"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drover",
			Name:      "queue_pending",
			Help:      "Dispatchable frontier size.",
		}),
		LinksDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drover",
			Name:      "links_discovered_total",
			Help:      "Links harvested from fetched pages.",
		}),
		LinksShed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drover",
			Name:      "links_shed_total",
			Help:      "Low-priority links dropped under backpressure.",
		}),
		LimiterRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "drover",
			Name:      "limiter_rate_per_second",
			Help:      "Current adaptive refill rate for the target host.",
		}),
		RobotsDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drover",
			Name:      "robots_denied_total",
			Help:      "URLs skipped because robots.txt disallows them.",
		}),
		WatchdogRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drover",
			Name:      "watchdog_restarts_total",
			Help:      "Stalled-loop restarts triggered by the watchdog.",
		}),
		ExportBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drover",
			Name:      "export_batches_total",
			Help:      "Delta export batches served.",
		}),
		ExportedURLs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "drover",
			Name:      "exported_urls_total",
			Help:      "URL records shipped in export batches.",
		}),
	}
	reg.MustRegister(
		m.Fetches, m.FetchDuration, m.Pages, m.QueueDepth,
		m.LinksDiscovered, m.LinksShed, m.LimiterRate, m.RobotsDenied,
		m.WatchdogRestarts, m.ExportBatches, m.ExportedURLs,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
