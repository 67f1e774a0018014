// Package api is the worker's HTTP control surface: status, lifecycle,
// seeding, inspection, intelligence exchange, and the export endpoints.
package api

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/newsfleet/drover/internal/config"
	"github.com/newsfleet/drover/internal/export"
	"github.com/newsfleet/drover/internal/intel"
	"github.com/newsfleet/drover/internal/observability"
	"github.com/newsfleet/drover/internal/queue"
	"github.com/newsfleet/drover/internal/store"
	"github.com/newsfleet/drover/internal/types"
	"github.com/newsfleet/drover/internal/worker"
)

// Server wires the control surface over the worker's collaborators.
type Server struct {
	cfg     *config.Config
	worker  *worker.Worker
	queue   *queue.Queue
	store   store.Store
	export  *export.Pipeline
	intel   *intel.Tracker
	metrics *observability.Metrics
	logger  *slog.Logger

	http *http.Server
}

func New(cfg *config.Config, w *worker.Worker, q *queue.Queue, st store.Store, ex *export.Pipeline, tr *intel.Tracker, m *observability.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		worker:  w,
		queue:   q,
		store:   st,
		export:  ex,
		intel:   tr,
		metrics: m,
		logger:  logger.With("component", "api"),
	}
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/start", s.handleStart)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("POST /api/seed", s.handleSeed)
	mux.HandleFunc("GET /api/urls", s.handleURLs)
	mux.HandleFunc("GET /api/errors", s.handleErrors)
	mux.HandleFunc("GET /api/export", s.handleExport)
	mux.HandleFunc("GET /api/export/full", s.handleExportFull)
	mux.HandleFunc("GET /api/export/batch", s.handleExportBatch)
	mux.HandleFunc("GET /api/intelligence", s.handleIntelGet)
	mux.HandleFunc("POST /api/intelligence", s.handleIntelPost)
	if s.metrics != nil && s.cfg.Metrics.Enabled {
		mux.Handle("GET "+s.cfg.Metrics.Path, s.metrics.Handler())
	}
	return mux
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("control surface listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service": "drover",
		"version": config.Version,
		"domain":  s.cfg.Crawl.Domain,
		"endpoints": []string{
			"/api/status", "/api/start", "/api/stop", "/api/seed",
			"/api/urls", "/api/errors",
			"/api/export", "/api/export/full", "/api/export/batch",
			"/api/intelligence",
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.worker.CurrentStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxPages int `json:"maxPages"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
			return
		}
		if req.MaxPages < 0 {
			writeError(w, http.StatusBadRequest, errors.New("maxPages must be >= 0"))
			return
		}
	}

	err := s.worker.Start(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, types.ErrAlreadyActive):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		if req.MaxPages > 0 {
			s.worker.SetMaxPages(req.MaxPages)
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": "running"})
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	err := s.worker.Stop(ctx)
	switch {
	case errors.Is(err, types.ErrNotRunning):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"state": "stopped"})
	}
}

func (s *Server) handleSeed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URLs []string `json:"urls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if len(req.URLs) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("urls is required"))
		return
	}
	for _, u := range req.URLs {
		if err := config.ValidateSeedURL(u, s.cfg.Crawl.Domain); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%s: %w", u, err))
			return
		}
	}

	n, err := s.queue.Seed(r.Context(), req.URLs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"seeded": n})
}

func (s *Server) handleURLs(w http.ResponseWriter, r *http.Request) {
	status := types.URLStatus(r.URL.Query().Get("status"))
	switch status {
	case "", types.StatusPending, types.StatusFetching, types.StatusDone, types.StatusError, types.StatusDead:
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", status))
		return
	}
	limit := intParam(r, "limit", 100)

	urls, err := s.store.RecentURLs(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(urls), "urls": urls})
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	dist, err := s.store.ErrorDistribution(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": dist})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	q, err := exportQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	payload, err := s.export.Batch(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleExportFull(w http.ResponseWriter, r *http.Request) {
	payload, err := s.export.Batch(r.Context(), export.Query{Limit: intParam(r, "limit", 0)})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleExportBatch ships a gzip-compressed batch with its metadata in
// headers, and archives it to the configured sinks.
func (s *Server) handleExportBatch(w http.ResponseWriter, r *http.Request) {
	q, err := exportQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	payload, err := s.export.Batch(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.export.Archive(r.Context(), payload); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("archive batch: %w", err))
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("X-Batch-Id", payload.BatchID)
	w.Header().Set("X-Batch-Watermark", payload.Watermark.UTC().Format(time.RFC3339Nano))
	w.Header().Set("X-Batch-Urls", strconv.Itoa(payload.Counts["urls"]))
	w.Header().Set("X-Batch-Links", strconv.Itoa(payload.Counts["links"]))
	w.Header().Set("X-Uncompressed-Length", strconv.Itoa(len(raw)))
	w.WriteHeader(http.StatusOK)

	zw := gzip.NewWriter(w)
	if _, err := zw.Write(raw); err != nil {
		s.logger.Error("write batch", "err", err)
		return
	}
	if err := zw.Close(); err != nil {
		s.logger.Error("flush batch", "err", err)
	}
}

func (s *Server) handleIntelGet(w http.ResponseWriter, r *http.Request) {
	snap := s.intel.Snapshot()
	writeJSON(w, http.StatusOK, snap)
}

// handleIntelPost merges a peer worker's intelligence into this one.
func (s *Server) handleIntelPost(w http.ResponseWriter, r *http.Request) {
	var remote types.IntelligenceState
	if err := json.NewDecoder(r.Body).Decode(&remote); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
		return
	}
	if remote.Domain != "" && remote.Domain != s.cfg.Crawl.Domain {
		writeError(w, http.StatusBadRequest,
			fmt.Errorf("intelligence is for %q, this worker owns %q", remote.Domain, s.cfg.Crawl.Domain))
		return
	}
	s.intel.MergeRemote(remote)
	writeJSON(w, http.StatusOK, s.intel.Snapshot())
}

func exportQuery(r *http.Request) (export.Query, error) {
	var q export.Query
	qs := r.URL.Query()
	if v := qs.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return q, fmt.Errorf("since: %w", err)
		}
		q.Since = t
	}
	if v := qs.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return q, fmt.Errorf("until: %w", err)
		}
		q.Until = t
	}
	// window=N is shorthand for the last N seconds; mixing it with
	// explicit bounds is ambiguous and rejected.
	if v := qs.Get("window"); v != "" {
		if qs.Get("since") != "" || qs.Get("until") != "" {
			return q, errors.New("window cannot be combined with since/until")
		}
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return q, fmt.Errorf("window: want positive seconds, got %q", v)
		}
		q.Until = time.Now().UTC()
		q.Since = q.Until.Add(-time.Duration(secs) * time.Second)
	}
	q.Limit = intParam(r, "limit", 0)
	return q, nil
}

func intParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
