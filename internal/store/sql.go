package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/newsfleet/drover/internal/types"
)

// SQL implements Store over SQLite or Postgres through sqlx.
type SQL struct {
	db     *sqlx.DB
	driver string
	logger *slog.Logger

	now func() time.Time // injectable for tests
}

// Open connects and configures the pool. Call Migrate before first use.
func Open(driver, dsn string, logger *slog.Logger) (*SQL, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, &types.StoreError{Op: "open", Err: err}
	}

	switch driver {
	case "sqlite3":
		// SQLite serializes writers; a single connection avoids
		// SQLITE_BUSY churn under the worker + HTTP surface.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
		} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, &types.StoreError{Op: "pragma", Err: err}
			}
		}
	case "postgres":
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	return &SQL{
		db:     db,
		driver: driver,
		logger: logger.With("component", "store"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetNow overrides the clock. Test hook.
func (s *SQL) SetNow(now func() time.Time) { s.now = now }

func (s *SQL) Migrate(ctx context.Context) error {
	ddl, err := schemaFor(s.driver)
	if err != nil {
		return &types.StoreError{Op: "migrate", Err: err}
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return &types.StoreError{Op: "migrate", Err: err}
	}
	s.logger.Debug("schema ready", "driver", s.driver)
	return nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func (s *SQL) InsertURL(ctx context.Context, rec *types.URLRecord) (bool, error) {
	now := s.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.Status == "" {
		rec.Status = types.StatusPending
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO urls (url, host, path, status, priority, depth, discovered_from, visible_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (url) DO NOTHING`),
		rec.URL, rec.Host, rec.Path, rec.Status, rec.Priority,
		rec.Depth, rec.DiscoveredFrom, rec.VisibleAfter, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return false, &types.StoreError{Op: "insert_url", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &types.StoreError{Op: "insert_url", Err: err}
	}
	return n > 0, nil
}

func (s *SQL) Claim(ctx context.Context, limit int, workerID string, visibility time.Duration, maxReclaims int) ([]types.URLRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.now()
	cutoff := now.Add(-visibility)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, &types.StoreError{Op: "claim", Err: err}
	}
	defer tx.Rollback()

	// Rows whose lock expired past the reclaim budget die as abandoned.
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE urls SET status = 'dead', error_msg = 'abandoned', locked_by = '', locked_at = NULL, updated_at = ?
		WHERE status = 'fetching' AND locked_at <= ? AND reclaim_count >= ?`),
		now, cutoff, maxReclaims); err != nil {
		return nil, &types.StoreError{Op: "claim_abandon", Err: err}
	}

	// Everything else with an expired lock goes back to pending.
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE urls SET status = 'pending', reclaim_count = reclaim_count + 1, locked_by = '', locked_at = NULL, updated_at = ?
		WHERE status = 'fetching' AND locked_at <= ? AND reclaim_count < ?`),
		now, cutoff, maxReclaims); err != nil {
		return nil, &types.StoreError{Op: "claim_reclaim", Err: err}
	}

	q := `
		SELECT * FROM urls
		WHERE status = 'pending' AND (visible_after IS NULL OR visible_after <= ?)
		ORDER BY priority ASC, created_at ASC, id ASC
		LIMIT ?`
	if s.driver == "postgres" {
		q += " FOR UPDATE SKIP LOCKED"
	}
	var rows []types.URLRecord
	if err := tx.SelectContext(ctx, &rows, tx.Rebind(q), now, limit); err != nil {
		return nil, &types.StoreError{Op: "claim_select", Err: err}
	}
	if len(rows) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]int64, len(rows))
	for i := range rows {
		ids[i] = rows[i].ID
	}
	lock, args, err := sqlx.In(`
		UPDATE urls SET status = 'fetching', locked_by = ?, locked_at = ?, updated_at = ?
		WHERE id IN (?)`, workerID, now, now, ids)
	if err != nil {
		return nil, &types.StoreError{Op: "claim_lock", Err: err}
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(lock), args...); err != nil {
		return nil, &types.StoreError{Op: "claim_lock", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &types.StoreError{Op: "claim", Err: err}
	}

	lockedAt := now
	for i := range rows {
		rows[i].Status = types.StatusFetching
		rows[i].LockedBy = workerID
		rows[i].LockedAt = &lockedAt
	}
	return rows, nil
}

func (s *SQL) Complete(ctx context.Context, id int64, out Outcome) error {
	now := s.now()

	if out.Retry {
		var visible *time.Time
		if !out.VisibleAfter.IsZero() {
			v := out.VisibleAfter
			visible = &v
		}
		bump := 1
		if out.Throttled {
			bump = 0
		}
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE urls SET status = 'pending', retry_count = retry_count + ?,
				locked_by = '', locked_at = NULL, visible_after = ?,
				http_status = ?, error_msg = ?, updated_at = ?
			WHERE id = ?`),
			bump, visible, out.HTTPStatus, out.ErrorMsg, now, id)
		if err != nil {
			return &types.StoreError{Op: "complete_retry", Err: err}
		}
		return nil
	}

	var fetchedAt *time.Time
	if out.Status == types.StatusDone {
		fetchedAt = &now
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE urls SET status = ?, http_status = ?, content_type = ?, content_length = ?,
			title = ?, word_count = ?, classification = ?, links_found = ?,
			error_msg = ?, locked_by = '', locked_at = NULL, visible_after = NULL,
			fetched_at = COALESCE(?, fetched_at), updated_at = ?
		WHERE id = ?`),
		out.Status, out.HTTPStatus, out.ContentType, out.ContentLength,
		out.Title, out.WordCount, out.Classification, out.LinksFound,
		out.ErrorMsg, fetchedAt, now, id)
	if err != nil {
		return &types.StoreError{Op: "complete", Err: err}
	}
	return nil
}

func (s *SQL) ExtendLock(ctx context.Context, id int64, workerID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE urls SET locked_at = ?, updated_at = ?
		WHERE id = ? AND status = 'fetching' AND locked_by = ?`),
		s.now(), s.now(), id, workerID)
	if err != nil {
		return &types.StoreError{Op: "extend_lock", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &types.StoreError{Op: "extend_lock", Err: errors.New("lock not held")}
	}
	return nil
}

func (s *SQL) ReleaseLock(ctx context.Context, id int64, workerID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE urls SET status = 'pending', locked_by = '', locked_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'fetching' AND locked_by = ?`),
		s.now(), id, workerID)
	if err != nil {
		return &types.StoreError{Op: "release_lock", Err: err}
	}
	return nil
}

func (s *SQL) RequeueForRevisit(ctx context.Context, url string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE urls SET status = 'pending', retry_count = 0, reclaim_count = 0,
			visible_after = NULL, error_msg = '', updated_at = ?
		WHERE url = ? AND status = 'done'`),
		s.now(), url)
	if err != nil {
		return &types.StoreError{Op: "requeue", Err: err}
	}
	return nil
}

func (s *SQL) HasURL(ctx context.Context, url string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(1) FROM urls WHERE url = ?`), url)
	if err != nil {
		return false, &types.StoreError{Op: "has_url", Err: err}
	}
	return n > 0, nil
}

func (s *SQL) CountByStatus(ctx context.Context) (map[types.URLStatus]int64, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT status, COUNT(1) FROM urls GROUP BY status`)
	if err != nil {
		return nil, &types.StoreError{Op: "count_status", Err: err}
	}
	defer rows.Close()

	out := make(map[types.URLStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, &types.StoreError{Op: "count_status", Err: err}
		}
		out[types.URLStatus(status)] = n
	}
	return out, rows.Err()
}

func (s *SQL) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`
		SELECT COUNT(1) FROM urls
		WHERE status = 'pending' AND (visible_after IS NULL OR visible_after <= ?)`),
		s.now())
	if err != nil {
		return 0, &types.StoreError{Op: "pending_count", Err: err}
	}
	return n, nil
}

func (s *SQL) RecentURLs(ctx context.Context, status types.URLStatus, limit int) ([]types.URLRecord, error) {
	var rows []types.URLRecord
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(`
			SELECT * FROM urls ORDER BY updated_at DESC, id DESC LIMIT ?`), limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, s.db.Rebind(`
			SELECT * FROM urls WHERE status = ? ORDER BY updated_at DESC, id DESC LIMIT ?`), status, limit)
	}
	if err != nil {
		return nil, &types.StoreError{Op: "recent_urls", Err: err}
	}
	return rows, nil
}

func (s *SQL) ErrorDistribution(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT error_msg, COUNT(1) FROM urls WHERE status IN ('error', 'dead') GROUP BY error_msg`)
	if err != nil {
		return nil, &types.StoreError{Op: "error_dist", Err: err}
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var msg string
		var n int64
		if err := rows.Scan(&msg, &n); err != nil {
			return nil, &types.StoreError{Op: "error_dist", Err: err}
		}
		// Collapse detail after the first colon so one bucket per kind.
		if i := strings.IndexByte(msg, ':'); i > 0 {
			msg = msg[:i]
		}
		if msg == "" {
			msg = "unknown"
		}
		out[msg] += n
	}
	return out, rows.Err()
}

func (s *SQL) InsertLinks(ctx context.Context, links []types.DiscoveredLink) error {
	if len(links) == 0 {
		return nil
	}
	now := s.now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &types.StoreError{Op: "insert_links", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
		INSERT INTO discovered_links (source_url_id, target_url, link_text, is_nav_link, created_at)
		VALUES (?, ?, ?, ?, ?)`))
	if err != nil {
		return &types.StoreError{Op: "insert_links", Err: err}
	}
	defer stmt.Close()

	for _, l := range links {
		created := l.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := stmt.ExecContext(ctx, l.SourceURLID, l.TargetURL, l.LinkText, l.IsNavLink, created); err != nil {
			return &types.StoreError{Op: "insert_links", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &types.StoreError{Op: "insert_links", Err: err}
	}
	return nil
}

func (s *SQL) URLsUpdatedIn(ctx context.Context, w ExportWindow) ([]types.URLRecord, error) {
	var rows []types.URLRecord
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT * FROM urls WHERE updated_at > ? AND updated_at <= ?
		ORDER BY updated_at ASC, id ASC LIMIT ?`),
		w.Since, w.Until, w.Limit)
	if err != nil {
		return nil, &types.StoreError{Op: "urls_updated_in", Err: err}
	}
	return rows, nil
}

func (s *SQL) LinksCreatedIn(ctx context.Context, w ExportWindow) ([]types.DiscoveredLink, error) {
	var rows []types.DiscoveredLink
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT * FROM discovered_links WHERE created_at > ? AND created_at <= ?
		ORDER BY created_at ASC, id ASC LIMIT ?`),
		w.Since, w.Until, w.Limit)
	if err != nil {
		return nil, &types.StoreError{Op: "links_created_in", Err: err}
	}
	return rows, nil
}

func (s *SQL) StartRun(ctx context.Context, domain string) (*types.CrawlRun, error) {
	now := s.now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, &types.StoreError{Op: "start_run", Err: err}
	}
	defer tx.Rollback()

	var active int
	if err := tx.GetContext(ctx, &active,
		`SELECT COUNT(1) FROM crawl_runs WHERE status IN ('running', 'stopping')`); err != nil {
		return nil, &types.StoreError{Op: "start_run", Err: err}
	}
	if active > 0 {
		return nil, types.ErrAlreadyActive
	}

	run := &types.CrawlRun{
		TargetDomain: domain,
		StartedAt:    now,
		Status:       types.RunRunning,
	}
	if s.driver == "postgres" {
		err = tx.GetContext(ctx, &run.ID, tx.Rebind(`
			INSERT INTO crawl_runs (target_domain, started_at, status)
			VALUES (?, ?, ?) RETURNING id`),
			domain, now, run.Status)
	} else {
		var res sql.Result
		res, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO crawl_runs (target_domain, started_at, status)
			VALUES (?, ?, ?)`),
			domain, now, run.Status)
		if err == nil {
			run.ID, err = res.LastInsertId()
		}
	}
	if err != nil {
		return nil, &types.StoreError{Op: "start_run", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &types.StoreError{Op: "start_run", Err: err}
	}
	return run, nil
}

func (s *SQL) ActiveRun(ctx context.Context) (*types.CrawlRun, error) {
	var run types.CrawlRun
	err := s.db.GetContext(ctx, &run, `
		SELECT * FROM crawl_runs WHERE status IN ('running', 'stopping')
		ORDER BY id DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &types.StoreError{Op: "active_run", Err: err}
	}
	return &run, nil
}

func (s *SQL) FinishRun(ctx context.Context, id int64, status types.RunStatus, fetched, errCount int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE crawl_runs SET status = ?, ended_at = ?, total_fetched = ?, total_errors = ?
		WHERE id = ?`),
		status, s.now(), fetched, errCount, id)
	if err != nil {
		return &types.StoreError{Op: "finish_run", Err: err}
	}
	return nil
}

func (s *SQL) RunsUpdatedIn(ctx context.Context, w ExportWindow) ([]types.CrawlRun, error) {
	var runs []types.CrawlRun
	err := s.db.SelectContext(ctx, &runs, s.db.Rebind(`
		SELECT * FROM crawl_runs
		WHERE started_at > ? OR (ended_at IS NOT NULL AND ended_at > ?)
		ORDER BY id ASC LIMIT ?`),
		w.Since, w.Since, w.Limit)
	if err != nil {
		return nil, &types.StoreError{Op: "runs_updated_in", Err: err}
	}
	return runs, nil
}

func (s *SQL) AppendLog(ctx context.Context, entry *types.LogEntry) error {
	ts := entry.TS
	if ts.IsZero() {
		ts = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO crawl_log (run_id, level, message, data, ts) VALUES (?, ?, ?, ?, ?)`),
		entry.RunID, entry.Level, entry.Message, entry.Data, ts)
	if err != nil {
		return &types.StoreError{Op: "append_log", Err: err}
	}
	return nil
}

func (s *SQL) SaveIntelligence(ctx context.Context, state *types.IntelligenceState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return &types.StoreError{Op: "save_intel", Err: err}
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO intelligence (domain, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (domain) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`),
		state.Domain, string(blob), s.now())
	if err != nil {
		return &types.StoreError{Op: "save_intel", Err: err}
	}
	return nil
}

func (s *SQL) LoadIntelligence(ctx context.Context, domain string) (*types.IntelligenceState, error) {
	var blob string
	err := s.db.GetContext(ctx, &blob, s.db.Rebind(`SELECT state FROM intelligence WHERE domain = ?`), domain)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &types.StoreError{Op: "load_intel", Err: err}
	}
	var state types.IntelligenceState
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return nil, &types.StoreError{Op: "load_intel", Err: err}
	}
	return &state, nil
}
