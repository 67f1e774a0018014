package store

import "fmt"

// Schema is additive-only. New columns get ALTER TABLE statements appended
// to migrations below rather than edits to the CREATE TABLE text.

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS urls (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	url             TEXT NOT NULL UNIQUE,
	host            TEXT NOT NULL,
	path            TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	priority        INTEGER NOT NULL DEFAULT 3,
	http_status     INTEGER NOT NULL DEFAULT 0,
	content_type    TEXT NOT NULL DEFAULT '',
	content_length  INTEGER NOT NULL DEFAULT 0,
	title           TEXT NOT NULL DEFAULT '',
	word_count      INTEGER NOT NULL DEFAULT 0,
	classification  TEXT NOT NULL DEFAULT '',
	depth           INTEGER NOT NULL DEFAULT 0,
	discovered_from INTEGER NOT NULL DEFAULT 0,
	links_found     INTEGER NOT NULL DEFAULT 0,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	reclaim_count   INTEGER NOT NULL DEFAULT 0,
	locked_by       TEXT NOT NULL DEFAULT '',
	locked_at       TIMESTAMP,
	visible_after   TIMESTAMP,
	fetched_at      TIMESTAMP,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL,
	error_msg       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_urls_dispatch ON urls (status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_urls_updated  ON urls (updated_at);

CREATE TABLE IF NOT EXISTS discovered_links (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	source_url_id INTEGER NOT NULL,
	target_url    TEXT NOT NULL,
	link_text     TEXT NOT NULL DEFAULT '',
	is_nav_link   BOOLEAN NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_links_created ON discovered_links (created_at);

CREATE TABLE IF NOT EXISTS crawl_runs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	target_domain TEXT NOT NULL,
	started_at    TIMESTAMP NOT NULL,
	ended_at      TIMESTAMP,
	total_fetched INTEGER NOT NULL DEFAULT 0,
	total_errors  INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'running'
);

CREATE TABLE IF NOT EXISTS crawl_log (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id  INTEGER NOT NULL,
	level   TEXT NOT NULL,
	message TEXT NOT NULL,
	data    TEXT NOT NULL DEFAULT '',
	ts      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS intelligence (
	domain     TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS urls (
	id              BIGSERIAL PRIMARY KEY,
	url             TEXT NOT NULL UNIQUE,
	host            TEXT NOT NULL,
	path            TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending',
	priority        INTEGER NOT NULL DEFAULT 3,
	http_status     INTEGER NOT NULL DEFAULT 0,
	content_type    TEXT NOT NULL DEFAULT '',
	content_length  BIGINT NOT NULL DEFAULT 0,
	title           TEXT NOT NULL DEFAULT '',
	word_count      INTEGER NOT NULL DEFAULT 0,
	classification  TEXT NOT NULL DEFAULT '',
	depth           INTEGER NOT NULL DEFAULT 0,
	discovered_from BIGINT NOT NULL DEFAULT 0,
	links_found     INTEGER NOT NULL DEFAULT 0,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	reclaim_count   INTEGER NOT NULL DEFAULT 0,
	locked_by       TEXT NOT NULL DEFAULT '',
	locked_at       TIMESTAMPTZ,
	visible_after   TIMESTAMPTZ,
	fetched_at      TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	error_msg       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_urls_dispatch ON urls (status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_urls_updated  ON urls (updated_at);

CREATE TABLE IF NOT EXISTS discovered_links (
	id            BIGSERIAL PRIMARY KEY,
	source_url_id BIGINT NOT NULL,
	target_url    TEXT NOT NULL,
	link_text     TEXT NOT NULL DEFAULT '',
	is_nav_link   BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_links_created ON discovered_links (created_at);

CREATE TABLE IF NOT EXISTS crawl_runs (
	id            BIGSERIAL PRIMARY KEY,
	target_domain TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	ended_at      TIMESTAMPTZ,
	total_fetched BIGINT NOT NULL DEFAULT 0,
	total_errors  BIGINT NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'running'
);

CREATE TABLE IF NOT EXISTS crawl_log (
	id      BIGSERIAL PRIMARY KEY,
	run_id  BIGINT NOT NULL,
	level   TEXT NOT NULL,
	message TEXT NOT NULL,
	data    TEXT NOT NULL DEFAULT '',
	ts      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS intelligence (
	domain     TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

func schemaFor(driver string) (string, error) {
	switch driver {
	case "sqlite3":
		return schemaSQLite, nil
	case "postgres":
		return schemaPostgres, nil
	default:
		return "", fmt.Errorf("unsupported store driver %q", driver)
	}
}
