// Package cache provides the SQLite-backed local cache of recent uploads,
// viewed records and audit entries. The cache is never authoritative and
// never holds plaintext or key material.
package cache

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/healthvault/internal/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS uploads (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	record_id       INTEGER NOT NULL,
	patient         TEXT NOT NULL,
	uploader        TEXT NOT NULL,
	content_pointer TEXT NOT NULL,
	integrity_hash  TEXT NOT NULL,
	record_label    TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS views (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	record_id       INTEGER NOT NULL,
	viewer          TEXT NOT NULL,
	patient         TEXT NOT NULL,
	content_pointer TEXT NOT NULL,
	record_type     TEXT NOT NULL,
	viewed_at       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS audit (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	ledger       TEXT NOT NULL DEFAULT '',
	event_key    TEXT NOT NULL,
	kind         TEXT NOT NULL,
	block_number INTEGER NOT NULL,
	log_index    INTEGER NOT NULL,
	record_id    INTEGER NOT NULL,
	tx_hash      TEXT NOT NULL DEFAULT '',
	event_values TEXT NOT NULL DEFAULT '{}',
	observed_at  DATETIME NOT NULL,
	UNIQUE (ledger, event_key)
);

CREATE INDEX IF NOT EXISTS idx_uploads_uploader ON uploads(uploader);
CREATE INDEX IF NOT EXISTS idx_views_viewer ON views(viewer);
`

// Limits bounds each table. Zero values fall back to DefaultLimits.
type Limits struct {
	Uploads int // per uploader
	Views   int // per viewer
	Audit   int
}

// DefaultLimits keeps the last 10 uploads, 10 views and 50 audit entries.
var DefaultLimits = Limits{Uploads: 10, Views: 10, Audit: 50}

// Store is the local cache surface used by the vault and the audit poller.
type Store interface {
	AppendUpload(ctx context.Context, u Upload) error
	RecentUploads(ctx context.Context, uploader models.Identity) ([]Upload, error)
	AppendView(ctx context.Context, v View) error
	RecentViews(ctx context.Context, viewer models.Identity) ([]View, error)
	AppendAudit(ctx context.Context, events []models.AuditEvent) error
	RecentAudit(ctx context.Context) ([]models.AuditEvent, error)
	Close() error
}

// DB wraps a sql.DB with cache operations.
type DB struct {
	conn   *sql.DB
	limits Limits
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string, limits Limits) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("cache: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}
	if err := dropUnscopedAudit(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: apply schema: %w", err)
	}
	if limits.Uploads <= 0 {
		limits.Uploads = DefaultLimits.Uploads
	}
	if limits.Views <= 0 {
		limits.Views = DefaultLimits.Views
	}
	if limits.Audit <= 0 {
		limits.Audit = DefaultLimits.Audit
	}
	return &DB{conn: conn, limits: limits}, nil
}

// dropUnscopedAudit removes an audit table written before entries carried
// their ledger instance. Its rows cannot be attributed to a ledger, and the
// poller rebuilds the log on its next pass.
func dropUnscopedAudit(conn *sql.DB) error {
	rows, err := conn.Query(`SELECT name FROM pragma_table_info('audit')`)
	if err != nil {
		return fmt.Errorf("cache: inspect audit table: %w", err)
	}
	var columns int
	scoped := false
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("cache: inspect audit table: %w", err)
		}
		columns++
		scoped = scoped || name == "ledger"
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("cache: inspect audit table: %w", err)
	}
	if columns == 0 || scoped {
		return nil
	}
	if _, err := conn.Exec(`DROP TABLE audit`); err != nil {
		return fmt.Errorf("cache: drop unscoped audit table: %w", err)
	}
	return nil
}

// Ping reports whether the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Verify *DB satisfies Store at compile time.
var _ Store = (*DB)(nil)
