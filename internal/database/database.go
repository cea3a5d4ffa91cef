package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ledgerbridge/internal/syncerr"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DB is the durable keyed store for bindings, cache, history, rate limits,
// queue jobs and export jobs.
type DB struct {
	*sql.DB
	logger *zerolog.Logger
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers; one connection also keeps :memory: databases alive.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	l := logger.With().Str("component", "database").Logger()
	l.Info().Str("path", path).Msg("Database initialized")
	return &DB{DB: db, logger: &l}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS provider_bindings (
            id TEXT PRIMARY KEY,
            provider TEXT NOT NULL,
            tenant_id TEXT NOT NULL DEFAULT '',
            client_id TEXT NOT NULL DEFAULT '',
            client_secret TEXT NOT NULL DEFAULT '',
            access_token TEXT NOT NULL DEFAULT '',
            refresh_token TEXT NOT NULL DEFAULT '',
            expires_at INTEGER NOT NULL DEFAULT 0,
            base_url TEXT NOT NULL DEFAULT '',
            active INTEGER NOT NULL DEFAULT 1,
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            UNIQUE(provider, tenant_id)
        )`,
		`CREATE TABLE IF NOT EXISTS cached_entities (
            id TEXT PRIMARY KEY,
            provider TEXT NOT NULL,
            tenant_id TEXT NOT NULL DEFAULT '',
            entity_type TEXT NOT NULL,
            entity_id TEXT NOT NULL DEFAULT '',
            external_id TEXT NOT NULL,
            data TEXT NOT NULL,
            hash TEXT NOT NULL,
            last_sync_at INTEGER NOT NULL,
            UNIQUE(provider, tenant_id, entity_type, external_id)
        )`,
		`CREATE TABLE IF NOT EXISTS sync_history (
            id TEXT PRIMARY KEY,
            job_id TEXT NOT NULL DEFAULT '',
            provider TEXT NOT NULL,
            tenant_id TEXT NOT NULL DEFAULT '',
            entity_type TEXT NOT NULL DEFAULT '',
            operation TEXT NOT NULL,
            entity_id TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL,
            error TEXT NOT NULL DEFAULT '',
            retry_count INTEGER NOT NULL DEFAULT 0,
            started_at INTEGER NOT NULL,
            completed_at INTEGER,
            metadata TEXT NOT NULL DEFAULT '{}'
        )`,
		`CREATE TABLE IF NOT EXISTS rate_limits (
            provider TEXT NOT NULL,
            tenant_id TEXT NOT NULL DEFAULT '',
            endpoint TEXT NOT NULL,
            reset_at INTEGER NOT NULL,
            limit_count INTEGER NOT NULL,
            remaining INTEGER NOT NULL CHECK (remaining >= 0),
            request_count INTEGER NOT NULL DEFAULT 0,
            updated_at INTEGER NOT NULL,
            PRIMARY KEY (provider, tenant_id, endpoint)
        )`,
		`CREATE TABLE IF NOT EXISTS queue_jobs (
            id TEXT PRIMARY KEY,
            provider TEXT NOT NULL,
            tenant_id TEXT NOT NULL DEFAULT '',
            operation TEXT NOT NULL,
            entity_type TEXT NOT NULL DEFAULT '',
            args TEXT,
            status TEXT NOT NULL,
            priority TEXT NOT NULL DEFAULT 'normal',
            retry_count INTEGER NOT NULL DEFAULT 0,
            max_retries INTEGER NOT NULL DEFAULT 3,
            scheduled_at INTEGER NOT NULL,
            started_at INTEGER,
            completed_at INTEGER,
            error TEXT NOT NULL DEFAULT '',
            result TEXT,
            export_id TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL,
            CHECK (retry_count <= max_retries)
        )`,
		`CREATE TABLE IF NOT EXISTS export_jobs (
            id TEXT PRIMARY KEY,
            provider TEXT NOT NULL,
            tenant_id TEXT NOT NULL DEFAULT '',
            request TEXT NOT NULL,
            status TEXT NOT NULL,
            progress INTEGER NOT NULL DEFAULT 0,
            total INTEGER NOT NULL DEFAULT 0,
            processed INTEGER NOT NULL DEFAULT 0,
            locator TEXT NOT NULL DEFAULT '',
            vendor_job_id TEXT NOT NULL DEFAULT '',
            queue_job_id TEXT NOT NULL DEFAULT '',
            error TEXT NOT NULL DEFAULT '',
            created_at INTEGER NOT NULL,
            updated_at INTEGER NOT NULL
        )`,

		`CREATE INDEX IF NOT EXISTS idx_cached_entities_last_sync ON cached_entities(last_sync_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_history_binding ON sync_history(provider, tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_history_entity ON sync_history(entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_history_job ON sync_history(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_jobs_due ON queue_jobs(status, scheduled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_jobs_binding ON queue_jobs(provider, tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_export_jobs_status ON export_jobs(status, updated_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return syncerr.Newf(syncerr.ErrNotFound, what, "no rows")
	}
	return err
}
