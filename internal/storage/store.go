// Package storage is the embedded relational store behind every durable
// entity in RemoteWiz: tasks, sessions, approvals, thread bindings, the
// append-only audit log, and upload references. It is the single source of
// truth; every other component reads and writes through it rather than
// caching state in memory, so a restart can never fork the truth.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "rw-v1-2026-07-31-initial-schema"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Store wraps the single SQLite connection used by the whole engine.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns "<cwd>/data/<name>.db" per the persisted-state layout.
func DefaultDBPath(name string) string {
	if name == "" {
		name = "remotewiz"
	}
	return filepath.Join("data", name+".db")
}

// Open creates or migrates the database at path, configures WAL journaling
// and a single serialized connection, and returns a ready Store.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath("")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// A single writer connection turns SQLite's own locking into the
	// serialization point for every transaction below; retryOnBusy absorbs
	// the remaining contention from the driver's own internal pooling.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for tooling (backup, doctor checks).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Backup writes a consistent snapshot of the live database to dstPath using
// SQLite's VACUUM INTO, which is safe to run concurrently with writers.
func (s *Store) Backup(ctx context.Context, dstPath string) error {
	if dstPath == "" {
		return fmt.Errorf("backup: destination path required")
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s';", strings.ReplaceAll(dstPath, "'", "''")))
	if err != nil {
		return fmt.Errorf("vacuum into: %w", err)
	}
	return nil
}

// retryOnBusy retries f while SQLite reports BUSY/LOCKED, using exponential
// backoff with jitter. Five attempts add roughly 1.5s on top of the driver's
// own 5s busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&checksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if checksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, checksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	for _, stmt := range []string{
		// Task Queue. Per-project exclusion and FIFO ordering are
		// enforced by the queries in tasks.go, not by any column here.
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_alias TEXT NOT NULL,
			project_path TEXT NOT NULL,
			prompt TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			adapter TEXT NOT NULL,
			continue_session INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK(status IN ('queued','running','needs_approval','done','failed')),
			result TEXT,
			error TEXT,
			tokens_used INTEGER NOT NULL DEFAULT 0,
			token_budget INTEGER,
			worker_pid INTEGER,
			worker_pid_start_ts DATETIME,
			checkpoint TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			completed_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project_status ON tasks(project_alias, status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_thread ON tasks(thread_id, created_at);`,

		// Session Store. TTL enforced by PruneExpiredSessions, not
		// a trigger, so the prune cadence stays under the engine's control.
		`CREATE TABLE IF NOT EXISTS sessions (
			thread_id TEXT NOT NULL,
			project_alias TEXT NOT NULL,
			session_ref TEXT NOT NULL,
			last_used_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (thread_id, project_alias)
		);`,

		// Approval Store.
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			action_class TEXT NOT NULL,
			description TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('pending','approved','denied')),
			requested_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			resolved_at DATETIME,
			resolver_id TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status, requested_at);`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_task ON approvals(task_id);`,

		// ThreadBinding.
		`CREATE TABLE IF NOT EXISTS thread_bindings (
			thread_id TEXT PRIMARY KEY,
			project_alias TEXT NOT NULL,
			adapter TEXT NOT NULL,
			creator_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,

		// Audit Log. Physically append-only: triggers below abort
		// any UPDATE/DELETE rather than relying on application discipline.
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			task_id TEXT,
			project_alias TEXT,
			thread_id TEXT,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_task ON audit_log(task_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_project ON audit_log(project_alias, id);`,
		`CREATE TRIGGER IF NOT EXISTS audit_log_no_update
			BEFORE UPDATE ON audit_log
			BEGIN
				SELECT RAISE(ABORT, 'audit_log is append-only: UPDATE is not permitted');
			END;`,
		`CREATE TRIGGER IF NOT EXISTS audit_log_no_delete
			BEFORE DELETE ON audit_log
			BEGIN
				SELECT RAISE(ABORT, 'audit_log is append-only: DELETE is not permitted');
			END;`,

		// UploadRef.
		`CREATE TABLE IF NOT EXISTS upload_refs (
			id TEXT PRIMARY KEY,
			project_alias TEXT NOT NULL,
			original_name TEXT NOT NULL,
			server_path TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at DATETIME,
			consumed_at DATETIME
		);`,
		`CREATE INDEX IF NOT EXISTS idx_upload_refs_project ON upload_refs(project_alias);`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema ledger: %w", err)
	}

	return tx.Commit()
}
