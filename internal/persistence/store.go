// Package persistence is the SQLite-backed store for workspaces, tasks,
// agents, templates, messages, notifications and their audit trail.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/taskforce/internal/audit"
	"github.com/basket/taskforce/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "tf-v1-2026-09-orchestration-core"

	// v2 adds chat references and heartbeats.
	schemaVersionV2  = 2
	schemaChecksumV2 = "tf-v2-2026-10-chatrefs-heartbeats"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

// ErrNotFound is returned by lookups that require the row to exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

// DefaultDBPath returns ~/.taskforce/taskforce.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskforce", "taskforce.db")
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f while SQLite reports BUSY or LOCKED, backing off
// exponentially (50ms doubling, capped at 500ms) with jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = f(); err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks the message rather than sqlite3.Error so callers do
// not need the driver type.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
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
	if maxVersion > 0 {
		known := map[int]string{
			schemaVersionV1: schemaChecksumV1,
			schemaVersionV2: schemaChecksumV2,
		}
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existing != known[maxVersion] {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existing, known[maxVersion])
		}
		if maxVersion == schemaVersionLatest {
			return tx.Commit()
		}
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	audit.Record(context.Background(), audit.Entry{
		Decision: audit.Info,
		Action:   "data.migration",
		Reason:   fmt.Sprintf("schema migrated from v%d to v%d (checksum %s)", maxVersion, schemaVersionLatest, schemaChecksumLatest),
	})
	return nil
}

// Timestamps are unix milliseconds so windows and TTLs compare exactly.
var tableStatements = []string{
	`CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT 'en',
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		scope_id TEXT NOT NULL,
		parent_task_id TEXT REFERENCES tasks(id) ON DELETE SET NULL,
		title TEXT NOT NULL,
		title_key TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK(status IN ('inbox', 'assigned', 'in_progress', 'blocked', 'review', 'done')),
		assignees TEXT NOT NULL DEFAULT '[]',
		priority TEXT NOT NULL DEFAULT 'medium',
		tags TEXT NOT NULL DEFAULT '[]',
		created_by TEXT NOT NULL DEFAULT '',
		lock_owner TEXT,
		lock_expires_at INTEGER,
		parent_notified_at INTEGER,
		done_cleared_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS agent_templates (
		id TEXT PRIMARY KEY,
		scope_id TEXT NOT NULL DEFAULT '',
		slug TEXT NOT NULL,
		display_name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		system_prompt TEXT NOT NULL DEFAULT '',
		allowed_tools TEXT,
		is_lead INTEGER NOT NULL DEFAULT 0,
		completion_contract INTEGER NOT NULL DEFAULT 0,
		tool_protocol TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		UNIQUE(scope_id, slug)
	);`,
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		scope_id TEXT NOT NULL,
		template_id TEXT,
		slug TEXT NOT NULL,
		display_name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		session_key TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'idle' CHECK(status IN ('idle', 'active', 'blocked')),
		allowed_tools TEXT,
		system_prompt TEXT NOT NULL DEFAULT '',
		is_lead INTEGER NOT NULL DEFAULT 0,
		completion_contract INTEGER NOT NULL DEFAULT 0,
		tool_protocol TEXT NOT NULL DEFAULT '',
		last_seen_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		scope_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		content TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'chat' CHECK(kind IN ('chat', 'tool', 'system')),
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		scope_id TEXT NOT NULL,
		recipient TEXT NOT NULL,
		content TEXT NOT NULL,
		delivered INTEGER NOT NULL DEFAULT 0,
		delivered_at INTEGER,
		task_id TEXT,
		source_message_id TEXT,
		source_kind TEXT NOT NULL DEFAULT 'direct' CHECK(source_kind IN ('mention', 'subscription', 'direct')),
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS thread_subscriptions (
		scope_id TEXT NOT NULL,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		session_key TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT 'manual',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (scope_id, task_id, session_key)
	);`,
	`CREATE TABLE IF NOT EXISTS task_events (
		event_id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		scope_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		from_status TEXT,
		to_status TEXT,
		actor TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		trace_id TEXT NOT NULL DEFAULT '-',
		run_id TEXT,
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT NOT NULL DEFAULT '-',
		actor TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		decision TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		policy_version TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS knowledge_docs (
		id TEXT PRIMARY KEY,
		scope_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);`,
	// v2
	`CREATE TABLE IF NOT EXISTS task_chat_refs (
		task_id TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
		channel TEXT NOT NULL,
		chat_ref TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(channel, chat_ref)
	);`,
	`CREATE TABLE IF NOT EXISTS heartbeats (
		id TEXT PRIMARY KEY,
		scope_id TEXT NOT NULL,
		agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		cron_expr TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		last_run_at INTEGER,
		next_run_at INTEGER,
		created_at INTEGER NOT NULL
	);`,
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_tasks_scope_status ON tasks(scope_id, status);`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_parent_title ON tasks(parent_task_id, title_key, created_at);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_scope_session ON agents(scope_id, session_key) WHERE session_key != '';`,
	`CREATE INDEX IF NOT EXISTS idx_agents_scope_slug ON agents(scope_id, slug);`,
	`CREATE INDEX IF NOT EXISTS idx_agents_template ON agents(scope_id, template_id);`,
	`CREATE INDEX IF NOT EXISTS idx_messages_task_time ON messages(task_id, created_at);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_notifications_source_recipient ON notifications(source_message_id, recipient) WHERE source_message_id IS NOT NULL;`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications(recipient, delivered, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
	`CREATE INDEX IF NOT EXISTS idx_knowledge_scope ON knowledge_docs(scope_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_heartbeats_due ON heartbeats(enabled, next_run_at);`,
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) publish(topic string, payload any) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}
