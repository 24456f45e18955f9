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

	"github.com/mattn/go-sqlite3"

	"github.com/basket/crownd/internal/bus"
)

const (
	// v1: tasks, runs, evaluations, crown events, jobs, kv, audit log.
	schemaVersionV1  = 1
	schemaChecksumV1 = "crown-v1-2026-06-02-initial"

	// v2: adds tasks.crown_unrecoverable and the single-crowned-run index.
	schemaVersionV2  = 2
	schemaChecksumV2 = "crown-v2-2026-08-19-unrecoverable-one-crown"

	// v3: adds tasks.crown_needs_config.
	schemaVersionV3  = 3
	schemaChecksumV3 = "crown-v3-2026-10-14-needs-config"

	schemaVersionLatest  = schemaVersionV3
	schemaChecksumLatest = schemaChecksumV3

	defaultLeaseDuration = 30 * time.Second

	// timeLayout is fixed width so stored timestamps sort lexicographically.
	timeLayout = "2006-01-02 15:04:05.000000000"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrRunNotFound  = errors.New("run not found")
	ErrJobNotFound  = errors.New("job not found")
)

type Store struct {
	db    *sql.DB
	bus   *bus.Bus // may be nil in tests
	now   func() time.Time
	lease time.Duration
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".crownd", "crownd.db")
}

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
	// One connection serializes writers; Atomic relies on this.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{
		db:    db,
		bus:   eventBus,
		now:   func() time.Time { return time.Now().UTC() },
		lease: defaultLeaseDuration,
	}
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

// SetClock replaces the time source used for every stored timestamp.
func (s *Store) SetClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC() }
}

// SetLeaseDuration overrides how long a claimed job stays leased without a
// heartbeat.
func (s *Store) SetLeaseDuration(d time.Duration) {
	if d > 0 {
		s.lease = d
	}
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of the
// driver's busy_timeout (5s).
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
		// 50ms, 100ms, 200ms, 400ms, 500ms (capped).
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// Jitter: ±25% of delay.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	// Errors flattened to text by fmt.Errorf("%v") still count.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
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
		return fmt.Errorf("read schema version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("database schema v%d is newer than this binary (v%d)", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var checksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&checksum); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if checksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for v%d: have %q want %q", maxVersion, checksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL,
			is_completed INTEGER NOT NULL DEFAULT 0,
			crown_status TEXT NOT NULL DEFAULT 'none'
				CHECK (crown_status IN ('none', 'pending', 'in_progress', 'succeeded', 'error')),
			crown_error TEXT NOT NULL DEFAULT '',
			crown_retry_data TEXT NOT NULL DEFAULT '',
			crown_retry_count INTEGER NOT NULL DEFAULT 0,
			crown_last_retry_at TEXT,
			crown_is_refreshing INTEGER NOT NULL DEFAULT 0,
			crown_attempt_id TEXT NOT NULL DEFAULT '',
			selected_run_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS task_runs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			agent_name TEXT NOT NULL,
			model_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending', 'running', 'completed', 'failed')),
			sandbox_id TEXT NOT NULL DEFAULT '',
			repo TEXT NOT NULL DEFAULT '',
			base_ref TEXT NOT NULL DEFAULT '',
			new_branch TEXT,
			is_crowned INTEGER NOT NULL DEFAULT 0,
			crown_reason TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			pr_title TEXT NOT NULL DEFAULT '',
			pr_description TEXT NOT NULL DEFAULT '',
			pull_request_url TEXT NOT NULL DEFAULT '',
			pull_request_state TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS crown_evaluations (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL UNIQUE REFERENCES tasks(id) ON DELETE CASCADE,
			winner_run_id TEXT NOT NULL,
			candidate_run_ids TEXT NOT NULL,
			evaluation_prompt TEXT NOT NULL,
			evaluation_response TEXT NOT NULL DEFAULT '',
			had_empty_diffs INTEGER NOT NULL DEFAULT 0,
			auto_refresh_count INTEGER NOT NULL DEFAULT 0,
			is_fallback INTEGER NOT NULL DEFAULT 0,
			evaluation_note TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS crown_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			trace_id TEXT NOT NULL DEFAULT '-',
			trigger_name TEXT NOT NULL,
			state_from TEXT NOT NULL,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'QUEUED'
				CHECK (status IN ('QUEUED', 'RUNNING', 'SUCCEEDED', 'DEAD_LETTER')),
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			available_at TEXT NOT NULL,
			lease_owner TEXT,
			lease_expires_at TEXT,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trace_id TEXT NOT NULL DEFAULT '-',
			principal TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			decision TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration statement: %w", err)
		}
	}

	// v2 backfill for databases created at v1.
	if err := addColumnIfMissing(ctx, tx, "tasks", "crown_unrecoverable", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	// v3 backfill.
	if err := addColumnIfMissing(ctx, tx, "tasks", "crown_needs_config", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_crown_status ON tasks(crown_status, updated_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_completed ON tasks(is_completed, crown_status);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_id, created_at);`,
		// At most one crowned run per task.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_task_runs_one_crown ON task_runs(task_id) WHERE is_crowned = 1;`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_refresh ON crown_evaluations(had_empty_diffs, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_crown_events_task ON crown_events(task_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_available ON jobs(status, available_at, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(status, lease_expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);`,
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
	return nil
}

func addColumnIfMissing(ctx context.Context, tx *sql.Tx, table, column, decl string) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return fmt.Errorf("scan table info %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate table info %s: %w", table, err)
	}
	_ = rows.Close()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s;`, table, column, decl)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return v, nil
}

// Tx is the handle passed to Atomic callbacks. Every read and write made
// through it belongs to one SQLite transaction.
type Tx struct {
	tx     *sql.Tx
	store  *Store
	events []bus.Event
}

// Now returns the store clock, so rows written in one transaction agree on
// the timestamp source.
func (t *Tx) Now() time.Time {
	return t.store.now()
}

// Publish buffers an event that is delivered only if the transaction commits.
func (t *Tx) Publish(topic string, payload any) {
	t.events = append(t.events, bus.Event{Topic: topic, Payload: payload})
}

// Atomic runs fn inside a single transaction. Reads made through tx see a
// consistent snapshot and no other writer can interleave, so check-then-set
// logic inside fn is race free. fn may run more than once when SQLite reports
// BUSY, so it must not have side effects outside tx. Events published through
// tx reach the bus after commit. fn must not use the Store's own methods:
// the store has one connection and they would block on it.
func (s *Store) Atomic(ctx context.Context, fn func(tx *Tx) error) error {
	var committed []bus.Event
	err := retryOnBusy(ctx, 5, func() error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin atomic tx: %w", err)
		}
		defer func() { _ = sqlTx.Rollback() }()

		tx := &Tx{tx: sqlTx, store: s}
		if err := fn(tx); err != nil {
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("commit atomic tx: %w", err)
		}
		committed = tx.events
		return nil
	})
	if err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.PublishAll(committed)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// KVSet stores a key-value pair in the kv_store table (upsert).
func (s *Store) KVSet(ctx context.Context, key, val string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
	`, key, val)
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// KVGet retrieves a value from the kv_store. Returns empty string if key not found.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("kv_get: %w", err)
	}
	return val, nil
}

type RetentionResult struct {
	PurgedCrownEvents int64 `json:"purged_crown_events"`
	PurgedAuditLogs   int64 `json:"purged_audit_logs"`
	PurgedJobs        int64 `json:"purged_jobs"`
}

// RunRetention deletes history older than the configured windows. Finished
// jobs share the event window. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, eventDays, auditLogDays int) (RetentionResult, error) {
	var result RetentionResult

	if eventDays > 0 {
		cutoff := formatTime(s.now().AddDate(0, 0, -eventDays))
		res, err := s.db.ExecContext(ctx, `DELETE FROM crown_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge crown_events: %w", err)
		}
		result.PurgedCrownEvents, _ = res.RowsAffected()

		res, err = s.db.ExecContext(ctx, `DELETE FROM jobs WHERE status IN ('SUCCEEDED', 'DEAD_LETTER') AND updated_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge jobs: %w", err)
		}
		result.PurgedJobs, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := s.now().AddDate(0, 0, -auditLogDays).Format(time.RFC3339Nano)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	return result, nil
}
