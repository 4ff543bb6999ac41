package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/lifeline/internal/audit"
	"github.com/basket/lifeline/internal/bus"
	"github.com/mattn/go-sqlite3"
)

const (
	// v1: schedule, history, dedup, wake queue, inbox, kv, audit.
	schemaVersionV1  = 1
	schemaChecksumV1 = "ll-v1-heartbeat-core"

	// v2: history idempotency keys, inbox external ids and last_error.
	schemaVersionV2  = 2
	schemaChecksumV2 = "ll-v2-idempotency-inbox-errors"

	schemaVersionLatest = schemaVersionV2

	// Fixed-width UTC layout so TEXT columns compare lexically in time order.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

var schemaChecksums = map[int]string{
	schemaVersionV1: schemaChecksumV1,
	schemaVersionV2: schemaChecksumV2,
}

// ErrNotFound is returned by single-row lookups when the row does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db     *sql.DB
	bus    *bus.Bus // may be nil in tests
	logger *slog.Logger

	clockMu sync.RWMutex
	clock   func() time.Time
}

// Option configures a Store at Open time.
type Option func(*Store)

// WithLogger sets the logger used for non-fatal store warnings.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces the wall clock used for every timestamp the store writes or compares.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.clock = now
		}
	}
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".lifeline", "lifeline.db")
}

func Open(path string, eventBus *bus.Bus, opts ...Option) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, logger: slog.Default(), clock: time.Now}
	for _, opt := range opts {
		opt(store)
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

func (s *Store) Bus() *bus.Bus {
	return s.bus
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock swaps the clock after Open. Tests use it to advance simulated time.
func (s *Store) SetClock(now func() time.Time) {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	if now == nil {
		now = time.Now
	}
	s.clock = now
}

// Now returns the store's current time in UTC.
func (s *Store) Now() time.Time {
	s.clockMu.RLock()
	defer s.clockMu.RUnlock()
	return s.clock().UTC()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err = f(); err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := min(baseDelay<<uint(attempt), maxDelay)
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy reports SQLITE_BUSY and SQLITE_LOCKED, including driver errors that
// were flattened to text by a wrapping layer.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked
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
			applied_at TEXT NOT NULL
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

	rows, err := tx.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations;`)
	if err != nil {
		return fmt.Errorf("read schema migrations: %w", err)
	}
	for rows.Next() {
		var (
			version  int
			checksum string
		)
		if err := rows.Scan(&version, &checksum); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema migration: %w", err)
		}
		if want := schemaChecksums[version]; checksum != want {
			rows.Close()
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", version, checksum, want)
		}
	}
	rows.Close()

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS heartbeat_schedule (
			name TEXT PRIMARY KEY,
			task TEXT NOT NULL,
			schedule TEXT NOT NULL,
			params TEXT NOT NULL DEFAULT '{}',
			enabled INTEGER NOT NULL DEFAULT 1,
			priority INTEGER NOT NULL DEFAULT 0,
			timeout_ms INTEGER NOT NULL DEFAULT 30000,
			max_retries INTEGER NOT NULL DEFAULT 0,
			tier_minimum TEXT NOT NULL DEFAULT 'dead',
			last_run_at TEXT,
			next_run_at TEXT,
			last_result TEXT,
			last_error TEXT,
			run_count INTEGER NOT NULL DEFAULT 0,
			fail_count INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT,
			lease_expires_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS heartbeat_history (
			id TEXT PRIMARY KEY,
			task_name TEXT NOT NULL,
			tick_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			result TEXT NOT NULL,
			should_wake INTEGER NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS dedup_keys (
			key TEXT PRIMARY KEY,
			task_name TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS wake_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			reason TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			consumed_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS inbox_messages (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL DEFAULT '',
			sender TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'received' CHECK(status IN ('received', 'in_progress', 'processed', 'failed')),
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			received_at TEXT NOT NULL,
			claimed_at TEXT,
			processed_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subject TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// v2 columns. Re-running them on an upgraded db hits "duplicate column name", which is expected.
	for _, stmt := range []string{
		`ALTER TABLE heartbeat_history ADD COLUMN idempotency_key TEXT NOT NULL DEFAULT '';`,
		`ALTER TABLE inbox_messages ADD COLUMN external_id TEXT;`,
		`ALTER TABLE inbox_messages ADD COLUMN last_error TEXT NOT NULL DEFAULT '';`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if !isDuplicateColumn(err) {
				return fmt.Errorf("alter table: %w", err)
			}
			s.logger.Debug("schema column already present", "stmt", stmt)
		}
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_schedule_priority ON heartbeat_schedule(priority, name);`,
		`CREATE INDEX IF NOT EXISTS idx_history_task_started ON heartbeat_history(task_name, started_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_dedup_expires ON dedup_keys(expires_at);`,
		`CREATE INDEX IF NOT EXISTS idx_wake_unconsumed ON wake_events(consumed_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_inbox_status ON inbox_messages(status, received_at);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_inbox_external ON inbox_messages(source, external_id) WHERE external_id IS NOT NULL;`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	now := formatTime(s.Now())
	for version := schemaVersionV1; version <= schemaVersionLatest; version++ {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?);
		`, version, schemaChecksums[version], now); err != nil {
			return fmt.Errorf("record schema migration %d: %w", version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	if maxVersion < schemaVersionLatest {
		audit.Record(audit.DecisionAllow, "data.migration", "migration_applied",
			fmt.Sprintf("schema v%d -> v%d", maxVersion, schemaVersionLatest))
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return v, nil
}

// QuickCheck runs SQLite's integrity quick check and returns an error describing any problem.
func (s *Store) QuickCheck(ctx context.Context) error {
	var res string
	if err := s.db.QueryRowContext(ctx, `PRAGMA quick_check;`).Scan(&res); err != nil {
		return fmt.Errorf("quick check: %w", err)
	}
	if res != "ok" {
		return fmt.Errorf("quick check: %s", res)
	}
	return nil
}

func (s *Store) KVSet(ctx context.Context, key, val string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at;
		`, key, val, formatTime(s.Now()))
		return err
	})
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
		return "", fmt.Errorf("kv get: %w", err)
	}
	return val, nil
}

func (s *Store) KVDelete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func nullTimeString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func scanNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
