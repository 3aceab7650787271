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

	"github.com/basket/workqueue/internal/audit"
	"github.com/basket/workqueue/internal/bus"
	"github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "wq-v1-2026-09-02-queue-core"

	// v2: adds templates, artifacts and audit_log.
	schemaVersionV2  = 2
	schemaChecksumV2 = "wq-v2-2026-09-20-submission-records"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	busyRetries = 5
	maxOpenConn = 4
)

// Store is the durable queue, task, history and lease store.
type Store struct {
	db    *sql.DB
	bus   *bus.Bus // may be nil in tests
	clock func() time.Time
}

// Option configures a Store at Open time.
type Option func(*Store)

// WithClock overrides the time source used for timestamps and lease expiry.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".workqueue", "workqueue.db")
}

func Open(path string, eventBus *bus.Bus, opts ...Option) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// _txlock=immediate makes every transaction take the write lock at BEGIN,
	// which is how the claim and lease paths get their exclusive row read.
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL&_synchronous=FULL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConn)
	db.SetMaxIdleConns(maxOpenConn)

	store := &Store{db: db, bus: eventBus, clock: time.Now}
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

func (s *Store) Close() error {
	return s.db.Close()
}

// Now returns the store clock in UTC. All persisted timestamps come from here.
func (s *Store) Now() time.Time {
	return s.clock().UTC()
}

// retryOnBusy reruns f while SQLite reports BUSY or LOCKED, up to maxRetries
// extra attempts. The wait between attempts comes from busyBackoff and sits on
// top of the driver's own busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || !isSQLiteBusy(err) || attempt >= maxRetries {
			return err
		}
		timer := time.NewTimer(busyBackoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// busyBackoff doubles from 50ms up to a 500ms cap and applies +/-25% jitter.
func busyBackoff(attempt int) time.Duration {
	const (
		base = 50 * time.Millisecond
		ceil = 500 * time.Millisecond
	)
	d := ceil
	if attempt < 4 {
		d = min(base<<attempt, ceil)
	}
	return d - d/4 + time.Duration(rand.Int64N(int64(d/2)+1))
}

// isSQLiteBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED, either as
// a driver error or as text that lost its type through wrapping with %v.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
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

// WithTx runs fn inside a single IMMEDIATE transaction. Either every write fn
// makes is committed or none is. Busy errors rerun fn from the start; when
// retries are exhausted the result is ErrContention. Events queued on the Tx
// are published only after commit.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	var committed *Tx
	err := retryOnBusy(ctx, busyRetries, func() error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		tx := &Tx{tx: sqlTx, store: s}
		defer func() { _ = sqlTx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		committed = tx
		return nil
	})
	if err != nil {
		if isSQLiteBusy(err) {
			return fmt.Errorf("%w: %v", ErrContention, err)
		}
		return err
	}
	committed.publish()
	return nil
}

// Tx is a store transaction. Methods on Tx never commit on their own.
type Tx struct {
	tx     *sql.Tx
	store  *Store
	events []bus.Event
}

// Now returns the store clock.
func (tx *Tx) Now() time.Time {
	return tx.store.Now()
}

// Emit queues an event that is published only if the transaction commits.
func (tx *Tx) Emit(topic string, payload any) {
	tx.emit(topic, payload)
}

func (tx *Tx) emit(topic string, payload any) {
	tx.events = append(tx.events, bus.Event{Topic: topic, Payload: payload})
}

func (tx *Tx) publish() {
	if tx.store.bus == nil {
		return
	}
	for _, ev := range tx.events {
		tx.store.bus.Publish(ev.Topic, ev.Payload)
	}
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

	versionChecksums := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
	}
	if maxVersion != 0 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if want := versionChecksums[maxVersion]; existingChecksum != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existingChecksum, want)
		}
	}
	if maxVersion == schemaVersionLatest {
		if err := seedEnumsTx(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration table: %w", err)
		}
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}
	if err := seedEnumsTx(ctx, tx); err != nil {
		return err
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

	audit.Record(ctx, audit.DecisionAllow, "data.migration",
		fmt.Sprintf("schema migrated from v%d to v%d (checksum %s)", maxVersion, schemaVersionLatest, schemaChecksumLatest), "store")
	return nil
}

var tableStatements = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		role_key TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		contact TEXT NOT NULL DEFAULT '',
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS enum_groups (
		code TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1
	);`,
	`CREATE TABLE IF NOT EXISTS enum_values (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		group_code TEXT NOT NULL REFERENCES enum_groups(code),
		code TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		sort_order INTEGER NOT NULL DEFAULT 0,
		terminal INTEGER NOT NULL DEFAULT 0,
		UNIQUE(group_code, code)
	);`,
	`CREATE TABLE IF NOT EXISTS queues (
		id TEXT PRIMARY KEY,
		segment TEXT NOT NULL,
		status_code TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		owner_id TEXT REFERENCES agents(id),
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(segment, status_code)
	);`,
	`CREATE TABLE IF NOT EXISTS queue_items (
		id TEXT PRIMARY KEY,
		queue_id TEXT NOT NULL REFERENCES queues(id),
		external_ref TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL DEFAULT '{}',
		created_by TEXT REFERENCES agents(id),
		assigned_to TEXT REFERENCES agents(id),
		due_at DATETIME,
		locked_until DATETIME,
		current_state_id TEXT,
		status_value_id INTEGER NOT NULL REFERENCES enum_values(id),
		status_code TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		CHECK (assigned_to IS NOT NULL OR locked_until IS NULL)
	);`,
	`CREATE TABLE IF NOT EXISTS queue_item_states (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		item_id TEXT NOT NULL REFERENCES queue_items(id),
		status_code TEXT NOT NULL,
		status_value_id INTEGER NOT NULL REFERENCES enum_values(id),
		note TEXT NOT NULL DEFAULT '',
		actor_id TEXT REFERENCES agents(id),
		metadata TEXT NOT NULL DEFAULT '{}',
		trace_id TEXT NOT NULL DEFAULT '-',
		created_at DATETIME NOT NULL
	);`,
	`CREATE TRIGGER IF NOT EXISTS queue_item_states_no_update
		BEFORE UPDATE ON queue_item_states
		BEGIN SELECT RAISE(ABORT, 'queue_item_states is append-only'); END;`,
	`CREATE TRIGGER IF NOT EXISTS queue_item_states_no_delete
		BEFORE DELETE ON queue_item_states
		BEGIN SELECT RAISE(ABORT, 'queue_item_states is append-only'); END;`,
	`CREATE TABLE IF NOT EXISTS queue_locks (
		id TEXT PRIMARY KEY,
		scope TEXT NOT NULL CHECK(scope IN ('queue', 'item')),
		queue_id TEXT REFERENCES queues(id),
		item_id TEXT REFERENCES queue_items(id),
		owner_id TEXT NOT NULL REFERENCES agents(id),
		token TEXT NOT NULL UNIQUE,
		expires_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		CHECK ((scope = 'queue' AND queue_id IS NOT NULL AND item_id IS NULL)
			OR (scope = 'item' AND item_id IS NOT NULL AND queue_id IS NULL))
	);`,
	`CREATE TABLE IF NOT EXISTS handoff_rules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		current_segment TEXT NOT NULL,
		status_code TEXT,
		next_segment TEXT NOT NULL,
		template_codes TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS agent_preferences (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT UNIQUE REFERENCES agents(id),
		role_key TEXT UNIQUE,
		primary_segments TEXT NOT NULL DEFAULT '[]',
		fallback_segments TEXT NOT NULL DEFAULT '[]',
		pickup_statuses TEXT NOT NULL DEFAULT '[]',
		active_statuses TEXT NOT NULL DEFAULT '[]',
		accept_status TEXT NOT NULL,
		return_status TEXT NOT NULL,
		max_in_progress_minutes INTEGER NOT NULL,
		max_active_tasks INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		CHECK ((agent_id IS NULL) <> (role_key IS NULL))
	);`,
	`CREATE TABLE IF NOT EXISTS queue_item_templates (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL REFERENCES queue_items(id),
		template_code TEXT NOT NULL,
		template_type TEXT NOT NULL CHECK(template_type IN ('primary', 'checklist', 'reference')),
		version TEXT NOT NULL DEFAULT '',
		source_path TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		UNIQUE(item_id, template_code)
	);`,
	`CREATE TABLE IF NOT EXISTS queue_item_artifacts (
		id TEXT PRIMARY KEY,
		item_id TEXT NOT NULL REFERENCES queue_items(id),
		kind TEXT NOT NULL CHECK(kind IN ('link', 'file')),
		title TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		storage_path TEXT NOT NULL DEFAULT '',
		media_type TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		created_by TEXT REFERENCES agents(id),
		created_at DATETIME NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		decision TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_agents_role ON agents(role_key, active);`,
	`CREATE INDEX IF NOT EXISTS idx_items_claim ON queue_items(queue_id, assigned_to, status_value_id, priority DESC, created_at ASC);`,
	`CREATE INDEX IF NOT EXISTS idx_items_assignee ON queue_items(assigned_to, status_code);`,
	`CREATE INDEX IF NOT EXISTS idx_states_item_seq ON queue_item_states(item_id, seq);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_locks_queue ON queue_locks(queue_id) WHERE queue_id IS NOT NULL;`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_locks_item ON queue_locks(item_id) WHERE item_id IS NOT NULL;`,
	`CREATE INDEX IF NOT EXISTS idx_locks_expires ON queue_locks(expires_at);`,
	`CREATE INDEX IF NOT EXISTS idx_handoff_lookup ON handoff_rules(current_segment, status_code);`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_item ON queue_item_artifacts(item_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);`,
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: v.UTC(), Valid: true}
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}
