package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/unlockd/internal/domain"
	"github.com/roach88/unlockd/internal/registry"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on entitlement_grants.ledger_entry_id
const currentSchemaVersion = 1

// Store is the SQLite Backend.
//
// The pool holds a single connection, so SQLite's one-writer rule is
// enforced by database/sql: an Atomic transaction owns the connection until
// it commits or rolls back, and every other caller waits for it. Across
// processes sharing one file, transactions begin IMMEDIATE and wait on
// busy_timeout for the write lock.
type Store struct {
	db  *sql.DB
	now func() time.Time
	ids IDGenerator
}

// Option configures a Store or MemStore.
type Option func(*options)

type options struct {
	now func() time.Time
	ids IDGenerator
}

// WithClock overrides the wall clock used for created_at and granted_at.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator overrides the ledger entry id generator.
// Defaults to UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, ids: UUIDv7Generator{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	o := buildOptions(opts)
	return &Store{db: db, now: o.now, ids: o.ids}, nil
}

// dsn turns a file path into a go-sqlite3 URI whose transactions take the
// write lock at BEGIN. A deferred transaction that reads and then writes
// fails with SQLITE_BUSY without waiting when another process holds the lock.
func dsn(path string) string {
	return "file:" + path + "?_txlock=immediate&_busy_timeout=5000"
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return domain.Unavailable("ping", err)
	}
	return nil
}

// EnsureVerticals creates the record table and the entitlement view of
// every vertical in reg. Identifiers were validated by the registry; they
// are still quoted here.
func (s *Store) EnsureVerticals(ctx context.Context, reg *registry.Registry) error {
	for _, d := range reg.All() {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %q (
				id      TEXT    PRIMARY KEY,
				payload TEXT    NOT NULL,
				seq     INTEGER NOT NULL
			)`, d.RecordTable)); err != nil {
			return domain.Unavailable("create record table "+d.RecordTable, err)
		}

		if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
			CREATE VIEW IF NOT EXISTS %q AS
			SELECT account_id AS user_id, record_id AS %q, granted_at
			FROM entitlement_grants
			WHERE vertical_key = '%s'`, d.EntitlementTable, d.EntitlementKeyField, d.Key)); err != nil {
			return domain.Unavailable("create entitlement view "+d.EntitlementTable, err)
		}
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 indexes grants by the ledger entry that paid for them, so a
// charge can be traced to the records it bought.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_grants_ledger_entry
		ON entitlement_grants(ledger_entry_id)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
