// Package dbopen opens SQLite databases with the pragmas every replay store
// expects (WAL, busy timeout, NORMAL sync, foreign keys). The pragmas are
// passed as _pragma DSN parameters, which the driver runs on every new
// pooled connection, and executed once more after opening so a bad value
// fails Open.
//
// Usage:
//
//	db, err := dbopen.Open("replay.db", dbopen.WithMkdirAll(), dbopen.WithSchema(schema))
//
// In tests:
//
//	db := dbopen.OpenMemory(t)
package dbopen

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

type config struct {
	busyTimeout int
	synchronous string
	mkdirAll    bool
	schemas     []string
	ping        bool
}

// Option customises Open behaviour.
type Option func(*config)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithSynchronous sets PRAGMA synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option { return func(c *config) { c.synchronous = mode } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithSchema queues inline SQL to execute after pragmas are applied.
func WithSchema(s string) Option { return func(c *config) { c.schemas = append(c.schemas, s) } }

// WithoutPing skips the connectivity check after opening.
func WithoutPing() Option { return func(c *config) { c.ping = false } }

// Open opens the SQLite database at path.
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := config{busyTimeout: 10_000, synchronous: "NORMAL", ping: true}
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open(driverName, dsn(path, &cfg))
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}

	if err := setup(db, &cfg); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func pragmas(cfg *config) [][2]string {
	return [][2]string{
		{"foreign_keys", "1"},
		{"journal_mode", "WAL"},
		{"busy_timeout", fmt.Sprint(cfg.busyTimeout)},
		{"synchronous", cfg.synchronous},
	}
}

// dsn appends the pragmas to path in the modernc _pragma=name(value) form.
func dsn(path string, cfg *config) string {
	var sb strings.Builder
	sb.WriteString(path)
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	for _, p := range pragmas(cfg) {
		sb.WriteString(sep)
		sb.WriteString("_pragma=" + p[0] + "(" + p[1] + ")")
		sep = "&"
	}
	return sb.String()
}

func setup(db *sql.DB, cfg *config) error {
	for _, kv := range pragmas(cfg) {
		p := "PRAGMA " + kv[0] + " = " + kv[1]
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("dbopen: %s: %w", p, err)
		}
	}

	for _, s := range cfg.schemas {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("dbopen: exec schema: %w", err)
		}
	}

	if cfg.ping {
		if err := db.Ping(); err != nil {
			return fmt.Errorf("dbopen: ping: %w", err)
		}
	}
	return nil
}

// OpenMemory opens an in-memory database for tests, pinned to a single
// connection (each ":memory:" connection is a separate database) and closed
// on cleanup.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}
