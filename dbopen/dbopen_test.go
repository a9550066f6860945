package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/viewreplay/dbopen"
)

func pragmaInt(t *testing.T, db *sql.DB, name string) int {
	t.Helper()
	var v int
	if err := db.QueryRow("PRAGMA " + name).Scan(&v); err != nil {
		t.Fatalf("PRAGMA %s: %v", name, err)
	}
	return v
}

func TestOpenMemory_Pragmas(t *testing.T) {
	db := dbopen.OpenMemory(t)

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	// :memory: reports "memory" even after WAL was requested.
	if mode != "wal" && mode != "memory" {
		t.Fatalf("journal_mode = %q", mode)
	}
	if fk := pragmaInt(t, db, "foreign_keys"); fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}
	if s := pragmaInt(t, db, "synchronous"); s != 1 {
		t.Fatalf("synchronous = %d, want 1 (NORMAL)", s)
	}
	if bt := pragmaInt(t, db, "busy_timeout"); bt != 10_000 {
		t.Fatalf("busy_timeout = %d, want 10000", bt)
	}
}

func TestOpen_PragmasOnEveryConnection(t *testing.T) {
	db, err := dbopen.Open(filepath.Join(t.TempDir(), "replay.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	var conns []*sql.Conn
	for i := 0; i < 3; i++ {
		c, err := db.Conn(ctx)
		if err != nil {
			t.Fatalf("conn %d: %v", i, err)
		}
		defer c.Close()
		conns = append(conns, c)
	}
	for i, c := range conns {
		var fk, bt int
		if err := c.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
			t.Fatal(err)
		}
		if err := c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&bt); err != nil {
			t.Fatal(err)
		}
		if fk != 1 || bt != 10_000 {
			t.Fatalf("conn %d: foreign_keys=%d busy_timeout=%d", i, fk, bt)
		}
	}
}

func TestOptions(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithBusyTimeout(5000), dbopen.WithSynchronous("FULL"))
	if bt := pragmaInt(t, db, "busy_timeout"); bt != 5000 {
		t.Fatalf("busy_timeout = %d, want 5000", bt)
	}
	if s := pragmaInt(t, db, "synchronous"); s != 2 {
		t.Fatalf("synchronous = %d, want 2 (FULL)", s)
	}
}

func TestWithSchema(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE frames (id INTEGER PRIMARY KEY, kind TEXT)`))
	if _, err := db.Exec(`INSERT INTO frames (kind) VALUES ('full')`); err != nil {
		t.Fatalf("insert into schema table: %v", err)
	}
}

func TestWithSchema_Invalid(t *testing.T) {
	if _, err := dbopen.Open(":memory:", dbopen.WithSchema(`CREATE TABLEX`)); err == nil {
		t.Fatal("expected schema error")
	}
}

func TestWithMkdirAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "deep", "replay.db")
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Fatalf("directory not created: %v", err)
	}
}

func TestIsBusy(t *testing.T) {
	cases := map[string]bool{
		"some other error":         false,
		"SQLITE_BUSY":              true,
		"prefix: SQLITE_BUSY (5)":  true,
		"database is locked":       true,
		"database table is locked": true,
	}
	if dbopen.IsBusy(nil) {
		t.Fatal("IsBusy(nil) = true")
	}
	for msg, want := range cases {
		if got := dbopen.IsBusy(errors.New(msg)); got != want {
			t.Errorf("IsBusy(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestRunTx_CommitAndRollback(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`))
	ctx := context.Background()

	if err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO kv VALUES ('a', '1')`)
		return err
	}); err != nil {
		t.Fatalf("RunTx: %v", err)
	}

	sentinel := errors.New("rollback me")
	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		tx.Exec(`INSERT INTO kv VALUES ('b', '2')`)
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("RunTx error = %v, want sentinel", err)
	}

	var n int
	db.QueryRow(`SELECT COUNT(*) FROM kv`).Scan(&n)
	if n != 1 {
		t.Fatalf("rows = %d, want 1", n)
	}
}

func TestExec(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE ids (id TEXT PRIMARY KEY)`))
	res, err := dbopen.Exec(context.Background(), db, `INSERT INTO ids VALUES (?)`, "x")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Fatalf("RowsAffected = %d", n)
	}
}

func TestRunTx_CancelledContext(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := dbopen.RunTx(ctx, db, func(*sql.Tx) error { return nil }); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}
