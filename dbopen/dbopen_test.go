package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func TestOpen_PragmasAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ledger.db")
	db, err := Open(path, WithMkdirAll(), WithSchema(`CREATE TABLE t (k TEXT PRIMARY KEY)`))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
	if _, err := db.Exec(`INSERT INTO t (k) VALUES ('a')`); err != nil {
		t.Errorf("schema not applied: %v", err)
	}
}

func TestRunTx_RollsBackOnError(t *testing.T) {
	db := OpenMemory(t, WithSchema(`CREATE TABLE t (k TEXT PRIMARY KEY)`))
	ctx := context.Background()
	boom := errors.New("boom")

	err := RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO t (k) VALUES ('a')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	var n int
	db.QueryRow(`SELECT COUNT(*) FROM t`).Scan(&n)
	if n != 0 {
		t.Errorf("rows = %d, want 0 after rollback", n)
	}
}

func TestIsBusy(t *testing.T) {
	if !IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Error("locked error should be busy")
	}
	if IsBusy(nil) || IsBusy(errors.New("no such table")) {
		t.Error("false positive")
	}
}

func TestOpen_BusyTimeoutAndSynchronous(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "ledger.db"), WithBusyTimeout(2500), WithSynchronous("OFF"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var busy, mode int
	db.QueryRow("PRAGMA busy_timeout").Scan(&busy)
	db.QueryRow("PRAGMA synchronous").Scan(&mode)
	if busy != 2500 || mode != 0 {
		t.Errorf("busy_timeout=%d synchronous=%d, want 2500 and 0", busy, mode)
	}
}
