// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sqlitepool_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/dispatch/lib/sqlitepool"
)

func openTestPool(t *testing.T, onConnect func(*sqlite.Conn) error) *sqlitepool.Pool {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      filepath.Join(t.TempDir(), "test.db"),
		PoolSize:  2,
		OnConnect: onConnect,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := sqlitepool.Open(sqlitepool.Config{}); err == nil {
		t.Fatal("Open with empty Path succeeded")
	}
}

func TestPragmasApplied(t *testing.T) {
	pool := openTestPool(t, nil)

	var journalMode string
	err := pool.WithConn(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "PRAGMA journal_mode", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				journalMode = stmt.ColumnText(0)
				return nil
			},
		})
	})
	if err != nil {
		t.Fatalf("WithConn: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want %q", journalMode, "wal")
	}
}

func TestOnConnectCreatesSchema(t *testing.T) {
	var calls atomic.Int32
	pool := openTestPool(t, func(conn *sqlite.Conn) error {
		calls.Add(1)
		return sqlitex.ExecuteScript(conn, `CREATE TABLE IF NOT EXISTS probe (id INTEGER PRIMARY KEY);`, nil)
	})

	err := pool.WithConn(context.Background(), func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "INSERT INTO probe (id) VALUES (1)", nil)
	})
	if err != nil {
		t.Fatalf("insert into OnConnect table: %v", err)
	}
	if calls.Load() == 0 {
		t.Error("OnConnect was not called")
	}
}

func TestWithConnPropagatesError(t *testing.T) {
	pool := openTestPool(t, nil)
	sentinel := errors.New("sentinel")
	err := pool.WithConn(context.Background(), func(*sqlite.Conn) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Errorf("WithConn error = %v, want %v", err, sentinel)
	}
}
