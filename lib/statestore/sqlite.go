// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/dispatch/lib/clock"
	"github.com/bureau-foundation/dispatch/lib/sqlitepool"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS kv_expires_at ON kv (expires_at) WHERE expires_at > 0;
`

// SQLiteStore is a Store persisted in a SQLite database. Every router
// process on a host can open the same file; SQLite's write lock plus
// IMMEDIATE transactions make Update, SetIfAbsent, and CompareAndSwap
// atomic across processes, not just goroutines.
//
// Expiry is stored as Unix nanoseconds (0 for none) and compared with
// the injected clock, so tests can expire entries with a fake clock.
type SQLiteStore struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger
	closed atomic.Bool
}

// SQLiteConfig configures OpenSQLite.
type SQLiteConfig struct {
	Path     string
	PoolSize int
	Clock    clock.Clock
	Logger   *slog.Logger
}

// OpenSQLite opens (creating if needed) a store at cfg.Path.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("statestore: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("statestore: %w", err)
	}
	return &SQLiteStore{pool: pool, clock: cfg.Clock, logger: logger}, nil
}

// withConn borrows a connection, mapping pool failures to
// ErrUnavailable.
func (s *SQLiteStore) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	if s.closed.Load() {
		return ErrUnavailable
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

func (s *SQLiteStore) nowNanos() int64 {
	return s.clock.Now().UnixNano()
}

func (s *SQLiteStore) expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.clock.Now().Add(ttl).UnixNano()
}

// readLive loads the live value of key, reporting whether it exists.
func readLive(conn *sqlite.Conn, key string, now int64) ([]byte, bool, error) {
	var value []byte
	found := false
	err := sqlitex.Execute(conn,
		`SELECT value FROM kv WHERE key = ? AND (expires_at = 0 OR expires_at > ?)`,
		&sqlitex.ExecOptions{
			Args: []any{key, now},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				value = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, value)
				found = true
				return nil
			},
		})
	if err != nil {
		return nil, false, fmt.Errorf("statestore: reading %q: %w", key, err)
	}
	return value, found, nil
}

func writeValue(conn *sqlite.Conn, key string, value []byte, expiresAt int64) error {
	if value == nil {
		value = []byte{}
	}
	err := sqlitex.Execute(conn,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		&sqlitex.ExecOptions{Args: []any{key, value, expiresAt}})
	if err != nil {
		return fmt.Errorf("statestore: writing %q: %w", key, err)
	}
	return nil
}

func deleteKey(conn *sqlite.Conn, key string) error {
	if err := sqlitex.Execute(conn, `DELETE FROM kv WHERE key = ?`, &sqlitex.ExecOptions{Args: []any{key}}); err != nil {
		return fmt.Errorf("statestore: deleting %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		current, found, err := readLive(conn, key, s.nowNanos())
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		value = current
		return nil
	})
	return value, err
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return writeValue(conn, key, value, s.expiresAt(ttl))
	})
}

func (s *SQLiteStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	stored := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("statestore: begin transaction: %w", err)
		}
		defer endTransaction(&err)

		_, found, err := readLive(conn, key, s.nowNanos())
		if err != nil || found {
			return err
		}
		if err = writeValue(conn, key, value, s.expiresAt(ttl)); err != nil {
			return err
		}
		stored = true
		return nil
	})
	return stored, err
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key string, expected, next []byte, ttl time.Duration) (bool, error) {
	swapped := false
	err := s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("statestore: begin transaction: %w", err)
		}
		defer endTransaction(&err)

		current, found, err := readLive(conn, key, s.nowNanos())
		if err != nil {
			return err
		}
		if expected == nil {
			if found {
				return nil
			}
		} else if !found || !bytes.Equal(current, expected) {
			return nil
		}

		if next == nil {
			err = deleteKey(conn, key)
		} else {
			err = writeValue(conn, key, next, s.expiresAt(ttl))
		}
		if err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

func (s *SQLiteStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("statestore: begin transaction: %w", err)
		}
		defer endTransaction(&err)

		current, found, err := readLive(conn, key, s.nowNanos())
		if err != nil {
			return err
		}
		next, ttl, err := fn(current, found)
		if err != nil {
			return err
		}
		if next == nil {
			return deleteKey(conn, key)
		}
		return writeValue(conn, key, next, s.expiresAt(ttl))
	})
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		return deleteKey(conn, key)
	})
}

// liveKeys lists every live key. Pattern filtering happens in Go
// because SQLite GLOB does not share path.Match semantics.
func liveKeys(conn *sqlite.Conn, now int64) ([]string, error) {
	var keys []string
	err := sqlitex.Execute(conn,
		`SELECT key FROM kv WHERE expires_at = 0 OR expires_at > ?`,
		&sqlitex.ExecOptions{
			Args: []any{now},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				keys = append(keys, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("statestore: listing keys: %w", err)
	}
	return keys, nil
}

func (s *SQLiteStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}
	var matched []string
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		keys, err := liveKeys(conn, s.nowNanos())
		if err != nil {
			return err
		}
		for _, key := range keys {
			if matches(pattern, key) {
				matched = append(matched, key)
			}
		}
		return nil
	})
	sort.Strings(matched)
	return matched, err
}

func (s *SQLiteStore) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	if err := validatePattern(pattern); err != nil {
		return 0, err
	}
	removed := 0
	err := s.withConn(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("statestore: begin transaction: %w", err)
		}
		defer endTransaction(&err)

		keys, err := liveKeys(conn, s.nowNanos())
		if err != nil {
			return err
		}
		for _, key := range keys {
			if !matches(pattern, key) {
				continue
			}
			if err = deleteKey(conn, key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *SQLiteStore) Sweep(ctx context.Context) (int, error) {
	removed := 0
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`DELETE FROM kv WHERE expires_at > 0 AND expires_at <= ?`,
			&sqlitex.ExecOptions{Args: []any{s.nowNanos()}})
		if err != nil {
			return fmt.Errorf("statestore: sweeping: %w", err)
		}
		removed = conn.Changes()
		return nil
	})
	return removed, err
}

func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.pool.Close(); err != nil {
		return errors.Join(ErrUnavailable, err)
	}
	return nil
}
