// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/dispatch/lib/schema"
	"github.com/bureau-foundation/dispatch/lib/sqlitepool"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS commands (
	name            TEXT PRIMARY KEY,
	module          TEXT NOT NULL,
	endpoint        TEXT NOT NULL,
	required_scopes TEXT NOT NULL DEFAULT '',
	cooldown_ns     INTEGER NOT NULL DEFAULT 0,
	timeout_ns      INTEGER NOT NULL DEFAULT 0,
	enabled         INTEGER NOT NULL DEFAULT 1
) WITHOUT ROWID;
`

const selectColumns = `SELECT name, module, endpoint, required_scopes, cooldown_ns, timeout_ns, enabled FROM commands`

// SQLite is a Registry backed by a commands table.
type SQLite struct {
	pool *sqlitepool.Pool
}

// OpenSQLite opens (creating if needed) the registry database at path.
func OpenSQLite(path string, logger *slog.Logger) (*SQLite, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   path,
		Logger: logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	return &SQLite{pool: pool}, nil
}

func scanDefinition(stmt *sqlite.Stmt) schema.CommandDefinition {
	definition := schema.CommandDefinition{
		Name:     stmt.ColumnText(0),
		Module:   stmt.ColumnText(1),
		Endpoint: stmt.ColumnText(2),
		Cooldown: time.Duration(stmt.ColumnInt64(4)),
		Timeout:  time.Duration(stmt.ColumnInt64(5)),
		Enabled:  stmt.ColumnInt64(6) != 0,
	}
	if scopes := stmt.ColumnText(3); scopes != "" {
		definition.RequiredScopes = strings.Split(scopes, ",")
	}
	return definition
}

func (s *SQLite) Fetch(ctx context.Context, name string) (schema.CommandDefinition, error) {
	var definition schema.CommandDefinition
	found := false
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, selectColumns+` WHERE name = ?`, &sqlitex.ExecOptions{
			Args: []any{strings.ToLower(name)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				definition = scanDefinition(stmt)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return schema.CommandDefinition{}, fmt.Errorf("registry: fetching %q: %w", name, err)
	}
	if !found {
		return schema.CommandDefinition{}, ErrNotFound
	}
	return definition, nil
}

func (s *SQLite) List(ctx context.Context) ([]schema.CommandDefinition, error) {
	var definitions []schema.CommandDefinition
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, selectColumns+` ORDER BY name`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				definitions = append(definitions, scanDefinition(stmt))
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("registry: listing: %w", err)
	}
	return definitions, nil
}

// Put validates and upserts a definition.
func (s *SQLite) Put(ctx context.Context, definition schema.CommandDefinition) error {
	definition.Name = strings.ToLower(definition.Name)
	if err := definition.Validate(); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	enabled := 0
	if definition.Enabled {
		enabled = 1
	}
	return s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`INSERT INTO commands (name, module, endpoint, required_scopes, cooldown_ns, timeout_ns, enabled)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (name) DO UPDATE SET
				module = excluded.module,
				endpoint = excluded.endpoint,
				required_scopes = excluded.required_scopes,
				cooldown_ns = excluded.cooldown_ns,
				timeout_ns = excluded.timeout_ns,
				enabled = excluded.enabled`,
			&sqlitex.ExecOptions{Args: []any{
				definition.Name,
				definition.Module,
				definition.Endpoint,
				strings.Join(definition.RequiredScopes, ","),
				int64(definition.Cooldown),
				int64(definition.Timeout),
				enabled,
			}})
		if err != nil {
			return fmt.Errorf("registry: writing %q: %w", definition.Name, err)
		}
		return nil
	})
}

// Delete removes a definition. Deleting a missing name returns
// ErrNotFound.
func (s *SQLite) Delete(ctx context.Context, name string) error {
	return s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `DELETE FROM commands WHERE name = ?`,
			&sqlitex.ExecOptions{Args: []any{strings.ToLower(name)}}); err != nil {
			return fmt.Errorf("registry: deleting %q: %w", name, err)
		}
		if conn.Changes() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.pool.Close()
}
