// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/dispatch/lib/schema"
	"github.com/bureau-foundation/dispatch/lib/sqlitepool"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS executions (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id    TEXT NOT NULL,
	command       TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	platform      TEXT NOT NULL DEFAULT '',
	community_id  TEXT NOT NULL DEFAULT '',
	channel_id    TEXT NOT NULL DEFAULT '',
	success       INTEGER NOT NULL,
	error_kind    TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	latency_ns    INTEGER NOT NULL,
	retry_count   INTEGER NOT NULL,
	recorded_at   INTEGER NOT NULL,
	payload       BLOB,
	payload_codec INTEGER NOT NULL DEFAULT 0,
	payload_size  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS executions_command ON executions (command, recorded_at);
CREATE INDEX IF NOT EXISTS executions_request ON executions (request_id);
`

// SQLiteSink writes one row per execution.
type SQLiteSink struct {
	pool *sqlitepool.Pool
}

// OpenSQLite opens (creating if needed) the audit database at path.
func OpenSQLite(path string, poolSize int, logger *slog.Logger) (*SQLiteSink, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: poolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, sqliteSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return &SQLiteSink{pool: pool}, nil
}

func (s *SQLiteSink) Record(ctx context.Context, record Record) error {
	stored, codec := compressPayload(record.Payload)
	success := 0
	if record.Success {
		success = 1
	}
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO executions (request_id, command, user_id, platform, community_id, channel_id,
				success, error_kind, error, latency_ns, retry_count, recorded_at,
				payload, payload_codec, payload_size)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				record.RequestID,
				record.Command,
				record.UserID,
				record.Platform,
				record.CommunityID,
				record.ChannelID,
				success,
				string(record.ErrorKind),
				record.Error,
				int64(record.Latency),
				record.RetryCount,
				record.RecordedAt.UnixNano(),
				stored,
				int64(codec),
				len(record.Payload),
			}})
	})
	if err != nil {
		return fmt.Errorf("audit: recording %s: %w", record.RequestID, err)
	}
	return nil
}

// Query selects records. Zero-valued fields do not filter.
type Query struct {
	Command   string
	RequestID string
	Since     time.Time
	Limit     int
}

// Records returns matching records, oldest first.
func (s *SQLiteSink) Records(ctx context.Context, query Query) ([]Record, error) {
	statement := `SELECT request_id, command, user_id, platform, community_id, channel_id,
		success, error_kind, error, latency_ns, retry_count, recorded_at,
		payload, payload_codec, payload_size
		FROM executions WHERE 1 = 1`
	var args []any
	if query.Command != "" {
		statement += ` AND command = ?`
		args = append(args, query.Command)
	}
	if query.RequestID != "" {
		statement += ` AND request_id = ?`
		args = append(args, query.RequestID)
	}
	if !query.Since.IsZero() {
		statement += ` AND recorded_at >= ?`
		args = append(args, query.Since.UnixNano())
	}
	statement += ` ORDER BY id`
	if query.Limit > 0 {
		statement += ` LIMIT ?`
		args = append(args, query.Limit)
	}

	var records []Record
	err := s.pool.WithConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, statement, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record, err := scanRecord(stmt)
				if err != nil {
					return err
				}
				records = append(records, record)
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("audit: querying: %w", err)
	}
	return records, nil
}

func scanRecord(stmt *sqlite.Stmt) (Record, error) {
	record := Record{
		RequestID:   stmt.ColumnText(0),
		Command:     stmt.ColumnText(1),
		UserID:      stmt.ColumnText(2),
		Platform:    stmt.ColumnText(3),
		CommunityID: stmt.ColumnText(4),
		ChannelID:   stmt.ColumnText(5),
		Success:     stmt.ColumnInt64(6) != 0,
		ErrorKind:   schema.ErrorKind(stmt.ColumnText(7)),
		Error:       stmt.ColumnText(8),
		Latency:     time.Duration(stmt.ColumnInt64(9)),
		RetryCount:  int(stmt.ColumnInt64(10)),
		RecordedAt:  time.Unix(0, stmt.ColumnInt64(11)).UTC(),
	}
	if length := stmt.ColumnLen(12); length > 0 {
		stored := make([]byte, length)
		stmt.ColumnBytes(12, stored)
		payload, err := decompressPayload(stored, payloadCodec(stmt.ColumnInt64(13)), int(stmt.ColumnInt64(14)))
		if err != nil {
			return Record{}, fmt.Errorf("request %s: %w", record.RequestID, err)
		}
		record.Payload = payload
	}
	return record, nil
}

func (s *SQLiteSink) Close() error {
	return s.pool.Close()
}
