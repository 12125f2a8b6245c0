// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite connection pools behind the
// durable dispatch backends: the sqlite state store, the sqlite command
// registry, and the sqlite audit sink.
//
// It wraps zombiezen.com/go/sqlite's sqlitex.Pool and applies one set
// of pragmas to every connection:
//
//   - journal_mode=WAL so readers never block the writer.
//   - synchronous=NORMAL: survives process crashes, not power loss.
//     Rate windows and cache entries are disposable; the audit trail is
//     best-effort by contract.
//   - busy_timeout=5000 so concurrent router workers queue on the
//     write lock instead of failing with SQLITE_BUSY.
//   - cache_size=-8192 and temp_store=MEMORY.
//
// Connections are not safe for concurrent use. [Pool.WithConn] takes a
// connection, runs a function, and returns it, which is how every
// backend in this repository touches the database.
package sqlitepool
