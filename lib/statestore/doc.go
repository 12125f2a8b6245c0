// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statestore is the shared counter and state store under the
// dispatch core: rate-limit windows, cached command definitions,
// sessions, ownership leases, and mode state all live here.
//
// A [Store] is a byte-valued key space with per-key TTL and three
// atomic primitives:
//
//   - [Store.Update] runs a read-modify-write function against one key
//     with no other writer able to interleave on that key.
//   - [Store.SetIfAbsent] creates a key only if it does not exist (or
//     has expired). Leases are built on it.
//   - [Store.CompareAndSwap] replaces a value only if it still equals
//     the expected bytes. Values are deterministic CBOR, so equal
//     logical values compare equal.
//
// Two backends ship: [MemoryStore], which stripes keys over 64
// independently locked shards so unrelated keys never contend, and
// [SQLiteStore], which keeps the key space in a WAL-mode SQLite
// database shared by every router process on a host. Expired keys are
// invisible immediately; [RunSweeper] reclaims their storage.
//
// Keys are colon-separated ("ratelimit:user:u42"). Patterns for
// [Store.Keys] and [Store.DeleteMatching] use path.Match syntax, so
// "cache:command:*" matches every cached definition.
package statestore
