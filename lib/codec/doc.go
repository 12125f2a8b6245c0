// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the single CBOR configuration shared by the
// dispatch packages.
//
// Two formats, one boundary:
//
//   - JSON faces the outside: action-module HTTP dispatch, overlay
//     notifications, the HTTP ingress, and operator CLI output.
//   - CBOR stays inside: the router socket protocol, values held in
//     the shared state store (rate windows, cache entries, sessions,
//     leases, mode state), and audit records.
//
// Encoding is Core Deterministic (RFC 8949 §4.2) so equal values give
// equal bytes, which the state store relies on for compare-and-swap.
// Times encode as RFC 3339 strings with nanoseconds so sliding windows
// and TTL deadlines survive a round trip exactly.
//
// Types that are only ever CBOR use `cbor` tags. Types that also cross
// the JSON boundary use `json` tags only; fxamacker/cbor falls back to
// them. Never put both tags on one field.
package codec
