// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package schema defines the data shared across the router: command
// definitions ([CommandDefinition]), inbound requests
// ([ExecutionRequest]) and their outcomes ([ExecutionResult],
// [ErrorKind]), and per-community playback state ([ModeState],
// [ModeChange]).
//
// Types carry json tags. The CBOR codec falls back to them, so the
// same structs travel over the socket, through the state store, and
// over HTTP.
//
// This package depends on no other dispatch packages.
package schema
