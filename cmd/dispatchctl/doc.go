// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// dispatchctl is the operator CLI for a running dispatch-router. Each
// command maps to one socket action; responses print as JSON, or as
// CBOR diagnostic notation with --raw.
//
// Exit status is 0 on success, 1 when the router cannot be reached,
// 2 for usage errors, and 3 when the router reports a failure
// (including an unsuccessful execute).
package main
