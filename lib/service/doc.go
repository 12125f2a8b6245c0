// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the serving scaffolding shared by the
// dispatch binaries:
//
//   - [SocketServer]: a CBOR request/response protocol on a Unix
//     socket. One request per connection, routed by its "action"
//     field to a registered [ActionFunc]. Responses use the
//     {ok, error, data} envelope.
//   - [Client]: the matching caller. Failures reported by the server
//     come back as [*ServiceError]; anything else is a transport
//     problem.
//   - [HTTPServer]: a TCP listener with graceful shutdown, plus the
//     JSON helpers [ReadJSON], [WriteJSON], and [WriteError].
//   - [NewLogger] and [ParseLevel]: the JSON slog handler every
//     binary logs through.
//
// Binaries compose these in their own run() function. The package
// provides building blocks, not a runtime.
//
// The socket is not authenticated. Who can connect is decided by the
// socket file's permissions and the directory it lives in.
package service
