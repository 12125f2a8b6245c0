// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// dispatch-router is the command dispatch service. It loads a
// dispatch.yaml, builds the execution pipeline (registry, definition
// cache, rate limits, circuit breakers, dispatch client, sessions,
// audit log), the channel shard manager, and the music/radio mode
// controller, and serves them on a CBOR Unix socket and optionally
// an HTTP listener.
//
// Socket actions: status, execute, mode.state, mode.switch_music,
// mode.switch_radio, mode.stop, mode.resume_music, shard.owner,
// shard.rebalance, cache.invalidate, circuit.status, and
// ratelimit.remaining.
//
// HTTP routes: POST /v1/execute, GET /v1/status, GET
// /v1/mode/{community}, and POST /v1/mode/{community}/{music,radio,
// stop,resume}.
package main
