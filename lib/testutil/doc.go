// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil collects the helpers dispatch tests share.
//
// [RequireReceive], [RequireClosed], and [RequireNoReceive] wrap the
// select-with-timeout pattern so no test needs its own time.After.
// They are the only real wall-clock waits in the test suite; component
// time is always driven by a fake clock.
//
// [SocketDir] returns a short /tmp directory for Unix sockets (the
// 108-byte sun_path limit rules out deep t.TempDir paths). [UniqueID]
// hands out monotonically increasing identifiers for request ids,
// community ids, and channel ids that must not collide between
// subtests. [Logger] returns a quiet slog logger.
//
// Helpers call t.Fatalf on failure.
package testutil
