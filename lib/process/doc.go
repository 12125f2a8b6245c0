// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers shared by the dispatch
// binaries: reporting a fatal error from run() before (or instead of)
// the structured logger, and mapping errors that carry an exit code.
package process
