// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version carries build information for the dispatch binaries.
//
// [GitCommit], [GitDirty], [BuildTime], and [Version] are injected with
// -ldflags -X at build time and keep their development defaults in
// test runs. The router service reports them from its status action,
// and both binaries print them for --version.
package version
