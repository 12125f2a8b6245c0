// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the router's YAML configuration.
//
// Configuration comes from a single file named by the --config flag
// or the DISPATCH_CONFIG environment variable ([Resolve]). There is
// no discovery and no fallback file. The file is laid over [Default],
// so it only needs the values it changes.
//
// A file may carry development, staging, and production sections
// with the same shape as the base document. The section matching
// the environment key is applied after the base.
//
// Path fields (socket, store, registry, audit, endpoints) expand
// ${HOME}, ${DISPATCH_STATE} (service.state_dir), and ${VAR:-default}
// references. Environment variables never override a value directly.
//
// Durations are Go duration strings ("30s", "5m"). [Config.Validate]
// reports every problem at once.
package config
