// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// CommandDefinition identifies a routable command: which module
// handles it, where that module listens, and the admission defaults
// applied before dispatch. Definitions are data. The processor has a
// single generic dispatch path and never special-cases a command by
// name.
//
// A definition is immutable once loaded. Changing one means writing
// the registry and invalidating the cached copy.
type CommandDefinition struct {
	// Name is the command as users type it, without the platform
	// prefix ("shoutout", not "!shoutout").
	Name string `json:"name"`

	// Module is the dependency key for the action module serving
	// this command. Circuit breaker state is tracked per module, so
	// every command routed to the same module shares one breaker.
	Module string `json:"module"`

	// Endpoint is the module's dispatch address: an http:// or
	// https:// URL, or unix:///path/to/socket for a CBOR socket.
	Endpoint string `json:"endpoint"`

	// RequiredScopes lists the permission scopes a caller must hold.
	// Scope checking belongs to the upstream collector; the router
	// carries the list so it reaches the module in the dispatch
	// payload.
	RequiredScopes []string `json:"required_scopes,omitempty"`

	// Cooldown is the minimum interval between two executions of
	// this command by the same user. Zero disables the cooldown.
	Cooldown time.Duration `json:"cooldown,omitempty"`

	// Timeout overrides the processor's per-attempt dispatch timeout
	// for this command. Zero uses the processor default.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Enabled gates dispatch. A disabled command is reported as
	// unknown to callers.
	Enabled bool `json:"enabled"`
}

// Validate checks that the definition is routable.
func (d *CommandDefinition) Validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if d.Module == "" {
		errs = append(errs, errors.New("module is required"))
	}
	if d.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if d.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("cooldown must not be negative, got %v", d.Cooldown))
	}
	if d.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must not be negative, got %v", d.Timeout))
	}
	if len(errs) > 0 {
		return fmt.Errorf("command %q: %w", d.Name, errors.Join(errs...))
	}
	return nil
}

// ExecutionRequest is one inbound event from a platform collector.
// It is consumed once by the processor and persisted only through the
// audit record.
type ExecutionRequest struct {
	// RequestID correlates the request across logs and the audit
	// trail. The router assigns one when the collector leaves it
	// empty.
	RequestID string `json:"request_id,omitempty"`

	Command   string   `json:"command"`
	Arguments []string `json:"arguments,omitempty"`

	UserID      string `json:"user_id"`
	Platform    string `json:"platform,omitempty"`
	CommunityID string `json:"community_id,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`

	// IPAddress is the caller address as seen by the collector, used
	// for the ip rate-limit scope. Empty skips that scope.
	IPAddress string `json:"ip_address,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Validate reports a malformed request. Command names are matched
// case-insensitively, so Validate also rejects names containing
// whitespace that could never match a registry entry.
func (r *ExecutionRequest) Validate() error {
	if r.Command == "" {
		return errors.New("command is required")
	}
	if strings.ContainsAny(r.Command, " \t\r\n") {
		return fmt.Errorf("command %q contains whitespace", r.Command)
	}
	if r.UserID == "" {
		return errors.New("user_id is required")
	}
	return nil
}

// NormalizedCommand is the registry lookup key for the request.
func (r *ExecutionRequest) NormalizedCommand() string {
	return strings.ToLower(r.Command)
}
