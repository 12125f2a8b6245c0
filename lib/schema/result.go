// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package schema

import "time"

// ErrorKind classifies a failed execution. Collectors map the kind to
// a platform-specific reply; the router never formats user messages.
type ErrorKind string

const (
	// ErrorKindNone marks a successful result.
	ErrorKindNone ErrorKind = ""

	// ErrorKindUnknownCommand: no enabled definition exists.
	ErrorKindUnknownCommand ErrorKind = "unknown_command"

	// ErrorKindRateLimited: a rate-limit scope or the command
	// cooldown rejected the request.
	ErrorKindRateLimited ErrorKind = "rate_limited"

	// ErrorKindDependencyUnavailable: the module's circuit breaker is
	// open, so no call was attempted.
	ErrorKindDependencyUnavailable ErrorKind = "dependency_unavailable"

	// ErrorKindTimeout: the overall request deadline passed.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindTransientFailure: retries were exhausted on failures
	// that might succeed later (attempt timeout, 5xx, connection
	// error).
	ErrorKindTransientFailure ErrorKind = "transient_failure"

	// ErrorKindPermanentFailure: the request is malformed or the
	// module rejected it with a client error. Never retried.
	ErrorKindPermanentFailure ErrorKind = "permanent_failure"

	// ErrorKindInternalError: something in the router itself failed.
	ErrorKindInternalError ErrorKind = "internal_error"
)

// AllErrorKinds lists every failure kind, in a stable order for
// status output.
var AllErrorKinds = []ErrorKind{
	ErrorKindUnknownCommand,
	ErrorKindRateLimited,
	ErrorKindDependencyUnavailable,
	ErrorKindTimeout,
	ErrorKindTransientFailure,
	ErrorKindPermanentFailure,
	ErrorKindInternalError,
}

// Retryable reports whether the processor retries failures of this
// kind.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindTransientFailure
}

// ExecutionResult is the terminal outcome of one request. Every
// request produces exactly one, including requests rejected before
// dispatch.
type ExecutionResult struct {
	RequestID string `json:"request_id"`
	Command   string `json:"command"`
	Success   bool   `json:"success"`

	// Payload is the module's response body, passed through
	// untouched.
	Payload any `json:"payload,omitempty"`

	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`

	// Latency covers the whole request, including backoff sleeps.
	Latency time.Duration `json:"latency"`

	// RetryCount is the number of attempts after the first.
	RetryCount int `json:"retry_count"`

	CompletedAt time.Time `json:"completed_at"`
}
