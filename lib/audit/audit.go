// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit records every command execution outcome.
//
// A [Sink] persists [Record] values. Two durable sinks exist:
// [SQLiteSink] (one row per execution, large payloads lz4-compressed)
// and [FileSink] (append-only zstd-compressed CBOR segment files).
// [Async] wraps any sink so the processor never waits on audit I/O:
// records go through a bounded queue and are dropped, counted, and
// logged when the queue is full.
package audit

import (
	"context"
	"time"

	"github.com/bureau-foundation/dispatch/lib/schema"
)

// Record is one audited execution.
type Record struct {
	RequestID   string           `cbor:"request_id"`
	Command     string           `cbor:"command"`
	UserID      string           `cbor:"user_id"`
	Platform    string           `cbor:"platform,omitempty"`
	CommunityID string           `cbor:"community_id,omitempty"`
	ChannelID   string           `cbor:"channel_id,omitempty"`
	Success     bool             `cbor:"success"`
	ErrorKind   schema.ErrorKind `cbor:"error_kind,omitempty"`
	Error       string           `cbor:"error,omitempty"`
	Latency     time.Duration    `cbor:"latency"`
	RetryCount  int              `cbor:"retry_count"`
	RecordedAt  time.Time        `cbor:"recorded_at"`

	// Payload is the module's response payload, CBOR-encoded.
	Payload []byte `cbor:"payload,omitempty"`
}

// FromResult builds the record for an execution.
func FromResult(request schema.ExecutionRequest, result schema.ExecutionResult, payload []byte) Record {
	return Record{
		RequestID:   result.RequestID,
		Command:     result.Command,
		UserID:      request.UserID,
		Platform:    request.Platform,
		CommunityID: request.CommunityID,
		ChannelID:   request.ChannelID,
		Success:     result.Success,
		ErrorKind:   result.ErrorKind,
		Error:       result.Error,
		Latency:     result.Latency,
		RetryCount:  result.RetryCount,
		RecordedAt:  result.CompletedAt,
		Payload:     payload,
	}
}

// Sink persists audit records.
type Sink interface {
	Record(ctx context.Context, record Record) error
	Close() error
}

// Discard is a Sink that drops every record.
type Discard struct{}

func (Discard) Record(context.Context, Record) error { return nil }
func (Discard) Close() error                         { return nil }
