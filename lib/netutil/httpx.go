// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds HTTP and connection helpers shared by the
// outbound clients (module dispatch, overlay notification).
//
// Response helpers bound every body read at MaxResponseSize so a
// misbehaving action module cannot exhaust router memory. Error
// classification helpers decide whether a failed call is worth
// retrying.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// MaxResponseSize bounds response body reads: 4 MiB. Module responses
// are chat-sized payloads; anything near this limit is a bug on the
// module side.
const MaxResponseSize int64 = 4 << 20

// maxErrorBody bounds how much of an error body ends up in an error
// message.
const maxErrorBody = 512

// ReadResponse reads a response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a JSON response body (up to MaxResponseSize
// bytes) and decodes it into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an error response body for a diagnostic message,
// trimmed and truncated. Read errors are ignored; a partial body is
// still useful.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody+1))
	text := strings.TrimSpace(string(data))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody] + "..."
	}
	return text
}
