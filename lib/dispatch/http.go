// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/bureau-foundation/dispatch/lib/netutil"
)

func (c *Client) dispatchHTTP(ctx context.Context, endpoint string, payload Payload) (Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, permanent(endpoint, fmt.Errorf("encoding payload: %w", err))
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, permanent(endpoint, fmt.Errorf("building request: %w", err))
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", c.userAgent)
	if payload.RequestID != "" {
		request.Header.Set("X-Request-ID", payload.RequestID)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		// Timeouts, refused connections, resets, and DNS failures
		// all land here.
		return Response{}, transient(endpoint, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= 300 {
		failure := &Error{
			Class:      classifyStatus(response.StatusCode),
			Endpoint:   endpoint,
			StatusCode: response.StatusCode,
			Err:        errors.New(netutil.ErrorBody(response.Body)),
		}
		return Response{}, failure
	}

	var decoded Response
	if err := netutil.DecodeResponse(response.Body, &decoded); err != nil {
		if netutil.IsConnectionError(err) {
			return Response{}, transient(endpoint, err)
		}
		return Response{}, &Error{
			Class:      Permanent,
			Endpoint:   endpoint,
			StatusCode: response.StatusCode,
			Err:        fmt.Errorf("decoding module response: %w", err),
		}
	}
	return decoded, nil
}

// classifyStatus maps a non-2xx status to a retry class. 5xx is
// transient. 4xx is permanent, except 408 and 429 which report a
// momentary condition on the module side.
func classifyStatus(status int) Class {
	switch {
	case status >= 500:
		return Transient
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return Transient
	}
	return Permanent
}
