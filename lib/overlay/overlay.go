// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package overlay notifies the stream overlay of playback mode
// changes.
package overlay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bureau-foundation/dispatch/lib/netutil"
	"github.com/bureau-foundation/dispatch/lib/schema"
)

// DefaultTimeout bounds one notification.
const DefaultTimeout = 5 * time.Second

// HTTPNotifier POSTs each ModeChange as JSON to a fixed URL.
type HTTPNotifier struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPNotifier returns a notifier for url. A nil client uses
// http.DefaultClient; timeout <= 0 uses DefaultTimeout.
func NewHTTPNotifier(url string, client *http.Client, timeout time.Duration) *HTTPNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPNotifier{url: url, client: client, timeout: timeout}
}

// Notify sends change. Any non-2xx status is an error.
func (n *HTTPNotifier) Notify(ctx context.Context, change schema.ModeChange) error {
	if change.Type == "" {
		change.Type = schema.ModeChangeType
	}
	body, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("overlay: encoding mode change: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("overlay: building request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := n.client.Do(request)
	if err != nil {
		return fmt.Errorf("overlay: posting to %s: %w", n.url, err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("overlay: %s returned HTTP %d: %s", n.url, response.StatusCode, netutil.ErrorBody(response.Body))
	}
	return nil
}
