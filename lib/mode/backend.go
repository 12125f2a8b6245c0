// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bureau-foundation/dispatch/lib/netutil"
	"github.com/bureau-foundation/dispatch/lib/schema"
)

// MusicBackend controls a community's queue-based music player.
type MusicBackend interface {
	Start(ctx context.Context, communityID string) error
	Pause(ctx context.Context, communityID string) error
	Resume(ctx context.Context, communityID string) error
	Stop(ctx context.Context, communityID string) error
}

// RadioBackend controls a community's single radio stream.
type RadioBackend interface {
	Play(ctx context.Context, communityID, station string) error
	Stop(ctx context.Context, communityID string) error
}

// Notifier receives every committed mode change.
type Notifier interface {
	Notify(ctx context.Context, change schema.ModeChange) error
}

// DefaultBackendTimeout bounds one HTTPBackend call.
const DefaultBackendTimeout = 10 * time.Second

// HTTPBackend drives a playback module over HTTP. Each operation is
// a JSON POST of {community_id, station} to the base URL joined with
// the operation name (start, pause, resume, stop, play). It satisfies
// both MusicBackend and RadioBackend.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPBackend returns a backend rooted at baseURL.
func NewHTTPBackend(baseURL string, client *http.Client, timeout time.Duration) *HTTPBackend {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultBackendTimeout
	}
	return &HTTPBackend{baseURL: strings.TrimRight(baseURL, "/"), client: client, timeout: timeout}
}

func (b *HTTPBackend) Start(ctx context.Context, communityID string) error {
	return b.post(ctx, "start", communityID, "")
}

func (b *HTTPBackend) Pause(ctx context.Context, communityID string) error {
	return b.post(ctx, "pause", communityID, "")
}

func (b *HTTPBackend) Resume(ctx context.Context, communityID string) error {
	return b.post(ctx, "resume", communityID, "")
}

func (b *HTTPBackend) Stop(ctx context.Context, communityID string) error {
	return b.post(ctx, "stop", communityID, "")
}

func (b *HTTPBackend) Play(ctx context.Context, communityID, station string) error {
	return b.post(ctx, "play", communityID, station)
}

func (b *HTTPBackend) post(ctx context.Context, operation, communityID, station string) error {
	body, err := json.Marshal(struct {
		CommunityID string `json:"community_id"`
		Station     string `json:"station,omitempty"`
	}{communityID, station})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	url := b.baseURL + "/" + operation
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: building request: %w", operation, err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := b.client.Do(request)
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("%s: %s returned HTTP %d: %s", operation, url, response.StatusCode, netutil.ErrorBody(response.Body))
	}
	return nil
}
