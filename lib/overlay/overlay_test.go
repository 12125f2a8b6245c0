// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package overlay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/dispatch/lib/schema"
)

func TestNotifyPostsModeChange(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier := NewHTTPNotifier(server.URL, nil, 0)
	change := schema.ModeChange{
		CommunityID:  "community-1",
		NewMode:      schema.ModeRadio,
		PreviousMode: schema.ModeMusic,
		Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := notifier.Notify(context.Background(), change); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	want := map[string]any{
		"community_id":  "community-1",
		"type":          "mode_change",
		"new_mode":      "radio",
		"previous_mode": "music",
		"timestamp":     "2026-03-01T12:00:00Z",
	}
	for key, value := range want {
		if body[key] != value {
			t.Errorf("body[%q] = %v, want %v", key, body[key], value)
		}
	}
}

func TestNotifyErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overlay offline", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := NewHTTPNotifier(server.URL, nil, 0).Notify(context.Background(), schema.ModeChange{CommunityID: "c"})
	if err == nil {
		t.Fatal("Notify succeeded against a 503")
	}
	if !strings.Contains(err.Error(), "503") || !strings.Contains(err.Error(), "overlay offline") {
		t.Errorf("error = %v, want status and body", err)
	}
}

func TestNotifyTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	err := NewHTTPNotifier(server.URL, nil, 50*time.Millisecond).Notify(context.Background(), schema.ModeChange{CommunityID: "c"})
	if err == nil {
		t.Fatal("Notify succeeded against a hung overlay")
	}
}
