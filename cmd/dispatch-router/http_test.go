// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/dispatch/lib/config"
	"github.com/bureau-foundation/dispatch/lib/schema"
)

func post(t *testing.T, server *httptest.Server, path, body string) *http.Response {
	t.Helper()
	response, err := http.Post(server.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { response.Body.Close() })
	return response
}

func decodeBody[T any](t *testing.T, response *http.Response) T {
	t.Helper()
	var value T
	if err := json.NewDecoder(response.Body).Decode(&value); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return value
}

func TestHTTPExecute(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimits.IP = config.LimitConfig{Limit: 1, Window: time.Minute}
	})
	server := httptest.NewServer(env.router.httpHandler())
	defer server.Close()

	response := post(t, server, "/v1/execute", `{"command": "shoutout", "arguments": ["hi"], "user_id": "user-1"}`)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", response.StatusCode)
	}
	result := decodeBody[schema.ExecutionResult](t, response)
	if !result.Success || result.Command != "shoutout" {
		t.Errorf("result = %+v", result)
	}

	// The caller address fills the ip scope, so a second request from
	// the same host is limited even for another user.
	response = post(t, server, "/v1/execute", `{"command": "shoutout", "user_id": "user-2"}`)
	if response.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", response.StatusCode)
	}
	result = decodeBody[schema.ExecutionResult](t, response)
	if result.ErrorKind != schema.ErrorKindRateLimited {
		t.Errorf("ErrorKind = %q, want rate_limited", result.ErrorKind)
	}
}

func TestHTTPExecuteErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	server := httptest.NewServer(env.router.httpHandler())
	defer server.Close()

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"unknown command", `{"command": "nonexistent", "user_id": "user-1"}`, http.StatusNotFound},
		{"missing user", `{"command": "shoutout"}`, http.StatusUnprocessableEntity},
		{"unknown field", `{"command": "shoutout", "user_id": "user-1", "color": "red"}`, http.StatusBadRequest},
		{"not json", `shoutout`, http.StatusBadRequest},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			response := post(t, server, "/v1/execute", test.body)
			if response.StatusCode != test.status {
				t.Errorf("status = %d, want %d", response.StatusCode, test.status)
			}
		})
	}

	response, err := http.Get(server.URL + "/v1/execute")
	if err != nil {
		t.Fatal(err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /v1/execute status = %d, want 405", response.StatusCode)
	}
}

func TestExecuteStatus(t *testing.T) {
	for _, kind := range schema.AllErrorKinds {
		status := executeStatus(schema.ExecutionResult{ErrorKind: kind})
		if status < 400 {
			t.Errorf("executeStatus(%q) = %d, want an error status", kind, status)
		}
	}
	if status := executeStatus(schema.ExecutionResult{Success: true}); status != http.StatusOK {
		t.Errorf("executeStatus(success) = %d, want 200", status)
	}
}

func TestHTTPStatus(t *testing.T) {
	env := newTestEnv(t, nil)
	server := httptest.NewServer(env.router.httpHandler())
	defer server.Close()

	response, err := http.Get(server.URL + "/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer response.Body.Close()
	status := decodeBody[statusResponse](t, response)
	if status.NodeID != "router-a" || len(status.Ring) != 1 {
		t.Errorf("status = %+v", status)
	}
}

func TestHTTPMode(t *testing.T) {
	env := newTestEnv(t, nil)
	server := httptest.NewServer(env.router.httpHandler())
	defer server.Close()

	response := post(t, server, "/v1/mode/guild-1/radio", `{"station": "jazz"}`)
	if response.StatusCode != http.StatusOK {
		t.Fatalf("radio status = %d, want 200", response.StatusCode)
	}
	switched := decodeBody[modeResponse](t, response)
	if !switched.Changed || switched.State.RadioStation != "jazz" {
		t.Errorf("radio = %+v", switched)
	}

	response = post(t, server, "/v1/mode/guild-1/music", "")
	switched = decodeBody[modeResponse](t, response)
	if switched.State.ActiveMode != schema.ModeMusic {
		t.Errorf("music = %+v", switched)
	}

	// An empty body selects the default station.
	response = post(t, server, "/v1/mode/guild-1/radio", "")
	switched = decodeBody[modeResponse](t, response)
	if switched.State.RadioStation != "lofi" || !switched.State.MusicPausedOnSwitch {
		t.Errorf("default radio = %+v, want lofi with music paused", switched)
	}

	response = post(t, server, "/v1/mode/guild-1/resume", "")
	switched = decodeBody[modeResponse](t, response)
	if !switched.Changed || switched.State.ActiveMode != schema.ModeMusic {
		t.Errorf("resume = %+v, want music resumed", switched)
	}

	stateResponse, err := http.Get(server.URL + "/v1/mode/guild-1")
	if err != nil {
		t.Fatal(err)
	}
	defer stateResponse.Body.Close()
	state := decodeBody[schema.ModeState](t, stateResponse)
	if state.ActiveMode != schema.ModeMusic || state.CommunityID != "guild-1" {
		t.Errorf("state = %+v", state)
	}

	response = post(t, server, "/v1/mode/guild-1/stop", "")
	switched = decodeBody[modeResponse](t, response)
	if switched.State.ActiveMode != schema.ModeNone {
		t.Errorf("stop = %+v", switched)
	}

	response = post(t, server, "/v1/mode/guild-1/radio", `{"station": `)
	if response.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", response.StatusCode)
	}
}

func TestHTTPModeBackendFailure(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Mode.MusicEndpoint = "http://127.0.0.1:1/music"
	})
	server := httptest.NewServer(env.router.httpHandler())
	defer server.Close()

	response := post(t, server, "/v1/mode/guild-1/music", "")
	if response.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", response.StatusCode)
	}
}

func TestHTTPModeDisabled(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Mode.MusicEndpoint = ""
		cfg.Mode.RadioEndpoint = ""
	})
	server := httptest.NewServer(env.router.httpHandler())
	defer server.Close()

	response := post(t, server, "/v1/mode/guild-1/music", "")
	if response.StatusCode != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", response.StatusCode)
	}
	get, err := http.Get(server.URL + "/v1/mode/guild-1")
	if err != nil {
		t.Fatal(err)
	}
	get.Body.Close()
	if get.StatusCode != http.StatusNotImplemented {
		t.Errorf("state status = %d, want 501", get.StatusCode)
	}
}
