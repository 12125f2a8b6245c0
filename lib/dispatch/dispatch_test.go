// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/dispatch/lib/schema"
	"github.com/bureau-foundation/dispatch/lib/service"
	"github.com/bureau-foundation/dispatch/lib/testutil"
)

func shoutoutDefinition(endpoint string) schema.CommandDefinition {
	return schema.CommandDefinition{
		Name:           "shoutout",
		Module:         "shoutout",
		Endpoint:       endpoint,
		RequiredScopes: []string{"chat:write"},
		Timeout:        5 * time.Second,
		Enabled:        true,
	}
}

func shoutoutRequest() schema.ExecutionRequest {
	return schema.ExecutionRequest{
		RequestID:   "req-1",
		Command:     "shoutout",
		Arguments:   []string{"@streamer"},
		UserID:      "user-7",
		Platform:    "twitch",
		CommunityID: "community-1",
		ChannelID:   "channel-1",
	}
}

func TestNewPayload(t *testing.T) {
	definition := shoutoutDefinition("http://example.invalid")
	payload := NewPayload(shoutoutRequest(), definition)
	if payload.Command != "shoutout" || payload.UserID != "user-7" || payload.CommunityID != "community-1" {
		t.Errorf("payload = %+v, fields not copied from request", payload)
	}
	if len(payload.RequiredScopes) != 1 || payload.RequiredScopes[0] != "chat:write" {
		t.Errorf("RequiredScopes = %v, want [chat:write]", payload.RequiredScopes)
	}

	request := shoutoutRequest()
	request.Arguments = nil
	payload = NewPayload(request, definition)
	if payload.Arguments == nil {
		t.Error("Arguments = nil, want empty slice so JSON encodes []")
	}
}

func TestDispatchHTTPSuccess(t *testing.T) {
	var received Payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", got)
		}
		if got := r.Header.Get("X-Request-ID"); got != "req-1" {
			t.Errorf("X-Request-ID = %q, want req-1", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": true, "payload": {"message": "go follow @streamer"}}`))
	}))
	defer server.Close()

	client := New(Config{Logger: testutil.Logger()})
	definition := shoutoutDefinition(server.URL)
	payload := NewPayload(shoutoutRequest(), definition)
	payload.Attempt = 2

	response, err := client.Dispatch(context.Background(), definition, payload)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !response.Success {
		t.Error("Success = false, want true")
	}
	body, ok := response.Payload.(map[string]any)
	if !ok || body["message"] != "go follow @streamer" {
		t.Errorf("Payload = %#v, want message", response.Payload)
	}
	if received.RequestID != "req-1" || received.Attempt != 2 {
		t.Errorf("module received %+v, want request_id req-1 attempt 2", received)
	}
	if len(received.Arguments) != 1 || received.Arguments[0] != "@streamer" {
		t.Errorf("module received arguments %v", received.Arguments)
	}
}

func TestDispatchHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		class  Class
	}{
		{http.StatusBadRequest, Permanent},
		{http.StatusForbidden, Permanent},
		{http.StatusNotFound, Permanent},
		{http.StatusRequestTimeout, Transient},
		{http.StatusTooManyRequests, Transient},
		{http.StatusInternalServerError, Transient},
		{http.StatusBadGateway, Transient},
		{http.StatusServiceUnavailable, Transient},
	}
	for _, test := range tests {
		t.Run(http.StatusText(test.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "module says no", test.status)
			}))
			defer server.Close()

			definition := shoutoutDefinition(server.URL)
			_, err := New(Config{}).Dispatch(context.Background(), definition, NewPayload(shoutoutRequest(), definition))
			var dispatchErr *Error
			if !errors.As(err, &dispatchErr) {
				t.Fatalf("error = %v, want *Error", err)
			}
			if dispatchErr.Class != test.class {
				t.Errorf("Class = %v, want %v", dispatchErr.Class, test.class)
			}
			if dispatchErr.StatusCode != test.status {
				t.Errorf("StatusCode = %d, want %d", dispatchErr.StatusCode, test.status)
			}
			if IsTransient(err) != (test.class == Transient) {
				t.Errorf("IsTransient = %v, want %v", IsTransient(err), test.class == Transient)
			}
		})
	}
}

func TestDispatchModuleReportedFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": false, "error": "user is not live"}`))
	}))
	defer server.Close()

	definition := shoutoutDefinition(server.URL)
	response, err := New(Config{}).Dispatch(context.Background(), definition, NewPayload(shoutoutRequest(), definition))
	if err == nil {
		t.Fatal("Dispatch succeeded, want error")
	}
	if IsTransient(err) {
		t.Error("module-reported failure classified transient, want permanent")
	}
	if response.Error != "user is not live" {
		t.Errorf("response.Error = %q, want %q", response.Error, "user is not live")
	}
}

func TestDispatchUndecodableResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>not json</html>`))
	}))
	defer server.Close()

	definition := shoutoutDefinition(server.URL)
	_, err := New(Config{}).Dispatch(context.Background(), definition, NewPayload(shoutoutRequest(), definition))
	if err == nil || IsTransient(err) {
		t.Errorf("error = %v, want permanent failure", err)
	}
}

func TestDispatchConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	endpoint := server.URL
	server.Close()

	definition := shoutoutDefinition(endpoint)
	_, err := New(Config{}).Dispatch(context.Background(), definition, NewPayload(shoutoutRequest(), definition))
	if err == nil || !IsTransient(err) {
		t.Errorf("error = %v, want transient failure", err)
	}
}

func TestDispatchContextTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	definition := shoutoutDefinition(server.URL)
	_, err := New(Config{}).Dispatch(ctx, definition, NewPayload(shoutoutRequest(), definition))
	if err == nil || !IsTransient(err) {
		t.Fatalf("error = %v, want transient failure", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want it to wrap context.DeadlineExceeded", err)
	}
}

func TestDispatchUnsupportedScheme(t *testing.T) {
	definition := shoutoutDefinition("ftp://modules.internal/shoutout")
	_, err := New(Config{}).Dispatch(context.Background(), definition, Payload{})
	if err == nil || IsTransient(err) {
		t.Errorf("error = %v, want permanent failure", err)
	}
}

func startModuleSocket(t *testing.T, handler service.ActionFunc) string {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "module.sock")
	server := service.NewSocketServer(socketPath, testutil.Logger())
	server.Handle(SocketAction, handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "module socket never became ready")
	return socketPath
}

func TestDispatchSocketSuccess(t *testing.T) {
	type executeFields struct {
		RequestID string   `cbor:"request_id"`
		Command   string   `cbor:"command"`
		Arguments []string `cbor:"arguments"`
		Attempt   int      `cbor:"attempt"`
	}
	received := make(chan executeFields, 1)
	socketPath := startModuleSocket(t, func(ctx context.Context, raw []byte) (any, error) {
		fields, err := service.DecodeRequest[executeFields](raw)
		if err != nil {
			return nil, err
		}
		received <- fields
		return Response{Success: true, Payload: map[string]any{"queued": true}}, nil
	})

	definition := shoutoutDefinition("unix://" + socketPath)
	payload := NewPayload(shoutoutRequest(), definition)
	payload.Attempt = 1
	response, err := New(Config{}).Dispatch(context.Background(), definition, payload)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !response.Success {
		t.Error("Success = false, want true")
	}

	fields := testutil.RequireReceive(t, received, 5*time.Second, "module never received the request")
	if fields.RequestID != "req-1" || fields.Command != "shoutout" || fields.Attempt != 1 {
		t.Errorf("module received %+v", fields)
	}
	if len(fields.Arguments) != 1 || fields.Arguments[0] != "@streamer" {
		t.Errorf("module received arguments %v", fields.Arguments)
	}
}

func TestDispatchSocketRefusal(t *testing.T) {
	socketPath := startModuleSocket(t, func(ctx context.Context, raw []byte) (any, error) {
		return nil, errors.New("channel is not registered")
	})

	definition := shoutoutDefinition("unix://" + socketPath)
	_, err := New(Config{}).Dispatch(context.Background(), definition, NewPayload(shoutoutRequest(), definition))
	if err == nil || IsTransient(err) {
		t.Errorf("error = %v, want permanent failure", err)
	}
}

func TestDispatchSocketUnreachable(t *testing.T) {
	socketPath := filepath.Join(testutil.SocketDir(t), "absent.sock")
	definition := shoutoutDefinition("unix://" + socketPath)
	_, err := New(Config{}).Dispatch(context.Background(), definition, NewPayload(shoutoutRequest(), definition))
	if err == nil || !IsTransient(err) {
		t.Errorf("error = %v, want transient failure", err)
	}
}

func TestIsTransientUnclassified(t *testing.T) {
	if IsTransient(nil) {
		t.Error("IsTransient(nil) = true")
	}
	if !IsTransient(errors.New("boom")) {
		t.Error("IsTransient(plain error) = false, want true")
	}
}
