// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/dispatch/lib/config"
	"github.com/bureau-foundation/dispatch/lib/process"
	"github.com/bureau-foundation/dispatch/lib/schema"
	"github.com/bureau-foundation/dispatch/lib/service"
	"github.com/bureau-foundation/dispatch/lib/testutil"
)

// fakeRouter serves the router's actions with canned responses and
// records the last request per action.
type fakeRouter struct {
	mu       sync.Mutex
	requests map[string]map[string]any
}

func (f *fakeRouter) record(action string) service.ActionFunc {
	return func(ctx context.Context, raw []byte) (any, error) {
		request, err := service.DecodeRequest[map[string]any](raw)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.requests[action] = request
		f.mu.Unlock()
		switch action {
		case "execute":
			result := schema.ExecutionResult{RequestID: "request-1", Command: "shoutout", Success: true}
			if request["command"] == "broken" {
				result = schema.ExecutionResult{
					RequestID: "request-2",
					Command:   "broken",
					ErrorKind: schema.ErrorKindPermanentFailure,
					Error:     "module rejected the request",
				}
			}
			return result, nil
		case "mode.switch_music":
			return nil, errors.New("mode: playback backend failed")
		case "status":
			return map[string]any{"node_id": "router-a"}, nil
		}
		return nil, nil
	}
}

func (f *fakeRouter) last(action string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[action]
}

func startFakeRouter(t *testing.T) (string, *fakeRouter) {
	t.Helper()
	router := &fakeRouter{requests: make(map[string]map[string]any)}
	socketPath := filepath.Join(testutil.SocketDir(t), "router.sock")
	server := service.NewSocketServer(socketPath, testutil.Logger())
	for _, action := range []string{
		"status", "execute", "mode.state", "mode.switch_music", "mode.switch_radio",
		"mode.stop", "mode.resume_music", "shard.owner", "shard.rebalance",
		"cache.invalidate", "circuit.status", "ratelimit.remaining",
	} {
		server.Handle(action, router.record(action))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		server.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "fake router did not start")
	return socketPath, router
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(args, &stdout, &stderr)
	return stdout.String(), err
}

func TestStatus(t *testing.T) {
	socketPath, _ := startFakeRouter(t)
	output, err := runCLI(t, "--socket", socketPath, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(output, `"node_id": "router-a"`) {
		t.Errorf("output = %q, want JSON with node_id", output)
	}

	output, err = runCLI(t, "--socket", socketPath, "--raw", "status")
	if err != nil {
		t.Fatalf("status --raw: %v", err)
	}
	if !strings.Contains(output, "router-a") || strings.Contains(output, "\n  ") {
		t.Errorf("raw output = %q, want diagnostic notation", output)
	}
}

func TestExecute(t *testing.T) {
	socketPath, router := startFakeRouter(t)

	output, err := runCLI(t, "-s", socketPath, "execute", "--user", "user-1", "--channel", "channel-9", "shoutout", "@streamer", "--loud")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(output, `"success": true`) {
		t.Errorf("output = %q", output)
	}
	request := router.last("execute")
	if request["command"] != "shoutout" || request["user_id"] != "user-1" || request["channel_id"] != "channel-9" {
		t.Errorf("request = %v", request)
	}
	arguments, _ := request["arguments"].([]any)
	if len(arguments) != 2 || arguments[1] != "--loud" {
		t.Errorf("arguments = %v, want flags after the command passed through", request["arguments"])
	}
	if _, ok := request["community_id"]; ok {
		t.Error("unset community_id was sent")
	}

	_, err = runCLI(t, "-s", socketPath, "execute", "--user", "user-1", "broken")
	if code := process.ExitCode(err); code != 3 {
		t.Errorf("failed execute exit code = %d (%v), want 3", code, err)
	}
}

func TestModeAndShardCommands(t *testing.T) {
	socketPath, router := startFakeRouter(t)

	if _, err := runCLI(t, "-s", socketPath, "mode", "radio", "guild-1", "jazz"); err != nil {
		t.Fatalf("mode radio: %v", err)
	}
	if request := router.last("mode.switch_radio"); request["community_id"] != "guild-1" || request["station"] != "jazz" {
		t.Errorf("radio request = %v", request)
	}

	output, err := runCLI(t, "-s", socketPath, "mode", "stop", "guild-1")
	if err != nil {
		t.Fatalf("mode stop: %v", err)
	}
	if strings.TrimSpace(output) != "ok" {
		t.Errorf("output = %q, want ok for an empty response", output)
	}

	_, err = runCLI(t, "-s", socketPath, "mode", "music", "guild-1")
	if code := process.ExitCode(err); code != 3 {
		t.Errorf("failed mode music exit code = %d (%v), want 3", code, err)
	}

	if _, err := runCLI(t, "-s", socketPath, "rebalance", "router-a", "router-b"); err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	nodes, _ := router.last("shard.rebalance")["nodes"].([]any)
	if len(nodes) != 2 || nodes[1] != "router-b" {
		t.Errorf("nodes = %v", nodes)
	}

	if _, err := runCLI(t, "-s", socketPath, "remaining", "user", "user-1:shoutout"); err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if request := router.last("ratelimit.remaining"); request["scope"] != "user" || request["key"] != "user-1:shoutout" {
		t.Errorf("remaining request = %v", request)
	}
}

func TestUsageErrors(t *testing.T) {
	socketPath, _ := startFakeRouter(t)
	tests := [][]string{
		{},
		{"frobnicate"},
		{"status", "extra"},
		{"execute", "shoutout"},
		{"execute", "--user", "user-1"},
		{"mode", "music"},
		{"mode", "dance", "guild-1"},
		{"mode", "stop", "guild-1", "extra"},
		{"owner"},
		{"rebalance"},
		{"remaining", "user"},
		{"--no-such-flag", "status"},
	}
	for _, args := range tests {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(append([]string{"--socket", socketPath}, args...), &stdout, &stderr)
			if code := process.ExitCode(err); code != 2 {
				t.Errorf("exit code = %d (%v), want 2", code, err)
			}
		})
	}
}

func TestUnreachableRouter(t *testing.T) {
	_, err := runCLI(t, "--socket", filepath.Join(testutil.SocketDir(t), "missing.sock"), "status")
	if err == nil {
		t.Fatal("status against a missing socket should fail")
	}
	if code := process.ExitCode(err); code != 1 {
		t.Errorf("exit code = %d, want 1 for a connection failure", code)
	}
}

func TestResolveSocket(t *testing.T) {
	t.Setenv(config.EnvConfigPath, "")
	if got, err := resolveSocket("/tmp/explicit.sock", ""); err != nil || got != "/tmp/explicit.sock" {
		t.Errorf("resolveSocket(flag) = %q, %v", got, err)
	}
	if got, err := resolveSocket("", ""); err != nil || got != defaultSocketPath {
		t.Errorf("resolveSocket() = %q, %v, want default", got, err)
	}

	path := filepath.Join(t.TempDir(), "dispatch.yaml")
	if err := os.WriteFile(path, []byte("service:\n  socket_path: /tmp/from-config.sock\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, err := resolveSocket("", path); err != nil || got != "/tmp/from-config.sock" {
		t.Errorf("resolveSocket(config) = %q, %v", got, err)
	}
	t.Setenv(config.EnvConfigPath, path)
	if got, err := resolveSocket("", ""); err != nil || got != "/tmp/from-config.sock" {
		t.Errorf("resolveSocket(env) = %q, %v", got, err)
	}
}

func TestVersion(t *testing.T) {
	output, err := runCLI(t, "--version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(output, "dispatchctl ") {
		t.Errorf("output = %q", output)
	}
}
