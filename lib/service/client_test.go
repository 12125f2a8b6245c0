// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/dispatch/lib/testutil"
)

func TestClientCall(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, testutil.Logger())
	server.Handle("add", func(ctx context.Context, raw []byte) (any, error) {
		request, err := DecodeRequest[struct {
			A int `cbor:"a"`
			B int `cbor:"b"`
		}](raw)
		if err != nil {
			return nil, err
		}
		return map[string]int{"sum": request.A + request.B}, nil
	})
	server.Handle("noop", func(ctx context.Context, raw []byte) (any, error) { return nil, nil })
	startServer(t, server)

	client := NewClient(socketPath)
	var result struct {
		Sum int `cbor:"sum"`
	}
	if err := client.Call(context.Background(), "add", map[string]any{"a": 2, "b": 3}, &result); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.Sum != 5 {
		t.Errorf("sum = %d, want 5", result.Sum)
	}

	if err := client.Call(context.Background(), "noop", nil, &result); err != nil {
		t.Errorf("Call(noop): %v", err)
	}
}

func TestClientCallServiceError(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, testutil.Logger())
	server.Handle("fail", func(ctx context.Context, raw []byte) (any, error) {
		return nil, errors.New("module rejected request")
	})
	startServer(t, server)

	err := NewClient(socketPath).Call(context.Background(), "fail", nil, nil)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("Call error = %v (%T), want *ServiceError", err, err)
	}
	if serviceErr.Action != "fail" || serviceErr.Message != "module rejected request" {
		t.Errorf("ServiceError = %+v", serviceErr)
	}
}

func TestClientCallConnectionRefused(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "absent.sock"))
	err := client.Call(context.Background(), "status", nil, nil)
	if err == nil {
		t.Fatal("Call to missing socket succeeded")
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		t.Error("transport failure reported as ServiceError")
	}
}

func TestClientCallHonorsContextDeadline(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, testutil.Logger())
	release := make(chan struct{})
	server.Handle("hang", func(ctx context.Context, raw []byte) (any, error) {
		<-release
		return nil, nil
	})
	startServer(t, server)
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := NewClient(socketPath).Call(ctx, "hang", nil, nil)
	if err == nil {
		t.Fatal("Call to hung handler succeeded")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Call took %v, want it bounded by the context deadline", elapsed)
	}
}
