// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bureau-foundation/dispatch/lib/codec"
)

// ActionFunc handles one socket request. raw is the complete CBOR
// request map, including the "action" field; handlers decode their
// own fields from it with [DecodeRequest].
//
// A nil result produces {ok: true}. A non-nil result is CBOR-encoded
// into the response's data field. An error produces {ok: false} with
// the error text.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// Response is the envelope for every socket response.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// DecodeRequest decodes the action-specific fields of a raw request
// into T. Unknown fields, including "action", are ignored.
func DecodeRequest[T any](raw []byte) (T, error) {
	var request T
	if err := codec.Unmarshal(raw, &request); err != nil {
		return request, fmt.Errorf("invalid request: %w", err)
	}
	return request, nil
}

// SocketServer serves a CBOR request-response protocol on a Unix
// socket. Each connection carries exactly one request and one
// response. CBOR values are self-delimiting, so there is no framing.
type SocketServer struct {
	socketPath string
	handlers   map[string]ActionFunc
	logger     *slog.Logger

	// HandlerTimeout bounds each handler's context. Zero means
	// defaultHandlerTimeout. Set before Serve.
	HandlerTimeout time.Duration

	ready     chan struct{}
	readyOnce sync.Once

	activeConnections sync.WaitGroup
}

const (
	// readTimeout is how long a client has to send its request after
	// connecting.
	readTimeout = 30 * time.Second

	writeTimeout = 10 * time.Second

	// defaultHandlerTimeout covers the longest action: an execute
	// whose request timeout is 30s, plus margin for auditing.
	defaultHandlerTimeout = 40 * time.Second

	// maxRequestSize caps one CBOR request. Execution requests carry
	// arguments and metadata, well under this.
	maxRequestSize = 1024 * 1024
)

// NewSocketServer returns a server for socketPath. Register actions
// with Handle before Serve.
func NewSocketServer(socketPath string, logger *slog.Logger) *SocketServer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SocketServer{
		socketPath: socketPath,
		handlers:   make(map[string]ActionFunc),
		logger:     logger,
		ready:      make(chan struct{}),
	}
}

// Handle registers handler for action. Registering the same action
// twice panics.
func (s *SocketServer) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Actions returns the registered action names.
func (s *SocketServer) Actions() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	return names
}

// Ready is closed once the socket is listening.
func (s *SocketServer) Ready() <-chan struct{} {
	return s.ready
}

// Serve listens on the socket and dispatches requests until ctx is
// cancelled, then waits for in-flight handlers. A stale socket file
// is removed first; the socket file is removed on return.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("socket server listening", "path", s.socketPath, "actions", len(s.handlers))
	s.readyOnce.Do(func() { close(s.ready) })

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))

	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, "missing required field: action")
		return
	}

	handler, exists := s.handlers[header.Action]
	if !exists {
		s.writeError(conn, fmt.Sprintf("unknown action %q", header.Action))
		return
	}

	timeout := s.HandlerTimeout
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	handlerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := s.invoke(handlerCtx, header.Action, handler, raw)
	if err != nil {
		s.logger.Debug("action failed", "action", header.Action, "error", err)
		s.writeError(conn, err.Error())
		return
	}
	s.writeSuccess(conn, result)
}

// invoke runs a handler, converting a panic into an error response so
// one bad request cannot take the router down.
func (s *SocketServer) invoke(ctx context.Context, action string, handler ActionFunc, raw []byte) (result any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("action panicked", "action", action, "panic", recovered)
			result, err = nil, fmt.Errorf("internal error in %q", action)
		}
	}()
	return handler(ctx, raw)
}

func (s *SocketServer) writeError(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(Response{OK: false, Error: message}); err != nil {
		s.logger.Debug("failed to write error response", "error", err)
	}
}

func (s *SocketServer) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("internal: marshaling response: %v", err))
			return
		}
		response.Data = data
	}
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", "error", err)
	}
}
