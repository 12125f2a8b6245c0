// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch performs the outbound call to an action module.
//
// There is one generic dispatch path for every command. The
// definition's endpoint picks the transport:
//
//   - http:// and https:// endpoints receive a JSON POST of [Payload]
//     and answer with a JSON [Response]
//   - unix:///path endpoints are CBOR sockets served by
//     service.SocketServer; the call is the "execute" action with the
//     payload fields
//
// Every failure is an [*Error] classified as transient (worth a
// retry: timeouts, connection failures, 5xx) or permanent (4xx, the
// module rejecting the request, undecodable responses).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/bureau-foundation/dispatch/lib/schema"
)

// Payload is the request body sent to a module.
type Payload struct {
	RequestID      string         `json:"request_id"`
	Command        string         `json:"command"`
	Arguments      []string       `json:"arguments"`
	UserID         string         `json:"user_id"`
	Platform       string         `json:"platform,omitempty"`
	CommunityID    string         `json:"community_id,omitempty"`
	ChannelID      string         `json:"channel_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	RequiredScopes []string       `json:"required_scopes,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`

	// Attempt is 0 for the first try, then 1, 2, ... on retries, so
	// a module can deduplicate side effects by (RequestID, Attempt).
	Attempt int `json:"attempt"`
}

// NewPayload builds the payload for request under definition.
func NewPayload(request schema.ExecutionRequest, definition schema.CommandDefinition) Payload {
	arguments := request.Arguments
	if arguments == nil {
		arguments = []string{}
	}
	return Payload{
		RequestID:      request.RequestID,
		Command:        definition.Name,
		Arguments:      arguments,
		UserID:         request.UserID,
		Platform:       request.Platform,
		CommunityID:    request.CommunityID,
		ChannelID:      request.ChannelID,
		SessionID:      request.SessionID,
		RequiredScopes: definition.RequiredScopes,
		Metadata:       request.Metadata,
	}
}

// Response is a module's answer.
type Response struct {
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Dispatcher sends a payload to the module a definition names.
type Dispatcher interface {
	Dispatch(ctx context.Context, definition schema.CommandDefinition, payload Payload) (Response, error)
}

// Class is the retry classification of a failure.
type Class int

const (
	Transient Class = iota
	Permanent
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "permanent"
}

// Error is a classified dispatch failure.
type Error struct {
	Class    Class
	Endpoint string

	// StatusCode is the HTTP status, when there was one.
	StatusCode int

	Err error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dispatch to %s: %s failure (HTTP %d): %v", e.Endpoint, e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("dispatch to %s: %s failure: %v", e.Endpoint, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying. Unclassified
// errors are treated as transient.
func IsTransient(err error) bool {
	var dispatchErr *Error
	if errors.As(err, &dispatchErr) {
		return dispatchErr.Class == Transient
	}
	return err != nil
}

func transient(endpoint string, err error) *Error {
	return &Error{Class: Transient, Endpoint: endpoint, Err: err}
}

func permanent(endpoint string, err error) *Error {
	return &Error{Class: Permanent, Endpoint: endpoint, Err: err}
}

// Config configures a Client.
type Config struct {
	// HTTPClient carries HTTP dispatches. Default: a client with no
	// overall timeout (attempts are bounded by their contexts).
	HTTPClient *http.Client

	// UserAgent is sent on HTTP dispatches.
	UserAgent string

	Logger *slog.Logger
}

// Client dispatches over HTTP or a Unix socket depending on the
// endpoint scheme.
type Client struct {
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
}

// New returns a Client.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "dispatch-router"
	}
	return &Client{httpClient: httpClient, userAgent: userAgent, logger: logger}
}

// Dispatch sends payload to definition.Endpoint. A module answering
// success=false yields a permanent *Error carrying the module's
// message; the Response is still returned so callers can inspect its
// payload.
func (c *Client) Dispatch(ctx context.Context, definition schema.CommandDefinition, payload Payload) (Response, error) {
	endpoint, err := url.Parse(definition.Endpoint)
	if err != nil {
		return Response{}, permanent(definition.Endpoint, fmt.Errorf("parsing endpoint: %w", err))
	}

	var response Response
	switch endpoint.Scheme {
	case "http", "https":
		response, err = c.dispatchHTTP(ctx, definition.Endpoint, payload)
	case "unix":
		response, err = c.dispatchSocket(ctx, definition.Endpoint, endpoint.Path, payload)
	default:
		return Response{}, permanent(definition.Endpoint, fmt.Errorf("unsupported endpoint scheme %q", endpoint.Scheme))
	}
	if err != nil {
		c.logger.Debug("dispatch failed",
			"command", definition.Name,
			"endpoint", definition.Endpoint,
			"attempt", payload.Attempt,
			"error", err,
		)
		return Response{}, err
	}
	if !response.Success {
		message := response.Error
		if message == "" {
			message = "module reported failure"
		}
		return response, permanent(definition.Endpoint, errors.New(message))
	}
	return response, nil
}
