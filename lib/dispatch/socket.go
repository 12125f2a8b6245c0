// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/dispatch/lib/service"
)

// SocketAction is the action a socket module must serve.
const SocketAction = "execute"

func (c *Client) dispatchSocket(ctx context.Context, endpoint, socketPath string, payload Payload) (Response, error) {
	if socketPath == "" {
		return Response{}, permanent(endpoint, errors.New("unix endpoint has no socket path"))
	}

	fields := map[string]any{
		"request_id":   payload.RequestID,
		"command":      payload.Command,
		"arguments":    payload.Arguments,
		"user_id":      payload.UserID,
		"platform":     payload.Platform,
		"community_id": payload.CommunityID,
		"channel_id":   payload.ChannelID,
		"session_id":   payload.SessionID,
		"attempt":      payload.Attempt,
	}
	if len(payload.RequiredScopes) > 0 {
		fields["required_scopes"] = payload.RequiredScopes
	}
	if len(payload.Metadata) > 0 {
		fields["metadata"] = payload.Metadata
	}

	var response Response
	err := service.NewClient(socketPath).Call(ctx, SocketAction, fields, &response)
	if err == nil {
		return response, nil
	}

	var serviceErr *service.ServiceError
	if errors.As(err, &serviceErr) {
		// The module received the request and refused it.
		return Response{}, permanent(endpoint, fmt.Errorf("%s", serviceErr.Message))
	}
	return Response{}, transient(endpoint, err)
}
