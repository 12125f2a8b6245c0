// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/dispatch/lib/audit"
	"github.com/bureau-foundation/dispatch/lib/cache"
	"github.com/bureau-foundation/dispatch/lib/circuit"
	"github.com/bureau-foundation/dispatch/lib/mode"
	"github.com/bureau-foundation/dispatch/lib/processor"
	"github.com/bureau-foundation/dispatch/lib/ratelimit"
	"github.com/bureau-foundation/dispatch/lib/schema"
	"github.com/bureau-foundation/dispatch/lib/service"
	"github.com/bureau-foundation/dispatch/lib/shard"
)

// errModeDisabled is returned by mode actions when no playback
// endpoints are configured.
var errModeDisabled = errors.New("mode controller is not configured")

// registerActions registers the socket API on server.
func (r *Router) registerActions(server *service.SocketServer) {
	server.Handle("status", r.handleStatus)
	server.Handle("execute", r.handleExecute)

	server.Handle("mode.state", r.handleModeState)
	server.Handle("mode.switch_music", r.handleSwitchMusic)
	server.Handle("mode.switch_radio", r.handleSwitchRadio)
	server.Handle("mode.stop", r.handleStopMode)
	server.Handle("mode.resume_music", r.handleResumeMusic)

	server.Handle("shard.owner", r.handleShardOwner)
	server.Handle("shard.rebalance", r.handleShardRebalance)

	server.Handle("cache.invalidate", r.handleCacheInvalidate)
	server.Handle("circuit.status", r.handleCircuitStatus)
	server.Handle("ratelimit.remaining", r.handleRateLimitRemaining)
}

// statusResponse is the "status" action's result and the body of
// GET /v1/status.
type statusResponse struct {
	NodeID        string            `cbor:"node_id" json:"node_id"`
	UptimeSeconds float64           `cbor:"uptime_seconds" json:"uptime_seconds"`
	Ring          []string          `cbor:"ring" json:"ring"`
	Channels      int               `cbor:"channels" json:"channels"`
	Processor     processor.Stats   `cbor:"processor" json:"processor"`
	Cache         cache.Stats       `cbor:"cache" json:"cache"`
	Audit         *audit.AsyncStats `cbor:"audit,omitempty" json:"audit,omitempty"`
	OpenCircuits  []string          `cbor:"open_circuits,omitempty" json:"open_circuits,omitempty"`
	ModeEnabled   bool              `cbor:"mode_enabled" json:"mode_enabled"`
	ModeLocks     int               `cbor:"mode_locks" json:"mode_locks"`
}

func (r *Router) status() statusResponse {
	response := statusResponse{
		NodeID:        r.nodeID,
		UptimeSeconds: r.clock.Now().Sub(r.startedAt).Seconds(),
		Ring:          r.shards.Ring().Nodes(),
		Channels:      r.shards.Tracked(),
		Processor:     r.processor.Stats(),
		Cache:         r.cache.Stats(),
		ModeEnabled:   r.modes != nil,
	}
	if r.audit != nil {
		stats := r.audit.Stats()
		response.Audit = &stats
	}
	for _, metrics := range r.breaker.SnapshotAll() {
		if metrics.State != circuit.Closed {
			response.OpenCircuits = append(response.OpenCircuits, metrics.Dependency)
		}
	}
	if r.modes != nil {
		response.ModeLocks = r.modes.TrackedLocks()
	}
	return response
}

func (r *Router) handleStatus(ctx context.Context, raw []byte) (any, error) {
	return r.status(), nil
}

// handleExecute runs one command. Pipeline failures are reported in
// the result, not as a socket error, so callers always get the error
// kind.
func (r *Router) handleExecute(ctx context.Context, raw []byte) (any, error) {
	request, err := service.DecodeRequest[schema.ExecutionRequest](raw)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, request), nil
}

// execute runs one command. The processor claims the request's
// channel first, so a channel owned elsewhere is refused without
// dispatching.
func (r *Router) execute(ctx context.Context, request schema.ExecutionRequest) schema.ExecutionResult {
	return r.processor.Execute(ctx, request)
}

type communityRequest struct {
	CommunityID string `cbor:"community_id"`
}

type radioRequest struct {
	CommunityID string `cbor:"community_id"`
	Station     string `cbor:"station"`
}

// modeResponse reports a mode action. Changed is false for no-ops.
type modeResponse struct {
	Changed bool             `cbor:"changed" json:"changed"`
	State   schema.ModeState `cbor:"state" json:"state"`
}

func decodeCommunity(raw []byte) (string, error) {
	request, err := service.DecodeRequest[communityRequest](raw)
	if err != nil {
		return "", err
	}
	if request.CommunityID == "" {
		return "", errors.New("community_id is required")
	}
	return request.CommunityID, nil
}

func (r *Router) handleModeState(ctx context.Context, raw []byte) (any, error) {
	if r.modes == nil {
		return nil, errModeDisabled
	}
	communityID, err := decodeCommunity(raw)
	if err != nil {
		return nil, err
	}
	return r.modes.State(ctx, communityID)
}

// runMode runs a mode operation and reports the state it committed
// under the community's lock.
func (r *Router) runMode(operation func() (mode.Result, error)) (any, error) {
	if r.modes == nil {
		return nil, errModeDisabled
	}
	result, err := operation()
	if err != nil {
		return nil, err
	}
	return modeResponse{Changed: result.Changed, State: result.State}, nil
}

func (r *Router) handleSwitchMusic(ctx context.Context, raw []byte) (any, error) {
	communityID, err := decodeCommunity(raw)
	if err != nil {
		return nil, err
	}
	return r.runMode(func() (mode.Result, error) {
		return r.modes.Music(ctx, communityID)
	})
}

func (r *Router) handleSwitchRadio(ctx context.Context, raw []byte) (any, error) {
	request, err := service.DecodeRequest[radioRequest](raw)
	if err != nil {
		return nil, err
	}
	if request.CommunityID == "" {
		return nil, errors.New("community_id is required")
	}
	return r.runMode(func() (mode.Result, error) {
		return r.modes.Radio(ctx, request.CommunityID, request.Station)
	})
}

func (r *Router) handleStopMode(ctx context.Context, raw []byte) (any, error) {
	communityID, err := decodeCommunity(raw)
	if err != nil {
		return nil, err
	}
	return r.runMode(func() (mode.Result, error) {
		return r.modes.Stop(ctx, communityID)
	})
}

func (r *Router) handleResumeMusic(ctx context.Context, raw []byte) (any, error) {
	communityID, err := decodeCommunity(raw)
	if err != nil {
		return nil, err
	}
	return r.runMode(func() (mode.Result, error) {
		return r.modes.Resume(ctx, communityID)
	})
}

type channelRequest struct {
	ChannelID string `cbor:"channel_id"`
}

// ownerResponse is the ring's assignment for a channel plus this
// node's view of it.
type ownerResponse struct {
	shard.Assignment
	Local bool `cbor:"local" json:"local"`
	Held  bool `cbor:"held" json:"held"`
}

func (r *Router) handleShardOwner(ctx context.Context, raw []byte) (any, error) {
	request, err := service.DecodeRequest[channelRequest](raw)
	if err != nil {
		return nil, err
	}
	if request.ChannelID == "" {
		return nil, errors.New("channel_id is required")
	}
	owner, err := r.shards.OwnerOf(request.ChannelID)
	if err != nil {
		return nil, err
	}
	return ownerResponse{
		Assignment: shard.Assignment{ChannelID: request.ChannelID, NodeID: owner},
		Local:      owner == r.shards.NodeID(),
		Held:       r.shards.Holds(request.ChannelID),
	}, nil
}

type rebalanceRequest struct {
	Nodes []string `cbor:"nodes"`
}

type rebalanceResponse struct {
	Nodes    []string        `cbor:"nodes" json:"nodes"`
	Handoffs []shard.Handoff `cbor:"handoffs" json:"handoffs"`
}

func (r *Router) handleShardRebalance(ctx context.Context, raw []byte) (any, error) {
	request, err := service.DecodeRequest[rebalanceRequest](raw)
	if err != nil {
		return nil, err
	}
	if len(request.Nodes) == 0 {
		return nil, errors.New("nodes is required")
	}
	handoffs, err := r.shards.Rebalance(ctx, request.Nodes)
	if err != nil {
		return nil, err
	}
	if handoffs == nil {
		handoffs = []shard.Handoff{}
	}
	return rebalanceResponse{Nodes: r.shards.Ring().Nodes(), Handoffs: handoffs}, nil
}

type invalidateRequest struct {
	// Pattern is a command name glob; empty means every command.
	Pattern string `cbor:"pattern"`
}

type invalidateResponse struct {
	Removed int `cbor:"removed" json:"removed"`
}

func (r *Router) handleCacheInvalidate(ctx context.Context, raw []byte) (any, error) {
	request, err := service.DecodeRequest[invalidateRequest](raw)
	if err != nil {
		return nil, err
	}
	removed, err := r.processor.InvalidateDefinitions(ctx, strings.ToLower(request.Pattern))
	if err != nil {
		return nil, err
	}
	r.logger.Info("command definitions invalidated", "pattern", request.Pattern, "removed", removed)
	return invalidateResponse{Removed: removed}, nil
}

type circuitRequest struct {
	// Dependency selects one module; empty returns all of them.
	Dependency string `cbor:"dependency"`
}

func (r *Router) handleCircuitStatus(ctx context.Context, raw []byte) (any, error) {
	request, err := service.DecodeRequest[circuitRequest](raw)
	if err != nil {
		return nil, err
	}
	if request.Dependency != "" {
		return []circuit.Metrics{r.breaker.Snapshot(request.Dependency)}, nil
	}
	metrics := r.breaker.SnapshotAll()
	if metrics == nil {
		metrics = []circuit.Metrics{}
	}
	return metrics, nil
}

type remainingRequest struct {
	Scope string `cbor:"scope"`

	// Key is the scope's subject: "user:command" for the user scope,
	// the command name for the command scope, the address for ip.
	Key string `cbor:"key"`
}

type remainingResponse struct {
	Scope     string `cbor:"scope" json:"scope"`
	Key       string `cbor:"key" json:"key"`
	Limit     int    `cbor:"limit" json:"limit"`
	Remaining int    `cbor:"remaining" json:"remaining"`
}

func (r *Router) handleRateLimitRemaining(ctx context.Context, raw []byte) (any, error) {
	request, err := service.DecodeRequest[remainingRequest](raw)
	if err != nil {
		return nil, err
	}
	if request.Key == "" {
		return nil, errors.New("key is required")
	}
	var limit processor.Limit
	scope := ratelimit.Scope(request.Scope)
	switch scope {
	case ratelimit.ScopeUser:
		limit = r.limits.User
	case ratelimit.ScopeCommand:
		limit = r.limits.Command
	case ratelimit.ScopeIP:
		limit = r.limits.IP
	default:
		return nil, fmt.Errorf("unknown scope %q (want user, command, or ip)", request.Scope)
	}
	if limit.Limit <= 0 {
		return nil, fmt.Errorf("%s scope is not limited", scope)
	}
	remaining, err := r.limiter.Remaining(ctx, scope, request.Key, limit.Limit, limit.Window)
	if err != nil {
		return nil, err
	}
	return remainingResponse{
		Scope:     request.Scope,
		Key:       request.Key,
		Limit:     limit.Limit,
		Remaining: remaining,
	}, nil
}
