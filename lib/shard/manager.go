// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package shard assigns channels to router nodes and coordinates
// ownership hand-offs.
//
// Assignment comes from a consistent-hash [Ring]. The ring says which
// node should own a channel; a lease in the shared state store says
// which node does. A node processes a channel's events only while it
// holds that channel's lease, so even during a membership change two
// nodes never process the same channel concurrently. A node that
// loses the lease race yields immediately.
//
// Rebalance builds a new ring, swaps it in atomically, releases the
// leases of channels this node no longer owns, claims the ones it
// gained, and reports a [Handoff] for every tracked channel whose
// owner changed. A channel is tracked from its first event until it
// has been idle for the configured ChannelIdle.
package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/dispatch/lib/clock"
	"github.com/bureau-foundation/dispatch/lib/lease"
)

var (
	// ErrNoNodes means the ring is empty.
	ErrNoNodes = errors.New("shard: no nodes in ring")

	// ErrNotOwner means this node is not the channel's owner, either
	// because the ring assigns it elsewhere or because another node
	// holds the lease.
	ErrNotOwner = errors.New("shard: not owner")
)

// Assignment is the ring's answer for one channel.
type Assignment struct {
	ChannelID string `json:"channel_id"`
	NodeID    string `json:"node_id"`
}

// Handoff records an ownership change for one channel.
type Handoff struct {
	ChannelID string `json:"channel_id"`
	From      string `json:"from"`
	To        string `json:"to"`
}

// HandoffNotifier receives ownership changes. Implementations forward
// them to the old and new owners.
type HandoffNotifier interface {
	NotifyHandoff(ctx context.Context, handoff Handoff) error
}

// HandoffFunc adapts a function to HandoffNotifier.
type HandoffFunc func(ctx context.Context, handoff Handoff) error

func (f HandoffFunc) NotifyHandoff(ctx context.Context, handoff Handoff) error {
	return f(ctx, handoff)
}

// Config configures a Manager.
type Config struct {
	// NodeID is this router's identity on the ring.
	NodeID string

	// Nodes is the initial membership.
	Nodes []string

	// VirtualNodes per physical node. Default 150.
	VirtualNodes int

	// Locker stores channel leases.
	Locker *lease.Locker

	// LeaseTTL bounds how long a crashed owner blocks its channels.
	// Default 30s.
	LeaseTTL time.Duration

	// ChannelIdle is how long a tracked channel may go without a
	// Claim before Run forgets it. Default 10m.
	ChannelIdle time.Duration

	// Notifier receives hand-offs. Optional.
	Notifier HandoffNotifier

	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager is one node's view of channel ownership.
type Manager struct {
	nodeID       string
	virtualNodes int
	locker       *lease.Locker
	leaseTTL     time.Duration
	channelIdle  time.Duration
	notifier     HandoffNotifier
	clock        clock.Clock
	logger       *slog.Logger

	ring atomic.Pointer[Ring]

	// rebalanceMu serializes Rebalance calls. OwnerOf never takes it.
	rebalanceMu sync.Mutex

	mu sync.Mutex

	// tracked maps each channel seen to the time of its last Claim.
	tracked map[string]time.Time
	held    map[string]lease.Lease
}

// NewManager returns a Manager with the ring built from cfg.Nodes.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("shard: node id is required")
	}
	if cfg.Locker == nil {
		return nil, errors.New("shard: locker is required")
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.ChannelIdle <= 0 {
		cfg.ChannelIdle = 10 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	manager := &Manager{
		nodeID:       cfg.NodeID,
		virtualNodes: cfg.VirtualNodes,
		locker:       cfg.Locker,
		leaseTTL:     cfg.LeaseTTL,
		channelIdle:  cfg.ChannelIdle,
		notifier:     cfg.Notifier,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		tracked:      make(map[string]time.Time),
		held:         make(map[string]lease.Lease),
	}
	manager.ring.Store(NewRing(cfg.Nodes, cfg.VirtualNodes))
	return manager, nil
}

// NodeID returns this node's id.
func (m *Manager) NodeID() string { return m.nodeID }

// Ring returns the current ring.
func (m *Manager) Ring() *Ring { return m.ring.Load() }

// OwnerOf returns the node the ring assigns channel to.
func (m *Manager) OwnerOf(channel string) (string, error) {
	node, ok := m.ring.Load().Owner(channel)
	if !ok {
		return "", ErrNoNodes
	}
	return node, nil
}

// track adds channel to the set whose ownership changes are reported
// by Rebalance, or marks it as recently seen.
func (m *Manager) track(channel string) {
	now := m.clock.Now()
	m.mu.Lock()
	m.tracked[channel] = now
	m.mu.Unlock()
}

// Tracked returns the number of channels being tracked.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}

func leaseName(channel string) string { return "shard:channel:" + channel }

// Claim takes ownership of channel for this node. It returns
// ErrNotOwner when the ring assigns the channel elsewhere or another
// node still holds the lease. A held lease is renewed. The channel is
// tracked either way, so a later Rebalance that moves it here claims
// it.
func (m *Manager) Claim(ctx context.Context, channel string) error {
	owner, err := m.OwnerOf(channel)
	if err != nil {
		return err
	}
	m.track(channel)
	if owner != m.nodeID {
		return fmt.Errorf("%w: channel %q belongs to %q", ErrNotOwner, channel, owner)
	}

	m.mu.Lock()
	current, holding := m.held[channel]
	m.mu.Unlock()

	if holding {
		renewed, err := m.locker.Renew(ctx, current, m.leaseTTL)
		if err == nil {
			m.mu.Lock()
			m.held[channel] = renewed
			m.mu.Unlock()
			return nil
		}
		if !errors.Is(err, lease.ErrNotHeld) {
			return fmt.Errorf("shard: renewing %q: %w", channel, err)
		}
		m.mu.Lock()
		delete(m.held, channel)
		m.mu.Unlock()
	}

	acquired, err := m.locker.Acquire(ctx, leaseName(channel), m.nodeID, m.leaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		m.logger.Info("yielding channel held by another node", "channel_id", channel, "error", err)
		return fmt.Errorf("%w: %v", ErrNotOwner, err)
	}
	if err != nil {
		return fmt.Errorf("shard: claiming %q: %w", channel, err)
	}
	m.mu.Lock()
	m.held[channel] = acquired
	m.mu.Unlock()
	return nil
}

// Holds reports whether this node currently holds channel's lease.
func (m *Manager) Holds(channel string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[channel]
	return ok
}

func (m *Manager) release(ctx context.Context, channel string) {
	m.mu.Lock()
	held, ok := m.held[channel]
	delete(m.held, channel)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := m.locker.Release(ctx, held); err != nil && !errors.Is(err, lease.ErrNotHeld) {
		m.logger.Warn("releasing channel lease failed", "channel_id", channel, "error", err)
	}
}

// Rebalance replaces the ring with one built from nodes. Leases on
// channels this node no longer owns are released before the hand-offs
// are reported, so the new owner can claim immediately.
func (m *Manager) Rebalance(ctx context.Context, nodes []string) ([]Handoff, error) {
	m.rebalanceMu.Lock()
	defer m.rebalanceMu.Unlock()

	previous := m.ring.Load()
	next := NewRing(nodes, m.virtualNodes)
	if slices.Equal(previous.Nodes(), next.Nodes()) {
		return nil, nil
	}
	m.ring.Store(next)

	m.mu.Lock()
	channels := make([]string, 0, len(m.tracked))
	for channel := range m.tracked {
		channels = append(channels, channel)
	}
	m.mu.Unlock()
	slices.Sort(channels)

	var handoffs []Handoff
	for _, channel := range channels {
		from, _ := previous.Owner(channel)
		to, _ := next.Owner(channel)
		if from == to {
			continue
		}
		handoffs = append(handoffs, Handoff{ChannelID: channel, From: from, To: to})
		if from == m.nodeID {
			m.release(ctx, channel)
		}
	}
	for _, handoff := range handoffs {
		if handoff.To != m.nodeID {
			continue
		}
		// The previous owner may not have released yet; the next
		// event retries the claim.
		if err := m.Claim(ctx, handoff.ChannelID); err != nil {
			m.logger.Info("channel gained in rebalance not yet claimable",
				"channel_id", handoff.ChannelID,
				"from", handoff.From,
				"error", err,
			)
		}
	}

	m.logger.Info("shard ring rebalanced",
		"nodes", next.Nodes(),
		"previous_nodes", previous.Nodes(),
		"handoffs", len(handoffs),
	)

	if m.notifier != nil {
		for _, handoff := range handoffs {
			if err := m.notifier.NotifyHandoff(ctx, handoff); err != nil {
				m.logger.Warn("handoff notification failed",
					"channel_id", handoff.ChannelID,
					"from", handoff.From,
					"to", handoff.To,
					"error", err,
				)
			}
		}
	}
	return handoffs, nil
}

// RenewAll renews every held lease. A lease that was lost is dropped
// from the held set; the channel will be re-claimed on its next event
// if this node still owns it.
func (m *Manager) RenewAll(ctx context.Context) {
	m.mu.Lock()
	snapshot := make(map[string]lease.Lease, len(m.held))
	for channel, held := range m.held {
		snapshot[channel] = held
	}
	m.mu.Unlock()

	for channel, held := range snapshot {
		renewed, err := m.locker.Renew(ctx, held, m.leaseTTL)
		m.mu.Lock()
		switch {
		case err == nil:
			m.held[channel] = renewed
		case errors.Is(err, lease.ErrNotHeld):
			delete(m.held, channel)
			m.logger.Warn("channel lease lost", "channel_id", channel)
		default:
			m.logger.Warn("renewing channel lease failed", "channel_id", channel, "error", err)
		}
		m.mu.Unlock()
	}
}

// EvictIdle forgets channels not claimed within ChannelIdle,
// releasing their leases, and returns how many were dropped.
func (m *Manager) EvictIdle(ctx context.Context) int {
	cutoff := m.clock.Now().Add(-m.channelIdle)
	m.mu.Lock()
	var idle []string
	for channel, seen := range m.tracked {
		if !seen.After(cutoff) {
			idle = append(idle, channel)
			delete(m.tracked, channel)
		}
	}
	m.mu.Unlock()

	for _, channel := range idle {
		m.mu.Lock()
		_, reclaimed := m.tracked[channel]
		m.mu.Unlock()
		if !reclaimed {
			m.release(ctx, channel)
		}
	}
	if len(idle) > 0 {
		m.logger.Debug("idle channels evicted", "count", len(idle))
	}
	return len(idle)
}

// Run renews held leases at a third of the lease TTL and evicts idle
// channels until ctx is done, then releases every lease.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.leaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.releaseAll()
			return
		case <-ticker.C:
			m.EvictIdle(ctx)
			m.RenewAll(ctx)
		}
	}
}

func (m *Manager) releaseAll() {
	m.mu.Lock()
	channels := make([]string, 0, len(m.held))
	for channel := range m.held {
		channels = append(channels, channel)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, channel := range channels {
		m.release(ctx, channel)
	}
}
