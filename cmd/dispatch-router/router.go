// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/dispatch/lib/audit"
	"github.com/bureau-foundation/dispatch/lib/cache"
	"github.com/bureau-foundation/dispatch/lib/circuit"
	"github.com/bureau-foundation/dispatch/lib/clock"
	"github.com/bureau-foundation/dispatch/lib/config"
	"github.com/bureau-foundation/dispatch/lib/dispatch"
	"github.com/bureau-foundation/dispatch/lib/lease"
	"github.com/bureau-foundation/dispatch/lib/mode"
	"github.com/bureau-foundation/dispatch/lib/overlay"
	"github.com/bureau-foundation/dispatch/lib/processor"
	"github.com/bureau-foundation/dispatch/lib/ratelimit"
	"github.com/bureau-foundation/dispatch/lib/registry"
	"github.com/bureau-foundation/dispatch/lib/session"
	"github.com/bureau-foundation/dispatch/lib/shard"
	"github.com/bureau-foundation/dispatch/lib/statestore"
	"github.com/bureau-foundation/dispatch/lib/version"
)

// Router holds every component of one router process. The socket and
// HTTP handlers are methods on it.
type Router struct {
	nodeID    string
	clock     clock.Clock
	startedAt time.Time
	logger    *slog.Logger

	store     statestore.Store
	registry  registry.Registry
	cache     *cache.Manager
	limiter   *ratelimit.Limiter
	limits    processor.Limits
	breaker   *circuit.Breaker
	sessions  *session.Manager
	processor *processor.Processor
	shards    *shard.Manager

	// modes is nil when no playback endpoints are configured.
	modes *mode.Controller

	// audit is nil when auditing is disabled.
	audit *audit.Async

	sweepInterval time.Duration

	// closers run in reverse order on Close.
	closers []func() error
}

// newRouter builds a Router from cfg. On error every component opened
// so far is closed.
func newRouter(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (_ *Router, err error) {
	nodeID := cfg.Service.NodeID
	if nodeID == "" {
		nodeID, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolving node id: %w", err)
		}
	}

	router := &Router{
		nodeID:        nodeID,
		clock:         clk,
		startedAt:     clk.Now(),
		logger:        logger,
		sweepInterval: cfg.Store.SweepInterval,
		limits: processor.Limits{
			User:    processor.Limit{Limit: cfg.RateLimits.User.Limit, Window: cfg.RateLimits.User.Window},
			Command: processor.Limit{Limit: cfg.RateLimits.Command.Limit, Window: cfg.RateLimits.Command.Window},
			IP:      processor.Limit{Limit: cfg.RateLimits.IP.Limit, Window: cfg.RateLimits.IP.Window},
		},
	}
	defer func() {
		if err != nil {
			router.Close()
		}
	}()

	if err := router.openStore(cfg.Store); err != nil {
		return nil, err
	}
	if err := router.openRegistry(cfg.Registry); err != nil {
		return nil, err
	}
	if err := router.openAudit(cfg.Audit); err != nil {
		return nil, err
	}

	router.cache = cache.New(router.store, cache.Config{
		DefaultTTL: cfg.Cache.TTL,
		Logger:     logger.With("component", "cache"),
	})
	router.limiter = ratelimit.New(router.store, clk, logger.With("component", "ratelimit"))
	router.sessions = session.NewManager(router.store, clk, cfg.Session.TTL, logger.With("component", "session"))
	router.breaker = circuit.New(circuit.Config{
		Threshold:       cfg.Circuit.Threshold,
		Thresholds:      cfg.Circuit.Thresholds,
		Cooldown:        cfg.Circuit.Cooldown,
		ErrorRateWindow: cfg.Circuit.ErrorRateWindow,
		Clock:           clk,
		Logger:          logger.With("component", "circuit"),
		OnStateChange: func(dependency string, from, to circuit.State) {
			logger.Info("circuit state changed",
				"dependency", dependency,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	locker := lease.NewLocker(router.store, clk)
	nodes := cfg.Shard.Nodes
	if len(nodes) == 0 {
		nodes = []string{nodeID}
	}
	router.shards, err = shard.NewManager(shard.Config{
		NodeID:       nodeID,
		Nodes:        nodes,
		VirtualNodes: cfg.Shard.VirtualNodes,
		Locker:       locker,
		LeaseTTL:     cfg.Shard.LeaseTTL,
		ChannelIdle:  cfg.Shard.ChannelIdle,
		Notifier:     shard.HandoffFunc(router.logHandoff),
		Clock:        clk,
		Logger:       logger.With("component", "shard"),
	})
	if err != nil {
		return nil, err
	}

	var sink audit.Sink
	if router.audit != nil {
		sink = router.audit
	}
	dispatchRate := rate.Limit(cfg.Processor.DispatchRate)
	if cfg.Processor.DispatchRate == 0 {
		dispatchRate = rate.Inf
	}
	router.processor = processor.New(processor.Config{
		Registry: router.registry,
		Cache:    router.cache,
		Limiter:  router.limiter,
		Breaker:  router.breaker,
		Dispatcher: dispatch.New(dispatch.Config{
			UserAgent: "dispatch-router/" + version.Version,
			Logger:    logger.With("component", "dispatch"),
		}),
		Sessions:       router.sessions,
		Channels:       router.shards,
		Audit:          sink,
		Limits:         router.limits,
		DefinitionTTL:  cfg.Cache.TTL,
		RequestTimeout: cfg.Processor.RequestTimeout,
		AttemptTimeout: cfg.Processor.AttemptTimeout,
		MaxRetries:     cfg.Processor.MaxRetries,
		RetryDelay:     cfg.Processor.RetryDelay,
		DispatchRate:   dispatchRate,
		DispatchBurst:  cfg.Processor.DispatchBurst,
		Clock:          clk,
		Logger:         logger.With("component", "processor"),
	})

	if cfg.ModeEnabled() {
		modeConfig := mode.Config{
			Store:          router.store,
			Music:          mode.NewHTTPBackend(cfg.Mode.MusicEndpoint, nil, cfg.Mode.BackendTimeout),
			Radio:          mode.NewHTTPBackend(cfg.Mode.RadioEndpoint, nil, cfg.Mode.BackendTimeout),
			NodeID:         nodeID,
			LockIdle:       cfg.Mode.LockIdle,
			DefaultStation: cfg.Mode.DefaultStation,
			Clock:          clk,
			Logger:         logger.With("component", "mode"),
		}
		if cfg.Mode.OverlayURL != "" {
			modeConfig.Notifier = overlay.NewHTTPNotifier(cfg.Mode.OverlayURL, nil, cfg.Mode.OverlayTimeout)
		}
		if cfg.Mode.Distributed {
			modeConfig.Locker = locker
		}
		router.modes = mode.New(modeConfig)
	}

	return router, nil
}

func (r *Router) openStore(cfg config.StoreConfig) error {
	switch cfg.Backend {
	case "memory":
		r.store = statestore.NewMemoryStore(r.clock)
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return fmt.Errorf("creating store directory: %w", err)
		}
		store, err := statestore.OpenSQLite(statestore.SQLiteConfig{
			Path:     cfg.Path,
			PoolSize: cfg.PoolSize,
			Clock:    r.clock,
			Logger:   r.logger.With("component", "statestore"),
		})
		if err != nil {
			return fmt.Errorf("opening state store: %w", err)
		}
		r.store = store
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	r.closers = append(r.closers, r.store.Close)
	return nil
}

func (r *Router) openRegistry(cfg config.RegistryConfig) error {
	switch cfg.Backend {
	case "jsonc":
		r.registry = registry.NewDir(cfg.Dir)
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return fmt.Errorf("creating registry directory: %w", err)
		}
		commands, err := registry.OpenSQLite(cfg.Path, r.logger.With("component", "registry"))
		if err != nil {
			return fmt.Errorf("opening registry: %w", err)
		}
		r.registry = commands
		r.closers = append(r.closers, commands.Close)
	default:
		return fmt.Errorf("unknown registry backend %q", cfg.Backend)
	}
	return nil
}

func (r *Router) openAudit(cfg config.AuditConfig) error {
	locker := lease.NewLocker(router.store, clk)
	nodes := cfg.Shard.Nodes
	if len(nodes) == 0 {
		nodes = []string{nodeID}
	}
	router.shards, err = shard.NewManager(shard.Config{
		NodeID:       nodeID,
		Nodes:        nodes,
		VirtualNodes: cfg.Shard.VirtualNodes,
		Locker:       locker,
		LeaseTTL:     cfg.Shard.LeaseTTL,
		ChannelIdle:  cfg.Shard.ChannelIdle,
		Notifier:     shard.HandoffFunc(router.logHandoff),
		Clock:        clk,
		Logger:       logger.With("component", "shard"),
	})
	if err != nil {
		return nil, err
	}

	var sink audit.Sink
	switch cfg.Backend {
	case "none":
		return nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return fmt.Errorf("creating audit directory: %w", err)
		}
		opened, err := audit.OpenSQLite(cfg.Path, 2, r.logger.With("component", "audit"))
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		sink = opened
	case "file":
		opened, err := audit.OpenFile(cfg.Path, cfg.SegmentBytes, r.clock)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		sink = opened
	default:
		return fmt.Errorf("unknown audit backend %q", cfg.Backend)
	}
	r.audit = audit.NewAsync(sink, cfg.QueueSize, r.logger.With("component", "audit"))
	r.closers = append(r.closers, r.audit.Close)
	return nil
}

func (r *Router) logHandoff(_ context.Context, handoff shard.Handoff) error {
	r.logger.Info("channel handed off",
		"channel_id", handoff.ChannelID,
		"from", handoff.From,
		"to", handoff.To,
	)
	return nil
}

// runBackground starts the store sweeper, shard lease renewal, and
// mode lock eviction. They stop when ctx is cancelled; the returned
// channel is closed once all of them have.
func (r *Router) runBackground(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	loops := []func(context.Context){
		func(ctx context.Context) {
			statestore.RunSweeper(ctx, r.store, r.clock, r.sweepInterval, r.logger.With("component", "sweeper"))
		},
		r.shards.Run,
	}
	if r.modes != nil {
		loops = append(loops, r.modes.Run)
	}

	finished := make(chan struct{}, len(loops))
	for _, loop := range loops {
		go func() {
			loop(ctx)
			finished <- struct{}{}
		}()
	}
	go func() {
		for range loops {
			<-finished
		}
		close(done)
	}()
	return done
}

// Close releases every component in reverse open order and returns
// the joined errors.
func (r *Router) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
