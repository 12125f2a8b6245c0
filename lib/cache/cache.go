// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache is a read-through cache over the shared state store.
//
// Values are CBOR-encoded and stored under "cache:<key>" with a TTL.
// A miss calls the loader, stores the result, and returns it. Loader
// errors are returned without caching anything, so the next call
// tries the loader again.
//
// When the store fails a read for any reason other than a missing key
// the cache steps out of the way: Load calls the loader directly and
// skips the write. Callers always get a
// correct answer; they only lose the caching.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/dispatch/lib/codec"
	"github.com/bureau-foundation/dispatch/lib/statestore"
)

const keyPrefix = "cache:"

// Manager owns the cache namespace and its counters.
type Manager struct {
	store      statestore.Store
	defaultTTL time.Duration
	logger     *slog.Logger

	hits        atomic.Uint64
	misses      atomic.Uint64
	loadErrors  atomic.Uint64
	passThrough atomic.Uint64
}

// Config configures a Manager.
type Config struct {
	// DefaultTTL applies when Load is called with ttl <= 0.
	DefaultTTL time.Duration

	Logger *slog.Logger
}

// Stats is a point-in-time copy of the counters.
type Stats struct {
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	LoadErrors  uint64 `json:"load_errors"`
	PassThrough uint64 `json:"pass_through"`
}

// New returns a Manager over store.
func New(store statestore.Store, cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Manager{store: store, defaultTTL: ttl, logger: logger}
}

// Loader produces the value for a missed key.
type Loader[T any] func(ctx context.Context) (T, error)

// Load returns the cached value for key, calling loader on a miss or
// after expiry. A ttl <= 0 uses the manager default.
func Load[T any](ctx context.Context, m *Manager, key string, ttl time.Duration, loader Loader[T]) (T, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	storeKey := keyPrefix + key

	data, err := m.store.Get(ctx, storeKey)
	switch {
	case err == nil:
		var value T
		decodeErr := codec.Unmarshal(data, &value)
		if decodeErr == nil {
			m.hits.Add(1)
			return value, nil
		}
		// Entry written by an older shape of T. Reload and overwrite.
		m.logger.Warn("discarding undecodable cache entry", "key", key, "error", decodeErr)
	case errors.Is(err, statestore.ErrNotFound):
	default:
		return passThroughLoad(ctx, m, key, loader, err)
	}

	m.misses.Add(1)
	value, err := loader(ctx)
	if err != nil {
		m.loadErrors.Add(1)
		return value, err
	}

	encoded, err := codec.Marshal(value)
	if err != nil {
		return value, fmt.Errorf("cache: encoding %q: %w", key, err)
	}
	if err := m.store.Set(ctx, storeKey, encoded, ttl); err != nil {
		// The value is correct; only the caching failed.
		m.logger.Warn("cache write failed", "key", key, "error", err)
	}
	return value, nil
}

func passThroughLoad[T any](ctx context.Context, m *Manager, key string, loader Loader[T], cause error) (T, error) {
	m.passThrough.Add(1)
	m.logger.Warn("cache read failed, loading directly", "key", key, "error", cause)
	value, err := loader(ctx)
	if err != nil {
		m.loadErrors.Add(1)
	}
	return value, err
}

// Invalidate removes every cached key matching pattern (path.Match
// syntax over the key without the "cache:" prefix) and returns how
// many were removed.
func (m *Manager) Invalidate(ctx context.Context, pattern string) (int, error) {
	removed, err := m.store.DeleteMatching(ctx, keyPrefix+pattern)
	if err != nil {
		return 0, fmt.Errorf("cache: invalidating %q: %w", pattern, err)
	}
	if removed > 0 {
		m.logger.Info("cache invalidated", "pattern", pattern, "removed", removed)
	}
	return removed, nil
}

// Stats returns the current counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Hits:        m.hits.Load(),
		Misses:      m.misses.Load(),
		LoadErrors:  m.loadErrors.Load(),
		PassThrough: m.passThrough.Load(),
	}
}
