// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements sliding-window admission control over
// the shared state store.
//
// Each (scope, key) pair owns one store entry holding the timestamps
// of admitted requests. A check prunes timestamps older than the
// window, compares the remaining count against the limit, and records
// the new timestamp, all inside one [statestore.Store.Update] so
// concurrent routers checking the same key cannot both take the last
// slot. The entry's TTL is the window: a key nobody touches for one
// window disappears from the store on its own.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/dispatch/lib/clock"
	"github.com/bureau-foundation/dispatch/lib/codec"
	"github.com/bureau-foundation/dispatch/lib/statestore"
)

// Scope names the dimension a limit applies to.
type Scope string

const (
	ScopeUser    Scope = "user"
	ScopeCommand Scope = "command"
	ScopeIP      Scope = "ip"

	// ScopeCooldown enforces a per-command minimum interval between
	// executions by one user. It is a window with limit 1.
	ScopeCooldown Scope = "cooldown"
)

// Rule is one limit to check.
type Rule struct {
	Scope  Scope
	Key    string
	Limit  int
	Window time.Duration
}

func (r Rule) validate() error {
	if r.Limit <= 0 {
		return fmt.Errorf("ratelimit: %s limit must be positive, got %d", r.Scope, r.Limit)
	}
	if r.Window <= 0 {
		return fmt.Errorf("ratelimit: %s window must be positive, got %v", r.Scope, r.Window)
	}
	return nil
}

// Verdict is the outcome of AllowAll.
type Verdict struct {
	Allowed bool

	// Rejected is the first rule that refused the request. Zero when
	// Allowed.
	Rejected Rule

	// RetryAfter is how long until the rejecting window admits
	// another request.
	RetryAfter time.Duration
}

// Limiter checks and records requests against sliding windows.
type Limiter struct {
	store  statestore.Store
	clock  clock.Clock
	logger *slog.Logger
}

// New returns a Limiter over store.
func New(store statestore.Store, c clock.Clock, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Limiter{store: store, clock: c, logger: logger}
}

func storeKey(scope Scope, key string) string {
	return "ratelimit:" + string(scope) + ":" + key
}

// window is the stored entry: admitted timestamps in unix nanoseconds,
// oldest first.
type window []int64

func decodeWindow(data []byte) (window, error) {
	var stamps window
	if err := codec.Unmarshal(data, &stamps); err != nil {
		return nil, fmt.Errorf("ratelimit: decoding window: %w", err)
	}
	return stamps, nil
}

// prune drops timestamps at or before cutoff. The slice is sorted, so
// this is a prefix trim.
func (w window) prune(cutoff int64) window {
	index := 0
	for index < len(w) && w[index] <= cutoff {
		index++
	}
	return w[index:]
}

// Allow admits one request for (scope, key) if fewer than limit
// requests were admitted in the last window, recording it on success.
func (l *Limiter) Allow(ctx context.Context, scope Scope, key string, limit int, windowLength time.Duration) (bool, error) {
	rule := Rule{Scope: scope, Key: key, Limit: limit, Window: windowLength}
	allowed, _, _, err := l.check(ctx, rule)
	return allowed, err
}

// check runs one sliding-window admission. On admission it returns the
// recorded timestamp so a caller can undo it; on rejection it returns
// the time until the oldest entry leaves the window.
func (l *Limiter) check(ctx context.Context, rule Rule) (bool, int64, time.Duration, error) {
	if err := rule.validate(); err != nil {
		return false, 0, 0, err
	}

	var allowed bool
	var retryAfter time.Duration
	now := l.clock.Now().UnixNano()
	err := l.store.Update(ctx, storeKey(rule.Scope, rule.Key), func(current []byte, exists bool) ([]byte, time.Duration, error) {
		var stamps window
		if exists {
			decoded, err := decodeWindow(current)
			if err != nil {
				return nil, 0, err
			}
			stamps = decoded
		}
		stamps = stamps.prune(now - int64(rule.Window))
		if len(stamps) >= rule.Limit {
			allowed = false
			retryAfter = time.Duration(stamps[0] + int64(rule.Window) - now)
			return nil, 0, errRejected
		}
		allowed = true
		stamps = append(stamps, now)
		encoded, err := codec.Marshal(stamps)
		return encoded, rule.Window, err
	})
	if errors.Is(err, errRejected) {
		return false, 0, retryAfter, nil
	}
	if err != nil {
		return false, 0, 0, fmt.Errorf("ratelimit: checking %s %q: %w", rule.Scope, rule.Key, err)
	}
	return allowed, now, 0, nil
}

// errRejected aborts the update without writing when a window is full.
var errRejected = errors.New("ratelimit: window full")

// AllowAll admits the request only if every rule admits it. Rules are
// checked in order; when one rejects, the admissions already recorded
// for earlier rules are withdrawn so a rejected request does not
// consume quota in any scope.
func (l *Limiter) AllowAll(ctx context.Context, rules ...Rule) (Verdict, error) {
	var admitted []admission

	for _, rule := range rules {
		allowed, stamp, retryAfter, err := l.check(ctx, rule)
		if err != nil {
			l.withdraw(ctx, admitted)
			return Verdict{}, err
		}
		if !allowed {
			l.withdraw(ctx, admitted)
			return Verdict{Rejected: rule, RetryAfter: retryAfter}, nil
		}
		admitted = append(admitted, admission{rule: rule, stamp: stamp})
	}
	return Verdict{Allowed: true}, nil
}

type admission struct {
	rule  Rule
	stamp int64
}

func (l *Limiter) withdraw(ctx context.Context, admitted []admission) {
	for _, entry := range admitted {
		if err := l.remove(ctx, entry.rule, entry.stamp); err != nil {
			l.logger.Warn("withdrawing rate-limit admission failed",
				"scope", entry.rule.Scope,
				"key", entry.rule.Key,
				"error", err,
			)
		}
	}
}

// remove deletes one recorded timestamp from a window.
func (l *Limiter) remove(ctx context.Context, rule Rule, stamp int64) error {
	return l.store.Update(ctx, storeKey(rule.Scope, rule.Key), func(current []byte, exists bool) ([]byte, time.Duration, error) {
		if !exists {
			return nil, 0, nil
		}
		stamps, err := decodeWindow(current)
		if err != nil {
			return nil, 0, err
		}
		for index, value := range stamps {
			if value == stamp {
				stamps = append(stamps[:index], stamps[index+1:]...)
				break
			}
		}
		if len(stamps) == 0 {
			return nil, 0, nil
		}
		encoded, err := codec.Marshal(stamps)
		return encoded, rule.Window, err
	})
}

// Remaining reports how many more requests (scope, key) would admit
// right now, without recording anything.
func (l *Limiter) Remaining(ctx context.Context, scope Scope, key string, limit int, windowLength time.Duration) (int, error) {
	rule := Rule{Scope: scope, Key: key, Limit: limit, Window: windowLength}
	if err := rule.validate(); err != nil {
		return 0, err
	}
	data, err := l.store.Get(ctx, storeKey(scope, key))
	if errors.Is(err, statestore.ErrNotFound) {
		return limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimit: reading %s %q: %w", scope, key, err)
	}
	stamps, err := decodeWindow(data)
	if err != nil {
		return 0, err
	}
	used := len(stamps.prune(l.clock.Now().UnixNano() - int64(windowLength)))
	return max(limit-used, 0), nil
}

// Reset clears the window for (scope, key).
func (l *Limiter) Reset(ctx context.Context, scope Scope, key string) error {
	if err := l.store.Delete(ctx, storeKey(scope, key)); err != nil {
		return fmt.Errorf("ratelimit: resetting %s %q: %w", scope, key, err)
	}
	return nil
}
