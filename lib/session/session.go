// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session tracks per-session execution context with sliding
// expiry.
//
// A session lives in the state store under "session:<id>" with the
// store's native TTL. Every Touch rewrites the TTL from now, so a
// session disappears after one full TTL of inactivity regardless of
// how often it was touched before. No collection pass is needed.
package session

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

var (
	// ErrNotFound means the session does not exist or has expired.
	ErrNotFound = errors.New("session: not found")

	// ErrExists means Create found a live session with the same id.
	ErrExists = errors.New("session: already exists")
)

// Session is one tracked session.
type Session struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id,omitempty"`
	CommunityID string            `json:"community_id,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`

	// TTL is the idle lifetime. Touch with ttl <= 0 reuses it.
	TTL time.Duration `json:"ttl"`

	// ExecutionCount counts commands executed in this session.
	ExecutionCount int    `json:"execution_count"`
	LastCommand    string `json:"last_command,omitempty"`
}

// Manager reads and writes sessions.
type Manager struct {
	store      statestore.Store
	clock      clock.Clock
	defaultTTL time.Duration
	logger     *slog.Logger
}

// NewManager returns a Manager. defaultTTL applies whenever a caller
// passes ttl <= 0 and the session carries none.
func NewManager(store statestore.Store, c clock.Clock, defaultTTL time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if defaultTTL <= 0 {
		defaultTTL = 30 * time.Minute
	}
	return &Manager{store: store, clock: c, defaultTTL: defaultTTL, logger: logger}
}

func storeKey(id string) string { return "session:" + id }

func decode(data []byte) (Session, error) {
	var record Session
	if err := codec.Unmarshal(data, &record); err != nil {
		return Session{}, fmt.Errorf("session: decoding record: %w", err)
	}
	return record, nil
}

// Create starts a session. It fails with ErrExists when a live session
// already has this id.
func (m *Manager) Create(ctx context.Context, id string, template Session, ttl time.Duration) (Session, error) {
	if id == "" {
		return Session{}, errors.New("session: id is required")
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	now := m.clock.Now()
	record := template
	record.ID = id
	record.CreatedAt = now
	record.LastActive = now
	record.TTL = ttl

	encoded, err := codec.Marshal(record)
	if err != nil {
		return Session{}, fmt.Errorf("session: encoding %q: %w", id, err)
	}
	created, err := m.store.SetIfAbsent(ctx, storeKey(id), encoded, ttl)
	if err != nil {
		return Session{}, fmt.Errorf("session: creating %q: %w", id, err)
	}
	if !created {
		return Session{}, fmt.Errorf("%w: %q", ErrExists, id)
	}
	m.logger.Debug("session created", "session_id", id, "ttl", ttl)
	return record, nil
}

// Get returns the live session, or ok=false when there is none.
func (m *Manager) Get(ctx context.Context, id string) (Session, bool, error) {
	data, err := m.store.Get(ctx, storeKey(id))
	if errors.Is(err, statestore.ErrNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("session: reading %q: %w", id, err)
	}
	record, err := decode(data)
	if err != nil {
		return Session{}, false, err
	}
	return record, true, nil
}

// Touch restarts the session's idle countdown. A ttl > 0 also
// replaces the session's stored TTL. Returns ErrNotFound for an
// expired or unknown session.
func (m *Manager) Touch(ctx context.Context, id string, ttl time.Duration) error {
	_, err := m.Update(ctx, id, func(record *Session) error {
		if ttl > 0 {
			record.TTL = ttl
		}
		return nil
	})
	return err
}

// RecordExecution counts one command execution and touches the session.
func (m *Manager) RecordExecution(ctx context.Context, id, command string) (Session, error) {
	return m.Update(ctx, id, func(record *Session) error {
		record.ExecutionCount++
		record.LastCommand = command
		return nil
	})
}

// Update applies fn to the live session atomically, refreshes
// LastActive, and restarts the idle countdown.
func (m *Manager) Update(ctx context.Context, id string, fn func(*Session) error) (Session, error) {
	var updated Session
	err := m.store.Update(ctx, storeKey(id), func(current []byte, exists bool) ([]byte, time.Duration, error) {
		if !exists {
			return nil, 0, ErrNotFound
		}
		record, err := decode(current)
		if err != nil {
			return nil, 0, err
		}
		if err := fn(&record); err != nil {
			return nil, 0, err
		}
		record.LastActive = m.clock.Now()
		if record.TTL <= 0 {
			record.TTL = m.defaultTTL
		}
		updated = record
		encoded, err := codec.Marshal(record)
		return encoded, record.TTL, err
	})
	if err != nil {
		return Session{}, fmt.Errorf("session: updating %q: %w", id, err)
	}
	return updated, nil
}

// Delete ends a session. Deleting an unknown session is not an error.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, storeKey(id)); err != nil {
		return fmt.Errorf("session: deleting %q: %w", id, err)
	}
	return nil
}
