// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statestore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"
)

var (
	// ErrNotFound is returned by Get for a missing or expired key.
	ErrNotFound = errors.New("statestore: key not found")

	// ErrUnavailable means the store cannot serve requests (closed,
	// or its backing database could not be reached). Callers that
	// can degrade (the cache) check for it with errors.Is.
	ErrUnavailable = errors.New("statestore: unavailable")
)

// UpdateFunc computes a key's next value from its current one. exists
// is false when the key is missing or expired. Returning a nil next
// deletes the key. A ttl <= 0 stores the value without expiry.
// Returning an error leaves the key unchanged and is passed through to
// the caller of Update.
//
// The function runs while the key is locked. It must not call back
// into the store.
type UpdateFunc func(current []byte, exists bool) (next []byte, ttl time.Duration, err error)

// Store is the shared key-value store.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetIfAbsent stores value only if key is missing or expired and
	// reports whether it did.
	SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndSwap replaces key's value with next only if the
	// current value equals expected. A nil expected matches a missing
	// key. A nil next deletes the key on success.
	CompareAndSwap(ctx context.Context, key string, expected, next []byte, ttl time.Duration) (bool, error)

	// Update applies fn atomically to key.
	Update(ctx context.Context, key string, fn UpdateFunc) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists live keys matching a path.Match pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// DeleteMatching removes every key matching pattern and returns
	// how many were removed.
	DeleteMatching(ctx context.Context, pattern string) (int, error)

	// Sweep physically removes expired entries and returns how many.
	Sweep(ctx context.Context) (int, error)

	// Close releases the store. Later calls return ErrUnavailable.
	Close() error
}

// validatePattern rejects malformed globs before any key is touched.
func validatePattern(pattern string) error {
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("statestore: invalid pattern %q: %w", pattern, err)
	}
	return nil
}

func matches(pattern, key string) bool {
	matched, _ := path.Match(pattern, key)
	return matched
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func cloneBytes(value []byte) []byte {
	if value == nil {
		return nil
	}
	return append(make([]byte, 0, len(value)), value...)
}
