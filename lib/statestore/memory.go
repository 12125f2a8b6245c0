// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statestore

import (
	"bytes"
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/dispatch/lib/clock"
)

const memoryShardCount = 64

// MemoryStore is an in-process Store. Keys hash onto 64 shards, each
// with its own mutex, so operations on different keys rarely contend
// and operations on the same key are serialized.
type MemoryStore struct {
	clock  clock.Clock
	shards [memoryShardCount]memoryShard
	closed atomic.Bool
}

type memoryShard struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) liveAt(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// NewMemoryStore returns an empty store reading time from c.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	store := &MemoryStore{clock: c}
	for i := range store.shards {
		store.shards[i].entries = make(map[string]memoryEntry)
	}
	return store
}

func (s *MemoryStore) shardFor(key string) *memoryShard {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return &s.shards[hasher.Sum32()%memoryShardCount]
}

// lookup returns the live entry for key. Caller holds shard.mu.
func (s *MemoryStore) lookup(shard *memoryShard, key string, now time.Time) (memoryEntry, bool) {
	entry, exists := shard.entries[key]
	if !exists {
		return memoryEntry{}, false
	}
	if !entry.liveAt(now) {
		delete(shard.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrUnavailable
	}
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, exists := s.lookup(shard, key, s.clock.Now())
	if !exists {
		return nil, ErrNotFound
	}
	return cloneBytes(entry.value), nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrUnavailable
	}
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	shard.entries[key] = memoryEntry{value: cloneBytes(value), expiresAt: expiry(s.clock.Now(), ttl)}
	return nil
}

func (s *MemoryStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if s.closed.Load() {
		return false, ErrUnavailable
	}
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	now := s.clock.Now()
	if _, exists := s.lookup(shard, key, now); exists {
		return false, nil
	}
	shard.entries[key] = memoryEntry{value: cloneBytes(value), expiresAt: expiry(now, ttl)}
	return true, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, key string, expected, next []byte, ttl time.Duration) (bool, error) {
	if s.closed.Load() {
		return false, ErrUnavailable
	}
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	now := s.clock.Now()
	entry, exists := s.lookup(shard, key, now)
	if expected == nil {
		if exists {
			return false, nil
		}
	} else if !exists || !bytes.Equal(entry.value, expected) {
		return false, nil
	}

	if next == nil {
		delete(shard.entries, key)
		return true, nil
	}
	shard.entries[key] = memoryEntry{value: cloneBytes(next), expiresAt: expiry(now, ttl)}
	return true, nil
}

func (s *MemoryStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if s.closed.Load() {
		return ErrUnavailable
	}
	shard := s.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	now := s.clock.Now()
	entry, exists := s.lookup(shard, key, now)
	next, ttl, err := fn(cloneBytes(entry.value), exists)
	if err != nil {
		return err
	}
	if next == nil {
		delete(shard.entries, key)
		return nil
	}
	shard.entries[key] = memoryEntry{value: cloneBytes(next), expiresAt: expiry(now, ttl)}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if s.closed.Load() {
		return ErrUnavailable
	}
	shard := s.shardFor(key)
	shard.mu.Lock()
	delete(shard.entries, key)
	shard.mu.Unlock()
	return nil
}

func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrUnavailable
	}
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var keys []string
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for key, entry := range shard.entries {
			if entry.liveAt(now) && matches(pattern, key) {
				keys = append(keys, key)
			}
		}
		shard.mu.Unlock()
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) DeleteMatching(ctx context.Context, pattern string) (int, error) {
	if s.closed.Load() {
		return 0, ErrUnavailable
	}
	if err := validatePattern(pattern); err != nil {
		return 0, err
	}

	now := s.clock.Now()
	removed := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for key, entry := range shard.entries {
			if !matches(pattern, key) {
				continue
			}
			if entry.liveAt(now) {
				removed++
			}
			delete(shard.entries, key)
		}
		shard.mu.Unlock()
	}
	return removed, nil
}

func (s *MemoryStore) Sweep(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrUnavailable
	}
	now := s.clock.Now()
	removed := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for key, entry := range shard.entries {
			if !entry.liveAt(now) {
				delete(shard.entries, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed, nil
}

// Close drops all entries.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		shard.entries = make(map[string]memoryEntry)
		shard.mu.Unlock()
	}
	return nil
}
