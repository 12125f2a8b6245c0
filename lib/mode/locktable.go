// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package mode

import (
	"context"
	"hash/maphash"
	"sync"
	"time"
)

const lockStripes = 32

// lockTable hands out one mutex per key. Entries are created on
// first use and removed by evictIdle once nobody holds or waits on
// them, so the table tracks active communities instead of every
// community ever seen.
type lockTable struct {
	seed    maphash.Seed
	stripes [lockStripes]lockStripe
}

type lockStripe struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	// sem has capacity 1; holding the lock is holding the slot.
	sem      chan struct{}
	refs     int
	lastUsed time.Time
}

func newLockTable() *lockTable {
	table := &lockTable{seed: maphash.MakeSeed()}
	for i := range table.stripes {
		table.stripes[i].locks = make(map[string]*keyLock)
	}
	return table
}

func (t *lockTable) stripe(key string) *lockStripe {
	return &t.stripes[maphash.String(t.seed, key)%lockStripes]
}

// acquire blocks until key's lock is held or ctx ends. The returned
// function releases the lock and stamps the entry with the time it
// is given.
func (t *lockTable) acquire(ctx context.Context, key string) (func(now time.Time), error) {
	stripe := t.stripe(key)
	stripe.mu.Lock()
	lock, ok := stripe.locks[key]
	if !ok {
		lock = &keyLock{sem: make(chan struct{}, 1)}
		stripe.locks[key] = lock
	}
	lock.refs++
	stripe.mu.Unlock()

	select {
	case lock.sem <- struct{}{}:
	case <-ctx.Done():
		stripe.mu.Lock()
		lock.refs--
		stripe.mu.Unlock()
		return nil, ctx.Err()
	}

	return func(now time.Time) {
		<-lock.sem
		stripe.mu.Lock()
		lock.refs--
		lock.lastUsed = now
		stripe.mu.Unlock()
	}, nil
}

// evictIdle removes entries nobody holds or waits on whose last
// release was at or before cutoff.
func (t *lockTable) evictIdle(cutoff time.Time) int {
	evicted := 0
	for i := range t.stripes {
		stripe := &t.stripes[i]
		stripe.mu.Lock()
		for key, lock := range stripe.locks {
			if lock.refs == 0 && !lock.lastUsed.After(cutoff) {
				delete(stripe.locks, key)
				evicted++
			}
		}
		stripe.mu.Unlock()
	}
	return evicted
}

func (t *lockTable) size() int {
	total := 0
	for i := range t.stripes {
		stripe := &t.stripes[i]
		stripe.mu.Lock()
		total += len(stripe.locks)
		stripe.mu.Unlock()
	}
	return total
}
