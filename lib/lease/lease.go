// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package lease implements expiring ownership locks on top of the
// shared state store.
//
// A lease names a resource ("shard:channel:c42", "mode:community:7"),
// an owner (a router node id), and a random token minted at
// acquisition. The token, not the owner, proves possession: a node
// that restarts and re-acquires gets a new token, so a stale goroutine
// from before the restart cannot renew or release the new lease.
// Every mutation is a single [statestore.Store.Update], so two nodes
// racing for the same name cannot both win.
//
// Leases expire on their own. A holder that crashes frees the
// resource after one TTL without any cleanup pass.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/dispatch/lib/clock"
	"github.com/bureau-foundation/dispatch/lib/codec"
	"github.com/bureau-foundation/dispatch/lib/statestore"
)

var (
	// ErrHeld means another owner holds a live lease on the name.
	ErrHeld = errors.New("lease: held by another owner")

	// ErrNotHeld means the caller's lease expired or was taken over.
	ErrNotHeld = errors.New("lease: not held")
)

const keyPrefix = "lease:"

// Lease is a held lock.
type Lease struct {
	Name       string    `cbor:"name"`
	Owner      string    `cbor:"owner"`
	Token      string    `cbor:"token"`
	AcquiredAt time.Time `cbor:"acquired_at"`
	ExpiresAt  time.Time `cbor:"expires_at"`
}

// Locker hands out leases stored in a statestore.Store.
type Locker struct {
	store statestore.Store
	clock clock.Clock
}

// NewLocker returns a Locker over store.
func NewLocker(store statestore.Store, c clock.Clock) *Locker {
	return &Locker{store: store, clock: c}
}

func storeKey(name string) string { return keyPrefix + name }

func decode(data []byte) (Lease, error) {
	var record Lease
	if err := codec.Unmarshal(data, &record); err != nil {
		return Lease{}, fmt.Errorf("lease: decoding record: %w", err)
	}
	return record, nil
}

// Acquire takes the named lease for owner. If owner already holds it
// the lease is re-issued with a fresh token and TTL. Returns ErrHeld
// (wrapped with the current holder) when someone else holds it.
func (l *Locker) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		return Lease{}, fmt.Errorf("lease: ttl must be positive, got %v", ttl)
	}

	var acquired Lease
	var holder string
	err := l.store.Update(ctx, storeKey(name), func(current []byte, exists bool) ([]byte, time.Duration, error) {
		if exists {
			record, err := decode(current)
			if err != nil {
				return nil, 0, err
			}
			if record.Owner != owner {
				holder = record.Owner
				return nil, 0, ErrHeld
			}
		}
		now := l.clock.Now()
		acquired = Lease{
			Name:       name,
			Owner:      owner,
			Token:      uuid.NewString(),
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		encoded, err := codec.Marshal(acquired)
		return encoded, ttl, err
	})
	if errors.Is(err, ErrHeld) {
		return Lease{}, fmt.Errorf("%w: %q held by %q", ErrHeld, name, holder)
	}
	if err != nil {
		return Lease{}, err
	}
	return acquired, nil
}

// AcquireWait retries Acquire every poll interval until it succeeds,
// ctx ends, or an error other than ErrHeld occurs.
func (l *Locker) AcquireWait(ctx context.Context, name, owner string, ttl, poll time.Duration) (Lease, error) {
	for {
		held, err := l.Acquire(ctx, name, owner, ttl)
		if err == nil || !errors.Is(err, ErrHeld) {
			return held, err
		}
		select {
		case <-ctx.Done():
			return Lease{}, fmt.Errorf("lease: waiting for %q: %w", name, ctx.Err())
		case <-l.clock.After(poll):
		}
	}
}

// Renew extends a held lease by ttl from now.
func (l *Locker) Renew(ctx context.Context, held Lease, ttl time.Duration) (Lease, error) {
	var renewed Lease
	err := l.store.Update(ctx, storeKey(held.Name), func(current []byte, exists bool) ([]byte, time.Duration, error) {
		if !exists {
			return nil, 0, ErrNotHeld
		}
		record, err := decode(current)
		if err != nil {
			return nil, 0, err
		}
		if record.Token != held.Token {
			return nil, 0, ErrNotHeld
		}
		record.ExpiresAt = l.clock.Now().Add(ttl)
		renewed = record
		encoded, err := codec.Marshal(record)
		return encoded, ttl, err
	})
	if err != nil {
		return Lease{}, fmt.Errorf("lease: renewing %q: %w", held.Name, err)
	}
	return renewed, nil
}

// Release gives the lease up. Releasing a lease that already expired
// or changed hands returns ErrNotHeld and leaves the current holder
// untouched.
func (l *Locker) Release(ctx context.Context, held Lease) error {
	err := l.store.Update(ctx, storeKey(held.Name), func(current []byte, exists bool) ([]byte, time.Duration, error) {
		if !exists {
			return nil, 0, ErrNotHeld
		}
		record, err := decode(current)
		if err != nil {
			return nil, 0, err
		}
		if record.Token != held.Token {
			return nil, 0, ErrNotHeld
		}
		return nil, 0, nil
	})
	if err != nil {
		return fmt.Errorf("lease: releasing %q: %w", held.Name, err)
	}
	return nil
}

// Holder reports the live lease on name, if any.
func (l *Locker) Holder(ctx context.Context, name string) (Lease, bool, error) {
	data, err := l.store.Get(ctx, storeKey(name))
	if errors.Is(err, statestore.ErrNotFound) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}
	record, err := decode(data)
	if err != nil {
		return Lease{}, false, err
	}
	return record, true, nil
}
