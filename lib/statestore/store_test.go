// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statestore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/dispatch/lib/clock"
)

var testEpoch = time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

type storeFactory func(t *testing.T, c clock.Clock) Store

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, c clock.Clock) Store {
			store := NewMemoryStore(c)
			t.Cleanup(func() { store.Close() })
			return store
		},
		"sqlite": func(t *testing.T, c clock.Clock) Store {
			store, err := OpenSQLite(SQLiteConfig{
				Path:     filepath.Join(t.TempDir(), "state.db"),
				PoolSize: 4,
				Clock:    c,
			})
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			t.Cleanup(func() { store.Close() })
			return store
		},
	}
}

func forEachBackend(t *testing.T, test func(t *testing.T, store Store, fake *clock.FakeClock)) {
	for name, factory := range backends() {
		t.Run(name, func(t *testing.T) {
			fake := clock.Fake(testEpoch)
			test(t, factory(t, fake), fake)
		})
	}
}

func TestGetMissingKey(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ *clock.FakeClock) {
		if _, err := store.Get(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(absent) error = %v, want ErrNotFound", err)
		}
	})
}

func TestSetGetAndExpiry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, fake *clock.FakeClock) {
		ctx := context.Background()
		if err := store.Set(ctx, "session:a", []byte("alpha"), 10*time.Second); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if err := store.Set(ctx, "pinned", []byte("forever"), 0); err != nil {
			t.Fatalf("Set: %v", err)
		}

		value, err := store.Get(ctx, "session:a")
		if err != nil || string(value) != "alpha" {
			t.Fatalf("Get = %q, %v; want alpha", value, err)
		}

		fake.Advance(10 * time.Second)
		if _, err := store.Get(ctx, "session:a"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get after TTL error = %v, want ErrNotFound", err)
		}
		if _, err := store.Get(ctx, "pinned"); err != nil {
			t.Errorf("Get(pinned) after advance: %v", err)
		}
	})
}

func TestSetIfAbsent(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, fake *clock.FakeClock) {
		ctx := context.Background()
		stored, err := store.SetIfAbsent(ctx, "lease:x", []byte("node-a"), 5*time.Second)
		if err != nil || !stored {
			t.Fatalf("first SetIfAbsent = %v, %v; want true", stored, err)
		}
		stored, err = store.SetIfAbsent(ctx, "lease:x", []byte("node-b"), 5*time.Second)
		if err != nil || stored {
			t.Fatalf("second SetIfAbsent = %v, %v; want false", stored, err)
		}

		fake.Advance(5 * time.Second)
		stored, err = store.SetIfAbsent(ctx, "lease:x", []byte("node-b"), 5*time.Second)
		if err != nil || !stored {
			t.Fatalf("SetIfAbsent after expiry = %v, %v; want true", stored, err)
		}
		value, _ := store.Get(ctx, "lease:x")
		if string(value) != "node-b" {
			t.Errorf("value = %q, want node-b", value)
		}
	})
}

func TestCompareAndSwap(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ *clock.FakeClock) {
		ctx := context.Background()

		swapped, err := store.CompareAndSwap(ctx, "k", nil, []byte("v1"), 0)
		if err != nil || !swapped {
			t.Fatalf("CAS create = %v, %v; want true", swapped, err)
		}
		swapped, _ = store.CompareAndSwap(ctx, "k", nil, []byte("v2"), 0)
		if swapped {
			t.Error("CAS with nil expected replaced an existing key")
		}
		swapped, _ = store.CompareAndSwap(ctx, "k", []byte("wrong"), []byte("v2"), 0)
		if swapped {
			t.Error("CAS with mismatched expected succeeded")
		}
		swapped, _ = store.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"), 0)
		if !swapped {
			t.Error("CAS with matching expected failed")
		}
		swapped, _ = store.CompareAndSwap(ctx, "k", []byte("v2"), nil, 0)
		if !swapped {
			t.Error("CAS delete failed")
		}
		if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get after CAS delete error = %v, want ErrNotFound", err)
		}
	})
}

func TestUpdateIsAtomicUnderContention(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ *clock.FakeClock) {
		ctx := context.Background()
		const workers, increments = 8, 25

		var group sync.WaitGroup
		for w := 0; w < workers; w++ {
			group.Add(1)
			go func() {
				defer group.Done()
				for i := 0; i < increments; i++ {
					err := store.Update(ctx, "counter", func(current []byte, exists bool) ([]byte, time.Duration, error) {
						count := 0
						if exists {
							count, _ = strconv.Atoi(string(current))
						}
						return []byte(strconv.Itoa(count + 1)), 0, nil
					})
					if err != nil {
						t.Errorf("Update: %v", err)
						return
					}
				}
			}()
		}
		group.Wait()

		value, err := store.Get(ctx, "counter")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got, want := string(value), strconv.Itoa(workers*increments); got != want {
			t.Errorf("counter = %s, want %s", got, want)
		}
	})
}

func TestUpdateErrorLeavesValue(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ *clock.FakeClock) {
		ctx := context.Background()
		store.Set(ctx, "k", []byte("keep"), 0)

		sentinel := errors.New("reject")
		err := store.Update(ctx, "k", func([]byte, bool) ([]byte, time.Duration, error) {
			return []byte("overwrite"), 0, sentinel
		})
		if !errors.Is(err, sentinel) {
			t.Fatalf("Update error = %v, want sentinel", err)
		}
		value, _ := store.Get(ctx, "k")
		if string(value) != "keep" {
			t.Errorf("value = %q after failed update, want keep", value)
		}

		if err := store.Update(ctx, "k", func([]byte, bool) ([]byte, time.Duration, error) {
			return nil, 0, nil
		}); err != nil {
			t.Fatalf("Update delete: %v", err)
		}
		if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
			t.Errorf("nil next did not delete: %v", err)
		}
	})
}

func TestKeysAndDeleteMatching(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, fake *clock.FakeClock) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			store.Set(ctx, fmt.Sprintf("cache:command:c%d", i), []byte("x"), 0)
		}
		store.Set(ctx, "cache:permission:p", []byte("x"), 0)
		store.Set(ctx, "cache:command:expiring", []byte("x"), time.Second)
		fake.Advance(time.Second)

		keys, err := store.Keys(ctx, "cache:command:*")
		if err != nil {
			t.Fatalf("Keys: %v", err)
		}
		if len(keys) != 3 || keys[0] != "cache:command:c0" {
			t.Errorf("Keys = %v, want the three live command keys", keys)
		}

		removed, err := store.DeleteMatching(ctx, "cache:command:*")
		if err != nil {
			t.Fatalf("DeleteMatching: %v", err)
		}
		if removed != 3 {
			t.Errorf("DeleteMatching removed %d, want 3", removed)
		}
		if _, err := store.Get(ctx, "cache:permission:p"); err != nil {
			t.Errorf("non-matching key removed: %v", err)
		}

		if _, err := store.Keys(ctx, "[bad"); err == nil {
			t.Error("Keys accepted a malformed pattern")
		}
	})
}

func TestSweepRemovesExpired(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, fake *clock.FakeClock) {
		ctx := context.Background()
		store.Set(ctx, "short", []byte("x"), time.Second)
		store.Set(ctx, "long", []byte("x"), time.Hour)
		fake.Advance(2 * time.Second)

		removed, err := store.Sweep(ctx)
		if err != nil {
			t.Fatalf("Sweep: %v", err)
		}
		if removed != 1 {
			t.Errorf("Sweep removed %d, want 1", removed)
		}
	})
}

func TestClosedStoreUnavailable(t *testing.T) {
	forEachBackend(t, func(t *testing.T, store Store, _ *clock.FakeClock) {
		store.Close()
		if _, err := store.Get(context.Background(), "k"); !errors.Is(err, ErrUnavailable) {
			t.Errorf("Get on closed store error = %v, want ErrUnavailable", err)
		}
		if err := store.Set(context.Background(), "k", nil, 0); !errors.Is(err, ErrUnavailable) {
			t.Errorf("Set on closed store error = %v, want ErrUnavailable", err)
		}
	})
}

func TestSQLiteSharedAcrossHandles(t *testing.T) {
	fake := clock.Fake(testEpoch)
	path := filepath.Join(t.TempDir(), "shared.db")
	first, err := OpenSQLite(SQLiteConfig{Path: path, Clock: fake})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer first.Close()
	second, err := OpenSQLite(SQLiteConfig{Path: path, Clock: fake})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer second.Close()

	ctx := context.Background()
	if stored, _ := first.SetIfAbsent(ctx, "lease:c1", []byte("a"), time.Minute); !stored {
		t.Fatal("first handle could not take the lease")
	}
	if stored, _ := second.SetIfAbsent(ctx, "lease:c1", []byte("b"), time.Minute); stored {
		t.Error("second handle took a lease held through the first")
	}
}
