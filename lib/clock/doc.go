// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by every
// dispatch component.
//
// Sliding rate-limit windows, circuit cooldowns, cache and session
// TTLs, retry backoff, and mode switch timestamps all read time through
// a [Clock] rather than calling the time package. Production wiring
// passes [Real]; tests pass [Fake] and move time with Advance, so a
// 30-second circuit cooldown or a 300-second cache TTL can be crossed
// without sleeping.
//
// Goroutines that block on a fake timer register a waiter first. Tests
// call WaitForTimers before Advance to avoid racing that registration:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go worker(fake)
//	fake.WaitForTimers(1)
//	fake.Advance(time.Second)
package clock
