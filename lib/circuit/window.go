// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package circuit

import "time"

// rollingWindow counts outcomes in fixed-width buckets covering the
// most recent span. A bucket is identified by its absolute index
// (unix nanos / width), so a stale bucket is recognized and reset on
// reuse without a background timer. Callers hold the dependency lock.
type rollingWindow struct {
	width   int64
	buckets []bucket
}

type bucket struct {
	index     int64
	successes uint64
	failures  uint64
}

func newRollingWindow(span time.Duration, count int) *rollingWindow {
	width := int64(span) / int64(count)
	if width <= 0 {
		width = 1
	}
	return &rollingWindow{width: width, buckets: make([]bucket, count)}
}

func (w *rollingWindow) record(now time.Time, failed bool) {
	index := now.UnixNano() / w.width
	slot := &w.buckets[index%int64(len(w.buckets))]
	if slot.index != index {
		*slot = bucket{index: index}
	}
	if failed {
		slot.failures++
	} else {
		slot.successes++
	}
}

func (w *rollingWindow) totals(now time.Time) (requests, failures uint64) {
	current := now.UnixNano() / w.width
	oldest := current - int64(len(w.buckets)) + 1
	for _, slot := range w.buckets {
		if slot.index < oldest || slot.index > current {
			continue
		}
		requests += slot.successes + slot.failures
		failures += slot.failures
	}
	return requests, failures
}
