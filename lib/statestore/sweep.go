// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statestore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bureau-foundation/dispatch/lib/clock"
)

// RunSweeper calls store.Sweep every interval until ctx is done.
// Expired keys are already invisible; sweeping only bounds storage.
func RunSweeper(ctx context.Context, store Store, c clock.Clock, interval time.Duration, logger *slog.Logger) {
	ticker := c.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.Sweep(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Warn("state store sweep failed", "error", err)
				}
				continue
			}
			if removed > 0 {
				logger.Debug("state store swept expired keys", "removed", removed)
			}
		}
	}
}
