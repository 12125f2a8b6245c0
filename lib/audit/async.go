// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultQueueSize is the Async queue capacity when none is given.
const DefaultQueueSize = 1024

// writeTimeout bounds a single write to the wrapped sink.
const writeTimeout = 5 * time.Second

// ErrQueueFull is returned by Async.Record when a record is dropped.
var ErrQueueFull = errors.New("audit: queue full, record dropped")

// AsyncStats counts what happened to enqueued records.
type AsyncStats struct {
	Written int64 `json:"written" cbor:"written"`
	Failed  int64 `json:"failed" cbor:"failed"`
	Dropped int64 `json:"dropped" cbor:"dropped"`
	Queued  int   `json:"queued" cbor:"queued"`
}

// Async makes a Sink fire-and-forget. A single writer goroutine
// drains the queue in order.
type Async struct {
	sink   Sink
	logger *slog.Logger
	queue  chan Record
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewAsync starts the writer for sink. queueSize <= 0 uses
// DefaultQueueSize.
func NewAsync(sink Sink, queueSize int, logger *slog.Logger) *Async {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	a := &Async{
		sink:   sink,
		logger: logger,
		queue:  make(chan Record, queueSize),
		done:   make(chan struct{}),
	}
	go a.drain()
	return a
}

// Record enqueues record without blocking. When the queue is full
// the record is dropped and ErrQueueFull returned.
func (a *Async) Record(ctx context.Context, record Record) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return ErrQueueFull
	}
	select {
	case a.queue <- record:
		return nil
	default:
		dropped := a.dropped.Add(1)
		a.logger.Warn("audit queue full, dropping record",
			"request_id", record.RequestID,
			"command", record.Command,
			"dropped_total", dropped,
		)
		return ErrQueueFull
	}
}

func (a *Async) drain() {
	defer close(a.done)
	for record := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := a.sink.Record(ctx, record)
		cancel()
		if err != nil {
			a.failed.Add(1)
			a.logger.Warn("audit write failed",
				"request_id", record.RequestID,
				"command", record.Command,
				"error", err,
			)
			continue
		}
		a.written.Add(1)
	}
}

// Stats returns the current counters.
func (a *Async) Stats() AsyncStats {
	return AsyncStats{
		Written: a.written.Load(),
		Failed:  a.failed.Load(),
		Dropped: a.dropped.Load(),
		Queued:  len(a.queue),
	}
}

// Close stops accepting records, writes everything already queued,
// and closes the wrapped sink.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.done
	return a.sink.Close()
}
