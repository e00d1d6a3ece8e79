// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runloop provides a single-goroutine task loop that other
// goroutines inject closures into.
//
// # Description
//
// Mirrorscope has two concurrency domains: HTTP handler and fetch goroutines
// on one side, and cross-component session bookkeeping (action dispatch,
// screenshot resolution, config mirroring) on the other. The bookkeeping
// side is owned by one Loop goroutine; worker goroutines never touch it
// directly, they Defer a closure instead. Closures run strictly after those
// already queued, so submission order is preserved per source goroutine;
// there is no ordering guarantee across different sources.
package runloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Loop drains an unbounded task queue on a single goroutine.
//
// # Thread Safety
//
// Defer is safe from any goroutine and never blocks; the backlog grows
// without bound rather than applying backpressure, matching the
// interactive-latency profile of the tasks it carries (each is a small
// state transaction).
type Loop struct {
	mu      sync.Mutex
	backlog []func()
	running bool
	done    chan struct{}

	// wake has capacity 1: a single pending signal is enough because the
	// drain step swaps out the whole backlog.
	wake chan struct{}
}

// New creates a stopped loop. Call Start before Defer-ing work; tasks
// deferred before Start are queued and run once the loop starts.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Start launches the loop goroutine.
//
// Returns an error if the loop is already running. The loop stops when
// Stop is called or ctx is cancelled, whichever comes first.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("run loop is already running")
	}
	l.running = true
	l.done = make(chan struct{}) // reset for potential restart
	l.mu.Unlock()

	go l.run(ctx)
	return nil
}

// Stop signals the loop goroutine to exit. Safe to call multiple times.
// Tasks still in the backlog are dropped; session teardown does not depend
// on pending bookkeeping running.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	close(l.done)
}

// Defer enqueues fn to run on the loop goroutine, strictly after every task
// already queued. Never blocks.
func (l *Loop) Defer(fn func()) {
	l.mu.Lock()
	l.backlog = append(l.backlog, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// run is the loop goroutine body.
func (l *Loop) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			slog.Debug("run loop stopped (context cancelled)")
			return
		case <-l.done:
			slog.Debug("run loop stopped (stop requested)")
			return
		case <-l.wake:
			l.drain()
		}
	}
}

// drain swaps out the backlog and runs every task in submission order.
func (l *Loop) drain() {
	l.mu.Lock()
	tasks := l.backlog
	l.backlog = nil
	l.mu.Unlock()

	for _, task := range tasks {
		task()
	}
}
