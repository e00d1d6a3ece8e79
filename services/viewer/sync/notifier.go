// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sync implements the generation-tagged state containers at the heart
// of the Mirrorscope protocol: a change-notification fan-out, and a trackable
// state value with optimistic concurrency control.
//
// # Description
//
// Every stateful entity in the system (viewer state containers, local
// volumes, the local resource registry) embeds a ChangeNotifier so that
// observers can learn "something changed" without learning what. On top of
// that, TrackableState pairs an arbitrary JSON-shaped value with an opaque
// generation token and accepts mutations only under compare-and-swap rules.
//
// # Thread Safety
//
// All exported types in this package are safe for concurrent use.
package sync

import "sync"

// =============================================================================
// CallbackHandle
// =============================================================================

// CallbackHandle identifies a registered change callback.
//
// Go functions are not comparable, so registration hands back an opaque
// handle instead of keying on the callback itself. Removing a handle twice,
// or removing the zero handle, is a no-op.
type CallbackHandle uint64

// =============================================================================
// ChangeNotifier
// =============================================================================

// ChangeNotifier notifies registered callbacks in response to changes.
//
// # Description
//
// A ChangeNotifier is a per-object fan-out of zero-argument callbacks plus a
// monotonic change count. Callbacks are invoked synchronously by whichever
// goroutine performs the mutation, with no ordering guarantee between them.
// Callbacks must not block and must not mutate the notifying object;
// cross-goroutine delivery is the callback's own responsibility (typically a
// non-blocking channel send or a runloop.Loop.Defer).
//
// # Thread Safety
//
// Safe for concurrent use. Registration, removal, and dispatch are serialized
// by an internal mutex, which also means dispatch observes a consistent
// callback set.
type ChangeNotifier struct {
	mu          sync.Mutex
	callbacks   map[CallbackHandle]func()
	nextHandle  CallbackHandle
	changeCount uint64
}

// AddChangedCallback registers a callback to be invoked when the state changes.
//
// The callback is invoked with no arguments on the mutating goroutine and
// must not block. The returned handle removes this registration and only
// this registration, so the same function value can safely be registered by
// multiple observers.
func (n *ChangeNotifier) AddChangedCallback(callback func()) CallbackHandle {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.callbacks == nil {
		n.callbacks = make(map[CallbackHandle]func())
	}
	n.nextHandle++
	handle := n.nextHandle
	n.callbacks[handle] = callback
	return handle
}

// RemoveChangedCallback removes a previously-registered callback.
//
// Removing an already-removed or never-registered handle is a no-op, so
// teardown paths can call this unconditionally.
func (n *ChangeNotifier) RemoveChangedCallback(handle CallbackHandle) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.callbacks, handle)
}

// ChangeCount returns the total number of changes dispatched so far.
func (n *ChangeNotifier) ChangeCount() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.changeCount
}

// DispatchChangedCallbacks increments the change count and invokes every
// registered callback synchronously.
//
// Exported so that resource implementations outside this package (local
// volumes, the resource registry) can announce their own mutations.
// Callbacks run while the notifier's mutex is held: a callback that
// re-enters this notifier will deadlock, which is the intended failure mode
// for a rule violation rather than a silent reordering.
func (n *ChangeNotifier) DispatchChangedCallbacks() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changeCount++
	for _, callback := range n.callbacks {
		callback()
	}
}
