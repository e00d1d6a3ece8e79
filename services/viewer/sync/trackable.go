// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sync

import (
	"errors"
	"sync"

	"github.com/AleutianAI/mirrorscope/pkg/token"
	"github.com/AleutianAI/mirrorscope/services/viewer/state"
)

// DefaultTxnRetries is the retry budget RetryTxn uses.
const DefaultTxnRetries = 10

// WrapFunc parses a raw JSON value into a typed view.
//
// It must be pure: no side effects, fresh storage for every call, an error
// (never a panic) on shape mismatch. The returned view shares no interior
// storage with raw.
type WrapFunc[S any] func(raw any) (*S, error)

// UnwrapFunc serializes a typed view back to its raw JSON value.
type UnwrapFunc[S any] func(view *S) any

// TransformFunc rewrites a raw value before it is adopted, e.g. replacing
// embedded local resource objects with stable reference strings. nil means
// no rewrite.
type TransformFunc func(v any) any

// =============================================================================
// Tracked
// =============================================================================

// Tracked is the type-erased surface the event-stream transport needs:
// atomic raw reads plus change subscription. Every TrackableState
// instantiation satisfies it regardless of view type.
type Tracked interface {
	RawStateAndGeneration() (any, string)
	AddChangedCallback(func()) CallbackHandle
	RemoveChangedCallback(CallbackHandle)
}

// =============================================================================
// TrackableState
// =============================================================================

// TrackableState is a generation-tagged container for a JSON-shaped value
// with optimistic concurrency control.
//
// # Description
//
// The container holds a raw normalized JSON value, an opaque generation
// token identifying the current revision, and a lazily-parsed typed view.
// Mutations go through SetState, which enforces compare-and-swap semantics
// when the caller claims an existing generation, or through Txn/RetryTxn for
// read-modify-write cycles. Every successful mutation invalidates the cached
// view, increments the change count by exactly one, and synchronously
// invokes registered change callbacks.
//
// # Thread Safety
//
// Safe for concurrent use. The internal mutex is held only for the duration
// of a single SetState, a Txn snapshot, or an atomic read pair; it is never
// held across a caller-supplied mutation function. Change callbacks run
// under the mutex and must not re-enter the container (Go mutexes are not
// reentrant, so a violation deadlocks immediately instead of corrupting
// state).
//
// # Lifecycle
//
// Created once per viewer session with an initial value and a fresh
// server-issued generation; mutated for the life of the session; never
// explicitly destroyed.
type TrackableState[S any] struct {
	ChangeNotifier

	mu           sync.Mutex
	raw          any
	generation   string
	wrapped      *S
	wrappedValid bool

	wrap      WrapFunc[S]
	unwrap    UnwrapFunc[S]
	transform TransformFunc
}

// NewTrackableState creates a container holding initialRaw under a fresh
// server-issued generation.
//
// # Inputs
//
//   - initialRaw: Initial value; transformed and normalized like any SetState
//     input. nil is a valid empty state.
//   - wrap: Pure parse function producing the typed view.
//   - unwrap: Inverse of wrap, used to commit transactions.
//   - transform: Optional raw-value rewrite applied before adoption. May be nil.
func NewTrackableState[S any](initialRaw any, wrap WrapFunc[S], unwrap UnwrapFunc[S], transform TransformFunc) *TrackableState[S] {
	if transform != nil {
		initialRaw = transform(initialRaw)
	}
	return &TrackableState[S]{
		raw:        state.Normalize(initialRaw),
		generation: token.Random(),
		wrap:       wrap,
		unwrap:     unwrap,
		transform:  transform,
	}
}

// =============================================================================
// Set Options
// =============================================================================

// SetOption configures a single SetState call.
type SetOption func(*setOptions)

type setOptions struct {
	generation         *string
	existingGeneration *string
}

// WithGeneration supplies the generation to associate with the new state
// instead of minting a random one. Client proposals use this to install
// their "<clientID>/<counter>" token.
func WithGeneration(g string) SetOption {
	return func(o *setOptions) { o.generation = &g }
}

// WithExistingGeneration makes the write conditional: it succeeds only if
// the stored generation still equals g, and fails with
// ErrConcurrentModification otherwise.
func WithExistingGeneration(g string) SetOption {
	return func(o *setOptions) { o.existingGeneration = &g }
}

// =============================================================================
// Mutation
// =============================================================================

// SetState assigns a new value under optimistic concurrency control.
//
// # Description
//
// If WithExistingGeneration was supplied and does not match the stored
// generation, SetState fails with ErrConcurrentModification and performs no
// mutation. Otherwise the new value is transformed and normalized; if it
// differs from the stored value, or a distinct generation was explicitly
// supplied, the container adopts it (minting a random generation when none
// was given), invalidates the typed view, and synchronously dispatches
// change callbacks. A write that changes nothing is a complete no-op: same
// generation, no callbacks, no change-count increment.
//
// # Outputs
//
//   - string: The generation now in effect, whether or not it changed.
//     Empty on error.
//   - error: ErrConcurrentModification on a generation mismatch.
func (t *TrackableState[S]) SetState(newRaw any, opts ...SetOption) (string, error) {
	var o setOptions
	for _, opt := range opts {
		opt(&o)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if o.existingGeneration != nil && *o.existingGeneration != t.generation {
		return "", ErrConcurrentModification
	}

	if t.transform != nil {
		newRaw = t.transform(newRaw)
	}
	newRaw = state.Normalize(newRaw)

	if !state.Equal(newRaw, t.raw) || (o.generation != nil && *o.generation != t.generation) {
		generation := ""
		if o.generation != nil {
			generation = *o.generation
		} else {
			generation = token.Random()
		}
		t.raw = newRaw
		t.wrapped = nil
		t.wrappedValid = false
		t.generation = generation
		t.DispatchChangedCallbacks()
	}
	return t.generation, nil
}

// Txn runs one read-modify-write cycle.
//
// # Description
//
// Txn snapshots the current (view, generation) pair under the lock, releases
// the lock, runs mutate against a private copy of the view, and commits the
// result conditional on the snapshotted generation. A mutate error aborts
// the commit and is returned unchanged. If another writer committed in
// between, the commit fails with ErrConcurrentModification; use RetryTxn
// when the mutation is safe to reapply.
func (t *TrackableState[S]) Txn(mutate func(view *S) error) error {
	t.mu.Lock()
	view, err := t.wrap(t.raw)
	generation := t.generation
	t.mu.Unlock()
	if err != nil {
		return err
	}

	if err := mutate(view); err != nil {
		return err
	}
	_, err = t.SetState(t.unwrap(view), WithExistingGeneration(generation))
	return err
}

// RetryTxn runs mutate in a transaction, retrying on concurrent
// modification up to DefaultTxnRetries times.
//
// mutate must be idempotent and pure with respect to everything but its
// view argument: it may run several times, each against a fresh snapshot.
// The final ErrConcurrentModification is returned when the budget is
// exhausted; any other error aborts immediately.
func (t *TrackableState[S]) RetryTxn(mutate func(view *S) error) error {
	return t.RetryTxnN(mutate, DefaultTxnRetries)
}

// RetryTxnN is RetryTxn with an explicit retry budget.
func (t *TrackableState[S]) RetryTxnN(mutate func(view *S) error, retries int) error {
	var err error
	for attempt := 0; attempt < retries; attempt++ {
		err = t.Txn(mutate)
		if !errors.Is(err, ErrConcurrentModification) {
			return err
		}
	}
	return err
}

// =============================================================================
// Readers
// =============================================================================

// State returns the typed view of the current state.
//
// The view is parsed lazily and cached until the next successful mutation,
// so repeated reads of an unchanged container cost one map lookup. The
// returned view is shared: treat it as read-only and use Txn for mutation.
func (t *TrackableState[S]) State() (*S, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

func (t *TrackableState[S]) stateLocked() (*S, error) {
	if !t.wrappedValid {
		wrapped, err := t.wrap(t.raw)
		if err != nil {
			return nil, err
		}
		t.wrapped = wrapped
		t.wrappedValid = true
	}
	return t.wrapped, nil
}

// RawState returns a deep copy of the current raw value.
func (t *TrackableState[S]) RawState() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return state.Clone(t.raw)
}

// Generation returns the current generation token.
func (t *TrackableState[S]) Generation() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generation
}

// StateAndGeneration returns the typed view and its generation as an atomic
// pair: both halves are read under one lock acquisition.
func (t *TrackableState[S]) StateAndGeneration() (*S, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	view, err := t.stateLocked()
	return view, t.generation, err
}

// RawStateAndGeneration returns a deep copy of the raw value and its
// generation as an atomic pair. A caller never observes a (raw, generation)
// combination that did not co-occur.
func (t *TrackableState[S]) RawStateAndGeneration() (any, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return state.Clone(t.raw), t.generation
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Tracked = (*TrackableState[struct{}])(nil)
