// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package credentials implements the generation-gated single-flight cache
// serving data-source credentials to replicas.
//
// # Description
//
// A replica that hits an authentication failure reports the generation of
// the credentials it was using; the cache refetches only when that claimed
// generation exactly matches the cached one. Concurrent requests for the
// same provider join one in-flight fetch. This generalizes the trackable
// state CAS rule to a pure cache: you may only invalidate the exact version
// you observed failing, so a stale invalidation claim can never discard a
// newer value, and N concurrent callers cost one fetch.
//
// # Thread Safety
//
// Manager and CachedProvider are safe for concurrent use.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// =============================================================================
// Errors
// =============================================================================

// ErrUnknownProvider indicates that no factory is registered for the
// requested provider key.
var ErrUnknownProvider = errors.New("unknown credentials provider")

// ErrFetchFailed wraps the cause of a failed credential fetch. The failure
// is terminal for that attempt only; the cache is left exactly as it was.
var ErrFetchFailed = errors.New("credentials fetch failed")

// =============================================================================
// Core Types
// =============================================================================

// Credentials is a fetched credential blob stamped with its generation.
type Credentials struct {
	// Credentials is the provider-specific blob, e.g. {"tokenType":
	// "Bearer", "accessToken": "..."}.
	Credentials map[string]any `json:"credentials"`

	// Generation is drawn from the manager's process-wide counter, so
	// generations are globally ordered across providers even though fetches
	// run on independent goroutines.
	Generation int64 `json:"generation"`
}

// Fetcher obtains fresh credentials from the underlying source.
//
// Implementations may block (network, subprocess); Get runs them on their
// own goroutine via singleflight and never under the cache lock.
type Fetcher interface {
	Fetch(ctx context.Context) (map[string]any, error)
}

// Factory instantiates a Fetcher for one (key, parameters) pair.
type Factory func(parameters any) (Fetcher, error)

// =============================================================================
// Manager
// =============================================================================

// Manager owns the provider table and the shared generation counter.
//
// One Manager exists per process, constructed by the service root and passed
// by handle to everything that needs it; there is no package-level instance.
type Manager struct {
	mu        sync.Mutex
	factories map[string]Factory
	providers map[string]*CachedProvider

	genMu          sync.Mutex
	nextGeneration int64
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		factories: make(map[string]Factory),
		providers: make(map[string]*CachedProvider),
	}
}

// RegisterFactory installs the factory for a provider key, replacing any
// previous registration. Providers already instantiated from the old
// factory keep running; only future (key, parameters) pairs see the new one.
func (m *Manager) RegisterFactory(key string, factory Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[key] = factory
}

// Provider returns the cached provider for (key, parameters), instantiating
// it on first use.
//
// parameters are canonicalized through JSON so structurally equal values
// share one provider and therefore one cache.
func (m *Manager) Provider(key string, parameters any) (*CachedProvider, error) {
	id, err := providerID(key, parameters)
	if err != nil {
		return nil, fmt.Errorf("canonicalize provider parameters: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.providers[id]; ok {
		return p, nil
	}
	factory, ok := m.factories[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, key)
	}
	fetcher, err := factory(parameters)
	if err != nil {
		return nil, fmt.Errorf("instantiate provider %q: %w", key, err)
	}
	p := &CachedProvider{fetcher: fetcher, stamp: m.stampGeneration}
	m.providers[id] = p
	return p, nil
}

// stampGeneration hands out the next process-wide generation.
func (m *Manager) stampGeneration() int64 {
	m.genMu.Lock()
	defer m.genMu.Unlock()
	m.nextGeneration++
	return m.nextGeneration
}

// providerID builds the provider table key from the provider key and the
// canonical JSON of its parameters.
func providerID(key string, parameters any) (string, error) {
	if parameters == nil {
		return key, nil
	}
	data, err := json.Marshal(parameters)
	if err != nil {
		return "", err
	}
	return key + "\x00" + string(data), nil
}

// =============================================================================
// CachedProvider
// =============================================================================

// CachedProvider is the generation-gated single-flight cache for one
// (key, parameters) pair.
type CachedProvider struct {
	mu      sync.Mutex
	cached  *Credentials
	flight  singleflight.Group
	fetcher Fetcher
	stamp   func() int64
}

// Get returns credentials, fetching only when necessary.
//
// # Description
//
// Serialized by the cache lock, the decision is:
//
//   - A cached value exists whose generation does not equal the caller's
//     claimed invalid generation: return it untouched. Stale invalidation
//     claims are ignored.
//   - Otherwise (cold cache, or an exact invalidation match, which clears
//     the cache): join the in-flight fetch if one is outstanding, else
//     start exactly one. The fetched blob is stamped with a fresh
//     process-wide generation before being cached.
//
// A failed fetch leaves the cache exactly as it was and returns
// ErrFetchFailed wrapping the cause to every joined caller.
//
// # Inputs
//
//   - ctx: Bounds the caller's wait only. Cancellation abandons the wait
//     without cancelling the fetch; a later Get can still observe its result.
//   - invalidGeneration: The generation the caller observed failing, or nil
//     on first request.
func (p *CachedProvider) Get(ctx context.Context, invalidGeneration *int64) (*Credentials, error) {
	p.mu.Lock()
	if p.cached != nil && (invalidGeneration == nil || *invalidGeneration != p.cached.Generation) {
		cached := p.cached
		p.mu.Unlock()
		return cached, nil
	}
	// Cold cache, or the caller invalidated the exact cached generation.
	p.cached = nil
	p.mu.Unlock()

	ch := p.flight.DoChan("fetch", func() (any, error) {
		blob, err := p.fetcher.Fetch(context.Background())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
		}
		creds := &Credentials{Credentials: blob, Generation: p.stamp()}
		p.mu.Lock()
		p.cached = creds
		p.mu.Unlock()
		return creds, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Credentials), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cached returns the currently cached credentials without fetching, or nil.
func (p *CachedProvider) Cached() *Credentials {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cached
}
