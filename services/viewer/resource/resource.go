// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resource maps opaque string tokens to in-process objects that
// shared viewer state references indirectly.
//
// # Description
//
// Shared state is pure JSON, but a backend embeds live objects in it: an
// in-memory volume, for instance, cannot be serialized to a replica. Before
// such a value enters the shared container, the session's transform step
// registers it here and substitutes the stable reference string
// "local://<token>". Replicas resolve the reference back through the volume
// info endpoint; the registry prunes entries the moment the shared state
// stops referencing them.
package resource

import (
	"strings"
	"sync"

	"github.com/AleutianAI/mirrorscope/pkg/token"
	msync "github.com/AleutianAI/mirrorscope/services/viewer/sync"
)

// RefPrefix starts every local resource reference string.
const RefPrefix = "local://"

// =============================================================================
// Resource Interface
// =============================================================================

// Resource is an in-process object referenced indirectly from shared state.
//
// Implementations embed sync.ChangeNotifier so observers can track
// staleness; the change count doubles as the resource's source generation
// in config state.
type Resource interface {
	// ResourceToken returns the stable token minted at construction.
	ResourceToken() string

	// Info returns the JSON-shaped descriptor served by the volume info
	// endpoint.
	Info() map[string]any

	// ChangeCount reports how many times the resource has been invalidated.
	ChangeCount() uint64

	// AddChangedCallback registers a staleness observer.
	AddChangedCallback(func()) msync.CallbackHandle

	// RemoveChangedCallback removes a staleness observer.
	RemoveChangedCallback(msync.CallbackHandle)
}

// =============================================================================
// Volume
// =============================================================================

// Volume is an in-memory volume descriptor.
//
// The chunked voxel payload itself is out of scope here; Volume carries only
// the metadata the frontend needs to construct a data source, plus the
// staleness machinery. Invalidate marks the content stale, which bumps the
// change count and notifies observers so they can refresh source
// generations.
type Volume struct {
	msync.ChangeNotifier

	token      string
	VolumeType string    // "image" or "segmentation"
	DataType   string    // e.g. "uint8", "uint64"
	Dimensions []string  // axis names, e.g. ["x","y","z"]
	Shape      []int64   // voxel extent per axis
	VoxelSize  []float64 // physical size per voxel, nanometers
}

// NewVolume creates a volume descriptor with a fresh token.
func NewVolume(volumeType, dataType string, dimensions []string, shape []int64, voxelSize []float64) *Volume {
	return &Volume{
		token:      token.RandomWithPrefix("vol"),
		VolumeType: volumeType,
		DataType:   dataType,
		Dimensions: dimensions,
		Shape:      shape,
		VoxelSize:  voxelSize,
	}
}

// ResourceToken implements Resource.
func (v *Volume) ResourceToken() string { return v.token }

// Info implements Resource.
func (v *Volume) Info() map[string]any {
	dims := make([]any, len(v.Dimensions))
	for i, d := range v.Dimensions {
		dims[i] = d
	}
	shape := make([]any, len(v.Shape))
	for i, s := range v.Shape {
		shape[i] = float64(s)
	}
	voxelSize := make([]any, len(v.VoxelSize))
	for i, s := range v.VoxelSize {
		voxelSize[i] = s
	}
	return map[string]any{
		"volumeType": v.VolumeType,
		"dataType":   v.DataType,
		"dimensions": dims,
		"shape":      shape,
		"voxelSize":  voxelSize,
		"generation": float64(v.ChangeCount()),
	}
}

// Invalidate marks the volume's content stale and notifies observers.
func (v *Volume) Invalidate() {
	v.DispatchChangedCallbacks()
}

// =============================================================================
// Registry
// =============================================================================

// Registry maps reference tokens to live resources for one session.
//
// # Thread Safety
//
// Safe for concurrent use. Writes (Register, Prune) only happen on the
// session's shared-state mutation path, which already serializes them;
// Lookup additionally serves concurrent request handlers, so entries are
// guarded by an RWMutex. Change dispatch happens outside the entries lock
// to keep the locking order registry-then-notifier everywhere.
type Registry struct {
	msync.ChangeNotifier

	mu      sync.RWMutex
	entries map[string]Resource
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Resource)}
}

// Register adds r and returns its stable reference string.
//
// Registering an already-registered resource returns the same reference
// without dispatching a change.
func (reg *Registry) Register(r Resource) string {
	tok := r.ResourceToken()

	reg.mu.Lock()
	_, existed := reg.entries[tok]
	if !existed {
		reg.entries[tok] = r
	}
	reg.mu.Unlock()

	if !existed {
		reg.DispatchChangedCallbacks()
	}
	return RefPrefix + tok
}

// Lookup resolves a token (without the "local://" prefix) to its resource.
func (reg *Registry) Lookup(tok string) (Resource, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.entries[tok]
	return r, ok
}

// Resources returns a snapshot of all live resources keyed by token.
func (reg *Registry) Resources() map[string]Resource {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make(map[string]Resource, len(reg.entries))
	for tok, r := range reg.entries {
		out[tok] = r
	}
	return out
}

// Prune drops every resource no longer referenced from rawState and
// dispatches a change if anything was dropped.
//
// rawState is the shared container's current raw value; references are any
// string equal to "local://<token>" anywhere in the tree.
func (reg *Registry) Prune(rawState any) {
	reg.mu.Lock()
	if len(reg.entries) == 0 {
		reg.mu.Unlock()
		return
	}
	present := make(map[string]bool, len(reg.entries))
	collectRefs(rawState, present)

	dropped := false
	for tok := range reg.entries {
		if !present[tok] {
			delete(reg.entries, tok)
			dropped = true
		}
	}
	reg.mu.Unlock()

	if dropped {
		reg.DispatchChangedCallbacks()
	}
}

// collectRefs walks a raw JSON tree recording referenced tokens.
func collectRefs(v any, present map[string]bool) {
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, RefPrefix) {
			present[strings.TrimPrefix(val, RefPrefix)] = true
		}
	case []any:
		for _, item := range val {
			collectRefs(item, present)
		}
	case map[string]any:
		for _, item := range val {
			collectRefs(item, present)
		}
	}
}
