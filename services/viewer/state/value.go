// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state defines the JSON-shaped values exchanged by the sync
// protocol and the typed views parsed from them.
//
// # Description
//
// Raw state is always one of the canonical JSON shapes: nil, bool, string,
// float64, []any, or map[string]any. Normalize coerces arbitrary Go values
// into that shape, Equal compares two values structurally, and Clone deep
// copies a normalized tree so no two holders share interior storage.
//
// Typed views (ViewerState, ConfigState) are produced by pure parse
// functions that either succeed or report a ShapeError naming the offending
// path. They never panic on malformed input; unrecognized fields are
// preserved so a parse/serialize round trip is lossless.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

// =============================================================================
// Shape Errors
// =============================================================================

// ErrShape is the sentinel wrapped by every typed-view parse failure.
var ErrShape = errors.New("unexpected state shape")

// ShapeError reports a typed-view parse failure at a specific path.
type ShapeError struct {
	// Path locates the offending value, e.g. "layers[2].type".
	Path string

	// Want describes the expected shape, e.g. "string".
	Want string

	// Got is the actual Go type encountered.
	Got any
}

// Error implements the error interface.
func (e *ShapeError) Error() string {
	return fmt.Sprintf("unexpected state shape at %s: want %s, got %T", e.Path, e.Want, e.Got)
}

// Unwrap lets errors.Is(err, ErrShape) match all shape errors.
func (e *ShapeError) Unwrap() error {
	return ErrShape
}

func shapeErr(path, want string, got any) error {
	return &ShapeError{Path: path, Want: want, Got: got}
}

// =============================================================================
// Canonical JSON Values
// =============================================================================

// Normalize coerces v into the canonical JSON shape.
//
// Already-normalized trees pass through a cheap recursive check without
// allocation. Anything else (typed structs, json.Number, int counters,
// nested typed slices) goes through an encode/decode round trip so that
// structural comparison in Equal never sees two spellings of the same value.
//
// Values that cannot be marshaled are returned unchanged; they will simply
// never compare equal to a normalized tree, which is the safe failure mode.
func Normalize(v any) any {
	if isNormalized(v) {
		return v
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

// isNormalized reports whether v consists only of canonical JSON shapes.
func isNormalized(v any) bool {
	switch val := v.(type) {
	case nil, bool, string, float64:
		return true
	case []any:
		for _, item := range val {
			if !isNormalized(item) {
				return false
			}
		}
		return true
	case map[string]any:
		for _, item := range val {
			if !isNormalized(item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Equal reports whether a and b are structurally equal after normalization.
func Equal(a, b any) bool {
	return reflect.DeepEqual(Normalize(a), Normalize(b))
}

// Clone returns a deep copy of a normalized value.
//
// Scalars are immutable and returned as-is; maps and slices are rebuilt
// recursively. Non-canonical values are normalized first, which itself
// allocates a fresh tree.
func Clone(v any) any {
	switch val := v.(type) {
	case nil, bool, string, float64:
		return val
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Clone(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Clone(item)
		}
		return out
	default:
		return Normalize(val)
	}
}

// =============================================================================
// Parse Helpers
// =============================================================================

// presence records which modeled keys existed in a parsed raw object, so
// Raw can re-emit explicitly-set fields whose typed value happens to be the
// zero value ("opacity": 0, "visible": true, "title": ""). Without it a
// parse/serialize round trip would drop those spellings, and a no-op
// transaction would rewrite the stored raw state.
type presence map[string]bool

// presenceOf captures the given keys that are present with a non-nil value.
// Explicit nulls count as absent, matching the opt* parse helpers.
func presenceOf(m map[string]any, keys ...string) presence {
	var p presence
	for _, key := range keys {
		if v, ok := m[key]; ok && v != nil {
			if p == nil {
				p = make(presence, len(keys))
			}
			p[key] = true
		}
	}
	return p
}

// has reports whether key was present at parse time. Views built
// programmatically carry a nil presence and report false, so their
// zero-value fields stay omitted.
func (p presence) has(key string) bool {
	return p != nil && p[key]
}

// optString extracts an optional string field, reporting a ShapeError when
// the field is present with a non-string value.
func optString(m map[string]any, key, path string) (string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", shapeErr(path, "string", raw)
	}
	return s, nil
}

// optFloat extracts an optional number field.
func optFloat(m map[string]any, key, path string) (float64, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return 0, nil
	}
	f, ok := raw.(float64)
	if !ok {
		return 0, shapeErr(path, "number", raw)
	}
	return f, nil
}

// optFloatSlice extracts an optional array-of-numbers field.
func optFloatSlice(m map[string]any, key, path string) ([]float64, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, shapeErr(path, "array of numbers", raw)
	}
	out := make([]float64, len(items))
	for i, item := range items {
		f, ok := item.(float64)
		if !ok {
			return nil, shapeErr(fmt.Sprintf("%s[%d]", path, i), "number", item)
		}
		out[i] = f
	}
	return out, nil
}

// optStringSlice extracts an optional array-of-strings field.
func optStringSlice(m map[string]any, key, path string) ([]string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, shapeErr(path, "array of strings", raw)
	}
	out := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, shapeErr(fmt.Sprintf("%s[%d]", path, i), "string", item)
		}
		out[i] = s
	}
	return out, nil
}

// optStringMap extracts an optional object-of-strings field.
func optStringMap(m map[string]any, key, path string) (map[string]string, error) {
	raw, ok := m[key]
	if !ok || raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, shapeErr(path, "object", raw)
	}
	out := make(map[string]string, len(obj))
	for k, item := range obj {
		s, ok := item.(string)
		if !ok {
			return nil, shapeErr(path+"."+k, "string", item)
		}
		out[k] = s
	}
	return out, nil
}

// floatsToRaw converts a float slice back to canonical []any form.
func floatsToRaw(vals []float64) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

// stringsToRaw converts a string slice back to canonical []any form.
func stringsToRaw(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}
