// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package statefile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/mirrorscope/services/viewer/state"
	msync "github.com/AleutianAI/mirrorscope/services/viewer/sync"
)

func newSharedState() *msync.TrackableState[state.ViewerState] {
	return msync.NewTrackableState(nil, state.ParseViewerState,
		func(v *state.ViewerState) any { return v.Raw() }, nil)
}

func startMirror(t *testing.T, path string, target Target) *Mirror {
	t.Helper()
	m, err := New(path, target, &Options{DebounceWindow: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

func eventuallyTitle(t *testing.T, target *msync.TrackableState[state.ViewerState], want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		view, err := target.State()
		return err == nil && view.Title == want
	}, 3*time.Second, 20*time.Millisecond, "state never reached title %q", want)
}

func TestMirror_InitialLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"title":"initial"}`), 0o644))

	target := newSharedState()
	startMirror(t, path, target)
	eventuallyTitle(t, target, "initial")
}

func TestMirror_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"title":"one"}`), 0o644))

	target := newSharedState()
	startMirror(t, path, target)
	eventuallyTitle(t, target, "one")

	require.NoError(t, os.WriteFile(path, []byte(`{"title":"two"}`), 0o644))
	eventuallyTitle(t, target, "two")
}

func TestMirror_PicksUpLateCreation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	target := newSharedState()
	startMirror(t, path, target)

	require.NoError(t, os.WriteFile(path, []byte(`{"title":"late"}`), 0o644))
	eventuallyTitle(t, target, "late")
}

func TestMirror_MalformedFileKeepsLastGoodState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"title":"good"}`), 0o644))

	target := newSharedState()
	startMirror(t, path, target)
	eventuallyTitle(t, target, "good")
	generation := target.Generation()

	require.NoError(t, os.WriteFile(path, []byte(`{"title": broken`), 0o644))
	time.Sleep(200 * time.Millisecond)

	view, err := target.State()
	require.NoError(t, err)
	assert.Equal(t, "good", view.Title)
	assert.Equal(t, generation, target.Generation())
}

func TestMirror_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"title":"good"}`), 0o644))

	target := newSharedState()
	startMirror(t, path, target)
	eventuallyTitle(t, target, "good")
	generation := target.Generation()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{"title":"other"}`), 0o644))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, generation, target.Generation())
}

func TestMirror_StopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	target := newSharedState()
	m, err := New(filepath.Join(dir, "state.json"), target, nil)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))

	m.Stop()
	assert.NotPanics(t, m.Stop)
}
