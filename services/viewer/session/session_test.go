// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/mirrorscope/services/viewer/resource"
	"github.com/AleutianAI/mirrorscope/services/viewer/runloop"
)

func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.Loop == nil {
		opts.Loop = runloop.New()
	}
	require.NoError(t, opts.Loop.Start(context.Background()))
	t.Cleanup(opts.Loop.Stop)

	s := New(opts)
	t.Cleanup(s.Close)
	return s
}

func testVolume() *resource.Volume {
	return resource.NewVolume("image", "uint8",
		[]string{"x", "y", "z"}, []int64{64, 64, 64}, []float64{8, 8, 8})
}

func TestNew_TokenAndCredentialDefaults(t *testing.T) {
	minted := newTestSession(t, Options{})
	assert.NotEmpty(t, minted.Token)
	assert.True(t, minted.AllowCredentials,
		"a minted token is unguessable, so credentials default on")

	supplied := newTestSession(t, Options{Token: "abc123"})
	assert.Equal(t, "abc123", supplied.Token)
	assert.False(t, supplied.AllowCredentials,
		"an embedder-supplied token may be guessable, so credentials default off")

	yes := true
	forced := newTestSession(t, Options{Token: "abc123", AllowCredentials: &yes})
	assert.True(t, forced.AllowCredentials)
}

func TestSession_TransformReplacesResourceWithRef(t *testing.T) {
	s := newTestSession(t, Options{})
	vol := testVolume()

	_, err := s.Shared.SetState(map[string]any{
		"layers": []any{
			map[string]any{"type": "image", "name": "raw", "source": vol},
		},
	})
	require.NoError(t, err)

	raw := s.Shared.RawState().(map[string]any)
	layer := raw["layers"].([]any)[0].(map[string]any)
	ref, ok := layer["source"].(string)
	require.True(t, ok, "live resource must be replaced by a reference string")
	require.True(t, strings.HasPrefix(ref, resource.RefPrefix))

	got, ok := s.Resources.Lookup(strings.TrimPrefix(ref, resource.RefPrefix))
	require.True(t, ok)
	assert.Same(t, vol, got)
}

func TestSession_PruneDropsUnreferencedResources(t *testing.T) {
	s := newTestSession(t, Options{})
	vol := testVolume()

	_, err := s.Shared.SetState(map[string]any{
		"layers": []any{
			map[string]any{"type": "image", "name": "raw", "source": vol},
		},
	})
	require.NoError(t, err)
	require.Len(t, s.Resources.Resources(), 1)

	_, err = s.Shared.SetState(map[string]any{"layers": []any{}})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(s.Resources.Resources()) == 0
	}, 2*time.Second, 10*time.Millisecond, "prune must drop the orphaned volume")
}

func TestSession_SourceGenerationsTrackInvalidation(t *testing.T) {
	s := newTestSession(t, Options{})
	vol := testVolume()

	_, err := s.Shared.SetState(map[string]any{
		"layers": []any{
			map[string]any{"type": "image", "name": "raw", "source": vol},
		},
	})
	require.NoError(t, err)

	tok := vol.ResourceToken()
	generationIs := func(want float64) func() bool {
		return func() bool {
			cfg, err := s.Config.State()
			if err != nil {
				return false
			}
			got, ok := cfg.SourceGenerations[tok]
			return ok && got == want
		}
	}

	assert.Eventually(t, generationIs(0), 2*time.Second, 10*time.Millisecond)

	vol.Invalidate()
	assert.Eventually(t, generationIs(1), 2*time.Second, 10*time.Millisecond,
		"invalidation must bump the mirrored source generation")
}

func TestBindAction_MirrorsSortedNamesIntoConfig(t *testing.T) {
	s := newTestSession(t, Options{})
	s.BindAction("zebra", func(*ActionState) {})
	s.BindAction("alpha", func(*ActionState) {})

	cfg, err := s.Config.State()
	require.NoError(t, err)
	// "screenshot" is bound by the session itself.
	assert.Equal(t, []string{"alpha", "screenshot", "zebra"}, cfg.Actions)
}

func TestDispatchAction_RunsHandlerWithParsedState(t *testing.T) {
	s := newTestSession(t, Options{})

	got := make(chan *ActionState, 1)
	s.BindAction("inspect", func(st *ActionState) { got <- st })

	known := s.DispatchAction("inspect", map[string]any{
		"viewerState":           map[string]any{"title": "t"},
		"mouseVoxelCoordinates": []any{1.0, 2.0, 3.0},
		"selectedValues":        map[string]any{"seg": 42.0},
	})
	assert.True(t, known)

	select {
	case st := <-got:
		assert.Equal(t, "inspect", st.Action)
		require.NotNil(t, st.ViewerState)
		assert.Equal(t, "t", st.ViewerState.Title)
		assert.Equal(t, []float64{1, 2, 3}, st.MouseVoxelCoordinates)
		assert.Equal(t, 42.0, st.SelectedValues["seg"])
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestDispatchAction_UnknownNameIsReportedAndDropped(t *testing.T) {
	s := newTestSession(t, Options{})
	assert.False(t, s.DispatchAction("no-such-action", nil))
}

func TestSetInputBindingAndStatusMessage(t *testing.T) {
	s := newTestSession(t, Options{})

	require.NoError(t, s.SetInputBinding("keyt", "inspect"))
	require.NoError(t, s.SetStatusMessage("job", "loading"))

	cfg, err := s.Config.State()
	require.NoError(t, err)
	assert.Equal(t, "inspect", cfg.InputBindings["keyt"])
	assert.Equal(t, "loading", cfg.StatusMessages["job"])

	require.NoError(t, s.SetStatusMessage("job", ""))
	cfg, err = s.Config.State()
	require.NoError(t, err)
	_, present := cfg.StatusMessages["job"]
	assert.False(t, present, "empty text clears the entry")
}

func pendingScreenshotID(t *testing.T, s *Session) string {
	t.Helper()
	var id string
	require.Eventually(t, func() bool {
		cfg, err := s.Config.State()
		if err != nil {
			return false
		}
		id = cfg.Screenshot
		return id != ""
	}, 2*time.Second, 10*time.Millisecond, "screenshot id never appeared in config state")
	return id
}

func TestScreenshot_ResolvedByReplicaReply(t *testing.T) {
	s := newTestSession(t, Options{})

	type result struct {
		reply *ScreenshotReply
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		reply, err := s.Screenshot(context.Background())
		resCh <- result{reply, err}
	}()

	id := pendingScreenshotID(t, s)

	// "iVBORw0KGgo=" is the base64 PNG magic prefix.
	s.DispatchAction("screenshot", map[string]any{
		"screenshot": map[string]any{
			"id":        id,
			"image":     "iVBORw0KGgo=",
			"imageType": "image/png",
			"width":     800.0,
			"height":    600.0,
		},
	})

	select {
	case res := <-resCh:
		require.NoError(t, res.err)
		assert.Equal(t, id, res.reply.ID)
		assert.Equal(t, "image/png", res.reply.ImageType)
		assert.Equal(t, 800, res.reply.Width)
		assert.Equal(t, 600, res.reply.Height)
		assert.NotEmpty(t, res.reply.Image)
	case <-time.After(2 * time.Second):
		t.Fatal("screenshot never resolved")
	}

	// The reply clears the pending id.
	assert.Eventually(t, func() bool {
		cfg, err := s.Config.State()
		return err == nil && cfg.Screenshot == ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScreenshot_CancellationClearsPendingID(t *testing.T) {
	s := newTestSession(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Screenshot(ctx)
		errCh <- err
	}()

	pendingScreenshotID(t, s)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	assert.Eventually(t, func() bool {
		cfg, err := s.Config.State()
		return err == nil && cfg.Screenshot == ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestScreenshot_MismatchedReplyIsDiscarded(t *testing.T) {
	s := newTestSession(t, Options{})

	resCh := make(chan error, 1)
	go func() {
		_, err := s.Screenshot(context.Background())
		resCh <- err
	}()

	id := pendingScreenshotID(t, s)
	s.DispatchAction("screenshot", map[string]any{
		"screenshot": map[string]any{"id": "stale-" + id},
	})

	select {
	case err := <-resCh:
		t.Fatalf("mismatched reply must not resolve the request, got %v", err)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClose_AbortsPendingScreenshots(t *testing.T) {
	loop := runloop.New()
	require.NoError(t, loop.Start(context.Background()))
	defer loop.Stop()

	s := New(Options{Loop: loop})
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Screenshot(context.Background())
		errCh <- err
	}()
	pendingScreenshotID(t, s)

	s.Close()
	assert.ErrorIs(t, <-errCh, ErrScreenshotAborted)
}
