// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session ties one viewer session together: the config and shared
// state containers, the local resource registry, actions, and screenshots.
//
// # Description
//
// A session owns exactly two trackable states. Config carries ephemeral,
// server-owned bookkeeping (action names, input bindings, status text,
// credential blobs, the pending screenshot id); Shared carries the durable,
// collaboratively-edited visualization state (layers, camera, layout). They
// have independent generations, independent subscribers, and independent
// proposal paths, so high-frequency UI bookkeeping never contends with
// collaborative edits.
//
// Before any value enters Shared, a transform step walks it and replaces
// every embedded local resource object with a stable "local://<token>"
// reference, so the stored raw state is always pure JSON.
package session

import (
	"log/slog"
	"sync"

	"github.com/AleutianAI/mirrorscope/pkg/token"
	"github.com/AleutianAI/mirrorscope/services/viewer/resource"
	"github.com/AleutianAI/mirrorscope/services/viewer/runloop"
	"github.com/AleutianAI/mirrorscope/services/viewer/state"
	msync "github.com/AleutianAI/mirrorscope/services/viewer/sync"
)

// =============================================================================
// Options
// =============================================================================

// Options configures a new session.
type Options struct {
	// Token identifies the session in every endpoint path. Empty mints a
	// random one.
	Token string

	// AllowCredentials gates the credentials endpoint for this session.
	// nil applies the default: enabled when the token was minted here,
	// disabled when the embedder supplied its own (a guessable token must
	// not expose credentials).
	AllowCredentials *bool

	// Loop is the process run loop session bookkeeping executes on.
	// Required.
	Loop *runloop.Loop

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// =============================================================================
// Session
// =============================================================================

// Session is one viewer session.
//
// # Thread Safety
//
// Safe for concurrent use. State mutations go through the containers' own
// locking; action and screenshot bookkeeping is guarded by session mutexes;
// cross-component reactions (registry pruning, source-generation refresh,
// credential mirroring) run on the process run loop.
type Session struct {
	Token            string
	AllowCredentials bool

	Config    *msync.TrackableState[state.ConfigState]
	Shared    *msync.TrackableState[state.ViewerState]
	Resources *resource.Registry

	loop   *runloop.Loop
	logger *slog.Logger

	actionsMu sync.Mutex
	actions   map[string]ActionHandler

	waitersMu         sync.Mutex
	screenshotWaiters map[string]chan *ScreenshotReply

	watchedMu sync.Mutex
	watched   map[string]watchedResource

	sharedCallback    msync.CallbackHandle
	resourcesCallback msync.CallbackHandle
}

// watchedResource records the staleness subscription on one live resource.
type watchedResource struct {
	res    resource.Resource
	handle msync.CallbackHandle
}

// New creates a session with empty config and shared state under fresh
// generations.
func New(opts Options) *Session {
	minted := opts.Token == ""
	tok := opts.Token
	if minted {
		tok = token.Random()
	}
	allowCredentials := minted
	if opts.AllowCredentials != nil {
		allowCredentials = *opts.AllowCredentials
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		Token:             tok,
		AllowCredentials:  allowCredentials,
		Resources:         resource.NewRegistry(),
		loop:              opts.Loop,
		logger:            logger.With("session", tok),
		actions:           make(map[string]ActionHandler),
		screenshotWaiters: make(map[string]chan *ScreenshotReply),
		watched:           make(map[string]watchedResource),
	}

	s.Config = msync.NewTrackableState(nil, state.ParseConfigState,
		func(v *state.ConfigState) any { return v.Raw() }, nil)
	s.Shared = msync.NewTrackableState(nil, state.ParseViewerState,
		func(v *state.ViewerState) any { return v.Raw() }, s.transformShared)

	// Registry reconciliation cannot run inside the change callback itself:
	// the callback fires under the container lock, and reading the state
	// back there would deadlock. It hops through the run loop instead.
	s.sharedCallback = s.Shared.AddChangedCallback(func() {
		s.loop.Defer(s.pruneResources)
	})
	s.resourcesCallback = s.Resources.AddChangedCallback(func() {
		s.loop.Defer(s.reconcileWatchedResources)
	})

	s.BindAction("screenshot", s.handleScreenshotReply)

	return s
}

// Close tears down the session's subscriptions. The containers themselves
// need no teardown; they are garbage-collected with the session.
func (s *Session) Close() {
	s.Shared.RemoveChangedCallback(s.sharedCallback)
	s.Resources.RemoveChangedCallback(s.resourcesCallback)

	s.watchedMu.Lock()
	for tok, w := range s.watched {
		w.res.RemoveChangedCallback(w.handle)
		delete(s.watched, tok)
	}
	s.watchedMu.Unlock()

	s.waitersMu.Lock()
	for id, ch := range s.screenshotWaiters {
		close(ch)
		delete(s.screenshotWaiters, id)
	}
	s.waitersMu.Unlock()
}

// =============================================================================
// Local Resource Indirection
// =============================================================================

// transformShared rewrites embedded local resources into reference strings.
// Runs inside Shared.SetState, under the shared container's lock, which
// serializes it against every other shared mutation.
func (s *Session) transformShared(v any) any {
	switch val := v.(type) {
	case resource.Resource:
		return s.Resources.Register(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.transformShared(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = s.transformShared(item)
		}
		return out
	default:
		return val
	}
}

// pruneResources drops registry entries the latest shared state no longer
// references. Runs on the run loop.
func (s *Session) pruneResources() {
	s.Resources.Prune(s.Shared.RawState())
}

// reconcileWatchedResources keeps one staleness subscription per live
// resource and refreshes the source-generation map. Runs on the run loop.
func (s *Session) reconcileWatchedResources() {
	live := s.Resources.Resources()

	s.watchedMu.Lock()
	for tok, res := range live {
		if _, ok := s.watched[tok]; ok {
			continue
		}
		handle := res.AddChangedCallback(func() {
			s.loop.Defer(s.refreshSourceGenerations)
		})
		s.watched[tok] = watchedResource{res: res, handle: handle}
	}
	for tok, w := range s.watched {
		if _, ok := live[tok]; !ok {
			w.res.RemoveChangedCallback(w.handle)
			delete(s.watched, tok)
		}
	}
	s.watchedMu.Unlock()

	s.refreshSourceGenerations()
}

// refreshSourceGenerations mirrors each live resource's change count into
// config state so replicas can detect stale local volumes.
func (s *Session) refreshSourceGenerations() {
	live := s.Resources.Resources()
	generations := make(map[string]float64, len(live))
	for tok, res := range live {
		generations[tok] = float64(res.ChangeCount())
	}

	err := s.Config.RetryTxn(func(v *state.ConfigState) error {
		if len(generations) == 0 {
			v.SourceGenerations = nil
		} else {
			v.SourceGenerations = generations
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to refresh source generations", "error", err)
	}
}

// MirrorCredentials records a successfully served credential blob in config
// state so late-joining replicas receive it with the config push instead of
// re-fetching. Runs on the run loop.
func (s *Session) MirrorCredentials(key string, value map[string]any, generation int64) {
	s.loop.Defer(func() {
		err := s.Config.RetryTxn(func(v *state.ConfigState) error {
			if v.Credentials == nil {
				v.Credentials = make(map[string]any)
			}
			v.Credentials[key] = map[string]any{
				"credentials": value,
				"generation":  float64(generation),
			}
			return nil
		})
		if err != nil {
			s.logger.Warn("failed to mirror credentials into config state",
				"provider", key, "error", err)
		}
	})
}

// =============================================================================
// Status
// =============================================================================

// SetStatusMessage sets or clears (empty text) one status-bar entry.
func (s *Session) SetStatusMessage(key, text string) error {
	return s.Config.RetryTxn(func(v *state.ConfigState) error {
		if text == "" {
			delete(v.StatusMessages, key)
			return nil
		}
		if v.StatusMessages == nil {
			v.StatusMessages = make(map[string]string)
		}
		v.StatusMessages[key] = text
		return nil
	})
}
