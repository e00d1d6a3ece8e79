// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package viewer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/mirrorscope/pkg/validation"
	"github.com/AleutianAI/mirrorscope/services/viewer/observability"
	"github.com/AleutianAI/mirrorscope/services/viewer/runloop"
	"github.com/AleutianAI/mirrorscope/services/viewer/session"
)

// SessionOptions configures one registry-created session.
type SessionOptions struct {
	// Token supplies the session token. Empty mints a random one.
	Token string

	// AllowCredentials overrides the session's credential endpoint gate.
	// nil keeps the default (on for minted tokens, off for supplied ones).
	AllowCredentials *bool
}

// Registry is the process-scoped session table.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session.Session

	loop    *runloop.Loop
	logger  *slog.Logger
	metrics *observability.SyncMetrics
}

// NewRegistry creates an empty registry whose sessions share loop.
func NewRegistry(loop *runloop.Loop, logger *slog.Logger, metrics *observability.SyncMetrics) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: make(map[string]*session.Session),
		loop:     loop,
		logger:   logger,
		metrics:  metrics,
	}
}

// NewSession creates and registers a session.
func (r *Registry) NewSession(opts SessionOptions) (*session.Session, error) {
	if opts.Token != "" {
		if err := validation.ValidateSessionToken(opts.Token); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if opts.Token != "" {
		if _, exists := r.sessions[opts.Token]; exists {
			return nil, fmt.Errorf("session %q already exists", opts.Token)
		}
	}

	sess := session.New(session.Options{
		Token:            opts.Token,
		AllowCredentials: opts.AllowCredentials,
		Loop:             r.loop,
		Logger:           r.logger,
	})
	r.sessions[sess.Token] = sess

	if r.metrics != nil {
		r.metrics.SessionRegistered()
	}
	r.logger.Info("session created", "session", sess.Token,
		"allow_credentials", sess.AllowCredentials)
	return sess, nil
}

// Get resolves a token to its session.
func (r *Registry) Get(token string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[token]
	return sess, ok
}

// Remove unregisters and closes a session. Open event streams on the session
// keep their subscriptions until they disconnect; new requests 404.
func (r *Registry) Remove(token string) {
	r.mu.Lock()
	sess, ok := r.sessions[token]
	if ok {
		delete(r.sessions, token)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	sess.Close()
	if r.metrics != nil {
		r.metrics.SessionRemoved()
	}
	r.logger.Info("session removed", "session", token)
}

// Tokens returns the registered session tokens.
func (r *Registry) Tokens() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for tok := range r.sessions {
		out = append(out, tok)
	}
	return out
}
