// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/mirrorscope/pkg/validation"
	"github.com/AleutianAI/mirrorscope/services/viewer/observability"
	msync "github.com/AleutianAI/mirrorscope/services/viewer/sync"
)

// stateFrame is one push frame on the event stream.
type stateFrame struct {
	Key        string `json:"k"`
	State      any    `json:"s"`
	Generation string `json:"g"`
}

// watcher tracks one state container on behalf of one connection.
type watcher struct {
	key     observability.StateKey
	tracked msync.Tracked

	// lastGeneration is the newest generation this connection has seen for
	// the key, seeded from the query string. Empty never equals a real
	// generation, so an unseeded watcher pushes current state immediately.
	lastGeneration string

	handle msync.CallbackHandle
}

// handleEvents serves GET /v1/events/:token.
//
// # Description
//
// Subscribes the connection to both state containers and streams frames
// until the client disconnects. Change callbacks only nudge the connection's
// wake channel; this goroutine owns all writes. Each wake drains both
// watchers in one cycle, so a burst of rapid commits collapses into one
// frame per key carrying the newest state. Frames whose generation carries
// the subscriber's own "<clientID>/" prefix are suppressed as echoes, but
// still advance the watcher so the client is considered caught up.
func (s *Server) handleEvents(c *gin.Context) {
	sess := sessionFromContext(c)

	clientID := c.Query("c")
	if err := validation.ValidateClientID(clientID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	watchers := []*watcher{
		{key: observability.KeyConfig, tracked: sess.Config, lastGeneration: c.Query("gc")},
		{key: observability.KeyShared, tracked: sess.Shared, lastGeneration: c.Query("gs")},
	}

	// Wake is 1-buffered and sent to without blocking: callbacks fire under
	// the container lock and must never wait on this connection.
	wake := make(chan struct{}, 1)
	for _, w := range watchers {
		w.handle = w.tracked.AddChangedCallback(func() {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
	}

	connID := uuid.New().String()
	logger := s.logger.With("connection", connID, "session", sess.Token, "client", clientID)
	logger.Info("event stream opened")

	for _, w := range watchers {
		s.metrics.ConnectionOpened(w.key)
	}
	defer func() {
		for _, w := range watchers {
			w.tracked.RemoveChangedCallback(w.handle)
			s.metrics.ConnectionClosed(w.key)
		}
		logger.Info("event stream closed")
	}()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	// Initial cycle pushes current state to watchers the client has not
	// caught up with (or everything, when generations were not supplied).
	if err := s.flushWatchers(c, flusher, watchers, clientID); err != nil {
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			if err := s.flushWatchers(c, flusher, watchers, clientID); err != nil {
				logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprintf(c.Writer, ": ping\n\n"); err != nil {
				logger.Debug("keepalive write failed", "error", err)
				return
			}
			flusher.Flush()
			s.metrics.RecordKeepAlive()
		}
	}
}

// flushWatchers writes one frame per watcher whose state moved since the
// connection last saw it.
func (s *Server) flushWatchers(c *gin.Context, flusher http.Flusher, watchers []*watcher, clientID string) error {
	for _, w := range watchers {
		raw, generation := w.tracked.RawStateAndGeneration()
		if generation == w.lastGeneration {
			continue
		}
		w.lastGeneration = generation

		// The subscriber authored this revision; it already has the state.
		if strings.HasPrefix(generation, clientID+"/") {
			s.metrics.RecordSuppressedFrame(w.key)
			continue
		}

		data, err := json.Marshal(stateFrame{Key: string(w.key), State: raw, Generation: generation})
		if err != nil {
			return fmt.Errorf("marshal frame: %w", err)
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		flusher.Flush()
		s.metrics.RecordFrame(w.key)
	}
	return nil
}
