// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"encoding/base64"
	"errors"

	"github.com/AleutianAI/mirrorscope/pkg/token"
	"github.com/AleutianAI/mirrorscope/services/viewer/state"
)

// =============================================================================
// Screenshots
// =============================================================================

// ErrScreenshotAborted indicates the session closed while a screenshot
// request was outstanding.
var ErrScreenshotAborted = errors.New("screenshot request aborted")

// ScreenshotReply is a rendered frame captured by a replica.
type ScreenshotReply struct {
	// ID is the request id the capture answers.
	ID string

	// Image is the decoded image payload.
	Image []byte

	// ImageType is the payload MIME type, e.g. "image/png".
	ImageType string

	// Width and Height are the captured frame dimensions in pixels.
	Width  int
	Height int
}

// Screenshot requests a frame capture from a connected replica and blocks
// until one answers or ctx expires.
//
// # Description
//
// A fresh request id is written into config state; replicas render once the
// viewport settles and invoke the built-in "screenshot" action carrying the
// encoded frame. The first reply matching the id wins. On timeout or
// cancellation the pending id is cleared so a late reply is discarded rather
// than resolved.
func (s *Session) Screenshot(ctx context.Context) (*ScreenshotReply, error) {
	id := token.RandomWithPrefix("shot")
	ch := make(chan *ScreenshotReply, 1)

	s.waitersMu.Lock()
	s.screenshotWaiters[id] = ch
	s.waitersMu.Unlock()

	err := s.Config.RetryTxn(func(v *state.ConfigState) error {
		v.Screenshot = id
		return nil
	})
	if err != nil {
		s.dropScreenshotWaiter(id)
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrScreenshotAborted
		}
		return reply, nil
	case <-ctx.Done():
		s.dropScreenshotWaiter(id)
		s.clearScreenshotID(id)
		return nil, ctx.Err()
	}
}

// dropScreenshotWaiter removes the waiter channel for id, if still present.
func (s *Session) dropScreenshotWaiter(id string) {
	s.waitersMu.Lock()
	delete(s.screenshotWaiters, id)
	s.waitersMu.Unlock()
}

// clearScreenshotID clears the pending request id from config state, but only
// when it still matches: a newer request must not be clobbered.
func (s *Session) clearScreenshotID(id string) {
	err := s.Config.RetryTxn(func(v *state.ConfigState) error {
		if v.Screenshot == id {
			v.Screenshot = ""
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("failed to clear pending screenshot id",
			"screenshot_id", id, "error", err)
	}
}

// handleScreenshotReply is the built-in "screenshot" action handler. Runs on
// the run loop.
func (s *Session) handleScreenshotReply(st *ActionState) {
	reply, err := parseScreenshotReply(st.Payload)
	if err != nil {
		s.logger.Warn("discarding malformed screenshot reply", "error", err)
		return
	}

	s.clearScreenshotID(reply.ID)

	s.waitersMu.Lock()
	ch, ok := s.screenshotWaiters[reply.ID]
	if ok {
		delete(s.screenshotWaiters, reply.ID)
	}
	s.waitersMu.Unlock()

	if !ok {
		// The requester already timed out, or this is a duplicate reply.
		s.logger.Debug("discarding screenshot reply with no waiter",
			"screenshot_id", reply.ID)
		return
	}
	ch <- reply
}

// parseScreenshotReply decodes the "screenshot" object of the action payload.
func parseScreenshotReply(payload map[string]any) (*ScreenshotReply, error) {
	obj, ok := payload["screenshot"].(map[string]any)
	if !ok {
		return nil, errors.New("payload has no screenshot object")
	}
	id, ok := obj["id"].(string)
	if !ok || id == "" {
		return nil, errors.New("screenshot reply has no id")
	}

	reply := &ScreenshotReply{ID: id}
	if encoded, ok := obj["image"].(string); ok {
		image, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, errors.New("screenshot image is not valid base64")
		}
		reply.Image = image
	}
	reply.ImageType, _ = obj["imageType"].(string)
	if w, ok := obj["width"].(float64); ok {
		reply.Width = int(w)
	}
	if h, ok := obj["height"].(float64); ok {
		reply.Height = int(h)
	}
	return reply, nil
}
