// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// End-to-end exercise of the sync protocol over real HTTP: two clients race
// a compare-and-set round on the shared state while event streams observe
// the outcome, including echo suppression for the winning client.
package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/mirrorscope/services/viewer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stateFrame mirrors the SSE data payload.
type stateFrame struct {
	Key        string          `json:"k"`
	State      json.RawMessage `json:"s"`
	Generation string          `json:"g"`
}

// harness is one viewer service behind a real listener.
type harness struct {
	svc     viewer.Service
	httpSrv *httptest.Server
	session string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	svc, err := viewer.New(viewer.Config{GinMode: gin.TestMode, KeepAliveInterval: time.Hour}, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(svc.Router())
	t.Cleanup(srv.Close)

	return &harness{svc: svc, httpSrv: srv, session: svc.DefaultSession().Token}
}

// propose POSTs one compare-and-set attempt and returns the response.
func (h *harness) propose(t *testing.T, client string, counter uint64, prevGeneration string, state any) (*http.Response, map[string]any) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"pg": prevGeneration,
		"g":  counter,
		"s":  state,
		"c":  client,
	})
	require.NoError(t, err)

	resp, err := http.Post(
		fmt.Sprintf("%s/v1/state/%s", h.httpSrv.URL, h.session),
		"application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

// eventStream tails the session's SSE endpoint into a channel.
type eventStream struct {
	cancel context.CancelFunc
	frames chan stateFrame
}

func (h *harness) openStream(t *testing.T, client, sharedGeneration string) *eventStream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	url := fmt.Sprintf("%s/v1/events/%s?c=%s", h.httpSrv.URL, h.session, client)
	if sharedGeneration != "" {
		url += "&gs=" + sharedGeneration
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	es := &eventStream{cancel: cancel, frames: make(chan stateFrame, 16)}
	go func() {
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			var frame stateFrame
			if json.Unmarshal([]byte(data), &frame) == nil {
				es.frames <- frame
			}
		}
	}()
	return es
}

// nextShared waits for the next shared-state frame, skipping config frames.
func (es *eventStream) nextShared(t *testing.T) stateFrame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case frame := <-es.frames:
			if frame.Key == "s" {
				return frame
			}
		case <-deadline:
			t.Fatal("timed out waiting for shared-state frame")
		}
	}
}

// expectNoShared asserts no shared-state frame arrives within the window.
func (es *eventStream) expectNoShared(t *testing.T, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case frame := <-es.frames:
			if frame.Key == "s" {
				t.Fatalf("unexpected shared frame: g=%s s=%s", frame.Generation, frame.State)
			}
		case <-deadline:
			return
		}
	}
}

func TestReplication_TwoClientCASRound(t *testing.T) {
	h := newHarness(t)
	shared := h.svc.DefaultSession().Shared

	_, err := shared.SetState(map[string]any{"x": float64(0)})
	require.NoError(t, err)
	g0 := shared.Generation()

	// Observers connected before the race. Client B's stream resumes past
	// g0; client A's stream must never see A's own change echoed back.
	observerB := h.openStream(t, "B", g0)
	observerA := h.openStream(t, "A", g0)

	// A proposes on g0 and wins.
	resp, body := h.propose(t, "A", 1, g0, map[string]any{"x": float64(1)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "A/1", body["g"])

	// B proposes on the same g0 and loses: the conflict response carries
	// A's state and generation as an atomic pair.
	resp, body = h.propose(t, "B", 1, g0, map[string]any{"x": float64(2)})
	require.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
	assert.Equal(t, "A/1", body["g"])
	assert.Equal(t, map[string]any{"x": float64(1)}, body["s"])

	// B's stream delivers exactly one frame for the round: A's change.
	frame := observerB.nextShared(t)
	assert.Equal(t, "A/1", frame.Generation)
	assert.JSONEq(t, `{"x":1}`, string(frame.State))
	observerB.expectNoShared(t, 300*time.Millisecond)

	// A's own change is suppressed on A's stream.
	observerA.expectNoShared(t, 300*time.Millisecond)

	// B rebases onto A/1 and wins the next round; both streams see it.
	resp, body = h.propose(t, "B", 2, "A/1", map[string]any{"x": float64(2)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "B/2", body["g"])

	frame = observerB.nextShared(t)
	assert.Equal(t, "B/2", frame.Generation)

	frame = observerA.nextShared(t)
	assert.Equal(t, "B/2", frame.Generation)
	assert.JSONEq(t, `{"x":2}`, string(frame.State))
}

func TestReplication_LateStreamSeesCurrentState(t *testing.T) {
	h := newHarness(t)
	shared := h.svc.DefaultSession().Shared

	_, err := shared.SetState(map[string]any{"title": "demo"})
	require.NoError(t, err)
	generation := shared.Generation()

	// No resume generation: the connection's first shared frame is the
	// current state.
	stream := h.openStream(t, "late-client", "")
	frame := stream.nextShared(t)
	assert.Equal(t, generation, frame.Generation)
	assert.JSONEq(t, `{"title":"demo"}`, string(frame.State))
}
