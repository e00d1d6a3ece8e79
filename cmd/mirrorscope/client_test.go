// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncClient_Health(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := newSyncClient(srv.URL + "/") // trailing slash is trimmed
	assert.NoError(t, client.Health(context.Background()))
}

func TestSyncClient_HealthDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	assert.Error(t, newSyncClient(srv.URL).Health(context.Background()))
}

func TestSyncClient_ProposeAppliedAndConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/state/session-token-1", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "cli-a", req["c"])

		w.Header().Set("Content-Type", "application/json")
		if req["pg"] == "g0" {
			json.NewEncoder(w).Encode(map[string]any{"g": "cli-a/1"})
			return
		}
		w.WriteHeader(http.StatusPreconditionFailed)
		json.NewEncoder(w).Encode(map[string]any{"s": map[string]any{"x": 1}, "g": "g0"})
	}))
	defer srv.Close()

	client := newSyncClient(srv.URL)

	// Stale base generation: conflict carries the current pair.
	result, err := client.Propose(context.Background(), "session-token-1", "cli-a", 1, "unknown", map[string]any{"x": 2})
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.Equal(t, "g0", result.Generation)
	assert.Equal(t, map[string]any{"x": float64(1)}, result.CurrentState)

	// Rebase onto the learned generation: adopted.
	result, err = client.Propose(context.Background(), "session-token-1", "cli-a", 2, result.Generation, map[string]any{"x": 2})
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, "cli-a/1", result.Generation)
}

func TestSyncClient_ProposeBadRequestIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid client id"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newSyncClient(srv.URL).Propose(context.Background(), "session-token-1", "bad/id", 1, "g0", nil)
	assert.ErrorContains(t, err, "400")
}

func TestSyncClient_EventsURL(t *testing.T) {
	client := newSyncClient("http://localhost:12300")

	url := client.eventsURL("tok-12345678", "cli-a", "", "")
	assert.Equal(t, "http://localhost:12300/v1/events/tok-12345678?c=cli-a", url)

	url = client.eventsURL("tok-12345678", "cli-a", "gc1", "gs1")
	assert.Contains(t, url, "c=cli-a")
	assert.Contains(t, url, "gc=gc1")
	assert.Contains(t, url, "gs=gs1")
}

func TestReadProposedState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"title":"demo"}`), 0o644))

	state, err := readProposedState(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "demo"}, state)

	require.NoError(t, os.WriteFile(path, []byte(`{broken`), 0o644))
	_, err = readProposedState(path)
	assert.ErrorContains(t, err, "not valid JSON")
}
