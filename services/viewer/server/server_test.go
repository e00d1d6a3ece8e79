// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/mirrorscope/services/viewer/credentials"
	"github.com/AleutianAI/mirrorscope/services/viewer/observability"
	"github.com/AleutianAI/mirrorscope/services/viewer/resource"
	"github.com/AleutianAI/mirrorscope/services/viewer/runloop"
	"github.com/AleutianAI/mirrorscope/services/viewer/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubResolver struct {
	sessions map[string]*session.Session
}

func (r *stubResolver) Get(tok string) (*session.Session, bool) {
	s, ok := r.sessions[tok]
	return s, ok
}

type testFixture struct {
	router  *gin.Engine
	session *session.Session
	creds   *credentials.Manager
}

func newTestFixture(t *testing.T, sessionOpts session.Options) *testFixture {
	t.Helper()

	loop := runloop.New()
	require.NoError(t, loop.Start(context.Background()))
	t.Cleanup(loop.Stop)

	sessionOpts.Loop = loop
	sess := session.New(sessionOpts)
	t.Cleanup(sess.Close)

	creds := credentials.NewManager()
	srv := New(Config{
		Sessions:          &stubResolver{sessions: map[string]*session.Session{sess.Token: sess}},
		Credentials:       creds,
		Metrics:           observability.InitMetrics(),
		KeepAliveInterval: time.Hour, // keep pings out of frame assertions
	})

	router := gin.New()
	srv.SetupRoutes(router)
	return &testFixture{router: router, session: sess, creds: creds}
}

func (f *testFixture) postJSON(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	f := newTestFixture(t, session.Options{})
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProposal_CASRound(t *testing.T) {
	f := newTestFixture(t, session.Options{})
	g0 := f.session.Shared.Generation()

	// A proposes on g0 and wins.
	rec := f.postJSON(t, "/v1/state/"+f.session.Token, map[string]any{
		"pg": g0, "g": 1, "s": map[string]any{"x": 1}, "c": "A",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "A/1", decodeBody(t, rec)["g"])

	// B proposes on the stale g0 and loses, receiving the authoritative pair.
	rec = f.postJSON(t, "/v1/state/"+f.session.Token, map[string]any{
		"pg": g0, "g": 1, "s": map[string]any{"x": 2}, "c": "B",
	})
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "A/1", body["g"])
	assert.Equal(t, map[string]any{"x": 1.0}, body["s"])

	// B rebases onto A/1 and wins.
	rec = f.postJSON(t, "/v1/state/"+f.session.Token, map[string]any{
		"pg": "A/1", "g": 2, "s": map[string]any{"x": 2}, "c": "B",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "B/2", decodeBody(t, rec)["g"])
}

func TestProposal_MalformedBodies(t *testing.T) {
	f := newTestFixture(t, session.Options{})
	g0 := f.session.Shared.Generation()

	cases := []map[string]any{
		{},                                  // everything missing
		{"pg": g0, "s": nil, "c": "A"},      // counter missing
		{"g": 1, "s": nil, "c": "A"},        // base generation missing
		{"pg": g0, "g": 1, "s": nil},        // client id missing
		{"pg": g0, "g": 1, "c": "A/evil"},   // '/' breaks the ownership prefix
		{"pg": g0, "g": "one", "c": "A"},    // counter not a number
	}
	for _, body := range cases {
		rec := f.postJSON(t, "/v1/state/"+f.session.Token, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body: %v", body)
	}

	// State untouched by any of the rejects.
	assert.Equal(t, g0, f.session.Shared.Generation())
}

func TestSessionResolution(t *testing.T) {
	f := newTestFixture(t, session.Options{})

	rec := f.postJSON(t, "/v1/state/aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", map[string]any{
		"pg": "x", "g": 1, "c": "A",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.postJSON(t, "/v1/state/%21%21", map[string]any{"pg": "x", "g": 1, "c": "A"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type staticFetcher struct{ err error }

func (f *staticFetcher) Fetch(context.Context) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return map[string]any{"accessToken": "tok"}, nil
}

func TestCredentials_Endpoint(t *testing.T) {
	f := newTestFixture(t, session.Options{})
	f.creds.RegisterFactory("gcs", func(any) (credentials.Fetcher, error) {
		return &staticFetcher{}, nil
	})
	f.creds.RegisterFactory("broken", func(any) (credentials.Fetcher, error) {
		return &staticFetcher{err: errors.New("upstream 500")}, nil
	})

	rec := f.postJSON(t, "/v1/credentials/"+f.session.Token, map[string]any{"key": "gcs"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "tok", body["credentials"].(map[string]any)["accessToken"])
	assert.Equal(t, 1.0, body["generation"])

	rec = f.postJSON(t, "/v1/credentials/"+f.session.Token, map[string]any{"key": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.postJSON(t, "/v1/credentials/"+f.session.Token, map[string]any{"key": "broken"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Served blobs are mirrored into config state for late joiners.
	assert.Eventually(t, func() bool {
		cfg, err := f.session.Config.State()
		if err != nil || cfg.Credentials == nil {
			return false
		}
		_, ok := cfg.Credentials["gcs"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCredentials_DisabledSession(t *testing.T) {
	no := false
	f := newTestFixture(t, session.Options{Token: "embedder-supplied-token", AllowCredentials: &no})

	rec := f.postJSON(t, "/v1/credentials/"+f.session.Token, map[string]any{"key": "gcs"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAction_Endpoint(t *testing.T) {
	f := newTestFixture(t, session.Options{})

	ran := make(chan string, 1)
	f.session.BindAction("inspect", func(st *session.ActionState) { ran <- st.Action })

	rec := f.postJSON(t, "/v1/action/"+f.session.Token, map[string]any{"action": "inspect"})
	require.Equal(t, http.StatusOK, rec.Code)
	select {
	case name := <-ran:
		assert.Equal(t, "inspect", name)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	// Unknown actions still succeed at the transport level.
	rec = f.postJSON(t, "/v1/action/"+f.session.Token, map[string]any{"action": "nope"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.postJSON(t, "/v1/action/"+f.session.Token, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVolumeInfo_Endpoint(t *testing.T) {
	f := newTestFixture(t, session.Options{})
	vol := resource.NewVolume("image", "uint8", []string{"x", "y", "z"}, []int64{4, 4, 4}, []float64{8, 8, 8})

	_, err := f.session.Shared.SetState(map[string]any{
		"layers": []any{map[string]any{"type": "image", "name": "raw", "source": vol}},
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/volume/"+f.session.Token+"/"+vol.ResourceToken()+"/info", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	info := decodeBody(t, rec)
	assert.Equal(t, "image", info["volumeType"])
	assert.Equal(t, "uint8", info["dataType"])

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/volume/"+f.session.Token+"/vol-0000000000000000000000000000000000000000/info", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// Event Stream
// =============================================================================

// sseClient consumes data frames from one event-stream connection.
type sseClient struct {
	cancel context.CancelFunc
	frames chan map[string]any
}

func openStream(t *testing.T, baseURL, token, query string) *sseClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		baseURL+"/v1/events/"+token+"?"+query, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	client := &sseClient{cancel: cancel, frames: make(chan map[string]any, 16)}
	go func() {
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var frame map[string]any
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame) == nil {
				client.frames <- frame
			}
		}
		close(client.frames)
	}()
	t.Cleanup(cancel)
	return client
}

func (c *sseClient) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case frame, ok := <-c.frames:
		require.True(t, ok, "stream closed before expected frame")
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("no frame within deadline")
		return nil
	}
}

func (c *sseClient) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case frame := <-c.frames:
		t.Fatalf("unexpected frame: %v", frame)
	case <-time.After(d):
	}
}

func TestEvents_InitialPushAndLiveUpdates(t *testing.T) {
	f := newTestFixture(t, session.Options{})
	ts := httptest.NewServer(f.router)
	t.Cleanup(ts.Close)

	g0 := f.session.Shared.Generation()

	// No generation params: both containers push immediately.
	client := openStream(t, ts.URL, f.session.Token, "c=B")
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		frame := client.next(t)
		seen[frame["k"].(string)] = true
	}
	assert.True(t, seen["c"] && seen["s"], "initial cycle pushes both keys")

	// A's proposal reaches B exactly once.
	rec := f.postJSON(t, "/v1/state/"+f.session.Token, map[string]any{
		"pg": g0, "g": 1, "s": map[string]any{"x": 1}, "c": "A",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	frame := client.next(t)
	assert.Equal(t, "s", frame["k"])
	assert.Equal(t, "A/1", frame["g"])
	assert.Equal(t, map[string]any{"x": 1.0}, frame["s"])

	client.expectSilence(t, 200*time.Millisecond)
}

func TestEvents_EchoSuppression(t *testing.T) {
	f := newTestFixture(t, session.Options{})
	ts := httptest.NewServer(f.router)
	t.Cleanup(ts.Close)

	g0 := f.session.Shared.Generation()
	gc := f.session.Config.Generation()

	// A subscribes already caught up with both containers.
	client := openStream(t, ts.URL, f.session.Token, "c=A&gc="+gc+"&gs="+g0)
	client.expectSilence(t, 100*time.Millisecond)

	// A's own proposal must not echo back.
	rec := f.postJSON(t, "/v1/state/"+f.session.Token, map[string]any{
		"pg": g0, "g": 1, "s": map[string]any{"x": 1}, "c": "A",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	client.expectSilence(t, 300*time.Millisecond)

	// A server-side commit after the suppressed one still gets through:
	// suppression advances the watcher rather than freezing it.
	_, err := f.session.Shared.SetState(map[string]any{"x": 2.0})
	require.NoError(t, err)
	frame := client.next(t)
	assert.Equal(t, "s", frame["k"])
	assert.Equal(t, map[string]any{"x": 2.0}, frame["s"])
}

func TestEvents_SeededWatcherSkipsCurrentState(t *testing.T) {
	f := newTestFixture(t, session.Options{})
	ts := httptest.NewServer(f.router)
	t.Cleanup(ts.Close)

	client := openStream(t, ts.URL, f.session.Token,
		"c=B&gc="+f.session.Config.Generation()+"&gs="+f.session.Shared.Generation())
	client.expectSilence(t, 200*time.Millisecond)
}

func TestEvents_MissingClientID(t *testing.T) {
	f := newTestFixture(t, session.Options{})
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/events/"+f.session.Token, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
