// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package viewer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/mirrorscope/services/viewer/runloop"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	loop := runloop.New()
	require.NoError(t, loop.Start(context.Background()))
	t.Cleanup(loop.Stop)
	return NewRegistry(loop, nil, nil)
}

func TestRegistry_MintedAndSuppliedTokens(t *testing.T) {
	r := newTestRegistry(t)

	minted, err := r.NewSession(SessionOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, minted.Token)

	supplied, err := r.NewSession(SessionOptions{Token: "scripted-deploy-01"})
	require.NoError(t, err)
	assert.Equal(t, "scripted-deploy-01", supplied.Token)

	got, ok := r.Get("scripted-deploy-01")
	require.True(t, ok)
	assert.Same(t, supplied, got)
	assert.Len(t, r.Tokens(), 2)
}

func TestRegistry_RejectsDuplicateAndInvalidTokens(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.NewSession(SessionOptions{Token: "scripted-deploy-01"})
	require.NoError(t, err)

	_, err = r.NewSession(SessionOptions{Token: "scripted-deploy-01"})
	assert.Error(t, err)

	_, err = r.NewSession(SessionOptions{Token: "no/slashes"})
	assert.Error(t, err)

	_, err = r.NewSession(SessionOptions{Token: "short"})
	assert.Error(t, err)
}

func TestRegistry_Remove(t *testing.T) {
	r := newTestRegistry(t)
	sess, err := r.NewSession(SessionOptions{})
	require.NoError(t, err)

	r.Remove(sess.Token)
	_, ok := r.Get(sess.Token)
	assert.False(t, ok)

	// Removing twice is harmless.
	assert.NotPanics(t, func() { r.Remove(sess.Token) })
}

func TestNew_ServiceWiring(t *testing.T) {
	svc, err := New(Config{GinMode: gin.TestMode}, nil)
	require.NoError(t, err)

	sess := svc.DefaultSession()
	require.NotNil(t, sess)
	assert.True(t, sess.AllowCredentials, "minted default session serves credentials")

	got, ok := svc.Sessions().Get(sess.Token)
	require.True(t, ok)
	assert.Same(t, sess, got)

	rec := httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	svc.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
