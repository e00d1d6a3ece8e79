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
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/mirrorscope/pkg/validation"
	"github.com/AleutianAI/mirrorscope/services/viewer/observability"
	msync "github.com/AleutianAI/mirrorscope/services/viewer/sync"
)

// =============================================================================
// Proposal
// =============================================================================

// proposalRequest is the POST /v1/state/:token body.
type proposalRequest struct {
	// PrevGeneration is the generation the client based its edit on.
	PrevGeneration string `json:"pg" binding:"required"`

	// Counter is the client's per-connection proposal counter.
	Counter *uint64 `json:"g" binding:"required"`

	// State is the proposed raw state.
	State any `json:"s"`

	// ClientID identifies the proposing replica.
	ClientID string `json:"c" binding:"required,clientid"`
}

// handleProposal serves POST /v1/state/:token.
//
// # Description
//
// Applies a whole-state CAS proposal against the shared container. The
// client's generation becomes "<clientID>/<counter>", which the event stream
// later recognizes as the proposer's own revision and suppresses. A lost
// race returns 412 carrying the authoritative (state, generation) pair so
// the client can rebase without a second round trip.
func (s *Server) handleProposal(c *gin.Context) {
	started := time.Now()
	sess := sessionFromContext(c)

	var req proposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.metrics.RecordProposal(observability.KeyShared, observability.OutcomeInvalid, time.Since(started).Seconds())
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	proposed := req.ClientID + "/" + strconv.FormatUint(*req.Counter, 10)
	generation, err := sess.Shared.SetState(req.State,
		msync.WithGeneration(proposed),
		msync.WithExistingGeneration(req.PrevGeneration))

	if errors.Is(err, msync.ErrConcurrentModification) {
		raw, current := sess.Shared.RawStateAndGeneration()
		s.metrics.RecordProposal(observability.KeyShared, observability.OutcomeConflict, time.Since(started).Seconds())
		c.JSON(http.StatusPreconditionFailed, gin.H{"s": raw, "g": current})
		return
	}

	outcome := observability.OutcomeApplied
	if generation != proposed {
		outcome = observability.OutcomeNoop
	}
	s.metrics.RecordProposal(observability.KeyShared, outcome, time.Since(started).Seconds())
	c.JSON(http.StatusOK, gin.H{"g": generation})
}

// =============================================================================
// Credentials
// =============================================================================

// credentialsRequest is the POST /v1/credentials/:token body.
type credentialsRequest struct {
	// Key names the credential provider.
	Key string `json:"key" binding:"required,providerkey"`

	// Parameters select the provider instance, e.g. a scope or bucket.
	Parameters any `json:"parameters"`

	// Invalid is the generation the replica observed failing, absent on the
	// first request.
	Invalid *int64 `json:"invalid"`
}

// handleCredentials serves POST /v1/credentials/:token.
func (s *Server) handleCredentials(c *gin.Context) {
	started := time.Now()
	sess := sessionFromContext(c)

	if !sess.AllowCredentials {
		c.JSON(http.StatusForbidden, gin.H{"error": "credentials disabled for this session"})
		return
	}

	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	provider, err := s.creds.Provider(req.Key, req.Parameters)
	if err != nil {
		s.metrics.RecordCredentialFetch("error", time.Since(started).Seconds())
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cachedBefore := provider.Cached()
	creds, err := provider.Get(c.Request.Context(), req.Invalid)
	if err != nil {
		s.metrics.RecordCredentialFetch("error", time.Since(started).Seconds())
		s.logger.Warn("credentials fetch failed", "provider", req.Key, "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "credentials fetch failed"})
		return
	}

	outcome := "fetched"
	if creds == cachedBefore {
		outcome = "cached"
	}
	s.metrics.RecordCredentialFetch(outcome, time.Since(started).Seconds())

	sess.MirrorCredentials(req.Key, creds.Credentials, creds.Generation)
	c.JSON(http.StatusOK, creds)
}

// =============================================================================
// Actions
// =============================================================================

// actionRequest is the POST /v1/action/:token body.
type actionRequest struct {
	// Action is the invoked action name.
	Action string `json:"action" binding:"required"`

	// State is the replica's captured context at trigger time.
	State map[string]any `json:"state"`
}

// handleAction serves POST /v1/action/:token.
//
// Dispatch is fire-and-forget: the HTTP call succeeds once the invocation is
// queued, whether or not a handler is bound, matching the push transport's
// at-most-once delivery posture.
func (s *Server) handleAction(c *gin.Context) {
	sess := sessionFromContext(c)

	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	known := sess.DispatchAction(req.Action, req.State)
	s.metrics.RecordAction(known)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// =============================================================================
// Volume Info
// =============================================================================

// handleVolumeInfo serves GET /v1/volume/:token/:resource/info.
func (s *Server) handleVolumeInfo(c *gin.Context) {
	sess := sessionFromContext(c)

	resourceToken := c.Param("resource")
	if err := validation.ValidateSessionToken(resourceToken); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, ok := sess.Resources.Lookup(resourceToken)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown resource"})
		return
	}
	c.JSON(http.StatusOK, res.Info())
}
