// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server implements the HTTP surface of the sync protocol: the SSE
// event stream, the CAS proposal endpoint, credentials, actions, and volume
// info, plus health and metrics.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/mirrorscope/services/viewer/credentials"
	"github.com/AleutianAI/mirrorscope/services/viewer/observability"
	"github.com/AleutianAI/mirrorscope/services/viewer/session"
)

// DefaultKeepAliveInterval is the SSE comment cadence used when the config
// leaves it zero. 15s stays under the common 60s load balancer idle timeout.
const DefaultKeepAliveInterval = 15 * time.Second

// SessionResolver resolves session tokens from request paths. Implemented by
// the service root's session registry.
type SessionResolver interface {
	Get(token string) (*session.Session, bool)
}

// Config wires the server's collaborators.
type Config struct {
	// Sessions resolves path tokens to live sessions. Required.
	Sessions SessionResolver

	// Credentials serves the credentials endpoint. Required.
	Credentials *credentials.Manager

	// Metrics records protocol metrics. Required.
	Metrics *observability.SyncMetrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// KeepAliveInterval is the SSE comment cadence. Zero applies
	// DefaultKeepAliveInterval.
	KeepAliveInterval time.Duration
}

// Server owns the protocol handlers.
type Server struct {
	sessions  SessionResolver
	creds     *credentials.Manager
	metrics   *observability.SyncMetrics
	logger    *slog.Logger
	keepAlive time.Duration
}

// New creates a server from cfg.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keepAlive := cfg.KeepAliveInterval
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAliveInterval
	}
	return &Server{
		sessions:  cfg.Sessions,
		creds:     cfg.Credentials,
		metrics:   cfg.Metrics,
		logger:    logger,
		keepAlive: keepAlive,
	}
}

// SetupRoutes registers every endpoint on router.
func (s *Server) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1", s.resolveSession())
	{
		v1.GET("/events/:token", s.handleEvents)
		v1.POST("/state/:token", s.handleProposal)
		v1.POST("/credentials/:token", s.handleCredentials)
		v1.POST("/action/:token", s.handleAction)
		v1.GET("/volume/:token/:resource/info", s.handleVolumeInfo)
	}
}

// handleHealth reports liveness.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
