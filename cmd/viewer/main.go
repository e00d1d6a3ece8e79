// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command viewer starts the Mirrorscope viewer-state synchronization server.
//
// This is the main entry point for the containerized viewer service. It
// reads configuration from environment variables, creates a default session,
// and serves the sync protocol until SIGINT/SIGTERM.
//
// # Environment Variables
//
//   - VIEWER_PORT: HTTP server port (default: 12300)
//   - VIEWER_STATE_FILE: JSON file mirrored into the default session (optional)
//   - VIEWER_KEEPALIVE_MS: SSE keepalive cadence in milliseconds (default: 15000)
//   - VIEWER_SESSION_TOKEN: fixed default session token (default: minted)
//   - VIEWER_ALLOW_CREDENTIALS: "true"/"false" credential endpoint override
//   - VIEWER_LOG_LEVEL: debug, info, warn, error (default: info)
//   - VIEWER_LOG_DIR: directory for JSON log files (optional)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (optional)
//   - GIN_MODE: debug, release, or test
//
// # Usage
//
//	# Build
//	go build -o viewer ./cmd/viewer
//
//	# Run
//	VIEWER_PORT=12300 ./viewer
package main

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/AleutianAI/mirrorscope/pkg/logging"
	"github.com/AleutianAI/mirrorscope/services/viewer"
)

func main() {
	// Setup structured logging
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("VIEWER_LOG_LEVEL")),
		LogDir:  os.Getenv("VIEWER_LOG_DIR"),
		Service: "viewer",
		JSON:    true,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	// Build configuration from environment variables
	cfg := viewer.Config{
		Port:                getEnvInt("VIEWER_PORT", 12300),
		StateFile:           os.Getenv("VIEWER_STATE_FILE"),
		KeepAliveInterval:   time.Duration(getEnvInt("VIEWER_KEEPALIVE_MS", 15000)) * time.Millisecond,
		DefaultSessionToken: os.Getenv("VIEWER_SESSION_TOKEN"),
		OTelEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		GinMode:             os.Getenv("GIN_MODE"),
	}
	if raw := os.Getenv("VIEWER_ALLOW_CREDENTIALS"); raw != "" {
		allow := raw == "true" || raw == "1"
		cfg.AllowCredentials = &allow
	}

	slog.Info("starting viewer",
		"port", cfg.Port,
		"state_file", cfg.StateFile,
		"otel_endpoint", cfg.OTelEndpoint,
	)

	svc, err := viewer.New(cfg, &viewer.Options{Logger: logger.Slog()})
	if err != nil {
		log.Fatalf("Failed to create viewer: %v", err)
	}

	// Run the server (blocks until shutdown)
	if err := svc.Run(); err != nil {
		log.Fatalf("Viewer error: %v", err)
	}
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
