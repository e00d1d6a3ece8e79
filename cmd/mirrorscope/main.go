// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command mirrorscope is the CLI companion to the viewer sync server.
//
// It talks the same protocol browser viewers do: it can watch a session's
// event stream, propose state changes with the compare-and-set handshake,
// and check server health.
//
// # Usage
//
//	mirrorscope health
//	mirrorscope watch --session <token>
//	mirrorscope propose --session <token> --file state.json
package main

import (
	"errors"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds CLI settings read from ~/.mirrorscope/config.yaml.
//
// Every field is optional; flags and environment variables take precedence.
type Config struct {
	// Server is the viewer base URL, e.g. "http://localhost:12300".
	Server string `yaml:"server"`

	// Session is the default session token used when --session is omitted.
	Session string `yaml:"session"`

	// ClientID identifies this CLI in the echo-suppression protocol.
	// Empty mints a fresh one per invocation.
	ClientID string `yaml:"client_id"`
}

var config Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

// loadConfig reads ~/.mirrorscope/config.yaml if it exists. A missing file
// is fine; a malformed one is not.
func loadConfig() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	configPath := filepath.Join(home, ".mirrorscope", "config.yaml")
	yamlFile, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(yamlFile, &config)
}
