// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/mirrorscope/pkg/token"
	"github.com/AleutianAI/mirrorscope/pkg/ux"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	proposeFile       string // JSON state file, "-" for stdin
	proposeAttempts   int    // Max compare-and-set attempts
	proposeGeneration string // Generation to base the first attempt on
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// proposeCmd replaces a session's shared state.
//
// # Description
//
// Sends the state through the same compare-and-set handshake viewers use.
// The first attempt is based on --generation (or a stale placeholder); each
// 412 conflict returns the server's current generation, and the proposal is
// rebased onto it and retried. Concurrent writers can still win a round,
// so attempts are bounded.
//
// # Examples
//
//	mirrorscope propose -s <token> --file state.json
//	cat state.json | mirrorscope propose -s <token> --file -
var proposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Propose a replacement shared state for a session",
	Run:   runProposeCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	proposeCmd.Flags().StringVarP(&proposeFile, "file", "f", "",
		"JSON state file to propose (\"-\" reads stdin)")
	proposeCmd.Flags().IntVar(&proposeAttempts, "attempts", 5,
		"Max compare-and-set attempts before giving up")
	proposeCmd.Flags().StringVar(&proposeGeneration, "generation", "",
		"Generation to base the first attempt on (default: learn from the first conflict)")
	_ = proposeCmd.MarkFlagRequired("file")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runProposeCommand(cmd *cobra.Command, args []string) {
	if err := requireSession(); err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	if clientID == "" {
		clientID = token.RandomWithPrefix("cli")
	}

	state, err := readProposedState(proposeFile)
	if err != nil {
		ux.Error("read state: " + err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	client := newSyncClient(serverURL)

	// An unknown base generation never matches, so the first attempt doubles
	// as a fetch: the conflict response carries the current generation.
	prevGeneration := proposeGeneration
	if prevGeneration == "" {
		prevGeneration = "unknown"
	}

	for attempt := 1; attempt <= proposeAttempts; attempt++ {
		result, err := client.Propose(ctx, sessionToken, clientID, uint64(attempt), prevGeneration, state)
		if err != nil {
			ux.Error("proposal failed: " + err.Error())
			os.Exit(1)
		}
		if result.Applied {
			ux.Success("state adopted")
			ux.KeyValue("generation", result.Generation)
			return
		}

		ux.Muted(fmt.Sprintf("conflict on attempt %d, rebasing onto %s", attempt, result.Generation))
		prevGeneration = result.Generation
	}

	ux.Error(fmt.Sprintf("gave up after %d attempts; the session has faster writers", proposeAttempts))
	os.Exit(1)
}

// readProposedState loads and validates the JSON state payload.
func readProposedState(path string) (any, error) {
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}

	var state any
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("not valid JSON: %w", err)
	}
	return state, nil
}
