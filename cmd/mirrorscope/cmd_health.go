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
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/mirrorscope/pkg/ux"
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// healthCmd checks whether the viewer server is reachable.
//
// # Examples
//
//	mirrorscope health
//	mirrorscope health --server http://viewer.internal:12300
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the viewer server is up",
	Run:   runHealthCommand,
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runHealthCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := newSyncClient(serverURL)
	if err := client.Health(ctx); err != nil {
		ux.Error("viewer unreachable: " + err.Error())
		os.Exit(1)
	}
	ux.Success("viewer healthy at " + serverURL)
}
