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
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/mirrorscope/pkg/logging"
	"github.com/AleutianAI/mirrorscope/pkg/ux"
)

// Version is stamped by the build via -ldflags.
var Version = "dev"

// --- Global Command Variables ---
var (
	serverURL        string // Viewer base URL
	sessionToken     string // Session token for watch/propose
	clientID         string // Client identity for echo suppression
	personalityLevel string // UX personality level (full/minimal/machine)
	debugLogging     bool   // Protocol-level debug logging to stderr

	rootCmd = &cobra.Command{
		Use:   "mirrorscope",
		Short: "A cli for the Mirrorscope viewer-state sync server",
		Long: `Mirrorscope synchronizes viewer state between a server and any
number of connected clients. This CLI speaks the same protocol the
browser viewers do: watch a session's event stream, propose state
changes, or check server health.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize UX personality from flag or environment
			if personalityLevel != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
			} else {
				ux.InitPersonality()
			}

			level := logging.LevelWarn
			if debugLogging {
				level = logging.LevelDebug
			}
			slog.SetDefault(logging.New(logging.Config{
				Level:   level,
				Service: "mirrorscope-cli",
			}).Slog())

			if err := loadConfig(); err != nil {
				log.Fatalf("Error parsing config.yaml: %v", err)
			}
			applyConfigFallbacks()
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the mirrorscope CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
)

// applyConfigFallbacks resolves each global setting through the precedence
// chain: flag > environment > config file > default.
func applyConfigFallbacks() {
	if serverURL == "" {
		serverURL = os.Getenv("MIRRORSCOPE_SERVER")
	}
	if serverURL == "" {
		serverURL = config.Server
	}
	if serverURL == "" {
		serverURL = "http://localhost:12300"
	}

	if sessionToken == "" {
		sessionToken = os.Getenv("MIRRORSCOPE_SESSION")
	}
	if sessionToken == "" {
		sessionToken = config.Session
	}

	if clientID == "" {
		clientID = config.ClientID
	}
}

// requireSession is shared by commands that address a specific session.
func requireSession() error {
	if sessionToken == "" {
		return fmt.Errorf("no session token: pass --session, set MIRRORSCOPE_SESSION, or add one to ~/.mirrorscope/config.yaml")
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "",
		"Viewer base URL (default http://localhost:12300)")
	rootCmd.PersistentFlags().StringVarP(&sessionToken, "session", "s", "",
		"Session token")
	rootCmd.PersistentFlags().StringVar(&clientID, "client", "",
		"Client id used for echo suppression (default: minted per run)")
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full, minimal, machine")
	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false,
		"Log protocol-level detail to stderr")

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(proposeCmd)
	rootCmd.AddCommand(versionCmd)
}
