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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/mirrorscope/pkg/token"
	"github.com/AleutianAI/mirrorscope/pkg/ux"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	watchReconnect bool // Reconnect and resume after stream drops
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// watchCmd tails a session's event stream.
//
// # Description
//
// Connects to the session's SSE endpoint and prints every state frame the
// server pushes: the state key ("c" for config, "s" for shared), the
// generation that produced it, and the state itself. On disconnect the
// stream is resumed past the generations already seen, so nothing is
// printed twice.
//
// # Examples
//
//	mirrorscope watch --session <token>
//	mirrorscope watch -s <token> --personality machine | jq
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail a session's state frames as the server pushes them",
	Run:   runWatchCommand,
}

// =============================================================================
// COMMAND INITIALIZATION
// =============================================================================

func init() {
	watchCmd.Flags().BoolVar(&watchReconnect, "reconnect", true,
		"Reconnect and resume when the stream drops")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

// watchedFrame mirrors the SSE data payload.
type watchedFrame struct {
	Key        string          `json:"k"`
	State      json.RawMessage `json:"s"`
	Generation string          `json:"g"`
}

func runWatchCommand(cmd *cobra.Command, args []string) {
	if err := requireSession(); err != nil {
		ux.Error(err.Error())
		os.Exit(1)
	}
	if clientID == "" {
		clientID = token.RandomWithPrefix("cli")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := newSyncClient(serverURL)
	ux.Muted(fmt.Sprintf("watching session %s as %s (ctrl-c to stop)", sessionToken, clientID))

	var lastConfig, lastShared string
	for {
		err := streamEvents(ctx, client, &lastConfig, &lastShared)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			ux.Warning("stream dropped: " + err.Error())
		}
		if !watchReconnect {
			os.Exit(1)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// streamEvents runs one SSE connection, updating the resume generations as
// frames arrive. Returns when the stream ends or ctx is cancelled.
func streamEvents(ctx context.Context, client *syncClient, lastConfig, lastShared *string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		client.eventsURL(sessionToken, clientID, *lastConfig, *lastShared), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout: the stream stays open indefinitely.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	slog.Debug("event stream connected",
		"session", sessionToken, "resume_config", *lastConfig, "resume_shared", *lastShared)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue // keepalive comments and blank separators
		}

		var frame watchedFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			ux.Warning("unparseable frame: " + err.Error())
			continue
		}
		switch frame.Key {
		case "c":
			*lastConfig = frame.Generation
		case "s":
			*lastShared = frame.Generation
		}
		ux.Event(frame.Key, frame.Generation, string(frame.State))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
