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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// syncClient is a thin HTTP client for the viewer sync protocol.
type syncClient struct {
	baseURL string
	http    *http.Client
}

func newSyncClient(server string) *syncClient {
	return &syncClient{
		baseURL: strings.TrimRight(server, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Health checks GET /healthz.
func (c *syncClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}

// proposalResult is the outcome of one proposal attempt.
type proposalResult struct {
	// Applied is true when the server adopted the proposal (HTTP 200).
	Applied bool

	// Generation is the adopted generation on success, or the server's
	// current generation on conflict.
	Generation string

	// CurrentState is the server's state on conflict (HTTP 412).
	CurrentState any
}

// Propose performs one compare-and-set attempt against the shared state.
//
// # Inputs
//
//   - prevGeneration: the generation this proposal is based on
//   - counter: the per-client change counter; the adopted generation
//     becomes "<clientID>/<counter>"
//   - state: the full replacement state
//
// # Outputs
//
// A proposalResult, or an error for transport failures and malformed
// requests. A 412 conflict is a normal result, not an error.
func (c *syncClient) Propose(ctx context.Context, session, client string, counter uint64, prevGeneration string, state any) (*proposalResult, error) {
	body, err := json.Marshal(map[string]any{
		"pg": prevGeneration,
		"g":  counter,
		"s":  state,
		"c":  client,
	})
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/v1/state/%s", c.baseURL, url.PathEscape(session))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var ok struct {
			Generation string `json:"g"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&ok); err != nil {
			return nil, fmt.Errorf("decode proposal response: %w", err)
		}
		return &proposalResult{Applied: true, Generation: ok.Generation}, nil

	case http.StatusPreconditionFailed:
		var conflict struct {
			State      any    `json:"s"`
			Generation string `json:"g"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&conflict); err != nil {
			return nil, fmt.Errorf("decode conflict response: %w", err)
		}
		return &proposalResult{
			Applied:      false,
			Generation:   conflict.Generation,
			CurrentState: conflict.State,
		}, nil

	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("proposal rejected: %s: %s", resp.Status, strings.TrimSpace(string(detail)))
	}
}

// eventsURL builds the SSE endpoint for a session. lastConfig/lastShared
// resume the stream past generations already seen.
func (c *syncClient) eventsURL(session, client, lastConfig, lastShared string) string {
	q := url.Values{}
	q.Set("c", client)
	if lastConfig != "" {
		q.Set("gc", lastConfig)
	}
	if lastShared != "" {
		q.Set("gs", lastShared)
	}
	return fmt.Sprintf("%s/v1/events/%s?%s", c.baseURL, url.PathEscape(session), q.Encode())
}
