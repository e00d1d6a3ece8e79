// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package credentials

import (
	"context"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
)

// =============================================================================
// TokenFetcher
// =============================================================================

// TokenFetcher serves a fixed bearer token held in a memguard Enclave.
//
// The plaintext token lives in sealed memory for the fetcher's lifetime and
// is opened only for the duration of each fetch, so a heap dump between
// requests does not expose it. Used for embedders that hand Mirrorscope a
// long-lived service token at startup.
type TokenFetcher struct {
	tokenType string
	enclave   *memguard.Enclave
}

// NewTokenFetcher seals token into an enclave. The caller's copy should be
// discarded after this returns.
func NewTokenFetcher(tokenType, token string) *TokenFetcher {
	return &TokenFetcher{
		tokenType: tokenType,
		enclave:   memguard.NewEnclave([]byte(token)),
	}
}

// Fetch implements Fetcher.
func (f *TokenFetcher) Fetch(_ context.Context) (map[string]any, error) {
	buf, err := f.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open token enclave: %w", err)
	}
	defer buf.Destroy()

	// The blob holds a plain string copy: it is about to be cached and
	// serialized to the replica anyway, sealing stops at this boundary.
	return map[string]any{
		"tokenType":   f.tokenType,
		"accessToken": string(buf.Bytes()),
	}, nil
}

// =============================================================================
// EnvFetcher
// =============================================================================

// EnvFetcher reads a bearer token from a named environment variable at
// fetch time, so rotated values are picked up on the next invalidation.
type EnvFetcher struct {
	tokenType string
	variable  string
}

// NewEnvFetcher creates a fetcher reading the given environment variable.
func NewEnvFetcher(tokenType, variable string) *EnvFetcher {
	return &EnvFetcher{tokenType: tokenType, variable: variable}
}

// Fetch implements Fetcher.
func (f *EnvFetcher) Fetch(_ context.Context) (map[string]any, error) {
	value := os.Getenv(f.variable)
	if value == "" {
		return nil, fmt.Errorf("environment variable %s is not set", f.variable)
	}
	return map[string]any{
		"tokenType":   f.tokenType,
		"accessToken": value,
	}, nil
}

// =============================================================================
// Built-in Factories
// =============================================================================

// RegisterBuiltinFactories installs the factories every deployment gets:
//
//   - "env": parameters {"variable": "NAME", "tokenType": "Bearer"}
//
// Token-based factories are registered by the embedder, which holds the
// secret; there is no sensible zero-config default for them.
func RegisterBuiltinFactories(m *Manager) {
	m.RegisterFactory("env", func(parameters any) (Fetcher, error) {
		params, _ := parameters.(map[string]any)
		variable, _ := params["variable"].(string)
		if variable == "" {
			return nil, fmt.Errorf("env provider requires a \"variable\" parameter")
		}
		tokenType, _ := params["tokenType"].(string)
		if tokenType == "" {
			tokenType = "Bearer"
		}
		return NewEnvFetcher(tokenType, variable), nil
	})
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var (
	_ Fetcher = (*TokenFetcher)(nil)
	_ Fetcher = (*EnvFetcher)(nil)
)
