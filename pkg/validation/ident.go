// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for protocol identifiers.
//
// Session tokens, client ids, and provider keys all arrive from the network
// and are used in URL paths, generation strings, and map lookups. Validating
// them at the boundary keeps path traversal and delimiter injection out of
// the sync protocol.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// sessionTokenPattern matches session and resource tokens.
// Tokens are minted as 32-char hex but embedders may supply their own,
// so any URL-safe string of reasonable length is accepted.
var sessionTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)

// clientIDPattern matches replica client ids.
// Max length 64 keeps generation strings bounded.
var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// providerKeyPattern matches credential provider keys, e.g. "gcs", "boss-auth".
var providerKeyPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]{0,63}$`)

// ValidateSessionToken validates a session or resource token taken from a URL path.
//
// Returns an error if the token is empty, too short, too long, or contains
// characters outside [A-Za-z0-9_-].
func ValidateSessionToken(tok string) error {
	if tok == "" {
		return fmt.Errorf("token cannot be empty")
	}
	if !sessionTokenPattern.MatchString(tok) {
		return fmt.Errorf("invalid token format: %q (must be 8-128 URL-safe chars)", tok)
	}
	return nil
}

// ValidateClientID validates a replica's self-chosen client id.
//
// Client ids become the prefix of client-issued generations ("<id>/<counter>"),
// so a "/" inside the id would break the ownership prefix check. The pattern
// excludes it along with everything else non-URL-safe.
func ValidateClientID(id string) error {
	if id == "" {
		return fmt.Errorf("client id cannot be empty")
	}
	if strings.Contains(id, "/") {
		return fmt.Errorf("client id %q must not contain '/'", id)
	}
	if !clientIDPattern.MatchString(id) {
		return fmt.Errorf("invalid client id: %q (must be 1-64 URL-safe chars)", id)
	}
	return nil
}

// ValidateProviderKey validates a credential provider key.
func ValidateProviderKey(key string) error {
	if key == "" {
		return fmt.Errorf("provider key cannot be empty")
	}
	if !providerKeyPattern.MatchString(key) {
		return fmt.Errorf("invalid provider key: %q", key)
	}
	return nil
}
