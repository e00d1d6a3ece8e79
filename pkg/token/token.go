// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package token mints the opaque identifiers used throughout Mirrorscope:
// session tokens, state generations, resource references, and screenshot ids.
//
// Tokens are random, not ordered. Equality is the only operation protocol
// code performs on them, so collision resistance is the only correctness
// requirement. 128 bits of crypto/rand entropy is far beyond what any
// realistic session count can collide.
package token

import (
	"crypto/rand"
	"encoding/hex"
)

// byteLen is the entropy per token. 16 bytes hex-encodes to 32 characters.
const byteLen = 16

// Random returns a fresh 32-character lowercase hex token.
//
// crypto/rand.Read only fails when the platform entropy source is broken,
// which is not a condition this process can continue from; it panics rather
// than returning an error every call site would have to invent handling for.
func Random() string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("token: system entropy unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// RandomWithPrefix returns "<prefix>-<token>" for ids where the kind should
// be legible in logs, e.g. "shot-3f9a…" or "vol-77b2…".
func RandomWithPrefix(prefix string) string {
	return prefix + "-" + Random()
}
