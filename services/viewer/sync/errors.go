// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sync

import "errors"

// ErrConcurrentModification indicates that a compare-and-swap write lost the
// race: the caller's claimed generation no longer matched the stored one.
//
// This error is expected and recoverable. Callers rebase onto the latest
// state and retry (RetryTxn does this in-process; the proposal endpoint
// surfaces it over the wire as a 412 so the replica can rebase). It is never
// retried automatically across the network.
var ErrConcurrentModification = errors.New("state was concurrently modified")
