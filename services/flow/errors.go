// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flow

import "errors"

// Sentinel errors for the engine facade.
var (
	// ErrGraphNotRegistered is returned when an operation names a graph
	// the catalog does not hold.
	ErrGraphNotRegistered = errors.New("graph not registered")

	// ErrUnknownNode is returned when an operation names a node the
	// execution's graph does not declare. The message enumerates the
	// valid choices.
	ErrUnknownNode = errors.New("unknown node")

	// ErrNotInput is returned when Set or Unset targets a computed node.
	ErrNotInput = errors.New("node is not an input")

	// ErrNotSet is returned by Get when the value has never been set (or
	// was unset) and no wait condition was satisfied.
	ErrNotSet = errors.New("value not set")

	// ErrComputationFailed is returned by Get when the node's computation
	// failed terminally with its retry budget exhausted.
	ErrComputationFailed = errors.New("computation failed")

	// ErrWaitTimeout is returned by Get when a wait option's deadline
	// passes before the condition holds.
	ErrWaitTimeout = errors.New("wait timed out")

	// ErrNotRetryable is returned by RetryNode when the node's latest
	// computation is not a terminal failure.
	ErrNotRetryable = errors.New("node is not in a retryable state")
)
