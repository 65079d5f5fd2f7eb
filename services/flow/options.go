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

import "time"

// DefaultWaitTimeout bounds Get waits that do not pass WithTimeout.
const DefaultWaitTimeout = 30 * time.Second

// waitPollInterval paces the Get wait loop. Four probes a second keeps
// set-to-observe latency low without turning waits into value-table load.
const waitPollInterval = 250 * time.Millisecond

// SetOption tunes a Set or SetMany call.
type SetOption func(*setConfig)

type setConfig struct {
	metadata map[string]any
}

// WithMetadata attaches an opaque metadata map to the written value rows.
// SetMany applies the same map to every node in the batch.
func WithMetadata(md map[string]any) SetOption {
	return func(c *setConfig) { c.metadata = md }
}

// GetOption tunes a Get call. Without a wait option Get probes once and
// returns ErrNotSet when the node holds no value.
type GetOption func(*getConfig)

type waitMode int

const (
	waitNone waitMode = iota
	waitAny
	waitNewer
	waitForRevision
)

type getConfig struct {
	mode     waitMode
	revision int64
	timeout  time.Duration
}

// WaitAny blocks until the node holds a set value, whatever its revision.
func WaitAny() GetOption {
	return func(c *getConfig) { c.mode = waitAny }
}

// WaitNewer blocks until the node holds a value set after the call began:
// the value's ex_revision must exceed the execution revision observed on
// entry.
func WaitNewer() GetOption {
	return func(c *getConfig) { c.mode = waitNewer }
}

// WaitForRevision blocks until the node holds a value with ex_revision at
// least rev.
func WaitForRevision(rev int64) GetOption {
	return func(c *getConfig) {
		c.mode = waitForRevision
		c.revision = rev
	}
}

// WithTimeout caps how long a wait option blocks before ErrWaitTimeout.
// Defaults to DefaultWaitTimeout.
func WithTimeout(d time.Duration) GetOption {
	return func(c *getConfig) { c.timeout = d }
}

// ValueResult is the answer to a Get: the decoded payload, its metadata,
// and the execution revision at which the value was last set.
type ValueResult struct {
	Value    any
	Metadata map[string]any
	Revision int64
}
