// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import "errors"

// Sentinel errors for the storage package.
var (
	// ErrExecutionNotFound is returned when no execution row matches the id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrValueNotFound is returned when an execution has no value row for
	// the named node.
	ErrValueNotFound = errors.New("value node not found")

	// ErrComputationNotFound is returned when no computation row matches.
	ErrComputationNotFound = errors.New("computation not found")

	// ErrAlreadyExists maps unique-constraint violations, e.g. starting an
	// execution with an id that is already taken.
	ErrAlreadyExists = errors.New("row already exists")

	// ErrClaimLost is returned when a heartbeat or completion finds the
	// computation row no longer in computing state under this claim. The
	// worker must stop; another actor owns the node's fate now.
	ErrClaimLost = errors.New("computation claim lost")

	// ErrAlreadyArchived is returned when archiving an archived execution.
	ErrAlreadyArchived = errors.New("execution already archived")

	// ErrNotArchived is returned when unarchiving a live execution.
	ErrNotArchived = errors.New("execution not archived")

	// ErrBadFilter is returned for a list filter with an unknown operator
	// or a value the operator cannot apply to.
	ErrBadFilter = errors.New("invalid value filter")

	// ErrBadSort is returned for an unrecognized sort column.
	ErrBadSort = errors.New("invalid sort column")

	// ErrNotTerminal is returned when a completion request carries a
	// non-terminal state.
	ErrNotTerminal = errors.New("completion state must be terminal")

	// ErrAlreadyTerminal is returned when cancelling a computation that
	// already reached a terminal state.
	ErrAlreadyTerminal = errors.New("computation already terminal")
)
