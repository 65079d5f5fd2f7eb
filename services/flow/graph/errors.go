// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors for the graph package.
var (
	// ErrNilNode is returned when a nil node is added to a builder.
	ErrNilNode = errors.New("node must not be nil")

	// ErrDuplicateNode is returned when adding a node with an existing name.
	ErrDuplicateNode = errors.New("node with this name already exists")

	// ErrReservedNode is returned when a graph declares a reserved node name.
	ErrReservedNode = errors.New("node name is reserved")

	// ErrNodeNotFound is returned when a referenced node doesn't exist.
	ErrNodeNotFound = errors.New("node not found")

	// ErrEmptyGraph is returned when building a graph with no nodes.
	ErrEmptyGraph = errors.New("graph has no nodes")

	// ErrMissingCompute is returned when a non-input node has no compute function.
	ErrMissingCompute = errors.New("node has no compute function")

	// ErrInvalidKind is returned for an unrecognized node kind.
	ErrInvalidKind = errors.New("invalid node kind")

	// ErrBadMutateTarget is returned when a mutate node targets a missing or self node.
	ErrBadMutateTarget = errors.New("mutate target must reference another existing node")

	// ErrMutateRevisionCycle is returned when a revision-bumping mutation targets
	// a node inside its own gate, which would re-trigger itself forever.
	ErrMutateRevisionCycle = errors.New("revision-bumping mutation targets a node in its own gate")

	// ErrCycleDetected is returned when the dependency graph contains a cycle.
	ErrCycleDetected = errors.New("cycle detected in graph")

	// ErrHeartbeatConfig is returned when heartbeat timings violate the
	// interval >= 30s and interval <= timeout/2 constraints.
	ErrHeartbeatConfig = errors.New("invalid heartbeat configuration")

	// ErrAlreadyRegistered is returned when registering a (name, version) pair twice.
	ErrAlreadyRegistered = errors.New("graph already registered")

	// ErrVersionWithoutName is returned when listing by version with no name.
	ErrVersionWithoutName = errors.New("cannot list by version without a name")
)

// NodeError wraps an error with the node that caused it.
type NodeError struct {
	NodeName string
	Err      error
}

// Error returns the error message.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q: %v", e.NodeName, e.Err)
}

// Unwrap returns the underlying error.
func (e *NodeError) Unwrap() error {
	return e.Err
}

// NewNodeError creates a NodeError.
func NewNodeError(nodeName string, err error) *NodeError {
	return &NodeError{
		NodeName: nodeName,
		Err:      err,
	}
}

// CycleError provides details about a detected cycle.
type CycleError struct {
	Path []string
}

// Error returns the cycle description.
func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %v", e.Path)
}

// Unwrap lets callers match with errors.Is(err, ErrCycleDetected).
func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// NewCycleError creates a CycleError.
func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}
