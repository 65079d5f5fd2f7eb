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

import (
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
)

// State is the lifecycle state of one computation attempt.
type State string

// Computation states. Transitions are not_set -> computing -> one of the
// terminal four. Terminal rows never revert; retries are new rows.
const (
	StateNotSet    State = "not_set"
	StateComputing State = "computing"
	StateSuccess   State = "success"
	StateFailed    State = "failed"
	StateAbandoned State = "abandoned"
	StateCancelled State = "cancelled"
)

// Valid reports whether s is a recognized state.
func (s State) Valid() bool {
	switch s {
	case StateNotSet, StateComputing, StateSuccess, StateFailed, StateAbandoned, StateCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	switch s {
	case StateSuccess, StateFailed, StateAbandoned, StateCancelled:
		return true
	}
	return false
}

// Retryable reports whether a terminal state is eligible for the retry
// policy. Cancellation is operator intent and never retried.
func (s State) Retryable() bool {
	return s == StateFailed || s == StateAbandoned
}

// Execution is one persisted instance of a graph.
//
// Description:
//
//	Revision is a monotone counter bumped on every value change: input
//	sets, computed results, mutations, scheduled pulses. ArchivedAt marks
//	the execution logically hidden; archived executions take no new work
//	but are never deleted by the engine.
//
//	Values and Computations are populated by Load and left nil by the
//	operations that return only the execution row.
type Execution struct {
	ID           string
	GraphName    string
	GraphVersion string
	GraphHash    string
	ArchivedAt   *time.Time
	Revision     int64
	InsertedAt   time.Time
	UpdatedAt    time.Time

	Values       []*Value
	Computations []*Computation
}

// Archived reports whether the execution is logically hidden.
func (e *Execution) Archived() bool {
	return e.ArchivedAt != nil
}

// Value returns the loaded value row for a node, or nil.
func (e *Execution) Value(node string) *Value {
	for _, v := range e.Values {
		if v.NodeName == node {
			return v
		}
	}
	return nil
}

// LatestComputation returns the most recent attempt row for a node, or nil
// when the node has none. Recency is row id: attempts are append-only.
func (e *Execution) LatestComputation(node string) *Computation {
	var latest *Computation
	for _, c := range e.Computations {
		if c.NodeName != node {
			continue
		}
		if latest == nil || c.ID > latest.ID {
			latest = c
		}
	}
	return latest
}

// ValueViews builds the read-only snapshot map gates and compute functions
// evaluate against.
func (e *Execution) ValueViews() map[string]graph.ValueView {
	views := make(map[string]graph.ValueView, len(e.Values))
	for _, v := range e.Values {
		views[v.NodeName] = v.View()
	}
	return views
}

// Value is one persisted value node: one row per (execution, node), plus
// the synthetic execution_id and last_updated_at rows.
//
// Description:
//
//	NodeValue is the JSON-decoded payload, nil until set or when the
//	payload is a deliberate null. SetTime (epoch seconds) is nil until the
//	first set; a nil payload with a non-nil SetTime still counts as set.
//	ExRevision records the execution revision at which this value last
//	changed (0 = never).
type Value struct {
	ID          int64
	ExecutionID string
	NodeName    string
	NodeType    graph.NodeKind
	NodeValue   any
	Metadata    map[string]any
	SetTime     *int64
	ExRevision  int64
	InsertedAt  time.Time
	UpdatedAt   time.Time
}

// Set reports whether the value has been set.
func (v *Value) Set() bool {
	return v.SetTime != nil
}

// View converts the row into the snapshot form predicates consume.
func (v *Value) View() graph.ValueView {
	return graph.ValueView{
		Node:     v.NodeName,
		Kind:     v.NodeType,
		Value:    v.NodeValue,
		Metadata: v.Metadata,
		SetTime:  v.SetTime,
		Revision: v.ExRevision,
	}
}

// Computation is one attempt at computing a non-input node.
//
// Description:
//
//	ComputedWith maps upstream node name to the ex_revision observed at
//	claim time; a success row is stale once any upstream value's current
//	ex_revision exceeds its snapshot entry. Deadline is the absolute hard
//	abandonment time; HeartbeatDeadline advances on every heartbeat.
type Computation struct {
	ID                     int64
	ExecutionID            string
	NodeName               string
	Type                   graph.NodeKind
	State                  State
	ExRevisionAtStart      *int64
	ExRevisionAtCompletion *int64
	ScheduledTime          *time.Time
	StartTime              *time.Time
	CompletionTime         *time.Time
	Deadline               *time.Time
	LastHeartbeatAt        *time.Time
	HeartbeatDeadline      *time.Time
	ErrorDetails           *string
	ComputedWith           map[string]int64
	InsertedAt             time.Time
	UpdatedAt              time.Time
}

// SweepRun is the audit row one sweep pass writes: started on entry,
// completed on exit. CompletedAt stays nil while the pass is in flight. The
// per-type run throttle reads the most recent row.
type SweepRun struct {
	ID                  int64
	SweepType           string
	StartedAt           time.Time
	CompletedAt         *time.Time
	ExecutionsProcessed int
	InsertedAt          time.Time
	UpdatedAt           time.Time
}

// NodeSeed names one graph node to materialize at execution creation.
type NodeSeed struct {
	Name string
	Type graph.NodeKind
}

// NodeRef identifies one node of one execution, as returned by the sweep
// finder queries.
type NodeRef struct {
	ExecutionID string
	Node        string
	Type        graph.NodeKind
}

// CompletionRequest carries everything needed to finish a claimed
// computation in one transaction.
//
// Description:
//
//	State must be terminal. On success the computed Value is persisted to
//	the node itself, or to MutateTarget for mutate kinds (the step's own
//	row then records an "updated <target>" marker). Failed completions
//	persist ErrorDetails instead. UpdateRevisionOnChange forces a revision
//	bump even when the persisted value is unchanged.
type CompletionRequest struct {
	ComputationID          int64
	ExecutionID            string
	Node                   string
	Type                   graph.NodeKind
	State                  State
	Value                  any
	Metadata               map[string]any
	ErrorDetails           string
	MutateTarget           string
	UpdateRevisionOnChange bool
}

// CompletionResult reports what a completion changed.
type CompletionResult struct {
	// Execution is the fresh execution row after the completion, without
	// values or computations loaded.
	Execution *Execution

	// ValueChanged is true when the persisted payload differed from the
	// stored one and the revision was bumped.
	ValueChanged bool

	// Revision is the execution revision after the completion.
	Revision int64
}

// ValueFilter is one predicate of a ListExecutions query, applied to a
// value node of each candidate execution.
type ValueFilter struct {
	Node  string
	Op    FilterOp
	Value any
}

// FilterOp enumerates the comparison operators ListExecutions supports.
type FilterOp string

// Filter operators. Comparison operators apply to set values only;
// OpIsNotSet matches executions where the node is absent or unset.
const (
	OpEq           FilterOp = "eq"
	OpNeq          FilterOp = "neq"
	OpLt           FilterOp = "lt"
	OpLte          FilterOp = "lte"
	OpGt           FilterOp = "gt"
	OpGte          FilterOp = "gte"
	OpContains     FilterOp = "contains"
	OpIContains    FilterOp = "icontains"
	OpListContains FilterOp = "list_contains"
	OpIsSet        FilterOp = "is_set"
	OpIsNotSet     FilterOp = "is_not_set"
)

// Valid reports whether op is a recognized filter operator.
func (op FilterOp) Valid() bool {
	switch op {
	case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte,
		OpContains, OpIContains, OpListContains, OpIsSet, OpIsNotSet:
		return true
	}
	return false
}

// Sort columns accepted by ListOptions.SortBy.
const (
	SortInsertedAt = "inserted_at"
	SortUpdatedAt  = "updated_at"
	SortRevision   = "revision"
)

// ListOptions shapes ListExecutions and CountExecutions queries.
type ListOptions struct {
	GraphName    string
	GraphVersion string

	// IncludeArchived includes logically hidden executions.
	IncludeArchived bool

	ValueFilters []ValueFilter

	// SortBy is one of the Sort* columns; empty means inserted_at.
	SortBy   string
	SortDesc bool

	// Limit defaults to 100 and is capped at 1000. Offset pages.
	Limit  int
	Offset int
}
