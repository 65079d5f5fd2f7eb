// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph defines the computation-graph model: nodes, gates,
// validation, content hashing and the in-process catalog.
//
// A Graph is declared once in application code and registered with a
// Catalog. Executions of a graph are persisted and driven elsewhere; this
// package is purely the in-memory declaration and its invariants.
package graph

import (
	"context"
	"encoding/json"
	"time"
)

// NodeKind discriminates the node flavors a graph can hold.
type NodeKind string

// Node kinds.
const (
	KindInput         NodeKind = "input"
	KindCompute       NodeKind = "compute"
	KindMutate        NodeKind = "mutate"
	KindTickOnce      NodeKind = "tick_once"
	KindTickRecurring NodeKind = "tick_recurring"
	KindArchive       NodeKind = "archive"
)

// Valid reports whether k is a recognized node kind.
func (k NodeKind) Valid() bool {
	switch k {
	case KindInput, KindCompute, KindMutate, KindTickOnce, KindTickRecurring, KindArchive:
		return true
	}
	return false
}

// IsSchedule reports whether k is a schedule-producing kind. Schedule nodes
// hold an epoch-second pulse as their value, and count as provided only
// once that pulse time has arrived.
func (k NodeKind) IsSchedule() bool {
	return k == KindTickOnce || k == KindTickRecurring
}

// Reserved synthetic node names, present on every execution.
const (
	// NodeExecutionID holds the execution's own id as a value node.
	NodeExecutionID = "execution_id"

	// NodeLastUpdatedAt holds the epoch seconds of the latest value change.
	NodeLastUpdatedAt = "last_updated_at"
)

// reservedNames are node names a graph may not declare itself.
var reservedNames = map[string]bool{
	NodeExecutionID:   true,
	NodeLastUpdatedAt: true,
}

// Reserved reports whether name is a synthetic node the engine maintains.
func Reserved(name string) bool {
	return reservedNames[name]
}

// Default step tuning, applied by Build when a step leaves them zero.
const (
	DefaultMaxRetries        = 3
	DefaultAbandonAfter      = 30 * time.Minute
	DefaultHeartbeatInterval = 60 * time.Second
	DefaultHeartbeatTimeout  = 300 * time.Second

	// MinHeartbeatInterval is the lowest interval Build accepts. Anything
	// faster turns the liveness table into write traffic.
	MinHeartbeatInterval = 30 * time.Second
)

// ValueView is the read-only snapshot of one value node, as predicates and
// compute functions see it.
//
// Description:
//
//	The engine materializes a ValueView per node from the persisted row.
//	Value is the JSON-decoded payload (nil when unset or deliberately
//	null); SetTime is nil until the node has been set at least once.
//
// Thread Safety:
//
//	ValueView is a value type; copies are independent.
type ValueView struct {
	Node     string
	Kind     NodeKind
	Value    any
	Metadata map[string]any
	SetTime  *int64
	Revision int64
}

// Set reports whether this value node has been set. A null payload with a
// non-nil SetTime still counts as set.
func (v ValueView) Set() bool {
	return v.SetTime != nil
}

// Values is the argument map handed to compute functions: one ValueView per
// upstream node named in the step's gate.
type Values map[string]ValueView

// Get returns the payload of an upstream node and whether the node is set.
func (vs Values) Get(node string) (any, bool) {
	v, ok := vs[node]
	if !ok || !v.Set() {
		return nil, false
	}
	return v.Value, true
}

// String returns the payload of an upstream node as a string, or "" when
// unset or not a string.
func (vs Values) String(node string) string {
	raw, ok := vs.Get(node)
	if !ok {
		return ""
	}
	s, _ := raw.(string)
	return s
}

// Float returns the payload of an upstream node as a float64. JSON numbers
// decode as float64; integer payloads stored by Go callers convert too.
func (vs Values) Float(node string) (float64, bool) {
	raw, ok := vs.Get(node)
	if !ok {
		return 0, false
	}
	return asFloat(raw)
}

// Metadata returns the metadata map of an upstream node, or nil.
func (vs Values) Metadata(node string) map[string]any {
	return vs[node].Metadata
}

// ComputeFunc is the user function a step runs. Returning a non-nil error
// marks the computation failed with the error text persisted. For schedule
// kinds the returned value must be an absolute epoch-second pulse time.
type ComputeFunc func(ctx context.Context, vals Values) (any, error)

// SavedValue describes a value that was just persisted, handed to save
// callbacks.
type SavedValue struct {
	ExecutionID string
	Node        string
	Value       any
	Revision    int64
}

// SaveFunc is an optional callback invoked after a computed value is
// persisted. Callbacks are best-effort: panics and long stalls are the
// callback's problem, the persisted state is already final.
type SaveFunc func(ctx context.Context, saved SavedValue)

// Predicate is a named boolean test over one value node. The name appears
// in readiness diagnostics ("what am I waiting for").
type Predicate struct {
	Name string
	Fn   func(v ValueView) bool
}

// Provided is the default predicate: true once the node has been set. For
// schedule kinds the pulse must also have arrived (value <= now).
var Provided = Predicate{Name: "provided?", Fn: providedNow}

// IsTrue passes when the payload is boolean true.
var IsTrue = Predicate{Name: "true?", Fn: func(v ValueView) bool {
	b, ok := v.Value.(bool)
	return v.Set() && ok && b
}}

// IsFalse passes when the payload is boolean false.
var IsFalse = Predicate{Name: "false?", Fn: func(v ValueView) bool {
	b, ok := v.Value.(bool)
	return v.Set() && ok && !b
}}

// NewPredicate wraps a custom function as a named predicate.
func NewPredicate(name string, fn func(v ValueView) bool) Predicate {
	return Predicate{Name: name, Fn: fn}
}

func providedNow(v ValueView) bool {
	if !v.Set() {
		return false
	}
	if v.Kind.IsSchedule() {
		pulse, ok := asEpoch(v.Value)
		if !ok {
			return false
		}
		return pulse <= time.Now().Unix()
	}
	return true
}

// asEpoch coerces a JSON payload into epoch seconds.
func asEpoch(raw any) (int64, bool) {
	f, ok := asFloat(raw)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func asFloat(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Node is one vertex of a graph: an input slot or a computed step.
//
// Description:
//
//	Kind discriminates. Inputs carry only a name. Steps additionally
//	carry a gate, the compute function, retry and liveness tuning, and
//	for mutate kinds the write target. Zero tuning fields are filled with
//	package defaults during Build.
//
// Thread Safety:
//
//	Nodes are built single-threaded and immutable after Build.
type Node struct {
	Name    string
	Kind    NodeKind
	GatedBy Gate
	Compute ComputeFunc
	OnSave  SaveFunc

	// Mutates names the node a mutate step writes to.
	Mutates string

	// UpdateRevisionOnChange forces a revision bump even when the computed
	// value equals the stored one. Off by default so stable values don't
	// cascade downstream.
	UpdateRevisionOnChange bool

	MaxRetries        int
	AbandonAfter      time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Input declares an input slot.
func Input(name string) *Node {
	return &Node{Name: name, Kind: KindInput}
}

// Compute declares a computed step gated by the given expression.
//
// Example:
//
//	graph.Compute("greet", graph.DependsOn("name"), func(ctx context.Context, vals graph.Values) (any, error) {
//	    return "Hello, " + vals.String("name"), nil
//	})
func Compute(name string, gated Gate, fn ComputeFunc) *Node {
	return &Node{Name: name, Kind: KindCompute, GatedBy: gated, Compute: fn}
}

// Mutate declares a step whose computed value is written to target instead
// of itself; the step's own value becomes an "updated <target>" marker.
func Mutate(name string, gated Gate, fn ComputeFunc, target string) *Node {
	return &Node{Name: name, Kind: KindMutate, GatedBy: gated, Compute: fn, Mutates: target}
}

// TickOnce declares a one-shot schedule step. The compute function returns
// the absolute epoch-second pulse time.
func TickOnce(name string, fn ComputeFunc) *Node {
	return &Node{Name: name, Kind: KindTickOnce, Compute: fn}
}

// TickRecurring declares a recurring schedule step. After each pulse passes
// the sweep subsystem re-materializes it so the next pulse is computed.
func TickRecurring(name string, fn ComputeFunc) *Node {
	return &Node{Name: name, Kind: KindTickRecurring, Compute: fn}
}

// Archive declares a step that archives the execution when its gate is met.
// The compute function is optional; omitted, the step archives
// unconditionally once ready.
func Archive(name string, gated Gate) *Node {
	return &Node{
		Name:    name,
		Kind:    KindArchive,
		GatedBy: gated,
		Compute: func(ctx context.Context, vals Values) (any, error) { return "archived", nil },
	}
}

// WithGate replaces the step's gate expression.
func (n *Node) WithGate(g Gate) *Node {
	n.GatedBy = g
	return n
}

// WithCompute replaces the step's compute function.
func (n *Node) WithCompute(fn ComputeFunc) *Node {
	n.Compute = fn
	return n
}

// WithOnSave attaches a per-step save callback.
func (n *Node) WithOnSave(fn SaveFunc) *Node {
	n.OnSave = fn
	return n
}

// WithMaxRetries sets how many failed or abandoned attempts are retried
// before the step is left terminally failed.
func (n *Node) WithMaxRetries(retries int) *Node {
	n.MaxRetries = retries
	return n
}

// WithAbandonAfter sets the hard deadline for one attempt.
func (n *Node) WithAbandonAfter(d time.Duration) *Node {
	n.AbandonAfter = d
	return n
}

// WithHeartbeat sets the liveness cadence and its timeout. Build enforces
// interval >= 30s and interval <= timeout/2.
func (n *Node) WithHeartbeat(interval, timeout time.Duration) *Node {
	n.HeartbeatInterval = interval
	n.HeartbeatTimeout = timeout
	return n
}

// WithUpdateRevisionOnChange makes every completion bump the execution
// revision, equal value or not.
func (n *Node) WithUpdateRevisionOnChange() *Node {
	n.UpdateRevisionOnChange = true
	return n
}

// IsInput reports whether the node is an input slot.
func (n *Node) IsInput() bool {
	return n.Kind == KindInput
}

// Upstreams returns the distinct node names referenced by the step's gate,
// sorted. Inputs and ungated steps return an empty slice.
func (n *Node) Upstreams() []string {
	if n.GatedBy == nil {
		return []string{}
	}
	return LeafNodes(n.GatedBy)
}
