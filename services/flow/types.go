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

import (
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
	"github.com/AleutianAI/AleutianFlow/services/flow/storage"
)

// GraphsResponse is the response for GET /v1/flow/graphs.
type GraphsResponse struct {
	// Graphs lists every registered graph, name-sorted, newest version
	// first.
	Graphs []GraphSummary `json:"graphs"`
}

// GraphSummary is one registered graph in list responses.
type GraphSummary struct {
	// Name is the graph name.
	Name string `json:"name"`

	// Version is the semantic version of this declaration.
	Version string `json:"version"`

	// Hash is the content hash executions record at creation.
	Hash string `json:"hash"`

	// Singleton is true when StartExecution reuses the live execution.
	Singleton bool `json:"singleton"`

	// Nodes is the node count.
	Nodes int `json:"nodes"`
}

// GraphDetailResponse is the response for GET /v1/flow/graphs/:name/:version.
type GraphDetailResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Hash    string `json:"hash"`

	// ExecutionIDPrefix is prepended to generated execution ids.
	ExecutionIDPrefix string `json:"execution_id_prefix,omitempty"`

	Singleton bool `json:"singleton"`

	// Nodes is the full node list in deterministic order.
	Nodes []NodeDetail `json:"nodes"`
}

// NodeDetail is one node in a graph detail response.
type NodeDetail struct {
	// Name is the node name.
	Name string `json:"name"`

	// Kind is input, compute, mutate, tick_once, tick_recurring or
	// archive.
	Kind string `json:"kind"`

	// Upstreams lists the nodes referenced by the step's gate.
	Upstreams []string `json:"upstreams,omitempty"`

	// Mutates names the write target of a mutate step.
	Mutates string `json:"mutates,omitempty"`

	// MaxRetries is the retry budget for failed or abandoned attempts.
	MaxRetries int `json:"max_retries,omitempty"`

	// AbandonAfterSeconds is the hard deadline of one attempt.
	AbandonAfterSeconds int64 `json:"abandon_after_seconds,omitempty"`

	// UpdateRevisionOnChange forces a revision bump on every completion.
	UpdateRevisionOnChange bool `json:"update_revision_on_change,omitempty"`
}

// StartExecutionRequest is the request body for POST /v1/flow/executions.
type StartExecutionRequest struct {
	// GraphName is the registered graph to start. Required.
	GraphName string `json:"graph_name" binding:"required"`

	// GraphVersion is the graph version. Required.
	GraphVersion string `json:"graph_version" binding:"required"`
}

// ExecutionSummary is the bare execution row in list responses.
type ExecutionSummary struct {
	// ID is the execution id.
	ID string `json:"id"`

	// GraphName and GraphVersion identify the declaration.
	GraphName    string `json:"graph_name"`
	GraphVersion string `json:"graph_version"`

	// Revision is the monotone change counter.
	Revision int64 `json:"revision"`

	// Archived is true when the execution is logically hidden.
	Archived bool `json:"archived"`

	InsertedAt time.Time `json:"inserted_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ExecutionDetailResponse is the response for GET /v1/flow/executions/:id
// and POST /v1/flow/executions.
type ExecutionDetailResponse struct {
	ExecutionSummary

	// GraphHash is the content hash recorded at creation.
	GraphHash string `json:"graph_hash"`

	// Values is every value row, synthetic nodes included.
	Values []ValuePayload `json:"values"`

	// Computations is every attempt row, most recent completion first.
	Computations []ComputationPayload `json:"computations"`

	// NodeStates counts step nodes by the state of their latest attempt.
	NodeStates map[string]int `json:"node_states"`
}

// ValuePayload is one value row in responses.
type ValuePayload struct {
	// Node is the value node name.
	Node string `json:"node"`

	// Kind is the node kind recorded at creation.
	Kind string `json:"kind"`

	// Value is the JSON payload; null both for unset rows and for a
	// deliberately null payload. Set disambiguates.
	Value any `json:"value"`

	// Metadata is the opaque map attached at set time.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Set is true once the node has been set.
	Set bool `json:"set"`

	// SetTime is the epoch-second set time, absent until first set.
	SetTime *int64 `json:"set_time,omitempty"`

	// Revision is the execution revision at which the value last changed.
	Revision int64 `json:"revision"`
}

// ComputationPayload is one attempt row in responses.
type ComputationPayload struct {
	// ID is the attempt row id; attempts are append-only per node.
	ID int64 `json:"id"`

	// Node is the step this attempt computed.
	Node string `json:"node"`

	// Kind is the step kind.
	Kind string `json:"kind"`

	// State is not_set, computing, success, failed, abandoned or
	// cancelled.
	State string `json:"state"`

	StartTime      *time.Time `json:"start_time,omitempty"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`

	// ErrorDetails carries the failure text of failed attempts.
	ErrorDetails string `json:"error_details,omitempty"`

	// ComputedWith is the upstream revision snapshot taken at claim time.
	ComputedWith map[string]int64 `json:"computed_with,omitempty"`
}

// ListExecutionsQuery is the query params for GET /v1/flow/executions and
// GET /v1/flow/executions/count.
type ListExecutionsQuery struct {
	// GraphName filters by graph name.
	GraphName string `form:"graph_name"`

	// GraphVersion filters by graph version.
	GraphVersion string `form:"graph_version"`

	// IncludeArchived includes logically hidden executions.
	IncludeArchived bool `form:"include_archived"`

	// Filter is repeatable: node:op[:value], e.g. status:eq:"done",
	// total:gt:40, draft:is_set. Values parse as JSON, bare text as a
	// string.
	Filter []string `form:"filter"`

	// SortBy is inserted_at, updated_at or revision.
	SortBy string `form:"sort_by"`

	// SortDesc sorts descending.
	SortDesc bool `form:"sort_desc"`

	// Limit and Offset page the result. Limit defaults to 100, cap 1000.
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

// ListExecutionsResponse is the response for GET /v1/flow/executions.
type ListExecutionsResponse struct {
	Executions []ExecutionSummary `json:"executions"`

	// Limit and Offset echo the applied pagination.
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// CountResponse is the response for GET /v1/flow/executions/count.
type CountResponse struct {
	Count int64 `json:"count"`
}

// SetRequest is the request body for POST /v1/flow/executions/:id/set.
type SetRequest struct {
	// Node is the input node to set. Required.
	Node string `json:"node" binding:"required"`

	// Value is the JSON payload; null is a legal, set value.
	Value any `json:"value"`

	// Metadata is an optional opaque map stored with the value.
	Metadata map[string]any `json:"metadata"`
}

// SetManyRequest is the request body for POST
// /v1/flow/executions/:id/set-many.
type SetManyRequest struct {
	// Values maps input node names to payloads. Required. The whole
	// batch lands under one revision bump.
	Values map[string]any `json:"values" binding:"required"`

	// Metadata applies to every node in the batch.
	Metadata map[string]any `json:"metadata"`
}

// UnsetRequest is the request body for POST /v1/flow/executions/:id/unset.
type UnsetRequest struct {
	// Nodes lists the input nodes to clear. Required.
	Nodes []string `json:"nodes" binding:"required"`
}

// RetryRequest is the request body for POST /v1/flow/executions/:id/retry.
type RetryRequest struct {
	// Node is the terminally failed step to reopen. Required.
	Node string `json:"node" binding:"required"`
}

// GetValueQuery is the query params for GET
// /v1/flow/executions/:id/values/:node.
type GetValueQuery struct {
	// Wait is empty for a single probe, or any, newer, revision.
	Wait string `form:"wait"`

	// Revision is the target for wait=revision.
	Revision int64 `form:"revision"`

	// TimeoutMs caps the wait; defaults to DefaultWaitTimeout.
	TimeoutMs int64 `form:"timeout_ms"`
}

// ValueResponse is the response for GET
// /v1/flow/executions/:id/values/:node.
type ValueResponse struct {
	// Node is the value node name.
	Node string `json:"node"`

	// Value is the JSON payload.
	Value any `json:"value"`

	// Metadata is the opaque map attached at set time.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Revision is the execution revision at which the value was set.
	Revision int64 `json:"revision"`
}

// ValuesResponse is the response for GET /v1/flow/executions/:id/values.
type ValuesResponse struct {
	// ExecutionID is the execution the values belong to.
	ExecutionID string `json:"execution_id"`

	// Values is keyed by node name.
	Values map[string]ValuePayload `json:"values"`
}

// HistoryResponse is the response for GET /v1/flow/executions/:id/history.
type HistoryResponse struct {
	// ExecutionID is the execution the attempts belong to.
	ExecutionID string `json:"execution_id"`

	// Computations is every attempt, most recent completion first.
	Computations []ComputationPayload `json:"computations"`
}

// RevisionResponse acknowledges set, set-many and unset.
type RevisionResponse struct {
	// ExecutionID is the written execution.
	ExecutionID string `json:"execution_id"`

	// Revision is the execution revision after the write.
	Revision int64 `json:"revision"`
}

// StatusResponse acknowledges archive, unarchive, advance and retry.
type StatusResponse struct {
	// Status is the operation outcome, e.g. "archived".
	Status string `json:"status"`

	// ExecutionID is the affected execution.
	ExecutionID string `json:"execution_id"`

	// Node is set for node-scoped operations.
	Node string `json:"node,omitempty"`
}

// HealthResponse is the response for GET /v1/flow/health.
type HealthResponse struct {
	// Status is "healthy" or "degraded".
	Status string `json:"status"`

	// Version is the service version.
	Version string `json:"version"`

	// RegisteredGraphs is the catalog size.
	RegisteredGraphs int `json:"registered_graphs"`

	// DriftedExecutions counts executions skipped for graph-hash drift
	// since process start. Non-zero degrades the status.
	DriftedExecutions int `json:"drifted_executions"`
}

// ReadyResponse is the response for GET /v1/flow/ready.
type ReadyResponse struct {
	// Ready is true when the service can take traffic.
	Ready bool `json:"ready"`

	// DatabaseOK is true when the store answered the ping.
	DatabaseOK bool `json:"database_ok"`
}

// AuditQuery is the query params for GET /v1/flow/audit.
type AuditQuery struct {
	// EventType filters to one event type, e.g. value.set.
	EventType string `form:"event_type"`

	// UserID filters to one caller.
	UserID string `form:"user_id"`

	// ExecutionID filters to events touching one execution.
	ExecutionID string `form:"execution_id"`

	// Outcome filters by outcome: success, failure, denied, error.
	Outcome string `form:"outcome"`

	// Limit and Offset page the result. Limit defaults to 100.
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

// AuditEventPayload is one audit event in responses.
type AuditEventPayload struct {
	EventType    string         `json:"event_type"`
	Timestamp    time.Time      `json:"timestamp"`
	UserID       string         `json:"user_id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Outcome      string         `json:"outcome"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// AuditResponse is the response for GET /v1/flow/audit. Deployments
// without an audit extension return an empty list.
type AuditResponse struct {
	Events []AuditEventPayload `json:"events"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is the stable error code (optional).
	Code string `json:"code,omitempty"`

	// Details provides additional error context (optional).
	Details string `json:"details,omitempty"`
}

// executionSummary converts a storage row.
func executionSummary(e *storage.Execution) ExecutionSummary {
	return ExecutionSummary{
		ID:           e.ID,
		GraphName:    e.GraphName,
		GraphVersion: e.GraphVersion,
		Revision:     e.Revision,
		Archived:     e.Archived(),
		InsertedAt:   e.InsertedAt,
		UpdatedAt:    e.UpdatedAt,
	}
}

// valuePayload converts a storage value row.
func valuePayload(v *storage.Value) ValuePayload {
	return ValuePayload{
		Node:     v.NodeName,
		Kind:     string(v.NodeType),
		Value:    v.NodeValue,
		Metadata: v.Metadata,
		Set:      v.Set(),
		SetTime:  v.SetTime,
		Revision: v.ExRevision,
	}
}

// viewPayload converts a read-model value view.
func viewPayload(v graph.ValueView) ValuePayload {
	return ValuePayload{
		Node:     v.Node,
		Kind:     string(v.Kind),
		Value:    v.Value,
		Metadata: v.Metadata,
		Set:      v.Set(),
		SetTime:  v.SetTime,
		Revision: v.Revision,
	}
}

// computationPayload converts a storage attempt row.
func computationPayload(c *storage.Computation) ComputationPayload {
	p := ComputationPayload{
		ID:             c.ID,
		Node:           c.NodeName,
		Kind:           string(c.Type),
		State:          string(c.State),
		StartTime:      c.StartTime,
		CompletionTime: c.CompletionTime,
		ComputedWith:   c.ComputedWith,
	}
	if c.ErrorDetails != nil {
		p.ErrorDetails = *c.ErrorDetails
	}
	return p
}

// executionDetail converts a loaded execution, counting step nodes by the
// state of their latest attempt.
func executionDetail(e *storage.Execution) ExecutionDetailResponse {
	detail := ExecutionDetailResponse{
		ExecutionSummary: executionSummary(e),
		GraphHash:        e.GraphHash,
		Values:           make([]ValuePayload, 0, len(e.Values)),
		Computations:     make([]ComputationPayload, 0, len(e.Computations)),
		NodeStates:       make(map[string]int),
	}
	for _, v := range e.Values {
		detail.Values = append(detail.Values, valuePayload(v))
	}
	latest := make(map[string]*storage.Computation)
	for _, c := range e.Computations {
		detail.Computations = append(detail.Computations, computationPayload(c))
		if cur, ok := latest[c.NodeName]; !ok || c.ID > cur.ID {
			latest[c.NodeName] = c
		}
	}
	for _, c := range latest {
		detail.NodeStates[string(c.State)]++
	}
	return detail
}
