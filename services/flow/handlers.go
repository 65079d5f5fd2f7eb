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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianFlow/pkg/extensions"
	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
	"github.com/AleutianAI/AleutianFlow/services/flow/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ServiceVersion is the flow service version.
const ServiceVersion = "0.1.0"

// Handlers contains the HTTP handlers for the flow service.
type Handlers struct {
	svc  *Service
	ping func(context.Context) error
	exts extensions.ServiceOptions
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc, exts: extensions.DefaultOptions()}
}

// WithPinger sets the readiness probe for the backing store.
func (h *Handlers) WithPinger(ping func(context.Context) error) *Handlers {
	h.ping = ping
	return h
}

// WithExtensions sets the extension points backing the audit endpoint.
// Pass the same options the middleware was mounted with.
func (h *Handlers) WithExtensions(opts extensions.ServiceOptions) *Handlers {
	h.exts = opts
	return h
}

// HandleListGraphs handles GET /v1/flow/graphs.
//
// Response:
//
//	200 OK: GraphsResponse
func (h *Handlers) HandleListGraphs(c *gin.Context) {
	graphs := h.svc.Graphs()
	resp := GraphsResponse{Graphs: make([]GraphSummary, 0, len(graphs))}
	for _, g := range graphs {
		resp.Graphs = append(resp.Graphs, GraphSummary{
			Name:      g.Name,
			Version:   g.Version,
			Hash:      g.Hash,
			Singleton: g.Singleton,
			Nodes:     len(g.Nodes()),
		})
	}
	c.JSON(http.StatusOK, resp)
}

// HandleGetGraph handles GET /v1/flow/graphs/:name/:version.
//
// Response:
//
//	200 OK: GraphDetailResponse
//	404 Not Found: Graph not registered
func (h *Handlers) HandleGetGraph(c *gin.Context) {
	name, version := c.Param("name"), c.Param("version")
	g, ok := h.svc.Graph(name, version)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: fmt.Sprintf("graph %s@%s is not registered", name, version),
			Code:  "GRAPH_NOT_REGISTERED",
		})
		return
	}

	resp := GraphDetailResponse{
		Name:              g.Name,
		Version:           g.Version,
		Hash:              g.Hash,
		ExecutionIDPrefix: g.ExecutionIDPrefix,
		Singleton:         g.Singleton,
	}
	for _, n := range g.Nodes() {
		detail := NodeDetail{
			Name:                   n.Name,
			Kind:                   string(n.Kind),
			Upstreams:              n.Upstreams(),
			Mutates:                n.Mutates,
			UpdateRevisionOnChange: n.UpdateRevisionOnChange,
		}
		if !n.IsInput() {
			detail.MaxRetries = n.MaxRetries
			detail.AbandonAfterSeconds = int64(n.AbandonAfter / time.Second)
		}
		resp.Nodes = append(resp.Nodes, detail)
	}
	c.JSON(http.StatusOK, resp)
}

// HandleGraphDOT handles GET /v1/flow/graphs/:name/:version/dot. It renders
// the graph as a Graphviz digraph for visualization.
func (h *Handlers) HandleGraphDOT(c *gin.Context) {
	name, version := c.Param("name"), c.Param("version")
	g, ok := h.svc.Graph(name, version)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: fmt.Sprintf("graph %s@%s is not registered", name, version),
			Code:  "GRAPH_NOT_REGISTERED",
		})
		return
	}
	c.Data(http.StatusOK, "text/vnd.graphviz; charset=utf-8", []byte(g.DOT()))
}

// HandleStartExecution handles POST /v1/flow/executions.
//
// Description:
//
//	Creates an execution of a registered graph, seeding one value row per
//	node and one pending attempt per step. For singleton graphs the live
//	execution is returned instead of creating a second one.
//
// Request Body:
//
//	StartExecutionRequest
//
// Response:
//
//	201 Created: ExecutionDetailResponse
//	400 Bad Request: Validation error
//	404 Not Found: Graph not registered
func (h *Handlers) HandleStartExecution(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleStartExecution")

	var req StartExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	exec, err := h.svc.StartExecution(c.Request.Context(), req.GraphName, req.GraphVersion)
	if err != nil {
		respondError(c, logger, "Start execution failed", err, "START_FAILED")
		return
	}

	logger.Info("Execution started",
		"execution_id", exec.ID,
		"graph", req.GraphName+"@"+req.GraphVersion)
	c.JSON(http.StatusCreated, executionDetail(exec))
}

// HandleListExecutions handles GET /v1/flow/executions.
//
// Description:
//
//	Lists executions with optional graph, archive and value filters.
//	Filters are repeatable node:op[:value] triples; values parse as JSON
//	with bare text treated as a string.
//
// Response:
//
//	200 OK: ListExecutionsResponse
//	400 Bad Request: Invalid filter or sort
func (h *Handlers) HandleListExecutions(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleListExecutions")

	var q ListExecutionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		logger.Warn("Invalid query", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid query parameters",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	opts, err := listOptions(q)
	if err != nil {
		respondError(c, logger, "List executions failed", err, "LIST_FAILED")
		return
	}

	execs, err := h.svc.ListExecutions(c.Request.Context(), opts)
	if err != nil {
		respondError(c, logger, "List executions failed", err, "LIST_FAILED")
		return
	}

	resp := ListExecutionsResponse{
		Executions: make([]ExecutionSummary, 0, len(execs)),
		Limit:      opts.Limit,
		Offset:     opts.Offset,
	}
	for _, e := range execs {
		resp.Executions = append(resp.Executions, executionSummary(e))
	}
	c.JSON(http.StatusOK, resp)
}

// HandleCountExecutions handles GET /v1/flow/executions/count. It accepts
// the same filters as the list endpoint and ignores pagination.
func (h *Handlers) HandleCountExecutions(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleCountExecutions")

	var q ListExecutionsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		logger.Warn("Invalid query", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid query parameters",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	opts, err := listOptions(q)
	if err != nil {
		respondError(c, logger, "Count executions failed", err, "COUNT_FAILED")
		return
	}

	count, err := h.svc.CountExecutions(c.Request.Context(), opts)
	if err != nil {
		respondError(c, logger, "Count executions failed", err, "COUNT_FAILED")
		return
	}
	c.JSON(http.StatusOK, CountResponse{Count: count})
}

// HandleGetExecution handles GET /v1/flow/executions/:id.
//
// Response:
//
//	200 OK: ExecutionDetailResponse
//	404 Not Found: Execution not found
func (h *Handlers) HandleGetExecution(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetExecution")

	exec, err := h.svc.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, logger, "Load execution failed", err, "LOAD_FAILED")
		return
	}
	c.JSON(http.StatusOK, executionDetail(exec))
}

// HandleValues handles GET /v1/flow/executions/:id/values. Set values only
// by default; include_unset=true returns every declared node.
func (h *Handlers) HandleValues(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleValues")

	id := c.Param("id")
	var (
		views map[string]graph.ValueView
		err   error
	)
	if c.Query("include_unset") == "true" {
		views, err = h.svc.ValuesAll(c.Request.Context(), id)
	} else {
		views, err = h.svc.Values(c.Request.Context(), id)
	}
	if err != nil {
		respondError(c, logger, "Read values failed", err, "VALUES_FAILED")
		return
	}

	resp := ValuesResponse{ExecutionID: id, Values: make(map[string]ValuePayload, len(views))}
	for node, v := range views {
		resp.Values[node] = viewPayload(v)
	}
	c.JSON(http.StatusOK, resp)
}

// HandleGetValue handles GET /v1/flow/executions/:id/values/:node.
//
// Description:
//
//	Reads one value. With wait=any the request blocks until the node is
//	set; wait=newer blocks until the value's revision passes the
//	execution revision observed at call time; wait=revision blocks until
//	it reaches the revision parameter. Waiting fails fast when the node's
//	computation lands terminally failed with no retry budget left.
//
// Response:
//
//	200 OK: ValueResponse
//	404 Not Found: Execution or node unknown, or value unset (no wait)
//	408 Request Timeout: Wait deadline elapsed
//	409 Conflict: Computation terminally failed
func (h *Handlers) HandleGetValue(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetValue")

	var q GetValueQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		logger.Warn("Invalid query", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid query parameters",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	var opts []GetOption
	switch q.Wait {
	case "":
	case "any":
		opts = append(opts, WaitAny())
	case "newer":
		opts = append(opts, WaitNewer())
	case "revision":
		if q.Revision <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: "wait=revision requires a positive revision parameter",
				Code:  "INVALID_REQUEST",
			})
			return
		}
		opts = append(opts, WaitForRevision(q.Revision))
	default:
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("unknown wait mode %q (any, newer, revision)", q.Wait),
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if q.TimeoutMs > 0 {
		opts = append(opts, WithTimeout(time.Duration(q.TimeoutMs)*time.Millisecond))
	}

	id, node := c.Param("id"), c.Param("node")
	result, err := h.svc.Get(c.Request.Context(), id, node, opts...)
	if err != nil {
		respondError(c, logger, "Get value failed", err, "GET_FAILED")
		return
	}

	c.JSON(http.StatusOK, ValueResponse{
		Node:     node,
		Value:    result.Value,
		Metadata: result.Metadata,
		Revision: result.Revision,
	})
}

// HandleHistory handles GET /v1/flow/executions/:id/history. It returns
// every computation attempt, most recent completion first.
func (h *Handlers) HandleHistory(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleHistory")

	id := c.Param("id")
	comps, err := h.svc.History(c.Request.Context(), id)
	if err != nil {
		respondError(c, logger, "Read history failed", err, "HISTORY_FAILED")
		return
	}

	resp := HistoryResponse{ExecutionID: id, Computations: make([]ComputationPayload, 0, len(comps))}
	for _, comp := range comps {
		resp.Computations = append(resp.Computations, computationPayload(comp))
	}
	c.JSON(http.StatusOK, resp)
}

// HandleSet handles POST /v1/flow/executions/:id/set.
//
// Description:
//
//	Sets one input node and triggers a scheduler pass. A null value is a
//	legal payload; the write still bumps the execution revision.
//
// Request Body:
//
//	SetRequest
//
// Response:
//
//	200 OK: RevisionResponse
//	400 Bad Request: Node unknown or not an input
//	404 Not Found: Execution not found
func (h *Handlers) HandleSet(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSet")

	var req SetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	id := c.Param("id")
	var opts []SetOption
	if req.Metadata != nil {
		opts = append(opts, WithMetadata(req.Metadata))
	}
	exec, err := h.svc.Set(c.Request.Context(), id, req.Node, req.Value, opts...)
	if err != nil {
		respondError(c, logger, "Set failed", err, "SET_FAILED")
		return
	}

	logger.Info("Input set", "execution_id", id, "node", req.Node, "revision", exec.Revision)
	c.JSON(http.StatusOK, RevisionResponse{ExecutionID: exec.ID, Revision: exec.Revision})
}

// HandleSetMany handles POST /v1/flow/executions/:id/set-many.
//
// Description:
//
//	Sets several input nodes under a single revision bump so downstream
//	gates observe the batch atomically.
//
// Request Body:
//
//	SetManyRequest
//
// Response:
//
//	200 OK: RevisionResponse
//	400 Bad Request: A node is unknown or not an input
//	404 Not Found: Execution not found
func (h *Handlers) HandleSetMany(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSetMany")

	var req SetManyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	id := c.Param("id")
	var opts []SetOption
	if req.Metadata != nil {
		opts = append(opts, WithMetadata(req.Metadata))
	}
	exec, err := h.svc.SetMany(c.Request.Context(), id, req.Values, opts...)
	if err != nil {
		respondError(c, logger, "Set many failed", err, "SET_FAILED")
		return
	}

	logger.Info("Inputs set", "execution_id", id, "nodes", len(req.Values), "revision", exec.Revision)
	c.JSON(http.StatusOK, RevisionResponse{ExecutionID: exec.ID, Revision: exec.Revision})
}

// HandleUnset handles POST /v1/flow/executions/:id/unset. Clearing an
// input re-arms gates that require it, so dependents recompute when it is
// set again.
func (h *Handlers) HandleUnset(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleUnset")

	var req UnsetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	id := c.Param("id")
	exec, err := h.svc.Unset(c.Request.Context(), id, req.Nodes...)
	if err != nil {
		respondError(c, logger, "Unset failed", err, "UNSET_FAILED")
		return
	}

	logger.Info("Inputs cleared", "execution_id", id, "nodes", req.Nodes, "revision", exec.Revision)
	c.JSON(http.StatusOK, RevisionResponse{ExecutionID: exec.ID, Revision: exec.Revision})
}

// HandleArchive handles POST /v1/flow/executions/:id/archive. Archived
// executions are hidden from listings and skipped by sweepers.
func (h *Handlers) HandleArchive(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleArchive")

	id := c.Param("id")
	if err := h.svc.Archive(c.Request.Context(), id); err != nil {
		respondError(c, logger, "Archive failed", err, "ARCHIVE_FAILED")
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: "archived", ExecutionID: id})
}

// HandleUnarchive handles POST /v1/flow/executions/:id/unarchive.
func (h *Handlers) HandleUnarchive(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleUnarchive")

	id := c.Param("id")
	if err := h.svc.Unarchive(c.Request.Context(), id); err != nil {
		respondError(c, logger, "Unarchive failed", err, "UNARCHIVE_FAILED")
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: "unarchived", ExecutionID: id})
}

// HandleAdvance handles POST /v1/flow/executions/:id/advance. It runs a
// synchronous scheduler pass; claimed computations keep running in the
// background after the response.
func (h *Handlers) HandleAdvance(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleAdvance")

	id := c.Param("id")
	if err := h.svc.Advance(c.Request.Context(), id); err != nil {
		respondError(c, logger, "Advance failed", err, "ADVANCE_FAILED")
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Status: "advanced", ExecutionID: id})
}

// HandleRetry handles POST /v1/flow/executions/:id/retry.
//
// Description:
//
//	Reopens a terminally failed or abandoned step past its retry budget
//	by materializing a fresh pending attempt, then triggers a scheduler
//	pass.
//
// Request Body:
//
//	RetryRequest
//
// Response:
//
//	200 OK: StatusResponse
//	400 Bad Request: Node unknown or an input
//	404 Not Found: Execution not found
//	409 Conflict: Latest attempt is not in a retryable state
func (h *Handlers) HandleRetry(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleRetry")

	var req RetryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	id := c.Param("id")
	if err := h.svc.RetryNode(c.Request.Context(), id, req.Node); err != nil {
		respondError(c, logger, "Retry failed", err, "RETRY_FAILED")
		return
	}

	logger.Info("Retry scheduled", "execution_id", id, "node", req.Node)
	c.JSON(http.StatusOK, StatusResponse{Status: "retry_scheduled", ExecutionID: id, Node: req.Node})
}

// HandleHealth handles GET /v1/flow/health. Graph-hash drift observed by
// the scheduler degrades the reported status.
func (h *Handlers) HandleHealth(c *gin.Context) {
	drifted := h.svc.DriftedExecutions()
	status := "healthy"
	if len(drifted) > 0 {
		status = "degraded"
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:            status,
		Version:           ServiceVersion,
		RegisteredGraphs:  len(h.svc.Graphs()),
		DriftedExecutions: len(drifted),
	})
}

// HandleReady handles GET /v1/flow/ready. Readiness requires the backing
// store to answer a ping.
func (h *Handlers) HandleReady(c *gin.Context) {
	resp := ReadyResponse{Ready: true, DatabaseOK: true}
	if h.ping != nil {
		if err := h.ping(c.Request.Context()); err != nil {
			slog.Warn("Readiness ping failed", "error", err)
			resp.Ready = false
			resp.DatabaseOK = false
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

// HandleAuditQuery handles GET /v1/flow/audit. It reads from whatever
// AuditLogger the deployment wired in; the nop default yields an empty
// trail.
//
// Response:
//
//	200 OK: AuditResponse
func (h *Handlers) HandleAuditQuery(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleAuditQuery")

	var q AuditQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		logger.Warn("Invalid query params", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid query parameters",
			Code:  "INVALID_REQUEST",
		})
		return
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	filter := extensions.AuditFilter{
		UserID:     q.UserID,
		ResourceID: q.ExecutionID,
		Outcome:    q.Outcome,
		Limit:      limit,
		Offset:     q.Offset,
	}
	if q.EventType != "" {
		filter.EventTypes = []string{q.EventType}
	}

	events, err := h.exts.AuditLogger.Query(c.Request.Context(), filter)
	if err != nil {
		logger.Error("Audit query failed", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: "Audit query failed",
			Code:  "AUDIT_QUERY_FAILED",
		})
		return
	}

	resp := AuditResponse{Events: make([]AuditEventPayload, 0, len(events))}
	for _, e := range events {
		resp.Events = append(resp.Events, AuditEventPayload{
			EventType:    e.EventType,
			Timestamp:    e.Timestamp,
			UserID:       e.UserID,
			Action:       e.Action,
			ResourceType: e.ResourceType,
			ResourceID:   e.ResourceID,
			Outcome:      e.Outcome,
			Metadata:     e.Metadata,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// respondError maps service and storage errors onto HTTP statuses with a
// stable code, logging server faults at error level and caller faults at
// warn.
func respondError(c *gin.Context, logger *slog.Logger, msg string, err error, fallbackCode string) {
	status, code := statusForError(err, fallbackCode)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, "error", err)
	} else {
		logger.Warn(msg, "error", err)
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

func statusForError(err error, fallbackCode string) (int, string) {
	switch {
	case errors.Is(err, ErrGraphNotRegistered):
		return http.StatusNotFound, "GRAPH_NOT_REGISTERED"
	case errors.Is(err, storage.ErrExecutionNotFound):
		return http.StatusNotFound, "EXECUTION_NOT_FOUND"
	case errors.Is(err, ErrUnknownNode):
		return http.StatusBadRequest, "UNKNOWN_NODE"
	case errors.Is(err, ErrNotInput):
		return http.StatusBadRequest, "NOT_AN_INPUT"
	case errors.Is(err, ErrNotSet):
		return http.StatusNotFound, "VALUE_NOT_SET"
	case errors.Is(err, ErrComputationFailed):
		return http.StatusConflict, "COMPUTATION_FAILED"
	case errors.Is(err, ErrWaitTimeout):
		return http.StatusRequestTimeout, "WAIT_TIMEOUT"
	case errors.Is(err, ErrNotRetryable):
		return http.StatusConflict, "NOT_RETRYABLE"
	case errors.Is(err, storage.ErrValueNotFound):
		return http.StatusNotFound, "VALUE_NOT_FOUND"
	case errors.Is(err, storage.ErrAlreadyArchived):
		return http.StatusConflict, "ALREADY_ARCHIVED"
	case errors.Is(err, storage.ErrNotArchived):
		return http.StatusConflict, "NOT_ARCHIVED"
	case errors.Is(err, storage.ErrBadFilter):
		return http.StatusBadRequest, "INVALID_FILTER"
	case errors.Is(err, storage.ErrBadSort):
		return http.StatusBadRequest, "INVALID_SORT"
	}
	return http.StatusInternalServerError, fallbackCode
}

// listOptions converts list query params into storage options, applying
// the pagination bounds up front so responses echo what actually ran.
func listOptions(q ListExecutionsQuery) (storage.ListOptions, error) {
	filters, err := parseValueFilters(q.Filter)
	if err != nil {
		return storage.ListOptions{}, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	if limit > storage.MaxListLimit {
		limit = storage.MaxListLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	return storage.ListOptions{
		GraphName:       q.GraphName,
		GraphVersion:    q.GraphVersion,
		IncludeArchived: q.IncludeArchived,
		ValueFilters:    filters,
		SortBy:          q.SortBy,
		SortDesc:        q.SortDesc,
		Limit:           limit,
		Offset:          offset,
	}, nil
}

// parseValueFilters parses repeated node:op[:value] filter params. Values
// parse as JSON so numbers and booleans compare typed; bare text falls
// back to a string.
func parseValueFilters(raw []string) ([]storage.ValueFilter, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	filters := make([]storage.ValueFilter, 0, len(raw))
	for _, s := range raw {
		parts := strings.SplitN(s, ":", 3)
		if len(parts) < 2 || parts[0] == "" {
			return nil, fmt.Errorf("filter %q: want node:op[:value]: %w", s, storage.ErrBadFilter)
		}
		f := storage.ValueFilter{Node: parts[0], Op: storage.FilterOp(parts[1])}
		if !f.Op.Valid() {
			return nil, fmt.Errorf("filter %q: unknown operator %q: %w", s, parts[1], storage.ErrBadFilter)
		}
		if len(parts) == 3 {
			var v any
			if err := json.Unmarshal([]byte(parts[2]), &v); err != nil {
				v = parts[2]
			}
			f.Value = v
		}
		filters = append(filters, f)
	}
	return filters, nil
}

// getOrCreateRequestID returns the request ID from the X-Request-ID
// header, generating one when absent. The ID is echoed on the response.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
