// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package flow is the public facade of the computation engine: graph
// registration, execution lifecycle, value access with waits, and the HTTP
// surface the binaries mount.
//
// The facade validates node references against the registered graph before
// touching storage, triggers a scheduler advance after every value change,
// and maps everything into the sentinel errors of this package so callers
// (and the HTTP layer) can branch with errors.Is.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
	"github.com/AleutianAI/AleutianFlow/services/flow/storage"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Store is the slice of the persistence layer the facade needs. It is
// satisfied by *storage.Store; tests substitute an in-memory fake.
type Store interface {
	CreateExecution(ctx context.Context, id, graphName, graphVersion, graphHash string, nodes []storage.NodeSeed) (*storage.Execution, error)
	Load(ctx context.Context, id string) (*storage.Execution, error)
	FindSingleton(ctx context.Context, graphName, graphVersion string) (*storage.Execution, error)
	SetInputs(ctx context.Context, id string, values map[string]any, metadata map[string]any) (*storage.Execution, error)
	Unset(ctx context.Context, id string, nodes []string) (*storage.Execution, error)
	GetValue(ctx context.Context, id, node string) (*storage.Value, error)
	LatestComputation(ctx context.Context, id, node string) (*storage.Computation, error)
	FailedAttempts(ctx context.Context, executionID, node string) (int, error)
	EnsurePending(ctx context.Context, executionID, node string, typ graph.NodeKind) (*storage.Computation, bool, error)
	ListExecutions(ctx context.Context, opts storage.ListOptions) ([]*storage.Execution, error)
	CountExecutions(ctx context.Context, opts storage.ListOptions) (int64, error)
	Archive(ctx context.Context, id string) error
	Unarchive(ctx context.Context, id string) error
}

// Advancer is the slice of the scheduler the facade needs.
type Advancer interface {
	Advance(ctx context.Context, executionID string) error
	DriftedExecutions() []string
}

// Service ties the catalog, the store and the scheduler together behind
// the operations the API exposes.
//
// Thread Safety:
//
//	Safe for concurrent use; all state lives in the store and the
//	catalog, both of which are concurrency-safe.
type Service struct {
	store   Store
	catalog *graph.Catalog
	adv     Advancer
	logger  *slog.Logger
}

// NewService creates the facade. adv may be nil in read-only tooling; value
// changes then simply do not trigger an advance.
func NewService(store Store, catalog *graph.Catalog, adv Advancer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		catalog: catalog,
		adv:     adv,
		logger:  logger.With("component", "flow_service"),
	}
}

// RegisterGraph adds a built graph to the catalog.
func (s *Service) RegisterGraph(g *graph.Graph) error {
	if err := s.catalog.Register(g); err != nil {
		return err
	}
	s.logger.Info("graph registered",
		"graph_name", g.Name, "graph_version", g.Version, "graph_hash", g.Hash)
	return nil
}

// Graphs returns every registered graph, name-sorted, versions newest
// first.
func (s *Service) Graphs() []*graph.Graph {
	gs, _ := s.catalog.List("", "")
	return gs
}

// Graph returns one registered graph.
func (s *Service) Graph(name, version string) (*graph.Graph, bool) {
	return s.catalog.Fetch(name, version)
}

// StartExecution materializes a fresh execution of a registered graph.
//
// Description:
//
//	For Singleton graphs the live (non-archived) execution is reused
//	instead of creating another. New executions get an id of the form
//	<prefix>EXEC<uuid> and one advance so ungated steps start
//	immediately.
//
// Outputs:
//   - The execution with its freshly materialized values and
//     computations.
//   - ErrGraphNotRegistered when (graphName, graphVersion) is not in the
//     catalog.
func (s *Service) StartExecution(ctx context.Context, graphName, graphVersion string) (*storage.Execution, error) {
	g, ok := s.catalog.Fetch(graphName, graphVersion)
	if !ok {
		return nil, fmt.Errorf("graph %s@%s: %w", graphName, graphVersion, ErrGraphNotRegistered)
	}

	if g.Singleton {
		existing, err := s.store.FindSingleton(ctx, g.Name, g.Version)
		if err == nil {
			s.logger.Debug("singleton execution reused",
				"execution_id", existing.ID, "graph_name", g.Name)
			return s.store.Load(ctx, existing.ID)
		}
		if !errors.Is(err, storage.ErrExecutionNotFound) {
			return nil, err
		}
	}

	id := g.ExecutionIDPrefix + "EXEC" + uuid.NewString()
	nodes := g.Nodes()
	seeds := make([]storage.NodeSeed, 0, len(nodes))
	for _, n := range nodes {
		seeds = append(seeds, storage.NodeSeed{Name: n.Name, Type: n.Kind})
	}

	exec, err := s.store.CreateExecution(ctx, id, g.Name, g.Version, g.Hash, seeds)
	if err != nil {
		return nil, err
	}
	s.logger.Info("execution started",
		"execution_id", exec.ID, "graph_name", g.Name, "graph_version", g.Version)

	s.triggerAdvance(ctx, exec.ID)
	return exec, nil
}

// Load returns an execution with all its value and computation rows.
func (s *Service) Load(ctx context.Context, id string) (*storage.Execution, error) {
	return s.store.Load(ctx, id)
}

// Set writes one input value and drives the execution forward.
func (s *Service) Set(ctx context.Context, id, node string, value any, opts ...SetOption) (*storage.Execution, error) {
	return s.SetMany(ctx, id, map[string]any{node: value}, opts...)
}

// SetMany writes several input values under a single revision bump.
//
// Description:
//
//	Every node is validated against the execution's graph before any
//	write: unknown names and non-input nodes fail the whole batch with
//	an error enumerating the valid choices. The batch is one storage
//	transaction, so either all values land under one revision or none
//	do. A successful write triggers one advance.
//
// Outputs:
//   - The execution row after the bump (no children loaded).
//   - ErrUnknownNode, ErrNotInput on validation failure.
func (s *Service) SetMany(ctx context.Context, id string, values map[string]any, opts ...SetOption) (*storage.Execution, error) {
	var cfg setConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	g, err := s.graphOf(ctx, id)
	if err != nil {
		return nil, err
	}
	for node := range values {
		if err := settableInput(g, node); err != nil {
			return nil, err
		}
	}

	exec, err := s.store.SetInputs(ctx, id, values, cfg.metadata)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("inputs set",
		"execution_id", id, "nodes", len(values), "revision", exec.Revision)

	s.triggerAdvance(ctx, id)
	return exec, nil
}

// Unset clears input values together with every step downstream of them,
// all under one revision bump. Clearing downstream too is what makes a
// Get of a dependent step report not-set right away instead of serving
// the stale value until the recompute lands; the staleness pass then
// recomputes whatever gates still hold.
func (s *Service) Unset(ctx context.Context, id string, nodes ...string) (*storage.Execution, error) {
	g, err := s.graphOf(ctx, id)
	if err != nil {
		return nil, err
	}
	for _, node := range nodes {
		if err := settableInput(g, node); err != nil {
			return nil, err
		}
	}

	cleared := append(append([]string(nil), nodes...), g.Downstream(nodes...)...)
	exec, err := s.store.Unset(ctx, id, cleared)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("inputs unset",
		"execution_id", id, "nodes", strings.Join(nodes, ","),
		"cleared", len(cleared), "revision", exec.Revision)

	s.triggerAdvance(ctx, id)
	return exec, nil
}

// Get reads one value, optionally waiting for it to satisfy a condition.
//
// Description:
//
//	Without a wait option, one probe: a set value comes back as a
//	ValueResult, an unset one as ErrNotSet, and a node whose latest
//	attempt failed terminally with its retry budget spent as
//	ErrComputationFailed. With WaitAny, WaitNewer or WaitForRevision the
//	probe repeats at waitPollInterval until the condition holds, the
//	node fails terminally, or the timeout passes (ErrWaitTimeout).
//
//	The WaitNewer baseline is the execution revision at call time; the
//	synthetic execution_id and last_updated_at nodes are readable like
//	any other.
func (s *Service) Get(ctx context.Context, id, node string, opts ...GetOption) (ValueResult, error) {
	cfg := getConfig{timeout: DefaultWaitTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	exec, err := s.store.Load(ctx, id)
	if err != nil {
		return ValueResult{}, err
	}
	g, err := s.graphFor(exec)
	if err != nil {
		return ValueResult{}, err
	}
	n, err := readableNode(g, node)
	if err != nil {
		return ValueResult{}, err
	}

	baseline := exec.Revision
	deadline := time.Now().Add(cfg.timeout)
	limiter := rate.NewLimiter(rate.Every(waitPollInterval), 1)

	for {
		v, err := s.store.GetValue(ctx, id, node)
		if err != nil {
			return ValueResult{}, err
		}
		if satisfied(v, cfg, baseline) {
			return ValueResult{Value: v.NodeValue, Metadata: v.Metadata, Revision: v.ExRevision}, nil
		}
		if ferr := s.terminalFailure(ctx, id, node, n); ferr != nil {
			return ValueResult{}, ferr
		}
		if cfg.mode == waitNone {
			return ValueResult{}, fmt.Errorf("node %q: %w", node, ErrNotSet)
		}
		if !time.Now().Before(deadline) {
			return ValueResult{}, fmt.Errorf("node %q after %s: %w", node, cfg.timeout, ErrWaitTimeout)
		}
		if err := limiter.Wait(ctx); err != nil {
			return ValueResult{}, fmt.Errorf("wait for node %q: %w", node, err)
		}
	}
}

// Values returns the set values of an execution, keyed by node name.
func (s *Service) Values(ctx context.Context, id string) (map[string]graph.ValueView, error) {
	exec, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	views := make(map[string]graph.ValueView)
	for _, v := range exec.Values {
		if v.Set() {
			views[v.NodeName] = v.View()
		}
	}
	return views, nil
}

// ValuesAll returns every value row of an execution, set or not.
func (s *Service) ValuesAll(ctx context.Context, id string) (map[string]graph.ValueView, error) {
	exec, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return exec.ValueViews(), nil
}

// History returns every computation attempt of an execution, most recent
// completion first, open attempts last.
func (s *Service) History(ctx context.Context, id string) ([]*storage.Computation, error) {
	exec, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return exec.Computations, nil
}

// ListExecutions pages through executions with graph, value and archive
// filters.
func (s *Service) ListExecutions(ctx context.Context, opts storage.ListOptions) ([]*storage.Execution, error) {
	return s.store.ListExecutions(ctx, opts)
}

// CountExecutions counts the executions ListExecutions would return,
// ignoring pagination.
func (s *Service) CountExecutions(ctx context.Context, opts storage.ListOptions) (int64, error) {
	return s.store.CountExecutions(ctx, opts)
}

// Archive hides an execution from listings and stops new work on it.
func (s *Service) Archive(ctx context.Context, id string) error {
	if err := s.store.Archive(ctx, id); err != nil {
		return err
	}
	s.logger.Info("execution archived", "execution_id", id)
	return nil
}

// Unarchive restores an archived execution. The next advance, manual or
// swept, resumes its pending work.
func (s *Service) Unarchive(ctx context.Context, id string) error {
	if err := s.store.Unarchive(ctx, id); err != nil {
		return err
	}
	s.logger.Info("execution unarchived", "execution_id", id)
	s.triggerAdvance(ctx, id)
	return nil
}

// Advance manually drives one execution as far as its gates allow.
func (s *Service) Advance(ctx context.Context, id string) error {
	if s.adv == nil {
		return nil
	}
	return s.adv.Advance(ctx, id)
}

// RetryNode reopens a terminally failed or abandoned step past its retry
// budget and drives the execution.
//
// Outputs:
//   - ErrUnknownNode when the graph has no such step.
//   - ErrNotRetryable when the node is an input, has no attempts, or its
//     latest attempt is not failed or abandoned.
func (s *Service) RetryNode(ctx context.Context, id, node string) error {
	exec, err := s.store.Load(ctx, id)
	if err != nil {
		return err
	}
	g, err := s.graphFor(exec)
	if err != nil {
		return err
	}
	n, ok := g.Node(node)
	if !ok {
		return unknownNode(g, node)
	}
	if n.IsInput() {
		return fmt.Errorf("node %q is an input: %w", node, ErrNotRetryable)
	}

	latest := exec.LatestComputation(node)
	switch {
	case latest == nil:
		return fmt.Errorf("node %q has no attempts: %w", node, ErrNotRetryable)
	case !latest.State.Retryable():
		return fmt.Errorf("node %q is %s: %w", node, latest.State, ErrNotRetryable)
	}

	if _, created, err := s.store.EnsurePending(ctx, id, node, n.Kind); err != nil {
		return err
	} else if created {
		s.logger.Info("node reopened for retry", "execution_id", id, "node", node)
	}

	s.triggerAdvance(ctx, id)
	return nil
}

// DriftedExecutions reports the executions the scheduler skipped for
// graph-hash drift since process start.
func (s *Service) DriftedExecutions() []string {
	if s.adv == nil {
		return nil
	}
	return s.adv.DriftedExecutions()
}

// triggerAdvance runs one advance after a value change. The write is
// already durable, so an advance failure is logged, not returned; a sweep
// retries the drive.
func (s *Service) triggerAdvance(ctx context.Context, id string) {
	if s.adv == nil {
		return
	}
	if err := s.adv.Advance(ctx, id); err != nil {
		s.logger.Error("advance after write failed", "execution_id", id, "error", err)
	}
}

// graphOf loads an execution and resolves its graph.
func (s *Service) graphOf(ctx context.Context, id string) (*graph.Graph, error) {
	exec, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.graphFor(exec)
}

// graphFor resolves the catalog entry an execution was started from.
func (s *Service) graphFor(exec *storage.Execution) (*graph.Graph, error) {
	g, ok := s.catalog.Fetch(exec.GraphName, exec.GraphVersion)
	if !ok {
		return nil, fmt.Errorf("graph %s@%s: %w",
			exec.GraphName, exec.GraphVersion, ErrGraphNotRegistered)
	}
	return g, nil
}

// terminalFailure reports ErrComputationFailed when the node's latest
// attempt is failed or abandoned with the retry budget spent. Inputs and
// synthetic nodes never fail.
func (s *Service) terminalFailure(ctx context.Context, id, node string, n *graph.Node) error {
	if n == nil || n.IsInput() {
		return nil
	}
	latest, err := s.store.LatestComputation(ctx, id, node)
	if err != nil {
		if errors.Is(err, storage.ErrComputationNotFound) {
			return nil
		}
		return err
	}
	if latest == nil || !latest.State.Retryable() {
		return nil
	}
	attempts, err := s.store.FailedAttempts(ctx, id, node)
	if err != nil {
		return err
	}
	if attempts < n.MaxRetries {
		// A retry is still coming; the wait loop keeps polling.
		return nil
	}
	if latest.ErrorDetails != nil && *latest.ErrorDetails != "" {
		return fmt.Errorf("node %q: %w: %s", node, ErrComputationFailed, *latest.ErrorDetails)
	}
	return fmt.Errorf("node %q: %w", node, ErrComputationFailed)
}

// satisfied reports whether a value row meets the call's wait condition.
func satisfied(v *storage.Value, cfg getConfig, baseline int64) bool {
	if !v.Set() {
		return false
	}
	switch cfg.mode {
	case waitNewer:
		return v.ExRevision > baseline
	case waitForRevision:
		return v.ExRevision >= cfg.revision
	default:
		return true
	}
}

// settableInput validates a Set or Unset target: it must be a declared
// input node of the graph.
func settableInput(g *graph.Graph, node string) error {
	if graph.Reserved(node) {
		return fmt.Errorf("node %q is engine-maintained: %w", node, ErrNotInput)
	}
	n, ok := g.Node(node)
	if !ok {
		return unknownNode(g, node)
	}
	if !n.IsInput() {
		return fmt.Errorf("node %q is %s (inputs: %s): %w",
			node, n.Kind, strings.Join(inputNames(g), ", "), ErrNotInput)
	}
	return nil
}

// readableNode resolves a Get target. Synthetic nodes resolve to nil; they
// exist on every execution without a graph declaration.
func readableNode(g *graph.Graph, node string) (*graph.Node, error) {
	if graph.Reserved(node) {
		return nil, nil
	}
	n, ok := g.Node(node)
	if !ok {
		return nil, unknownNode(g, node)
	}
	return n, nil
}

// unknownNode builds the enumerating unknown-node error.
func unknownNode(g *graph.Graph, node string) error {
	return fmt.Errorf("node %q not in graph %s@%s (nodes: %s): %w",
		node, g.Name, g.Version, strings.Join(g.NodeNames(), ", "), ErrUnknownNode)
}

// inputNames lists the graph's input nodes, sorted.
func inputNames(g *graph.Graph) []string {
	var names []string
	for _, n := range g.Nodes() {
		if n.IsInput() {
			names = append(names, n.Name)
		}
	}
	return names
}
