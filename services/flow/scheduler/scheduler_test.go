// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
	"github.com/AleutianAI/AleutianFlow/services/flow/storage"
)

// fakeStore is an in-memory stand-in for the persistence layer. It mirrors
// the transactional semantics the scheduler depends on: append-only
// computation rows, claim state checks, no-op value suppression and the
// revision counter.
type fakeStore struct {
	mu     sync.Mutex
	execs  map[string]*storage.Execution
	nextID int64

	heartbeats map[int64]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		execs:      make(map[string]*storage.Execution),
		heartbeats: make(map[int64]int),
	}
}

func (f *fakeStore) Load(ctx context.Context, id string) (*storage.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, storage.ErrExecutionNotFound)
	}
	return cloneExecution(exec), nil
}

func (f *fakeStore) EnsurePending(ctx context.Context, executionID, node string, typ graph.NodeKind) (*storage.Computation, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[executionID]
	if !ok {
		return nil, false, fmt.Errorf("execution %s: %w", executionID, storage.ErrExecutionNotFound)
	}
	if latest := latestLocked(exec, node); latest != nil {
		switch latest.State {
		case storage.StateNotSet, storage.StateComputing, storage.StateCancelled:
			return cloneComputation(latest), false, nil
		}
	}
	f.nextID++
	now := time.Now()
	comp := &storage.Computation{
		ID:            f.nextID,
		ExecutionID:   executionID,
		NodeName:      node,
		Type:          typ,
		State:         storage.StateNotSet,
		ScheduledTime: &now,
	}
	exec.Computations = append(exec.Computations, comp)
	return cloneComputation(comp), true, nil
}

func (f *fakeStore) ClaimComputation(ctx context.Context, computationID int64, expected storage.State, exRevision int64, snapshot map[string]int64, heartbeatTimeout, abandonAfter time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, comp := f.findLocked(computationID)
	if comp == nil || comp.State != expected {
		return false, nil
	}
	for _, sibling := range exec.Computations {
		if sibling.NodeName == comp.NodeName && sibling.ID != comp.ID && sibling.State == storage.StateComputing {
			return false, nil
		}
	}
	now := time.Now()
	deadline := now.Add(abandonAfter)
	hbDeadline := now.Add(heartbeatTimeout)
	rev := exRevision
	comp.State = storage.StateComputing
	comp.StartTime = &now
	comp.ExRevisionAtStart = &rev
	comp.Deadline = &deadline
	comp.HeartbeatDeadline = &hbDeadline
	comp.LastHeartbeatAt = &now
	comp.ComputedWith = make(map[string]int64, len(snapshot))
	for k, v := range snapshot {
		comp.ComputedWith[k] = v
	}
	return true, nil
}

func (f *fakeStore) CompleteComputation(ctx context.Context, req storage.CompletionRequest) (*storage.CompletionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, comp := f.findLocked(req.ComputationID)
	if comp == nil {
		return nil, fmt.Errorf("computation %d: %w", req.ComputationID, storage.ErrComputationNotFound)
	}
	if comp.State != storage.StateComputing {
		return nil, fmt.Errorf("computation %d in state %q: %w", comp.ID, comp.State, storage.ErrClaimLost)
	}

	changed := false
	if req.State == storage.StateSuccess {
		bumpTo := exec.Revision + 1
		target := req.Node
		if req.Type == graph.KindMutate {
			target = req.MutateTarget
		}
		changed = writeValueLocked(exec, target, req.Value, bumpTo, req.UpdateRevisionOnChange)
		if req.Type == graph.KindMutate {
			marker := fmt.Sprintf("updated %s", req.MutateTarget)
			if writeValueLocked(exec, req.Node, marker, bumpTo, false) {
				changed = true
			}
		}
		if req.Type == graph.KindArchive && exec.ArchivedAt == nil {
			now := time.Now()
			exec.ArchivedAt = &now
		}
	}

	finalRev := exec.Revision
	if changed {
		finalRev = exec.Revision + 1
		exec.Revision = finalRev
	}

	now := time.Now()
	rev := finalRev
	comp.State = req.State
	comp.CompletionTime = &now
	comp.ExRevisionAtCompletion = &rev
	if req.ErrorDetails != "" {
		details := req.ErrorDetails
		comp.ErrorDetails = &details
	}
	return &storage.CompletionResult{
		Execution:    cloneExecution(exec),
		ValueChanged: changed,
		Revision:     finalRev,
	}, nil
}

func (f *fakeStore) Heartbeat(ctx context.Context, computationID int64, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats[computationID]++
	_, comp := f.findLocked(computationID)
	if comp == nil || comp.State != storage.StateComputing {
		return fmt.Errorf("computation %d: %w", computationID, storage.ErrClaimLost)
	}
	hbDeadline := time.Now().Add(timeout)
	comp.HeartbeatDeadline = &hbDeadline
	return nil
}

func (f *fakeStore) MarkAbandoned(ctx context.Context, computationID int64, reason string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, comp := f.findLocked(computationID)
	if comp == nil || comp.State != storage.StateComputing {
		return false, nil
	}
	now := time.Now()
	rev := exec.Revision
	comp.State = storage.StateAbandoned
	comp.CompletionTime = &now
	comp.ExRevisionAtCompletion = &rev
	comp.ErrorDetails = &reason
	return true, nil
}

func (f *fakeStore) FailedAttempts(ctx context.Context, executionID, node string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[executionID]
	if !ok {
		return 0, fmt.Errorf("execution %s: %w", executionID, storage.ErrExecutionNotFound)
	}
	var lastSuccess int64
	for _, c := range exec.Computations {
		if c.NodeName == node && c.State == storage.StateSuccess && c.ID > lastSuccess {
			lastSuccess = c.ID
		}
	}
	count := 0
	for _, c := range exec.Computations {
		if c.NodeName != node || c.ID <= lastSuccess {
			continue
		}
		if c.State == storage.StateFailed || c.State == storage.StateAbandoned {
			count++
		}
	}
	return count, nil
}

// addExecution seeds an execution the way execution creation does: revision
// 1, one value row per node, the synthetic rows set, and a not_set
// computation row per step.
func (f *fakeStore) addExecution(g *graph.Graph, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	epoch := time.Now().Unix()
	exec := &storage.Execution{
		ID:           id,
		GraphName:    g.Name,
		GraphVersion: g.Version,
		GraphHash:    g.Hash,
		Revision:     1,
	}
	for _, n := range g.Nodes() {
		exec.Values = append(exec.Values, &storage.Value{
			ExecutionID: id,
			NodeName:    n.Name,
			NodeType:    n.Kind,
		})
	}
	idEpoch := epoch
	exec.Values = append(exec.Values,
		&storage.Value{ExecutionID: id, NodeName: graph.NodeExecutionID, NodeType: graph.KindInput, NodeValue: id, SetTime: &idEpoch, ExRevision: 1},
		&storage.Value{ExecutionID: id, NodeName: graph.NodeLastUpdatedAt, NodeType: graph.KindInput, NodeValue: epoch, SetTime: &idEpoch, ExRevision: 1},
	)
	for _, step := range g.Steps() {
		f.nextID++
		now := time.Now()
		exec.Computations = append(exec.Computations, &storage.Computation{
			ID:            f.nextID,
			ExecutionID:   id,
			NodeName:      step.Name,
			Type:          step.Kind,
			State:         storage.StateNotSet,
			ScheduledTime: &now,
		})
	}
	f.execs[id] = exec
}

// setValue emulates an input set: revision bump, value rewrite, synthetic
// last_updated_at ride-along.
func (f *fakeStore) setValue(execID, node string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec := f.execs[execID]
	exec.Revision++
	epoch := time.Now().Unix()
	for _, row := range exec.Values {
		if row.NodeName == node {
			row.NodeValue = value
			row.SetTime = &epoch
			row.ExRevision = exec.Revision
		}
		if row.NodeName == graph.NodeLastUpdatedAt {
			row.NodeValue = epoch
			row.SetTime = &epoch
			row.ExRevision = exec.Revision
		}
	}
}

func (f *fakeStore) setGraphHash(execID, hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs[execID].GraphHash = hash
}

func (f *fakeStore) archive(execID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	f.execs[execID].ArchivedAt = &now
}

func (f *fakeStore) latest(execID, node string) *storage.Computation {
	f.mu.Lock()
	defer f.mu.Unlock()
	comp := latestLocked(f.execs[execID], node)
	if comp == nil {
		return nil
	}
	return cloneComputation(comp)
}

func (f *fakeStore) rowCount(execID, node string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, c := range f.execs[execID].Computations {
		if c.NodeName == node {
			count++
		}
	}
	return count
}

func (f *fakeStore) countState(execID string, state storage.State) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, c := range f.execs[execID].Computations {
		if c.State == state {
			count++
		}
	}
	return count
}

func (f *fakeStore) valueOf(execID, node string) *storage.Value {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.execs[execID].Value(node)
	if row == nil {
		return nil
	}
	clone := *row
	return &clone
}

func (f *fakeStore) heartbeatCount(computationID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats[computationID]
}

func (f *fakeStore) findLocked(computationID int64) (*storage.Execution, *storage.Computation) {
	for _, exec := range f.execs {
		for _, c := range exec.Computations {
			if c.ID == computationID {
				return exec, c
			}
		}
	}
	return nil, nil
}

func latestLocked(exec *storage.Execution, node string) *storage.Computation {
	var latest *storage.Computation
	for _, c := range exec.Computations {
		if c.NodeName == node && (latest == nil || c.ID > latest.ID) {
			latest = c
		}
	}
	return latest
}

func writeValueLocked(exec *storage.Execution, node string, value any, bumpTo int64, forceBump bool) bool {
	row := exec.Value(node)
	if row == nil {
		row = &storage.Value{ExecutionID: exec.ID, NodeName: node}
		exec.Values = append(exec.Values, row)
	}
	epoch := time.Now().Unix()
	if !forceBump && row.SetTime != nil && reflect.DeepEqual(row.NodeValue, value) {
		row.SetTime = &epoch
		return false
	}
	row.NodeValue = value
	row.SetTime = &epoch
	row.ExRevision = bumpTo
	return true
}

func cloneExecution(e *storage.Execution) *storage.Execution {
	c := *e
	if e.ArchivedAt != nil {
		t := *e.ArchivedAt
		c.ArchivedAt = &t
	}
	c.Values = make([]*storage.Value, len(e.Values))
	for i, v := range e.Values {
		vc := *v
		if v.SetTime != nil {
			t := *v.SetTime
			vc.SetTime = &t
		}
		c.Values[i] = &vc
	}
	c.Computations = make([]*storage.Computation, len(e.Computations))
	for i, comp := range e.Computations {
		c.Computations[i] = cloneComputation(comp)
	}
	return &c
}

func cloneComputation(c *storage.Computation) *storage.Computation {
	clone := *c
	if c.ComputedWith != nil {
		clone.ComputedWith = make(map[string]int64, len(c.ComputedWith))
		for k, v := range c.ComputedWith {
			clone.ComputedWith[k] = v
		}
	}
	return &clone
}

// ---- test scaffolding ----

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(t *testing.T, fs *fakeStore, graphs ...*graph.Graph) *Scheduler {
	t.Helper()
	return newTestSchedulerWithOptions(t, fs, Options{Logger: quietLogger()}, graphs...)
}

func newTestSchedulerWithOptions(t *testing.T, fs *fakeStore, opts Options, graphs ...*graph.Graph) *Scheduler {
	t.Helper()
	catalog := graph.NewCatalog()
	for _, g := range graphs {
		if err := catalog.Register(g); err != nil {
			t.Fatalf("register graph %s: %v", g.Name, err)
		}
	}
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	return New(fs, catalog, opts)
}

func greeterGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g, err := graph.NewBuilder("greeter", "1.0.0").
		Add(graph.Input("name")).
		Add(graph.Compute("greeting", graph.DependsOn("name"), func(ctx context.Context, vals graph.Values) (any, error) {
			return "Hello, " + vals.String("name"), nil
		})).
		Build()
	if err != nil {
		t.Fatalf("build greeter graph: %v", err)
	}
	return g
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ---- tests ----

func TestAdvanceComputesReadyStep(t *testing.T) {
	fs := newFakeStore()
	g := greeterGraph(t)
	s := newTestScheduler(t, fs, g)

	fs.addExecution(g, "demoEXECaaa")
	fs.setValue("demoEXECaaa", "name", "Ada")

	if err := s.Advance(context.Background(), "demoEXECaaa"); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	s.Wait()

	row := fs.valueOf("demoEXECaaa", "greeting")
	if row == nil || row.SetTime == nil {
		t.Fatal("greeting value was not persisted")
	}
	if row.NodeValue != "Hello, Ada" {
		t.Errorf("greeting = %v, want %q", row.NodeValue, "Hello, Ada")
	}
	if row.ExRevision != 3 {
		t.Errorf("greeting ex_revision = %d, want 3 (create=1, set=2, computed=3)", row.ExRevision)
	}

	comp := fs.latest("demoEXECaaa", "greeting")
	if comp.State != storage.StateSuccess {
		t.Fatalf("computation state = %s, want success", comp.State)
	}
	if got := comp.ComputedWith["name"]; got != 2 {
		t.Errorf("computed_with[name] = %d, want 2", got)
	}
	if comp.ExRevisionAtCompletion == nil || *comp.ExRevisionAtCompletion != 3 {
		t.Errorf("ex_revision_at_completion = %v, want 3", comp.ExRevisionAtCompletion)
	}
}

func TestAdvanceWaitsForUnreadyGate(t *testing.T) {
	fs := newFakeStore()
	g := greeterGraph(t)
	s := newTestScheduler(t, fs, g)

	fs.addExecution(g, "demoEXECbbb")

	if err := s.Advance(context.Background(), "demoEXECbbb"); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	s.Wait()

	comp := fs.latest("demoEXECbbb", "greeting")
	if comp.State != storage.StateNotSet {
		t.Errorf("computation state = %s, want not_set while the input is missing", comp.State)
	}
	if row := fs.valueOf("demoEXECbbb", "greeting"); row.SetTime != nil {
		t.Error("greeting value should not be set")
	}
}

func TestAdvanceUnregisteredGraph(t *testing.T) {
	fs := newFakeStore()
	g := greeterGraph(t)
	s := newTestScheduler(t, fs) // nothing registered

	fs.addExecution(g, "demoEXECccc")

	err := s.Advance(context.Background(), "demoEXECccc")
	if !errors.Is(err, ErrGraphNotRegistered) {
		t.Fatalf("Advance error = %v, want ErrGraphNotRegistered", err)
	}
}

func TestAdvanceMissingExecution(t *testing.T) {
	fs := newFakeStore()
	s := newTestScheduler(t, fs, greeterGraph(t))

	err := s.Advance(context.Background(), "demoEXECnope")
	if !errors.Is(err, storage.ErrExecutionNotFound) {
		t.Fatalf("Advance error = %v, want ErrExecutionNotFound", err)
	}
}

func TestAdvanceSkipsDriftedExecution(t *testing.T) {
	fs := newFakeStore()
	g := greeterGraph(t)
	s := newTestScheduler(t, fs, g)

	fs.addExecution(g, "demoEXECddd")
	fs.setValue("demoEXECddd", "name", "Ada")
	fs.setGraphHash("demoEXECddd", "deadbeef")

	if err := s.Advance(context.Background(), "demoEXECddd"); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	s.Wait()

	if comp := fs.latest("demoEXECddd", "greeting"); comp.State != storage.StateNotSet {
		t.Errorf("drifted execution was advanced: state = %s", comp.State)
	}
	drifted := s.DriftedExecutions()
	if len(drifted) != 1 || drifted[0] != "demoEXECddd" {
		t.Errorf("DriftedExecutions = %v, want [demoEXECddd]", drifted)
	}

	// A second advance must not double-count.
	if err := s.Advance(context.Background(), "demoEXECddd"); err != nil {
		t.Fatalf("second Advance: %v", err)
	}
	if got := len(s.DriftedExecutions()); got != 1 {
		t.Errorf("drifted count after second advance = %d, want 1", got)
	}
}

func TestAdvanceArchivedExecutionTakesNoWork(t *testing.T) {
	fs := newFakeStore()
	g := greeterGraph(t)
	s := newTestScheduler(t, fs, g)

	fs.addExecution(g, "demoEXECeee")
	fs.setValue("demoEXECeee", "name", "Ada")
	fs.archive("demoEXECeee")

	if err := s.Advance(context.Background(), "demoEXECeee"); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	s.Wait()

	if comp := fs.latest("demoEXECeee", "greeting"); comp.State != storage.StateNotSet {
		t.Errorf("archived execution was advanced: state = %s", comp.State)
	}
}

func TestAdvanceStaleSuccessRecomputes(t *testing.T) {
	fs := newFakeStore()
	g := greeterGraph(t)
	s := newTestScheduler(t, fs, g)

	fs.addExecution(g, "demoEXECfff")
	fs.setValue("demoEXECfff", "name", "Ada")
	if err := s.Advance(context.Background(), "demoEXECfff"); err != nil {
		t.Fatalf("first Advance: %v", err)
	}
	s.Wait()

	fs.setValue("demoEXECfff", "name", "Grace")
	if err := s.Advance(context.Background(), "demoEXECfff"); err != nil {
		t.Fatalf("second Advance: %v", err)
	}
	s.Wait()

	row := fs.valueOf("demoEXECfff", "greeting")
	if row.NodeValue != "Hello, Grace" {
		t.Errorf("greeting = %v, want %q", row.NodeValue, "Hello, Grace")
	}
	if row.ExRevision != 5 {
		t.Errorf("greeting ex_revision = %d, want 5", row.ExRevision)
	}
	if got := fs.rowCount("demoEXECfff", "greeting"); got != 2 {
		t.Errorf("computation rows = %d, want 2 (original success + recompute)", got)
	}
}

func TestAdvanceFreshSuccessStaysQuiet(t *testing.T) {
	fs := newFakeStore()
	g := greeterGraph(t)
	s := newTestScheduler(t, fs, g)

	fs.addExecution(g, "demoEXECggg")
	fs.setValue("demoEXECggg", "name", "Ada")
	if err := s.Advance(context.Background(), "demoEXECggg"); err != nil {
		t.Fatalf("first Advance: %v", err)
	}
	s.Wait()

	// No upstream change: a re-advance must not open a new attempt.
	if err := s.Advance(context.Background(), "demoEXECggg"); err != nil {
		t.Fatalf("second Advance: %v", err)
	}
	s.Wait()

	if got := fs.rowCount("demoEXECggg", "greeting"); got != 1 {
		t.Errorf("computation rows = %d, want 1", got)
	}
}

func TestAdvanceSkipsComputingNode(t *testing.T) {
	fs := newFakeStore()
	g := greeterGraph(t)
	s := newTestScheduler(t, fs, g)

	fs.addExecution(g, "demoEXEChhh")
	fs.setValue("demoEXEChhh", "name", "Ada")

	// Another replica holds the claim.
	seeded := fs.latest("demoEXEChhh", "greeting")
	ok, err := fs.ClaimComputation(context.Background(), seeded.ID, storage.StateNotSet, 2, map[string]int64{"name": 2}, time.Minute, time.Hour)
	if err != nil || !ok {
		t.Fatalf("setup claim failed: ok=%v err=%v", ok, err)
	}

	if err := s.Advance(context.Background(), "demoEXEChhh"); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	s.Wait()

	if got := fs.rowCount("demoEXEChhh", "greeting"); got != 1 {
		t.Errorf("computation rows = %d, want 1 (no duplicate attempt)", got)
	}
	if comp := fs.latest("demoEXEChhh", "greeting"); comp.State != storage.StateComputing {
		t.Errorf("state = %s, want computing", comp.State)
	}
}

func TestAdvanceChainsDownstream(t *testing.T) {
	fs := newFakeStore()
	g, err := graph.NewBuilder("pipeline", "1.0.0").
		Add(graph.Input("raw")).
		Add(graph.Compute("cleaned", graph.DependsOn("raw"), func(ctx context.Context, vals graph.Values) (any, error) {
			return vals.String("raw") + ":cleaned", nil
		})).
		Add(graph.Compute("enriched", graph.DependsOn("cleaned"), func(ctx context.Context, vals graph.Values) (any, error) {
			return vals.String("cleaned") + ":enriched", nil
		})).
		Build()
	if err != nil {
		t.Fatalf("build pipeline graph: %v", err)
	}
	s := newTestScheduler(t, fs, g)

	fs.addExecution(g, "demoEXECiii")
	fs.setValue("demoEXECiii", "raw", "payload")

	if err := s.Advance(context.Background(), "demoEXECiii"); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	s.Wait()

	row := fs.valueOf("demoEXECiii", "enriched")
	if row == nil || row.NodeValue != "payload:cleaned:enriched" {
		t.Fatalf("enriched = %v, want chained result", row)
	}

	// Downstream's snapshot must record the upstream revision it consumed.
	comp := fs.latest("demoEXECiii", "enriched")
	cleanedRow := fs.valueOf("demoEXECiii", "cleaned")
	if got := comp.ComputedWith["cleaned"]; got != cleanedRow.ExRevision {
		t.Errorf("computed_with[cleaned] = %d, want %d", got, cleanedRow.ExRevision)
	}
}

func TestAdvanceHonorsConcurrencyCap(t *testing.T) {
	fs := newFakeStore()

	proceed := make(chan struct{})
	var active, maxActive int64
	tracked := func(result string) graph.ComputeFunc {
		return func(ctx context.Context, vals graph.Values) (any, error) {
			cur := atomic.AddInt64(&active, 1)
			defer atomic.AddInt64(&active, -1)
			for {
				prev := atomic.LoadInt64(&maxActive)
				if cur <= prev || atomic.CompareAndSwapInt64(&maxActive, prev, cur) {
					break
				}
			}
			select {
			case <-proceed:
				return result, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	g, err := graph.NewBuilder("fanout", "1.0.0").
		Add(graph.Input("go")).
		Add(graph.Compute("left", graph.DependsOn("go"), tracked("left-done"))).
		Add(graph.Compute("right", graph.DependsOn("go"), tracked("right-done"))).
		Build()
	if err != nil {
		t.Fatalf("build fanout graph: %v", err)
	}
	s := newTestSchedulerWithOptions(t, fs, Options{MaxConcurrent: 1, Logger: quietLogger()}, g)

	fs.addExecution(g, "demoEXECjjj")
	fs.setValue("demoEXECjjj", "go", true)

	if err := s.Advance(context.Background(), "demoEXECjjj"); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	// Exactly one claim fits under the cap.
	waitFor(t, 2*time.Second, "first worker to start", func() bool {
		return atomic.LoadInt64(&active) == 1
	})
	if got := fs.countState("demoEXECjjj", storage.StateComputing); got != 1 {
		t.Errorf("computing rows under cap = %d, want 1", got)
	}

	// Releasing the slot lets the chained advance claim the second node.
	close(proceed)
	s.Wait()

	if got := fs.countState("demoEXECjjj", storage.StateSuccess); got != 2 {
		t.Errorf("success rows = %d, want 2", got)
	}
	if got := atomic.LoadInt64(&maxActive); got != 1 {
		t.Errorf("max concurrent workers = %d, want 1", got)
	}
}

func TestAdvanceRetriesUntilBudgetExhausted(t *testing.T) {
	fs := newFakeStore()
	var calls int64
	g, err := graph.NewBuilder("flaky", "1.0.0").
		Add(graph.Input("in")).
		Add(graph.Compute("step", graph.DependsOn("in"), func(ctx context.Context, vals graph.Values) (any, error) {
			atomic.AddInt64(&calls, 1)
			return nil, errors.New("boom")
		}).WithMaxRetries(2)).
		Build()
	if err != nil {
		t.Fatalf("build flaky graph: %v", err)
	}
	s := newTestScheduler(t, fs, g)

	fs.addExecution(g, "demoEXECkkk")
	fs.setValue("demoEXECkkk", "in", 1)

	if err := s.Advance(context.Background(), "demoEXECkkk"); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	s.Wait()

	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Errorf("compute invocations = %d, want 2", got)
	}
	if got := fs.rowCount("demoEXECkkk", "step"); got != 2 {
		t.Errorf("computation rows = %d, want 2", got)
	}
	comp := fs.latest("demoEXECkkk", "step")
	if comp.State != storage.StateFailed {
		t.Errorf("final state = %s, want failed", comp.State)
	}
	if comp.ErrorDetails == nil || *comp.ErrorDetails != "boom" {
		t.Errorf("error_details = %v, want boom", comp.ErrorDetails)
	}

	// Budget exhausted: another advance must not reopen the node.
	if err := s.Advance(context.Background(), "demoEXECkkk"); err != nil {
		t.Fatalf("post-exhaustion Advance: %v", err)
	}
	s.Wait()
	if got := fs.rowCount("demoEXECkkk", "step"); got != 2 {
		t.Errorf("rows after exhausted advance = %d, want 2", got)
	}
}

func TestAdvanceUpstreamChangeReopensExhaustedNode(t *testing.T) {
	fs := newFakeStore()
	var fail atomic.Bool
	fail.Store(true)
	g, err := graph.NewBuilder("recovering", "1.0.0").
		Add(graph.Input("in")).
		Add(graph.Compute("step", graph.DependsOn("in"), func(ctx context.Context, vals graph.Values) (any, error) {
			if fail.Load() {
				return nil, errors.New("down")
			}
			return "ok", nil
		}).WithMaxRetries(1)).
		Build()
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	s := newTestScheduler(t, fs, g)

	fs.addExecution(g, "demoEXEClll")
	fs.setValue("demoEXEClll", "in", 1)
	if err := s.Advance(context.Background(), "demoEXEClll"); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	s.Wait()
	if comp := fs.latest("demoEXEClll", "step"); comp.State != storage.StateFailed {
		t.Fatalf("setup: state = %s, want failed", comp.State)
	}

	// The input moving past the failed attempt's snapshot grants one
	// fresh attempt even though the retry budget is spent.
	fail.Store(false)
	fs.setValue("demoEXEClll", "in", 2)
	if err := s.Advance(context.Background(), "demoEXEClll"); err != nil {
		t.Fatalf("Advance after fix: %v", err)
	}
	s.Wait()

	comp := fs.latest("demoEXEClll", "step")
	if comp.State != storage.StateSuccess {
		t.Errorf("state after upstream change = %s, want success", comp.State)
	}
	if got := fs.rowCount("demoEXEClll", "step"); got != 2 {
		t.Errorf("computation rows = %d, want 2", got)
	}
}

func TestSnapshotForRecordsUpstreamRevisions(t *testing.T) {
	step := &graph.Node{
		Name:    "sum",
		Kind:    graph.KindCompute,
		GatedBy: graph.DependsOn("a", "b"),
	}
	views := map[string]graph.ValueView{
		"a": {Node: "a", Revision: 4},
		"b": {Node: "b", Revision: 7},
		"c": {Node: "c", Revision: 9},
	}
	snapshot := snapshotFor(step, views)
	want := map[string]int64{"a": 4, "b": 7}
	if !reflect.DeepEqual(snapshot, want) {
		t.Errorf("snapshot = %v, want %v", snapshot, want)
	}
}

func TestUpstreamMovedDetection(t *testing.T) {
	step := &graph.Node{
		Name:    "out",
		Kind:    graph.KindCompute,
		GatedBy: graph.DependsOn("a"),
	}
	views := map[string]graph.ValueView{"a": {Node: "a", Revision: 5}}

	fresh := &storage.Computation{ComputedWith: map[string]int64{"a": 5}}
	if upstreamMoved(step, fresh, views) {
		t.Error("computation at the current revision reported stale")
	}

	behind := &storage.Computation{ComputedWith: map[string]int64{"a": 3}}
	if !upstreamMoved(step, behind, views) {
		t.Error("computation behind the upstream revision not reported stale")
	}

	missing := &storage.Computation{ComputedWith: map[string]int64{}}
	if !upstreamMoved(step, missing, views) {
		t.Error("missing snapshot entry should read as revision 0 and be stale")
	}
}

func TestJitterBounds(t *testing.T) {
	base := time.Second
	for i := 0; i < 1000; i++ {
		d := jitter(base, 0.2)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jitter(%v, 0.2) = %v, outside ±20%%", base, d)
		}
	}
	if d := jitter(base, 0); d != base {
		t.Errorf("jitter with zero factor = %v, want %v", d, base)
	}
}

func TestDefaultOptionsReadsEnvironment(t *testing.T) {
	t.Setenv(EnvMaxConcurrent, "12")
	if got := DefaultOptions().MaxConcurrent; got != 12 {
		t.Errorf("MaxConcurrent = %d, want 12", got)
	}

	t.Setenv(EnvMaxConcurrent, "not-a-number")
	if got := DefaultOptions().MaxConcurrent; got != 0 {
		t.Errorf("MaxConcurrent with junk env = %d, want 0", got)
	}
}
