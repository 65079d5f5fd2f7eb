// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler drives executions forward: it finds unblocked steps,
// claims them transactionally, and runs their compute functions on worker
// goroutines with heartbeat liveness.
//
// Advance is the single entry point. It is invoked after every input
// change, after every worker completion (chaining), from every sweep's
// positive finding, and from the manual API. All of those callers can
// overlap; per-process calls for the same execution are deduplicated with
// singleflight, and cross-replica safety comes from the claim transaction
// alone.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/analytics"
	"github.com/AleutianAI/AleutianFlow/services/flow/gate"
	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
	"github.com/AleutianAI/AleutianFlow/services/flow/storage"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// tracerName identifies scheduler spans.
const tracerName = "flow.scheduler"

// EnvMaxConcurrent caps concurrent user functions per replica. Zero or
// unset means unbounded.
const EnvMaxConcurrent = "FLOW_MAX_CONCURRENT_COMPUTATIONS"

// Store is the slice of the persistence layer the scheduler needs. It is
// satisfied by *storage.Store; tests substitute an in-memory fake.
type Store interface {
	Load(ctx context.Context, id string) (*storage.Execution, error)
	EnsurePending(ctx context.Context, executionID, node string, typ graph.NodeKind) (*storage.Computation, bool, error)
	ClaimComputation(ctx context.Context, computationID int64, expected storage.State, exRevision int64, snapshot map[string]int64, heartbeatTimeout, abandonAfter time.Duration) (bool, error)
	CompleteComputation(ctx context.Context, req storage.CompletionRequest) (*storage.CompletionResult, error)
	Heartbeat(ctx context.Context, computationID int64, timeout time.Duration) error
	MarkAbandoned(ctx context.Context, computationID int64, reason string) (bool, error)
	FailedAttempts(ctx context.Context, executionID, node string) (int, error)
}

// Options tunes a Scheduler. The zero value is usable: unbounded
// concurrency, default logger, no metrics, no analytics.
type Options struct {
	// MaxConcurrent caps concurrent claimed computations in this process.
	// Zero means unbounded; claims over the cap simply do not occur and
	// the pending row is picked up by a later advance.
	MaxConcurrent int64

	Logger   *slog.Logger
	Metrics  *telemetry.Metrics
	Recorder *analytics.Recorder
}

// DefaultOptions reads tuning from the environment.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent: int64(getEnvInt(EnvMaxConcurrent, 0)),
	}
}

// Scheduler finds ready steps and runs them.
//
// Description:
//
//	One Scheduler per process. It owns the per-process claim semaphore,
//	the singleflight group that collapses concurrent Advance calls for
//	the same execution, and the set of executions skipped for graph-hash
//	drift. Workers it spawns outlive the triggering request; Wait drains
//	them on shutdown.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type Scheduler struct {
	store    Store
	catalog  *graph.Catalog
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	recorder *analytics.Recorder

	// sem caps concurrent user functions; nil means unbounded.
	sem    *semaphore.Weighted
	flight singleflight.Group
	wg     sync.WaitGroup

	mu      sync.Mutex
	drifted map[string]struct{}
}

// New creates a Scheduler over the given store and catalog.
func New(store Store, catalog *graph.Catalog, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:    store,
		catalog:  catalog,
		logger:   logger.With("component", "flow_scheduler"),
		metrics:  opts.Metrics,
		recorder: opts.Recorder,
		drifted:  make(map[string]struct{}),
	}
	if opts.MaxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(opts.MaxConcurrent)
	}
	return s
}

// Advance drives one execution as far as its gates allow.
//
// Description:
//
//	Reloads the execution, derives the effective state of every step,
//	claims the ready ones and spawns a worker per claim. Passes repeat
//	until one claims nothing. Concurrent calls for the same execution
//	collapse into one; the collapsed callers share the winner's result.
//
// Outputs:
//   - ErrGraphNotRegistered when the execution's graph is not in the
//     catalog. Hash drift is not an error: the execution is skipped with
//     a warning and counted (see DriftedExecutions).
func (s *Scheduler) Advance(ctx context.Context, executionID string) error {
	_, err := s.advanceDedup(ctx, executionID)
	return err
}

// advanceDedup runs Advance under singleflight and reports whether the
// caller shared another flight's result. Chained advances retry once on a
// shared result so a completion racing the tail of an in-flight pass is
// still observed.
func (s *Scheduler) advanceDedup(ctx context.Context, executionID string) (bool, error) {
	_, err, shared := s.flight.Do(executionID, func() (interface{}, error) {
		return nil, s.advanceExecution(ctx, executionID)
	})
	return shared, err
}

// chainAdvance is the worker-side re-advance after a completion. A shared
// singleflight result means the pass we joined may have loaded state older
// than our completion, so one more call is made; that second call either
// runs fresh or joins a flight that started after the completion persisted.
func (s *Scheduler) chainAdvance(ctx context.Context, executionID string, logger *slog.Logger) {
	for i := 0; i < 2; i++ {
		shared, err := s.advanceDedup(ctx, executionID)
		if err != nil {
			logger.Error("chained advance failed", "error", err)
			return
		}
		if !shared {
			return
		}
	}
}

// advanceExecution is the pass loop body behind the singleflight gate.
func (s *Scheduler) advanceExecution(ctx context.Context, executionID string) error {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Scheduler.Advance",
		trace.WithAttributes(attribute.String("execution_id", executionID)))
	defer span.End()

	logger := telemetry.LoggerWithExecution(ctx, s.logger, executionID)

	total := 0
	for {
		claimed, err := s.advancePass(ctx, executionID, logger)
		if err != nil {
			telemetry.RecordError(span, err)
			s.countAdvance(ctx, "error", start)
			return err
		}
		total += claimed
		if claimed == 0 {
			break
		}
	}

	outcome := "idle"
	if total > 0 {
		outcome = "dispatched"
		logger.Debug("advance dispatched workers", "claims", total)
	}
	s.countAdvance(ctx, outcome, start)
	telemetry.SetSpanOK(span)
	return nil
}

// advancePass runs one claim pass and returns how many computations it
// claimed.
//
// Description:
//
//	Effective state per step, from the latest computation row: computing
//	and cancelled rows block the node; a not_set row is the claim target;
//	a success row whose upstream snapshot is behind any current value
//	revision is stale and gets a fresh not_set row before gating; failed
//	and abandoned rows re-enter while the retry budget lasts, or when an
//	upstream moved past their snapshot. Gates are evaluated against the
//	same loaded snapshot the claim will record, so computed_with matches
//	what the gate saw.
func (s *Scheduler) advancePass(ctx context.Context, executionID string, logger *slog.Logger) (int, error) {
	exec, err := s.store.Load(ctx, executionID)
	if err != nil {
		return 0, err
	}
	if exec.Archived() {
		return 0, nil
	}

	g, ok := s.catalog.Fetch(exec.GraphName, exec.GraphVersion)
	if !ok {
		logger.Error("graph not registered, execution skipped",
			"graph_name", exec.GraphName, "graph_version", exec.GraphVersion)
		return 0, fmt.Errorf("graph %s@%s: %w", exec.GraphName, exec.GraphVersion, ErrGraphNotRegistered)
	}
	if exec.GraphHash != g.Hash {
		s.markDrifted(ctx, exec, g, logger)
		return 0, nil
	}

	views := exec.ValueViews()
	claimed := 0

	for _, step := range g.Steps() {
		latest := exec.LatestComputation(step.Name)

		var target *storage.Computation
		needsRow := latest == nil
		if latest != nil {
			switch latest.State {
			case storage.StateComputing, storage.StateCancelled:
				continue
			case storage.StateNotSet:
				target = latest
			case storage.StateSuccess:
				if !upstreamMoved(step, latest, views) {
					continue
				}
				// Reactive invalidation: persist the reopened state even
				// when the gate is not currently ready.
				target, err = s.materialize(ctx, executionID, step)
				if err != nil {
					return claimed, err
				}
				if target == nil {
					continue
				}
			case storage.StateFailed, storage.StateAbandoned:
				attempts, err := s.store.FailedAttempts(ctx, executionID, step.Name)
				if err != nil {
					return claimed, err
				}
				if attempts >= step.MaxRetries && !upstreamMoved(step, latest, views) {
					// Budget exhausted and the inputs that failed are
					// unchanged. An upstream moving past the failed
					// attempt's snapshot grants one fresh attempt.
					continue
				}
				needsRow = true
			default:
				continue
			}
		}

		ready, err := gate.Evaluate(step.GatedBy, views)
		if err != nil {
			logger.Error("gate evaluation failed", "node", step.Name, "error", err)
			return claimed, fmt.Errorf("node %s: %w: %v", step.Name, ErrGateEvaluation, err)
		}
		if !ready.Ready {
			continue
		}

		if needsRow {
			target, err = s.materialize(ctx, executionID, step)
			if err != nil {
				return claimed, err
			}
			if target == nil {
				continue
			}
		}

		if !s.acquire() {
			// At the per-replica cap. The row stays not_set and a later
			// advance picks it up.
			continue
		}

		snapshot := snapshotFor(step, views)
		claimedAt := time.Now()
		ok, err := s.store.ClaimComputation(ctx, target.ID, storage.StateNotSet,
			exec.Revision, snapshot, step.HeartbeatTimeout, step.AbandonAfter)
		if err != nil {
			s.release()
			return claimed, err
		}
		if !ok {
			// Another replica won the row, or its state moved underneath
			// us. Not an error.
			s.release()
			continue
		}

		claimed++
		if s.metrics != nil {
			s.metrics.ComputationsClaimedTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("node_type", string(step.Kind))))
			s.metrics.NodesDispatchedTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("graph_name", g.Name)))
		}
		logger.Info("claimed computation",
			"node", step.Name, "node_type", string(step.Kind),
			"computation_id", target.ID, "revision", exec.Revision)

		jb := job{
			computationID: target.ID,
			executionID:   executionID,
			graph:         g,
			step:          step,
			views:         views,
			deadline:      claimedAt.Add(step.AbandonAfter),
		}
		s.wg.Add(1)
		go s.runWorker(context.WithoutCancel(ctx), jb)
	}

	return claimed, nil
}

// materialize opens a fresh not_set row for a step, returning nil when the
// row cannot be claimed anyway (a concurrent claim moved it to computing,
// or an operator cancelled it).
func (s *Scheduler) materialize(ctx context.Context, executionID string, step *graph.Node) (*storage.Computation, error) {
	comp, _, err := s.store.EnsurePending(ctx, executionID, step.Name, step.Kind)
	if err != nil {
		return nil, err
	}
	if comp == nil || comp.State != storage.StateNotSet {
		return nil, nil
	}
	return comp, nil
}

// upstreamMoved reports whether any upstream value moved past the revision
// snapshot the computation recorded at claim time. Against a success row
// this is the staleness test; against a terminal failed or abandoned row it
// detects that the inputs the attempt saw are gone.
func upstreamMoved(step *graph.Node, latest *storage.Computation, views map[string]graph.ValueView) bool {
	for _, upstream := range step.Upstreams() {
		view, ok := views[upstream]
		if !ok {
			continue
		}
		if view.Revision > latest.ComputedWith[upstream] {
			return true
		}
	}
	return false
}

// snapshotFor records the upstream revisions a claim computes against.
func snapshotFor(step *graph.Node, views map[string]graph.ValueView) map[string]int64 {
	upstreams := step.Upstreams()
	snapshot := make(map[string]int64, len(upstreams))
	for _, upstream := range upstreams {
		snapshot[upstream] = views[upstream].Revision
	}
	return snapshot
}

// markDrifted records a graph-hash mismatch. The first observation per
// execution logs at warn and increments the drift counter; repeats log at
// debug so a long-lived drifted execution does not flood the log.
func (s *Scheduler) markDrifted(ctx context.Context, exec *storage.Execution, g *graph.Graph, logger *slog.Logger) {
	s.mu.Lock()
	_, seen := s.drifted[exec.ID]
	if !seen {
		s.drifted[exec.ID] = struct{}{}
	}
	s.mu.Unlock()

	if seen {
		logger.Debug("graph hash drift, execution skipped",
			"stored_hash", exec.GraphHash, "registered_hash", g.Hash)
		return
	}
	if s.metrics != nil {
		s.metrics.DriftedClaimsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("graph_name", g.Name)))
	}
	logger.Warn("graph hash drift, execution skipped",
		"graph_name", exec.GraphName, "graph_version", exec.GraphVersion,
		"stored_hash", exec.GraphHash, "registered_hash", g.Hash)
}

// DriftedExecutions returns the ids of executions skipped for graph-hash
// drift since process start, sorted. The health endpoint reports the count.
func (s *Scheduler) DriftedExecutions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.drifted))
	for id := range s.drifted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until every spawned worker and heartbeat goroutine has
// returned. Call during shutdown after the advance triggers stop.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) acquire() bool {
	if s.sem == nil {
		return true
	}
	return s.sem.TryAcquire(1)
}

func (s *Scheduler) release() {
	if s.sem != nil {
		s.sem.Release(1)
	}
}

func (s *Scheduler) countAdvance(ctx context.Context, outcome string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.AdvancePassesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome)))
	s.metrics.AdvanceDuration.Record(ctx, time.Since(start).Seconds())
}

// jitter spreads an interval by ±factor so replica heartbeats and sweeps
// do not align.
func jitter(base time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return base
	}
	multiplier := 1.0 + (rand.Float64()*2-1)*factor
	return time.Duration(float64(base) * multiplier)
}

func getEnvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
