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
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
	"github.com/AleutianAI/AleutianFlow/services/flow/storage"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// heartbeatJitterFactor spreads heartbeat ticks ±20% so replicas do not
// write their leases in lockstep.
const heartbeatJitterFactor = 0.2

// job carries one claimed computation to its worker.
//
// views is the value snapshot loaded by the claiming pass; the argument
// map and the computed_with revisions both come from it, so the function
// sees exactly the state its claim recorded.
type job struct {
	computationID int64
	executionID   string
	graph         *graph.Graph
	step          *graph.Node
	views         map[string]graph.ValueView
	deadline      time.Time
}

// runWorker executes one claimed computation to a terminal state.
//
// Description:
//
//	The worker and its heartbeat companion share a cancellable context:
//	the heartbeat cancels it when the claim is lost or the hard deadline
//	passes, and the worker returning stops the heartbeat through the
//	stop closure. Persistence runs on the base context so a cancelled
//	worker can still discover what happened to its row. After the
//	terminal state is written the claim slot is released first, then the
//	execution is re-advanced, so a downstream candidate can take the
//	freed slot immediately.
func (s *Scheduler) runWorker(base context.Context, jb job) {
	defer s.wg.Done()

	release := sync.OnceFunc(s.release)
	defer release()

	base, span := telemetry.StartSpan(base, tracerName, "Scheduler.Worker",
		trace.WithAttributes(
			attribute.String("execution_id", jb.executionID),
			attribute.String("node", jb.step.Name),
			attribute.String("node_type", string(jb.step.Kind)),
		))
	defer span.End()

	logger := telemetry.LoggerWithNode(base,
		telemetry.LoggerWithExecution(base, s.logger, jb.executionID), jb.step.Name)

	if s.metrics != nil {
		s.metrics.WorkersActive.Add(base, 1)
		defer s.metrics.WorkersActive.Add(base, -1)
	}

	wctx, cancel := context.WithCancel(base)
	defer cancel()

	stopHeartbeat := s.startHeartbeat(base, wctx, cancel, jb, logger)
	defer stopHeartbeat()

	started := time.Now()
	value, computeErr := s.invoke(wctx, jb, logger)
	stopHeartbeat()
	elapsed := time.Since(started)

	req := storage.CompletionRequest{
		ComputationID:          jb.computationID,
		ExecutionID:            jb.executionID,
		Node:                   jb.step.Name,
		Type:                   jb.step.Kind,
		State:                  storage.StateSuccess,
		Value:                  value,
		MutateTarget:           jb.step.Mutates,
		UpdateRevisionOnChange: jb.step.UpdateRevisionOnChange,
	}
	if computeErr != nil {
		req.State = storage.StateFailed
		req.Value = nil
		req.ErrorDetails = computeErr.Error()
	}

	res, err := s.store.CompleteComputation(base, req)
	if err != nil {
		if errors.Is(err, storage.ErrClaimLost) {
			// A sweep, the heartbeat companion or an operator took the row
			// while we computed. The result is discarded; whoever took it
			// owns the terminal state, we just make sure a retry row and a
			// fresh advance happen.
			logger.Warn("completion discarded, claim lost", "intended_state", string(req.State))
			s.retryOrResign(base, jb, logger)
			release()
			s.chainAdvance(base, jb.executionID, logger)
			return
		}
		telemetry.RecordError(span, err)
		logger.Error("persist completion failed", "error", err,
			"intended_state", string(req.State))
		// The row is still computing; once heartbeats stop the abandonment
		// sweep reclaims it.
		return
	}

	s.observeCompletion(base, jb, req.State, elapsed, res)

	if computeErr != nil {
		telemetry.RecordError(span, computeErr)
		logger.Warn("computation failed", "error", computeErr,
			"duration_ms", elapsed.Milliseconds())
		s.retryOrResign(base, jb, logger)
	} else {
		telemetry.SetSpanOK(span)
		logger.Info("computation succeeded",
			"duration_ms", elapsed.Milliseconds(),
			"value_changed", res.ValueChanged, "revision", res.Revision)
		s.runSaveCallbacks(base, jb, value, res, logger)
	}

	release()
	s.chainAdvance(base, jb.executionID, logger)
}

// invoke runs the user function with the gate-named values as arguments.
// Panics become ordinary failures; the panic value is logged here and
// persisted in error_details.
func (s *Scheduler) invoke(ctx context.Context, jb job, logger *slog.Logger) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("compute function panicked", "panic", fmt.Sprint(r))
			value = nil
			err = fmt.Errorf("compute panicked: %v", r)
		}
	}()

	if jb.step.Compute == nil {
		return nil, fmt.Errorf("node %s has no compute function", jb.step.Name)
	}

	upstreams := jb.step.Upstreams()
	args := make(graph.Values, len(upstreams))
	for _, upstream := range upstreams {
		if view, ok := jb.views[upstream]; ok {
			args[upstream] = view
		}
	}
	return jb.step.Compute(ctx, args)
}

// startHeartbeat runs the liveness companion and returns its stop closure.
//
// Description:
//
//	Every HeartbeatInterval ± 20% the companion refreshes the row's
//	lease. A lost claim cancels the worker and exits. An observed hard
//	deadline marks the row abandoned, cancels the worker, runs the retry
//	policy and re-advances; that path cannot wait for the worker because
//	the user function may never return. Transient database errors keep
//	the companion ticking.
func (s *Scheduler) startHeartbeat(base, wctx context.Context, cancel context.CancelFunc, jb job, logger *slog.Logger) func() {
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(jitter(jb.step.HeartbeatInterval, heartbeatJitterFactor))
		defer timer.Stop()

		for {
			select {
			case <-done:
				return
			case <-wctx.Done():
				return
			case <-timer.C:
			}

			if time.Now().After(jb.deadline) {
				s.abandonOverdue(base, jb, cancel, logger)
				return
			}

			err := s.store.Heartbeat(base, jb.computationID, jb.step.HeartbeatTimeout)
			if err != nil {
				if errors.Is(err, storage.ErrClaimLost) {
					if s.metrics != nil {
						s.metrics.HeartbeatFailuresTotal.Add(base, 1, metric.WithAttributes(
							attribute.String("reason", "claim_lost")))
					}
					logger.Warn("heartbeat found claim lost, cancelling worker")
					cancel()
					return
				}
				if s.metrics != nil {
					s.metrics.HeartbeatFailuresTotal.Add(base, 1, metric.WithAttributes(
						attribute.String("reason", "error")))
				}
				logger.Warn("heartbeat failed, will retry", "error", err)
			}

			timer.Reset(jitter(jb.step.HeartbeatInterval, heartbeatJitterFactor))
		}
	}()
	return stop
}

// abandonOverdue enforces the hard deadline from the worker side. Marking
// can lose to a concurrent completion; that is fine, the worker finished.
func (s *Scheduler) abandonOverdue(ctx context.Context, jb job, cancel context.CancelFunc, logger *slog.Logger) {
	marked, err := s.store.MarkAbandoned(ctx, jb.computationID, "hard deadline exceeded")
	if err != nil {
		logger.Error("mark abandoned failed", "error", err)
		cancel()
		return
	}
	if !marked {
		return
	}

	logger.Warn("hard deadline exceeded, computation abandoned",
		"deadline", jb.deadline.Format(time.RFC3339))
	cancel()

	if s.metrics != nil {
		s.metrics.ComputationsCompletedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("node_type", string(jb.step.Kind)),
			attribute.String("state", string(storage.StateAbandoned))))
	}
	s.retryOrResign(ctx, jb, logger)
	s.chainAdvance(ctx, jb.executionID, logger)
}

// retryOrResign applies the retry policy after a failed or abandoned
// terminal: materialize a fresh not_set row while the budget lasts,
// otherwise leave the node terminally failed for an upstream change or an
// operator retry to reopen.
func (s *Scheduler) retryOrResign(ctx context.Context, jb job, logger *slog.Logger) {
	attempts, err := s.store.FailedAttempts(ctx, jb.executionID, jb.step.Name)
	if err != nil {
		logger.Error("count failed attempts", "error", err)
		return
	}
	if attempts >= jb.step.MaxRetries {
		logger.Warn("retry budget exhausted, node terminally failed",
			"attempts", attempts, "max_retries", jb.step.MaxRetries)
		return
	}

	_, created, err := s.store.EnsurePending(ctx, jb.executionID, jb.step.Name, jb.step.Kind)
	if err != nil {
		logger.Error("materialize retry row", "error", err)
		return
	}
	if created {
		if s.metrics != nil {
			s.metrics.ComputationRetriesTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("node_type", string(jb.step.Kind))))
		}
		logger.Info("retry materialized", "attempt", attempts+1,
			"max_retries", jb.step.MaxRetries)
	}
}

// observeCompletion records completion metrics and ships the completed row
// to analytics.
func (s *Scheduler) observeCompletion(ctx context.Context, jb job, state storage.State, elapsed time.Duration, res *storage.CompletionResult) {
	if s.metrics != nil {
		attrs := metric.WithAttributes(
			attribute.String("node_type", string(jb.step.Kind)),
			attribute.String("state", string(state)))
		s.metrics.ComputationsCompletedTotal.Add(ctx, 1, attrs)
		s.metrics.ComputationDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
	if res != nil && res.Execution != nil {
		if comp := res.Execution.LatestComputation(jb.step.Name); comp != nil {
			s.recorder.RecordComputation(ctx, comp)
		}
	}
}

// runSaveCallbacks fires the step-level then the graph-level on-save hook.
// The persisted state is already final; a panicking callback is logged and
// changes nothing.
func (s *Scheduler) runSaveCallbacks(ctx context.Context, jb job, value any, res *storage.CompletionResult, logger *slog.Logger) {
	node := jb.step.Name
	if jb.step.Kind == graph.KindMutate {
		node = jb.step.Mutates
	}
	saved := graph.SavedValue{
		ExecutionID: jb.executionID,
		Node:        node,
		Value:       value,
		Revision:    res.Revision,
	}
	fireSave(ctx, jb.step.OnSave, saved, "step", logger)
	fireSave(ctx, jb.graph.OnSave, saved, "graph", logger)
}

func fireSave(ctx context.Context, fn graph.SaveFunc, saved graph.SavedValue, scope string, logger *slog.Logger) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("save callback panicked", "scope", scope, "panic", fmt.Sprint(r))
		}
	}()
	fn(ctx, saved)
}
