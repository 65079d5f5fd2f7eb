// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sweep

import (
	"context"
	"time"
)

// sweepAbandoned reclaims computing rows whose worker stopped proving
// liveness: past the hard deadline or the heartbeat deadline. The rows
// are already marked abandoned by the reap transaction; re-advancing each
// execution applies the retry policy and redispatches whatever is ready.
func (r *Runner) sweepAbandoned(ctx context.Context) (int, error) {
	reaped, err := r.store.ReapExpiredComputations(ctx, r.batchLimit)
	if err != nil {
		return 0, err
	}
	if len(reaped) == 0 {
		return 0, nil
	}

	seen := make(map[string]struct{}, len(reaped))
	ids := make([]string, 0, len(reaped))
	for _, comp := range reaped {
		r.logger.Warn("computation reaped",
			"execution_id", comp.ExecutionID,
			"node", comp.NodeName,
			"computation_id", comp.ID)
		if _, dup := seen[comp.ExecutionID]; dup {
			continue
		}
		seen[comp.ExecutionID] = struct{}{}
		ids = append(ids, comp.ExecutionID)
	}
	r.advanceAll(ctx, NameAbandoned, ids)
	return len(reaped), nil
}

// sweepScheduleNodes advances executions holding a never-computed
// schedule node, so the pulse value gets computed even if the foreground
// trigger that created the execution was lost.
func (r *Runner) sweepScheduleNodes(ctx context.Context) (int, error) {
	ids, err := r.store.FindExecutionsWithPendingSchedules(ctx, r.batchLimit)
	if err != nil {
		return 0, err
	}
	return r.advanceAll(ctx, NameSchedules, ids), nil
}

// sweepUnblocked advances executions where a schedule pulse has just
// arrived: pulse <= now, and pulse within the recency cutoff so steady
// state does not rescan all of history.
//
// The cutoff brackets the pulse value itself, not set_time: a recurring
// pulse is written one period before it fires, so a set_time filter would
// go blind on any schedule whose period outruns the sweep window.
func (r *Runner) sweepUnblocked(ctx context.Context) (int, error) {
	span := 5 * r.period
	if span < time.Minute {
		span = time.Minute
	}
	cutoff := time.Now().Add(-span).Unix()

	ids, err := r.store.FindExecutionsUnblockedBySchedule(ctx, cutoff, r.batchLimit)
	if err != nil {
		return 0, err
	}
	r.backlog.Store(int64(len(ids)))
	return r.advanceAll(ctx, NameUnblocked, ids), nil
}

// sweepRecurring reopens recurring schedule nodes whose pulse has passed
// and which have no open attempt: a fresh pending row makes the next
// advance recompute the next pulse. EnsurePending refuses when an open
// attempt raced in, so double-detection is harmless.
func (r *Runner) sweepRecurring(ctx context.Context) (int, error) {
	refs, err := r.store.FindRecurringDue(ctx, r.batchLimit)
	if err != nil {
		return 0, err
	}
	if len(refs) == 0 {
		return 0, nil
	}

	reopened := 0
	seen := make(map[string]struct{}, len(refs))
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		_, created, err := r.store.EnsurePending(ctx, ref.ExecutionID, ref.Node, ref.Type)
		if err != nil {
			r.logger.Error("reopen recurring schedule failed",
				"execution_id", ref.ExecutionID, "node", ref.Node, "error", err)
			continue
		}
		if created {
			reopened++
			r.logger.Info("recurring schedule reopened",
				"execution_id", ref.ExecutionID, "node", ref.Node)
		}
		if _, dup := seen[ref.ExecutionID]; dup {
			continue
		}
		seen[ref.ExecutionID] = struct{}{}
		ids = append(ids, ref.ExecutionID)
	}
	r.advanceAll(ctx, NameRecurring, ids)
	return reopened, nil
}

// sweepCatchall rescues schedules whose pulse fired inside the lookback
// window with no execution progress since. It backstops the unblocked
// sweep's recency cutoff: anything the cutoff aged out is retried here,
// at most daily.
func (r *Runner) sweepCatchall(ctx context.Context) (int, error) {
	ids, err := r.store.FindMissedSchedules(ctx, r.catchallLookback, r.batchLimit)
	if err != nil {
		return 0, err
	}
	return r.advanceAll(ctx, NameCatchall, ids), nil
}

// sweepStalled re-advances executions untouched for a while but still
// inside the sliding window. An in-process advance lost to a crash leaves
// exactly this signature: pending-capable rows and a quiet updated_at.
func (r *Runner) sweepStalled(ctx context.Context) (int, error) {
	ids, err := r.store.FindStalledExecutions(ctx, r.stalledAfter, r.stalledWindow, r.batchLimit)
	if err != nil {
		return 0, err
	}
	return r.advanceAll(ctx, NameStalled, ids), nil
}
