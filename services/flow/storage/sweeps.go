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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
	"github.com/jackc/pgx/v5"
)

// BeginSweepRun starts one audited sweep pass, unless a run of this type
// completed (or is still in flight) within minInterval. Returns nil and
// false when throttled. The check is best-effort across replicas: two
// replicas racing the window both run, and both runs are harmless because
// every sweep action is idempotent.
func (s *Store) BeginSweepRun(ctx context.Context, sweepType string, minInterval time.Duration) (*SweepRun, bool, error) {
	var recent bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM flow_sweep_runs
			WHERE sweep_type = $1
			  AND (completed_at > now() - make_interval(secs => $2)
			       OR (completed_at IS NULL AND started_at > now() - make_interval(secs => $2)))
		)`,
		sweepType, minInterval.Seconds(),
	).Scan(&recent)
	if err != nil {
		return nil, false, fmt.Errorf("check sweep throttle: %w", err)
	}
	if recent {
		return nil, false, nil
	}

	run, err := scanSweepRun(s.pool.QueryRow(ctx, `
		INSERT INTO flow_sweep_runs (sweep_type)
		VALUES ($1)
		RETURNING `+sweepRunColumns,
		sweepType,
	))
	if err != nil {
		return nil, false, fmt.Errorf("insert sweep run: %w", err)
	}
	return run, true, nil
}

// CompleteSweepRun closes an audited sweep pass.
func (s *Store) CompleteSweepRun(ctx context.Context, runID int64, processed int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE flow_sweep_runs
		SET completed_at = now(), executions_processed = $2, updated_at = now()
		WHERE id = $1`,
		runID, processed,
	)
	if err != nil {
		return fmt.Errorf("complete sweep run %d: %w", runID, err)
	}
	return nil
}

// LatestSweepRun returns the most recent run of a type, nil when the type
// has never run.
func (s *Store) LatestSweepRun(ctx context.Context, sweepType string) (*SweepRun, error) {
	run, err := scanSweepRun(s.pool.QueryRow(ctx, `
		SELECT `+sweepRunColumns+`
		FROM flow_sweep_runs
		WHERE sweep_type = $1
		ORDER BY id DESC
		LIMIT 1`,
		sweepType,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

// ReapExpiredComputations finds computing rows past their hard deadline or
// heartbeat deadline and marks them abandoned, all in one transaction.
//
// Description:
//
//	The candidate rows are taken FOR UPDATE SKIP LOCKED: a row whose
//	worker is completing it this instant is locked by that completion and
//	silently skipped here. The returned rows are already abandoned; the
//	caller applies the retry policy and re-advances their executions.
func (s *Store) ReapExpiredComputations(ctx context.Context, limit int) ([]*Computation, error) {
	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer rollback()

	rows, err := tx.Query(ctx, `
		SELECT `+computationColumns+`
		FROM flow_computations
		WHERE state = $1
		  AND (deadline < now() OR heartbeat_deadline < now())
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		string(StateComputing), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired computations: %w", err)
	}

	var expired []*Computation
	for rows.Next() {
		c, scanErr := scanComputation(rows)
		if scanErr != nil {
			rows.Close()
			return nil, scanErr
		}
		expired = append(expired, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired computations: %w", err)
	}
	if len(expired) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, len(expired))
	for i, c := range expired {
		ids[i] = c.ID
	}
	_, err = tx.Exec(ctx, `
		UPDATE flow_computations c
		SET state = $1,
		    completion_time = now(),
		    ex_revision_at_completion = e.revision,
		    error_details = $2,
		    updated_at = now()
		FROM flow_executions e
		WHERE e.id = c.execution_id AND c.id = ANY($3)`,
		string(StateAbandoned), "abandoned: heartbeat expired", ids,
	)
	if err != nil {
		return nil, fmt.Errorf("mark expired abandoned: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reap: %w", err)
	}

	for _, c := range expired {
		c.State = StateAbandoned
	}
	return expired, nil
}

// FindExecutionsWithPendingSchedules lists live executions holding a
// not_set schedule computation. The schedule sweep advances each so the
// pulse gets computed.
func (s *Store) FindExecutionsWithPendingSchedules(ctx context.Context, limit int) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT DISTINCT c.execution_id
		FROM flow_computations c
		JOIN flow_executions e ON e.id = c.execution_id
		WHERE c.state = $1
		  AND c.computation_type IN ($2, $3)
		  AND e.archived_at IS NULL
		LIMIT $4`,
		string(StateNotSet), string(graph.KindTickOnce), string(graph.KindTickRecurring), limit,
	)
}

// FindExecutionsUnblockedBySchedule lists live executions where a schedule
// value's pulse has arrived recently: pulse <= now and pulse >= cutoff
// (epoch seconds).
//
// The filter runs on the pulse value itself, not on set_time. A recurring
// pulse is computed one period ahead of when it fires, so filtering on
// set_time would miss every schedule whose period outruns the sweep
// window.
func (s *Store) FindExecutionsUnblockedBySchedule(ctx context.Context, cutoff int64, limit int) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT DISTINCT v.execution_id
		FROM flow_values v
		JOIN flow_executions e ON e.id = v.execution_id
		WHERE v.node_type IN ($1, $2)
		  AND v.set_time IS NOT NULL
		  AND jsonb_typeof(v.node_value) = 'number'
		  AND (v.node_value #>> '{}')::numeric <= extract(epoch from now())
		  AND (v.node_value #>> '{}')::numeric >= $3
		  AND e.archived_at IS NULL
		LIMIT $4`,
		string(graph.KindTickOnce), string(graph.KindTickRecurring), cutoff, limit,
	)
}

// FindRecurringDue lists recurring schedule nodes whose pulse has passed
// and which have no open successor attempt. The regeneration sweep opens a
// fresh attempt for each so the next pulse gets computed.
func (s *Store) FindRecurringDue(ctx context.Context, limit int) ([]NodeRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT v.execution_id, v.node_name, v.node_type
		FROM flow_values v
		JOIN flow_executions e ON e.id = v.execution_id
		WHERE v.node_type = $1
		  AND v.set_time IS NOT NULL
		  AND jsonb_typeof(v.node_value) = 'number'
		  AND (v.node_value #>> '{}')::numeric <= extract(epoch from now())
		  AND e.archived_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM flow_computations c
			WHERE c.execution_id = v.execution_id
			  AND c.node_name = v.node_name
			  AND c.state IN ($2, $3)
		  )
		ORDER BY v.execution_id
		LIMIT $4`,
		string(graph.KindTickRecurring), string(StateNotSet), string(StateComputing), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("find recurring due: %w", err)
	}
	defer rows.Close()

	var refs []NodeRef
	for rows.Next() {
		var ref NodeRef
		if err := rows.Scan(&ref.ExecutionID, &ref.Node, &ref.Type); err != nil {
			return nil, fmt.Errorf("scan node ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node refs: %w", err)
	}
	return refs, nil
}

// FindMissedSchedules lists live executions with a pulse that fired inside
// the lookback window and no progress since: nothing on the execution has
// changed after the pulse time. The daily catchall advances them.
func (s *Store) FindMissedSchedules(ctx context.Context, lookback time.Duration, limit int) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT DISTINCT v.execution_id
		FROM flow_values v
		JOIN flow_executions e ON e.id = v.execution_id
		WHERE v.node_type IN ($1, $2)
		  AND v.set_time IS NOT NULL
		  AND jsonb_typeof(v.node_value) = 'number'
		  AND (v.node_value #>> '{}')::numeric <= extract(epoch from now())
		  AND (v.node_value #>> '{}')::numeric >= extract(epoch from now()) - $3
		  AND extract(epoch from e.updated_at) < (v.node_value #>> '{}')::numeric
		  AND e.archived_at IS NULL
		LIMIT $4`,
		string(graph.KindTickOnce), string(graph.KindTickRecurring),
		lookback.Seconds(), limit,
	)
}

// FindStalledExecutions lists live executions untouched for at least
// olderThan but still inside the sliding window. The stalled sweep
// re-advances them in case an in-process advance was lost to a crash.
func (s *Store) FindStalledExecutions(ctx context.Context, olderThan, window time.Duration, limit int) ([]string, error) {
	return s.queryIDs(ctx, `
		SELECT id
		FROM flow_executions
		WHERE archived_at IS NULL
		  AND updated_at < now() - make_interval(secs => $1)
		  AND updated_at > now() - make_interval(secs => $2)
		ORDER BY updated_at ASC
		LIMIT $3`,
		olderThan.Seconds(), window.Seconds(), limit,
	)
}

// queryIDs runs a query returning a single text column of execution ids.
func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query execution ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution ids: %w", err)
	}
	return ids, nil
}
