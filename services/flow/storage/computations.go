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

// EnsurePending materializes a fresh not_set computation row for a node,
// unless one is already open.
//
// Description:
//
//	The execution row is locked first, so concurrent callers (retry path,
//	stale detection, sweeps on other replicas) cannot create duplicate
//	pending rows. When the latest attempt is not_set or computing the
//	existing row is returned unchanged. A cancelled latest attempt also
//	refuses: cancellation is operator intent and nothing re-opens the
//	node short of an explicit retry.
//
// Outputs:
//   - The open (or refused-latest) computation row, and whether a new row
//     was created.
func (s *Store) EnsurePending(ctx context.Context, executionID, node string, typ graph.NodeKind) (*Computation, bool, error) {
	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer rollback()

	if _, err := lockExecution(ctx, tx, executionID); err != nil {
		return nil, false, err
	}

	latest, err := scanComputation(tx.QueryRow(ctx, `
		SELECT `+computationColumns+`
		FROM flow_computations
		WHERE execution_id = $1 AND node_name = $2
		ORDER BY id DESC
		LIMIT 1`,
		executionID, node,
	))
	if err != nil && !errors.Is(err, ErrComputationNotFound) {
		return nil, false, err
	}
	if latest != nil {
		switch latest.State {
		case StateNotSet, StateComputing, StateCancelled:
			return latest, false, nil
		}
	}

	created, err := scanComputation(tx.QueryRow(ctx, `
		INSERT INTO flow_computations (execution_id, node_name, computation_type, state, scheduled_time)
		VALUES ($1, $2, $3, $4, now())
		RETURNING `+computationColumns,
		executionID, node, string(typ), string(StateNotSet),
	))
	if err != nil {
		return nil, false, fmt.Errorf("insert pending computation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit pending computation: %w", err)
	}
	return created, true, nil
}

// ClaimComputation moves a pending computation into computing, recording
// the revision snapshot the worker will compute against.
//
// Description:
//
//	The row is taken with FOR UPDATE SKIP LOCKED: a row another replica
//	is claiming right now reads as absent and the claim simply fails,
//	nobody blocks. The claim also fails when the state no longer matches
//	expected, or when a sibling attempt for the same node is already
//	computing. On success the row gets start_time, ex_revision_at_start,
//	the hard deadline (now + abandonAfter), the first heartbeat deadline,
//	and the computed_with snapshot.
//
// Outputs:
//   - claimed = false with a nil error is the normal "someone else got
//     it" answer; callers move on.
func (s *Store) ClaimComputation(ctx context.Context, computationID int64, expected State, exRevision int64, snapshot map[string]int64, heartbeatTimeout, abandonAfter time.Duration) (bool, error) {
	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer rollback()

	var (
		state       State
		executionID string
		node        string
	)
	err = tx.QueryRow(ctx, `
		SELECT state, execution_id, node_name
		FROM flow_computations
		WHERE id = $1
		FOR UPDATE SKIP LOCKED`,
		computationID,
	).Scan(&state, &executionID, &node)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select computation for claim: %w", err)
	}
	if state != expected {
		return false, nil
	}

	var siblingComputing bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM flow_computations
			WHERE execution_id = $1 AND node_name = $2 AND state = $3 AND id <> $4
		)`,
		executionID, node, string(StateComputing), computationID,
	).Scan(&siblingComputing)
	if err != nil {
		return false, fmt.Errorf("check sibling attempts: %w", err)
	}
	if siblingComputing {
		return false, nil
	}

	if snapshot == nil {
		snapshot = map[string]int64{}
	}
	snapJSON, err := encodeJSON(snapshot)
	if err != nil {
		return false, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE flow_computations
		SET state = $2,
		    start_time = now(),
		    ex_revision_at_start = $3,
		    deadline = now() + make_interval(secs => $4),
		    heartbeat_deadline = now() + make_interval(secs => $5),
		    last_heartbeat_at = now(),
		    computed_with = $6,
		    updated_at = now()
		WHERE id = $1`,
		computationID, string(StateComputing), exRevision,
		abandonAfter.Seconds(), heartbeatTimeout.Seconds(), snapJSON,
	)
	if err != nil {
		return false, fmt.Errorf("claim computation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit claim: %w", err)
	}
	return true, nil
}

// CompleteComputation finishes a claimed computation and, on success,
// persists the computed value.
//
// Description:
//
//	One transaction: lock the execution, verify the row is still ours
//	(state computing; anything else means the claim was lost to a sweep
//	or an operator and ErrClaimLost comes back), then write the value.
//	Compute and tick kinds write their own node; mutate writes the target
//	and leaves an "updated <target>" marker on its own node; archive sets
//	archived_at on the execution. The revision is bumped only when some
//	persisted payload actually changed, or the step demands a bump via
//	UpdateRevisionOnChange. Failed, abandoned and cancelled completions
//	write no value.
func (s *Store) CompleteComputation(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	if !req.State.Terminal() {
		return nil, fmt.Errorf("state %q: %w", req.State, ErrNotTerminal)
	}

	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer rollback()

	revision, err := lockExecution(ctx, tx, req.ExecutionID)
	if err != nil {
		return nil, err
	}

	var state State
	err = tx.QueryRow(ctx,
		`SELECT state FROM flow_computations WHERE id = $1`,
		req.ComputationID,
	).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("computation %d: %w", req.ComputationID, ErrComputationNotFound)
		}
		return nil, fmt.Errorf("select computation for completion: %w", err)
	}
	if state != StateComputing {
		return nil, fmt.Errorf("computation %d in state %q: %w", req.ComputationID, state, ErrClaimLost)
	}

	changed := false
	epoch := time.Now().Unix()
	if req.State == StateSuccess {
		changed, err = s.persistResult(ctx, tx, req, revision+1, epoch)
		if err != nil {
			return nil, err
		}
	}

	finalRevision := revision
	if changed {
		finalRevision = revision + 1
		if err := touchValue(ctx, tx, req.ExecutionID, finalRevision, epoch); err != nil {
			return nil, err
		}
		if err := bumpExecution(ctx, tx, req.ExecutionID, finalRevision); err != nil {
			return nil, err
		}
	}

	var errDetails *string
	if req.ErrorDetails != "" {
		errDetails = &req.ErrorDetails
	}
	_, err = tx.Exec(ctx, `
		UPDATE flow_computations
		SET state = $2,
		    completion_time = now(),
		    ex_revision_at_completion = $3,
		    error_details = $4,
		    updated_at = now()
		WHERE id = $1`,
		req.ComputationID, string(req.State), finalRevision, errDetails,
	)
	if err != nil {
		return nil, fmt.Errorf("complete computation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit completion: %w", err)
	}

	ex, err := s.getExecution(ctx, req.ExecutionID)
	if err != nil {
		return nil, err
	}
	return &CompletionResult{Execution: ex, ValueChanged: changed, Revision: finalRevision}, nil
}

// persistResult writes the success payload inside the completion
// transaction and reports whether anything changed. bumpTo is the revision
// the changed rows will carry.
func (s *Store) persistResult(ctx context.Context, tx pgx.Tx, req CompletionRequest, bumpTo, epoch int64) (bool, error) {
	target := req.Node
	if req.Type == graph.KindMutate {
		target = req.MutateTarget
	}

	changed, err := writeValue(ctx, tx, req.ExecutionID, target, req.Value, req.Metadata, bumpTo, epoch, req.UpdateRevisionOnChange)
	if err != nil {
		return false, err
	}

	if req.Type == graph.KindMutate {
		marker := fmt.Sprintf("updated %s", req.MutateTarget)
		markerChanged, err := writeValue(ctx, tx, req.ExecutionID, req.Node, marker, nil, bumpTo, epoch, false)
		if err != nil {
			return false, err
		}
		changed = changed || markerChanged
	}

	if req.Type == graph.KindArchive {
		_, err := tx.Exec(ctx,
			`UPDATE flow_executions SET archived_at = now() WHERE id = $1 AND archived_at IS NULL`,
			req.ExecutionID,
		)
		if err != nil {
			return false, fmt.Errorf("archive via node: %w", err)
		}
	}
	return changed, nil
}

// writeValue rewrites one value row with no-op suppression: an unchanged
// payload refreshes set_time but keeps its ex_revision, so downstream
// snapshots stay valid and nothing re-fires.
func writeValue(ctx context.Context, tx pgx.Tx, executionID, node string, value any, metadata map[string]any, bumpTo, epoch int64, forceBump bool) (bool, error) {
	newRaw, err := encodeJSON(value)
	if err != nil {
		return false, fmt.Errorf("node %s: %w", node, err)
	}

	var (
		storedRaw []byte
		storedSet *int64
	)
	err = tx.QueryRow(ctx,
		`SELECT node_value, set_time FROM flow_values WHERE execution_id = $1 AND node_name = $2`,
		executionID, node,
	).Scan(&storedRaw, &storedSet)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("node %q: %w", node, ErrValueNotFound)
		}
		return false, fmt.Errorf("read value %s: %w", node, err)
	}

	changed := forceBump || storedSet == nil || !jsonEqual(storedRaw, newRaw)
	if !changed {
		_, err = tx.Exec(ctx,
			`UPDATE flow_values SET set_time = $3, updated_at = now()
			 WHERE execution_id = $1 AND node_name = $2`,
			executionID, node, epoch,
		)
		if err != nil {
			return false, fmt.Errorf("refresh value %s: %w", node, err)
		}
		return false, nil
	}

	metaJSON, err := encodeMetadata(metadata)
	if err != nil {
		return false, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE flow_values
		SET node_value = $3, metadata = $4, set_time = $5, ex_revision = $6, updated_at = now()
		WHERE execution_id = $1 AND node_name = $2`,
		executionID, node, newRaw, metaJSON, epoch, bumpTo,
	)
	if err != nil {
		return false, fmt.Errorf("write value %s: %w", node, err)
	}
	return true, nil
}

// Heartbeat refreshes the liveness lease of a computing row.
//
// The guard clause is the whole protocol: the row must still be computing
// and inside (a 10s grace of) its hard deadline. Zero rows affected means
// the claim is gone and the worker must stop.
func (s *Store) Heartbeat(ctx context.Context, computationID int64, timeout time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE flow_computations
		SET last_heartbeat_at = now(),
		    heartbeat_deadline = now() + make_interval(secs => $2),
		    updated_at = now()
		WHERE id = $1
		  AND state = $3
		  AND deadline > now() - interval '10 seconds'`,
		computationID, timeout.Seconds(), string(StateComputing),
	)
	if err != nil {
		return fmt.Errorf("heartbeat computation %d: %w", computationID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("computation %d: %w", computationID, ErrClaimLost)
	}
	return nil
}

// MarkAbandoned moves a computing row to abandoned. Used by the heartbeat
// companion when it observes the hard deadline passed, and by the
// abandonment sweep. Returns false when the row is not computing anymore
// (its worker completed first, or another sweeper won).
func (s *Store) MarkAbandoned(ctx context.Context, computationID int64, reason string) (bool, error) {
	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer rollback()

	var executionID string
	err = tx.QueryRow(ctx, `
		SELECT execution_id FROM flow_computations
		WHERE id = $1 AND state = $2
		FOR UPDATE SKIP LOCKED`,
		computationID, string(StateComputing),
	).Scan(&executionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select computation for abandon: %w", err)
	}

	var revision int64
	if err := tx.QueryRow(ctx,
		`SELECT revision FROM flow_executions WHERE id = $1`, executionID,
	).Scan(&revision); err != nil {
		return false, fmt.Errorf("read revision for abandon: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE flow_computations
		SET state = $2,
		    completion_time = now(),
		    ex_revision_at_completion = $3,
		    error_details = $4,
		    updated_at = now()
		WHERE id = $1`,
		computationID, string(StateAbandoned), revision, reason,
	)
	if err != nil {
		return false, fmt.Errorf("mark abandoned: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit abandon: %w", err)
	}
	return true, nil
}

// CancelComputation terminally cancels an open attempt. Cancelled nodes are
// never retried or regenerated; this is the operator's stop switch.
func (s *Store) CancelComputation(ctx context.Context, computationID int64, reason string) error {
	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer rollback()

	var (
		state       State
		executionID string
	)
	err = tx.QueryRow(ctx,
		`SELECT state, execution_id FROM flow_computations WHERE id = $1 FOR UPDATE`,
		computationID,
	).Scan(&state, &executionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("computation %d: %w", computationID, ErrComputationNotFound)
		}
		return fmt.Errorf("select computation for cancel: %w", err)
	}
	if state.Terminal() {
		return fmt.Errorf("computation %d in state %q: %w", computationID, state, ErrAlreadyTerminal)
	}

	var revision int64
	if err := tx.QueryRow(ctx,
		`SELECT revision FROM flow_executions WHERE id = $1`, executionID,
	).Scan(&revision); err != nil {
		return fmt.Errorf("read revision for cancel: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE flow_computations
		SET state = $2,
		    completion_time = now(),
		    ex_revision_at_completion = $3,
		    error_details = $4,
		    updated_at = now()
		WHERE id = $1`,
		computationID, string(StateCancelled), revision, reason,
	)
	if err != nil {
		return fmt.Errorf("cancel computation: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit cancel: %w", err)
	}
	return nil
}

// FailedAttempts counts failed and abandoned attempts for a node since its
// last success. The retry policy compares this against the step's
// MaxRetries.
func (s *Store) FailedAttempts(ctx context.Context, executionID, node string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM flow_computations
		WHERE execution_id = $1
		  AND node_name = $2
		  AND state IN ($3, $4)
		  AND id > COALESCE((
			SELECT max(id) FROM flow_computations
			WHERE execution_id = $1 AND node_name = $2 AND state = $5
		  ), 0)`,
		executionID, node,
		string(StateFailed), string(StateAbandoned), string(StateSuccess),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count failed attempts: %w", err)
	}
	return count, nil
}
