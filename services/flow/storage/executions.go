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
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
	"github.com/jackc/pgx/v5"
)

// CreateExecution materializes a new execution in one transaction: the
// execution row at revision 1, one unset value row per graph node, the two
// synthetic value rows, and a not_set computation row per non-input node.
//
// Outputs:
//   - The execution loaded with its fresh values and computations.
//   - ErrAlreadyExists when the id is taken.
func (s *Store) CreateExecution(ctx context.Context, id, graphName, graphVersion, graphHash string, nodes []NodeSeed) (*Execution, error) {
	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer rollback()

	const startRevision = 1
	epoch := time.Now().Unix()

	_, err = tx.Exec(ctx, `
		INSERT INTO flow_executions (id, graph_name, graph_version, graph_hash, revision)
		VALUES ($1, $2, $3, $4, $5)`,
		id, graphName, graphVersion, graphHash, startRevision,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("execution %s: %w", id, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("insert execution: %w", err)
	}

	if err := insertSyntheticValues(ctx, tx, id, startRevision, epoch); err != nil {
		return nil, err
	}

	for _, n := range nodes {
		_, err = tx.Exec(ctx, `
			INSERT INTO flow_values (execution_id, node_name, node_type)
			VALUES ($1, $2, $3)`,
			id, n.Name, string(n.Type),
		)
		if err != nil {
			return nil, fmt.Errorf("insert value row %s: %w", n.Name, err)
		}
		if n.Type == graph.KindInput {
			continue
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO flow_computations (execution_id, node_name, computation_type, state, scheduled_time)
			VALUES ($1, $2, $3, $4, now())`,
			id, n.Name, string(n.Type), string(StateNotSet),
		)
		if err != nil {
			return nil, fmt.Errorf("insert computation row %s: %w", n.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit execution create: %w", err)
	}
	return s.Load(ctx, id)
}

// insertSyntheticValues seeds the execution_id and last_updated_at rows,
// both set from birth.
func insertSyntheticValues(ctx context.Context, tx pgx.Tx, id string, revision, epoch int64) error {
	idJSON, err := encodeJSON(id)
	if err != nil {
		return err
	}
	epochJSON, err := encodeJSON(epoch)
	if err != nil {
		return err
	}
	synthetic := []struct {
		name  string
		value []byte
	}{
		{graph.NodeExecutionID, idJSON},
		{graph.NodeLastUpdatedAt, epochJSON},
	}
	for _, sv := range synthetic {
		_, err := tx.Exec(ctx, `
			INSERT INTO flow_values (execution_id, node_name, node_type, node_value, set_time, ex_revision)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			id, sv.name, string(graph.KindInput), sv.value, epoch, revision,
		)
		if err != nil {
			return fmt.Errorf("insert synthetic value %s: %w", sv.name, err)
		}
	}
	return nil
}

// Load returns the execution with all value rows (newest revision first)
// and all computation rows (most recently completed first, open attempts
// last).
func (s *Store) Load(ctx context.Context, id string) (*Execution, error) {
	ex, err := s.getExecution(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+valueColumns+`
		FROM flow_values
		WHERE execution_id = $1
		ORDER BY ex_revision DESC, node_name ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("load values: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return nil, err
		}
		ex.Values = append(ex.Values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate values: %w", err)
	}
	rows.Close()

	crows, err := s.pool.Query(ctx, `
		SELECT `+computationColumns+`
		FROM flow_computations
		WHERE execution_id = $1
		ORDER BY ex_revision_at_completion DESC NULLS LAST, id DESC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("load computations: %w", err)
	}
	defer crows.Close()
	for crows.Next() {
		c, err := scanComputation(crows)
		if err != nil {
			return nil, err
		}
		ex.Computations = append(ex.Computations, c)
	}
	if err := crows.Err(); err != nil {
		return nil, fmt.Errorf("iterate computations: %w", err)
	}
	return ex, nil
}

// getExecution reads the bare execution row.
func (s *Store) getExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM flow_executions WHERE id = $1`, id)
	return scanExecution(row)
}

// FindSingleton returns the newest non-archived execution of a graph, for
// graphs declared Singleton. ErrExecutionNotFound when none is live.
func (s *Store) FindSingleton(ctx context.Context, graphName, graphVersion string) (*Execution, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+executionColumns+`
		FROM flow_executions
		WHERE graph_name = $1 AND graph_version = $2 AND archived_at IS NULL
		ORDER BY inserted_at DESC
		LIMIT 1`,
		graphName, graphVersion,
	)
	return scanExecution(row)
}

// SetInput writes one value node and bumps the execution revision.
//
// Description:
//
//	One transaction: row-lock the execution, increment the revision,
//	rewrite the value row (payload, set_time, metadata, ex_revision),
//	ride last_updated_at along, touch the execution. Input sets always
//	bump, equal payload or not; suppression is a computed-completion
//	concern.
//
// Outputs:
//   - The updated execution row (no children).
//   - ErrValueNotFound when the execution has no such node.
func (s *Store) SetInput(ctx context.Context, id, node string, value any, metadata map[string]any) (*Execution, error) {
	return s.SetInputs(ctx, id, map[string]any{node: value}, metadata)
}

// SetInputs atomically writes several value nodes under a single revision
// bump. All nodes share the metadata.
func (s *Store) SetInputs(ctx context.Context, id string, values map[string]any, metadata map[string]any) (*Execution, error) {
	if len(values) == 0 {
		return s.getExecution(ctx, id)
	}

	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer rollback()

	revision, err := lockExecution(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	revision++
	epoch := time.Now().Unix()

	metaJSON, err := encodeMetadata(metadata)
	if err != nil {
		return nil, err
	}
	for node, value := range values {
		raw, err := encodeJSON(value)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", node, err)
		}
		tag, err := tx.Exec(ctx, `
			UPDATE flow_values
			SET node_value = $3, metadata = $4, set_time = $5, ex_revision = $6, updated_at = now()
			WHERE execution_id = $1 AND node_name = $2`,
			id, node, raw, metaJSON, epoch, revision,
		)
		if err != nil {
			return nil, fmt.Errorf("set value %s: %w", node, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("node %q: %w", node, ErrValueNotFound)
		}
	}

	if err := touchValue(ctx, tx, id, revision, epoch); err != nil {
		return nil, err
	}
	if err := bumpExecution(ctx, tx, id, revision); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit set: %w", err)
	}
	return s.getExecution(ctx, id)
}

// Unset clears the listed value nodes (payload and set_time) under one
// revision bump. Each cleared row records the new revision, so downstream
// computations go stale exactly as they would on a set.
func (s *Store) Unset(ctx context.Context, id string, nodes []string) (*Execution, error) {
	if len(nodes) == 0 {
		return s.getExecution(ctx, id)
	}

	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer rollback()

	revision, err := lockExecution(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	revision++
	epoch := time.Now().Unix()

	for _, node := range nodes {
		tag, err := tx.Exec(ctx, `
			UPDATE flow_values
			SET node_value = NULL, set_time = NULL, ex_revision = $3, updated_at = now()
			WHERE execution_id = $1 AND node_name = $2`,
			id, node, revision,
		)
		if err != nil {
			return nil, fmt.Errorf("unset value %s: %w", node, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("node %q: %w", node, ErrValueNotFound)
		}
	}

	if err := touchValue(ctx, tx, id, revision, epoch); err != nil {
		return nil, err
	}
	if err := bumpExecution(ctx, tx, id, revision); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit unset: %w", err)
	}
	return s.getExecution(ctx, id)
}

// GetValue reads one value row.
func (s *Store) GetValue(ctx context.Context, id, node string) (*Value, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+valueColumns+`
		FROM flow_values
		WHERE execution_id = $1 AND node_name = $2`,
		id, node,
	)
	return scanValue(row)
}

// LatestComputation reads the most recent attempt row for a node.
func (s *Store) LatestComputation(ctx context.Context, id, node string) (*Computation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+computationColumns+`
		FROM flow_computations
		WHERE execution_id = $1 AND node_name = $2
		ORDER BY id DESC
		LIMIT 1`,
		id, node,
	)
	return scanComputation(row)
}

// Archive hides the execution from listings and stops new work. In-flight
// computations are not killed; they finish against the archived row.
func (s *Store) Archive(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE flow_executions SET archived_at = now(), updated_at = now()
		 WHERE id = $1 AND archived_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("archive execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish not-found from already-archived.
		if _, err := s.getExecution(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyArchived
	}
	return nil
}

// Unarchive restores an archived execution to the live set.
func (s *Store) Unarchive(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE flow_executions SET archived_at = NULL, updated_at = now()
		 WHERE id = $1 AND archived_at IS NOT NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("unarchive execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.getExecution(ctx, id); err != nil {
			return err
		}
		return ErrNotArchived
	}
	return nil
}

// encodeMetadata marshals an optional metadata map; nil stays SQL NULL.
func encodeMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return nil, nil
	}
	return encodeJSON(metadata)
}
