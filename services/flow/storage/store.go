// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage persists executions, values, computations and sweep runs
// in PostgreSQL.
//
// Every mutating operation is one transaction. Revision bumps lock the
// execution row first (FOR UPDATE), so revisions are linearized per
// execution across goroutines and replicas. Computation claims use
// FOR UPDATE SKIP LOCKED so replicas split the ready set without blocking
// each other.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the persistence layer over a pgx connection pool.
//
// Thread Safety:
//
//	Safe for concurrent use; the pool serializes nothing above what
//	PostgreSQL row locks require.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger.With("component", "flow_storage")}
}

// Connect opens a pgx pool against databaseURL and verifies it with a ping.
// maxConns <= 0 keeps the pgx default.
func Connect(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Pool exposes the underlying pool for health checks.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// rowScanner lets scan helpers accept both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// begin opens a transaction; the returned rollback is safe to defer after
// commit.
func (s *Store) begin(ctx context.Context) (pgx.Tx, func(), error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	return tx, func() { _ = tx.Rollback(ctx) }, nil
}

// lockExecution row-locks the execution inside tx and returns its current
// revision. All revision bumps go through this lock.
func lockExecution(ctx context.Context, tx pgx.Tx, executionID string) (int64, error) {
	var revision int64
	err := tx.QueryRow(ctx,
		`SELECT revision FROM flow_executions WHERE id = $1 FOR UPDATE`,
		executionID,
	).Scan(&revision)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrExecutionNotFound
		}
		return 0, fmt.Errorf("lock execution %s: %w", executionID, err)
	}
	return revision, nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// encodeJSON marshals a payload for a JSONB column. A nil input encodes as
// JSON null, which is distinct from SQL NULL: the column stays non-null so
// a deliberately null payload still reads back as a set value.
func encodeJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode json payload: %w", err)
	}
	return raw, nil
}

// decodeAny unmarshals a JSONB column into its generic Go form; SQL NULL
// yields nil.
func decodeAny(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode json payload: %w", err)
	}
	return v, nil
}

// decodeMap unmarshals a JSONB object column; SQL NULL yields nil.
func decodeMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode json object: %w", err)
	}
	return m, nil
}

// decodeRevisionMap unmarshals a computed_with snapshot; SQL NULL yields nil.
func decodeRevisionMap(raw []byte) (map[string]int64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]int64
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode revision snapshot: %w", err)
	}
	return m, nil
}

// jsonEqual compares two JSON documents by decoded structure, so formatting
// and map ordering differences between the Go encoder and jsonb storage do
// not read as changes.
func jsonEqual(a, b []byte) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == 0 && len(b) == 0
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// scanExecution reads one execution row without children.
func scanExecution(row rowScanner) (*Execution, error) {
	var e Execution
	err := row.Scan(
		&e.ID, &e.GraphName, &e.GraphVersion, &e.GraphHash,
		&e.ArchivedAt, &e.Revision, &e.InsertedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	return &e, nil
}

// executionColumns is the select list scanExecution expects.
const executionColumns = `id, graph_name, graph_version, graph_hash,
	archived_at, revision, inserted_at, updated_at`

// scanValue reads one value row.
func scanValue(row rowScanner) (*Value, error) {
	var (
		v        Value
		rawValue []byte
		rawMeta  []byte
	)
	err := row.Scan(
		&v.ID, &v.ExecutionID, &v.NodeName, &v.NodeType,
		&rawValue, &rawMeta, &v.SetTime, &v.ExRevision,
		&v.InsertedAt, &v.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrValueNotFound
		}
		return nil, fmt.Errorf("scan value: %w", err)
	}
	if v.NodeValue, err = decodeAny(rawValue); err != nil {
		return nil, err
	}
	if v.Metadata, err = decodeMap(rawMeta); err != nil {
		return nil, err
	}
	return &v, nil
}

// valueColumns is the select list scanValue expects.
const valueColumns = `id, execution_id, node_name, node_type,
	node_value, metadata, set_time, ex_revision, inserted_at, updated_at`

// scanComputation reads one computation row.
func scanComputation(row rowScanner) (*Computation, error) {
	var (
		c       Computation
		rawWith []byte
	)
	err := row.Scan(
		&c.ID, &c.ExecutionID, &c.NodeName, &c.Type, &c.State,
		&c.ExRevisionAtStart, &c.ExRevisionAtCompletion,
		&c.ScheduledTime, &c.StartTime, &c.CompletionTime,
		&c.Deadline, &c.LastHeartbeatAt, &c.HeartbeatDeadline,
		&c.ErrorDetails, &rawWith, &c.InsertedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrComputationNotFound
		}
		return nil, fmt.Errorf("scan computation: %w", err)
	}
	if c.ComputedWith, err = decodeRevisionMap(rawWith); err != nil {
		return nil, err
	}
	return &c, nil
}

// computationColumns is the select list scanComputation expects.
const computationColumns = `id, execution_id, node_name, computation_type, state,
	ex_revision_at_start, ex_revision_at_completion,
	scheduled_time, start_time, completion_time,
	deadline, last_heartbeat_at, heartbeat_deadline,
	error_details, computed_with, inserted_at, updated_at`

// scanSweepRun reads one sweep run row. pgx.ErrNoRows passes through for
// callers that treat an absent run as a normal answer.
func scanSweepRun(row rowScanner) (*SweepRun, error) {
	var r SweepRun
	err := row.Scan(
		&r.ID, &r.SweepType, &r.StartedAt, &r.CompletedAt,
		&r.ExecutionsProcessed, &r.InsertedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan sweep run: %w", err)
	}
	return &r, nil
}

// sweepRunColumns is the select list scanSweepRun expects.
const sweepRunColumns = `id, sweep_type, started_at, completed_at,
	executions_processed, inserted_at, updated_at`

// touchValue rewrites last_updated_at inside a revision-bumping
// transaction so the synthetic node tracks every value change.
func touchValue(ctx context.Context, tx pgx.Tx, executionID string, revision, epoch int64) error {
	raw, err := encodeJSON(epoch)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		UPDATE flow_values
		SET node_value = $3, set_time = $4, ex_revision = $5, updated_at = now()
		WHERE execution_id = $1 AND node_name = $2`,
		executionID, graph.NodeLastUpdatedAt, raw, epoch, revision,
	)
	if err != nil {
		return fmt.Errorf("touch last_updated_at: %w", err)
	}
	return nil
}

// bumpExecution writes the new revision and touch time inside a
// transaction holding the execution lock.
func bumpExecution(ctx context.Context, tx pgx.Tx, executionID string, revision int64) error {
	_, err := tx.Exec(ctx,
		`UPDATE flow_executions SET revision = $2, updated_at = now() WHERE id = $1`,
		executionID, revision,
	)
	if err != nil {
		return fmt.Errorf("bump execution %s: %w", executionID, err)
	}
	return nil
}
