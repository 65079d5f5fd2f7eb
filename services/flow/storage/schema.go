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
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const currentSchemaVersion = 1

// InitSchema creates the engine tables and indexes. Idempotent: safe to run
// on every startup and from multiple replicas; everything happens in one
// transaction guarded by the schema_version table.
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	version, err := schemaVersion(ctx, pool)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= currentSchemaVersion {
		slog.Debug("schema up to date", "component", "flow_storage", "version", version)
		return nil
	}

	slog.Info("initializing schema",
		"component", "flow_storage",
		"from_version", version,
		"to_version", currentSchemaVersion,
	)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, ddl := range schemaDDL {
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_version (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`,
		currentSchemaVersion,
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// schemaVersion returns the highest applied version, 0 when the bookkeeping
// table does not exist yet.
func schemaVersion(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var exists bool
	err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'schema_version')`,
	).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	var version int
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (
		version    INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS flow_executions (
		id            TEXT PRIMARY KEY,
		graph_name    TEXT NOT NULL,
		graph_version TEXT NOT NULL,
		graph_hash    TEXT NOT NULL,
		archived_at   TIMESTAMPTZ,
		revision      BIGINT NOT NULL DEFAULT 0,
		inserted_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS flow_values (
		id           BIGSERIAL PRIMARY KEY,
		execution_id TEXT NOT NULL REFERENCES flow_executions(id) ON DELETE CASCADE,
		node_name    TEXT NOT NULL,
		node_type    TEXT NOT NULL,
		node_value   JSONB,
		metadata     JSONB,
		set_time     BIGINT,
		ex_revision  BIGINT NOT NULL DEFAULT 0,
		inserted_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (execution_id, node_name)
	)`,

	`CREATE TABLE IF NOT EXISTS flow_computations (
		id                        BIGSERIAL PRIMARY KEY,
		execution_id              TEXT NOT NULL REFERENCES flow_executions(id) ON DELETE CASCADE,
		node_name                 TEXT NOT NULL,
		computation_type          TEXT NOT NULL,
		state                     TEXT NOT NULL DEFAULT 'not_set',
		ex_revision_at_start      BIGINT,
		ex_revision_at_completion BIGINT,
		scheduled_time            TIMESTAMPTZ,
		start_time                TIMESTAMPTZ,
		completion_time           TIMESTAMPTZ,
		deadline                  TIMESTAMPTZ,
		last_heartbeat_at         TIMESTAMPTZ,
		heartbeat_deadline        TIMESTAMPTZ,
		error_details             TEXT,
		computed_with             JSONB,
		inserted_at               TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at                TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS flow_sweep_runs (
		id                   BIGSERIAL PRIMARY KEY,
		sweep_type           TEXT NOT NULL,
		started_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at         TIMESTAMPTZ,
		executions_processed INTEGER NOT NULL DEFAULT 0,
		inserted_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_flow_values_execution_node
		ON flow_values (execution_id, node_name)`,
	`CREATE INDEX IF NOT EXISTS idx_flow_values_type
		ON flow_values (node_type) WHERE set_time IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_flow_computations_execution_node
		ON flow_computations (execution_id, node_name)`,
	`CREATE INDEX IF NOT EXISTS idx_flow_computations_state_heartbeat
		ON flow_computations (state, heartbeat_deadline)`,
	`CREATE INDEX IF NOT EXISTS idx_flow_computations_state_deadline
		ON flow_computations (state, deadline)`,
	`CREATE INDEX IF NOT EXISTS idx_flow_sweep_runs_type_completed
		ON flow_sweep_runs (sweep_type, completed_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_flow_executions_graph
		ON flow_executions (graph_name, graph_version)`,
	`CREATE INDEX IF NOT EXISTS idx_flow_executions_archived
		ON flow_executions (archived_at)`,
	`CREATE INDEX IF NOT EXISTS idx_flow_executions_updated
		ON flow_executions (updated_at) WHERE archived_at IS NULL`,
}
