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
	"encoding/json"
	"fmt"
	"strings"
)

// Pagination bounds applied when ListOptions leaves Limit unset or asks
// for more than a page can carry.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// ListExecutions pages executions matching the options. Value filters are
// pushed into SQL as EXISTS subqueries against flow_values, so filtering
// never loads execution children.
func (s *Store) ListExecutions(ctx context.Context, opts ListOptions) ([]*Execution, error) {
	where, args, err := buildListWhere(opts)
	if err != nil {
		return nil, err
	}
	orderBy, err := buildListOrder(opts)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT %s
		FROM flow_executions e
		%s
		%s
		LIMIT $%d OFFSET $%d`,
		executionColumnsAliased, where, orderBy, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return executions, nil
}

// CountExecutions counts matches for the same options ListExecutions pages
// through; limit, offset and sort are ignored.
func (s *Store) CountExecutions(ctx context.Context, opts ListOptions) (int64, error) {
	where, args, err := buildListWhere(opts)
	if err != nil {
		return 0, err
	}
	var count int64
	err = s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT count(*) FROM flow_executions e %s`, where),
		args...,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count executions: %w", err)
	}
	return count, nil
}

// executionColumnsAliased is executionColumns qualified for the e alias.
const executionColumnsAliased = `e.id, e.graph_name, e.graph_version, e.graph_hash,
	e.archived_at, e.revision, e.inserted_at, e.updated_at`

func buildListWhere(opts ListOptions) (string, []any, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, vals ...any) {
		args = append(args, vals...)
		conds = append(conds, cond)
	}

	if opts.GraphName != "" {
		add(fmt.Sprintf("e.graph_name = $%d", len(args)+1), opts.GraphName)
	}
	if opts.GraphVersion != "" {
		add(fmt.Sprintf("e.graph_version = $%d", len(args)+1), opts.GraphVersion)
	}
	if !opts.IncludeArchived {
		conds = append(conds, "e.archived_at IS NULL")
	}

	for _, f := range opts.ValueFilters {
		cond, vals, err := buildValueFilter(f, len(args))
		if err != nil {
			return "", nil, err
		}
		add(cond, vals...)
	}

	if len(conds) == 0 {
		return "", args, nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args, nil
}

// buildValueFilter renders one filter as an EXISTS subquery. argOffset is
// how many placeholders are already taken.
func buildValueFilter(f ValueFilter, argOffset int) (string, []any, error) {
	if f.Node == "" {
		return "", nil, fmt.Errorf("filter missing node: %w", ErrBadFilter)
	}
	if !f.Op.Valid() {
		return "", nil, fmt.Errorf("filter op %q: %w", f.Op, ErrBadFilter)
	}

	nodeArg := fmt.Sprintf("$%d", argOffset+1)
	matchRow := "v.execution_id = e.id AND v.node_name = " + nodeArg

	exists := func(extra string, vals ...any) (string, []any, error) {
		cond := fmt.Sprintf(
			"EXISTS (SELECT 1 FROM flow_values v WHERE %s AND v.set_time IS NOT NULL%s)",
			matchRow, extra)
		return cond, append([]any{f.Node}, vals...), nil
	}

	switch f.Op {
	case OpIsSet:
		return exists("")
	case OpIsNotSet:
		cond := fmt.Sprintf(
			"NOT EXISTS (SELECT 1 FROM flow_values v WHERE %s AND v.set_time IS NOT NULL)",
			matchRow)
		return cond, []any{f.Node}, nil
	case OpEq:
		raw, err := json.Marshal(f.Value)
		if err != nil {
			return "", nil, fmt.Errorf("filter value: %w", ErrBadFilter)
		}
		return exists(fmt.Sprintf(" AND v.node_value = $%d::jsonb", argOffset+2), string(raw))
	case OpNeq:
		raw, err := json.Marshal(f.Value)
		if err != nil {
			return "", nil, fmt.Errorf("filter value: %w", ErrBadFilter)
		}
		return exists(fmt.Sprintf(" AND v.node_value <> $%d::jsonb", argOffset+2), string(raw))
	case OpLt, OpLte, OpGt, OpGte:
		return buildCompareFilter(f, exists, argOffset)
	case OpContains, OpIContains:
		text, ok := f.Value.(string)
		if !ok {
			return "", nil, fmt.Errorf("op %s requires a string value: %w", f.Op, ErrBadFilter)
		}
		expr := fmt.Sprintf(
			" AND jsonb_typeof(v.node_value) = 'string' AND position($%d in (v.node_value #>> '{}')) > 0",
			argOffset+2)
		if f.Op == OpIContains {
			expr = fmt.Sprintf(
				" AND jsonb_typeof(v.node_value) = 'string' AND position(lower($%d) in lower(v.node_value #>> '{}')) > 0",
				argOffset+2)
		}
		return exists(expr, text)
	case OpListContains:
		raw, err := json.Marshal([]any{f.Value})
		if err != nil {
			return "", nil, fmt.Errorf("filter value: %w", ErrBadFilter)
		}
		return exists(fmt.Sprintf(
			" AND jsonb_typeof(v.node_value) = 'array' AND v.node_value @> $%d::jsonb",
			argOffset+2), string(raw))
	}
	return "", nil, fmt.Errorf("filter op %q: %w", f.Op, ErrBadFilter)
}

// buildCompareFilter renders the ordered operators. Numeric filter values
// compare numerically, strings lexically; anything else is rejected.
func buildCompareFilter(f ValueFilter, exists func(string, ...any) (string, []any, error), argOffset int) (string, []any, error) {
	op := map[FilterOp]string{OpLt: "<", OpLte: "<=", OpGt: ">", OpGte: ">="}[f.Op]

	if n, ok := filterNumber(f.Value); ok {
		return exists(fmt.Sprintf(
			" AND jsonb_typeof(v.node_value) = 'number' AND (v.node_value #>> '{}')::numeric %s $%d",
			op, argOffset+2), n)
	}
	if text, ok := f.Value.(string); ok {
		return exists(fmt.Sprintf(
			" AND jsonb_typeof(v.node_value) = 'string' AND (v.node_value #>> '{}') %s $%d",
			op, argOffset+2), text)
	}
	return "", nil, fmt.Errorf("op %s requires a number or string value: %w", f.Op, ErrBadFilter)
}

func filterNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func buildListOrder(opts ListOptions) (string, error) {
	column := opts.SortBy
	if column == "" {
		column = SortInsertedAt
	}
	switch column {
	case SortInsertedAt, SortUpdatedAt, SortRevision:
	default:
		return "", fmt.Errorf("sort column %q: %w", opts.SortBy, ErrBadSort)
	}
	direction := "ASC"
	if opts.SortDesc {
		direction = "DESC"
	}
	return fmt.Sprintf("ORDER BY e.%s %s, e.id ASC", column, direction), nil
}
