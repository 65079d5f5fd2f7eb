// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianFlow/services/flow"
)

const (
	requestTimeout = 10 * time.Second

	// detailConcurrency bounds the parallel per-execution detail
	// fetches behind one snapshot.
	detailConcurrency = 8
)

// Client is a small HTTP client for the flow API, just enough for the
// monitor: list, detail, archive and health.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the flow API at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// ExecutionRow is one monitor table row: the execution summary plus the
// per-state node counts from the detail endpoint.
type ExecutionRow struct {
	flow.ExecutionSummary

	// States counts step nodes by the state of their latest attempt.
	States map[string]int
}

// Snapshot fetches everything one refresh paints: the newest executions,
// their node state counts and the service health. The list endpoint does
// not carry state counts, so details are fetched concurrently.
func (c *Client) Snapshot(ctx context.Context, includeArchived bool, limit int) ([]ExecutionRow, *flow.HealthResponse, error) {
	list, err := c.ListExecutions(ctx, includeArchived, limit)
	if err != nil {
		return nil, nil, err
	}

	rows := make([]ExecutionRow, len(list))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(detailConcurrency)
	for i, sum := range list {
		g.Go(func() error {
			detail, err := c.GetExecution(gctx, sum.ID)
			if err != nil {
				return err
			}
			rows[i] = ExecutionRow{ExecutionSummary: detail.ExecutionSummary, States: detail.NodeStates}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	health, err := c.Health(ctx)
	if err != nil {
		return nil, nil, err
	}
	return rows, health, nil
}

// ListExecutions returns the newest executions, most recently updated
// first.
func (c *Client) ListExecutions(ctx context.Context, includeArchived bool, limit int) ([]flow.ExecutionSummary, error) {
	q := url.Values{}
	q.Set("sort_by", "updated_at")
	q.Set("sort_desc", "true")
	q.Set("limit", strconv.Itoa(limit))
	if includeArchived {
		q.Set("include_archived", "true")
	}

	var resp flow.ListExecutionsResponse
	if err := c.getJSON(ctx, "/v1/flow/executions", q, &resp); err != nil {
		return nil, err
	}
	return resp.Executions, nil
}

// GetExecution returns the full execution detail.
func (c *Client) GetExecution(ctx context.Context, id string) (*flow.ExecutionDetailResponse, error) {
	var resp flow.ExecutionDetailResponse
	if err := c.getJSON(ctx, "/v1/flow/executions/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ArchiveExecution hides an execution from listings and sweepers.
func (c *Client) ArchiveExecution(ctx context.Context, id string) error {
	var resp flow.StatusResponse
	return c.postJSON(ctx, "/v1/flow/executions/"+url.PathEscape(id)+"/archive", &resp)
}

// UnarchiveExecution restores an archived execution.
func (c *Client) UnarchiveExecution(ctx context.Context, id string) error {
	var resp flow.StatusResponse
	return c.postJSON(ctx, "/v1/flow/executions/"+url.PathEscape(id)+"/unarchive", &resp)
}

// Health returns the service health summary.
func (c *Client) Health(ctx context.Context) (*flow.HealthResponse, error) {
	var resp flow.HealthResponse
	if err := c.getJSON(ctx, "/v1/flow/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

// apiError turns a non-2xx response into an error, preferring the API's
// own message over the bare status.
func apiError(resp *http.Response) error {
	var body flow.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		if body.Code != "" {
			return fmt.Errorf("%s (%s)", body.Error, body.Code)
		}
		return fmt.Errorf("%s", body.Error)
	}
	return fmt.Errorf("%s: %s", resp.Request.URL.Path, resp.Status)
}
