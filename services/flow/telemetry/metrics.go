// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics contains pre-defined metrics for the Aleutian Flow service.
//
// Description:
//
//	Provides standard counters, histograms, and gauges for HTTP requests,
//	computation claims and completions, scheduler passes, and sweep runs.
//	All metrics use the "flow_" prefix for consistent naming.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- HTTP Metrics ---

	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal metric.Int64Counter

	// HTTPRequestDuration records HTTP request duration in seconds.
	HTTPRequestDuration metric.Float64Histogram

	// HTTPActiveRequests tracks currently active HTTP requests.
	HTTPActiveRequests metric.Int64UpDownCounter

	// --- Computation Metrics ---

	// ComputationsClaimedTotal counts claimed computations by node.
	ComputationsClaimedTotal metric.Int64Counter

	// ComputationsCompletedTotal counts completed computations by node and state.
	ComputationsCompletedTotal metric.Int64Counter

	// ComputationDuration records claim-to-completion duration in seconds.
	ComputationDuration metric.Float64Histogram

	// ComputationRetriesTotal counts retry dispatches after failed or
	// abandoned attempts.
	ComputationRetriesTotal metric.Int64Counter

	// HeartbeatFailuresTotal counts heartbeats refused because the claim
	// was lost or the deadline had passed.
	HeartbeatFailuresTotal metric.Int64Counter

	// --- Scheduler Metrics ---

	// AdvancePassesTotal counts graph evaluation passes by outcome.
	AdvancePassesTotal metric.Int64Counter

	// AdvanceDuration records graph evaluation pass duration in seconds.
	AdvanceDuration metric.Float64Histogram

	// NodesDispatchedTotal counts nodes handed to workers by node and kind.
	NodesDispatchedTotal metric.Int64Counter

	// DriftedClaimsTotal counts claims skipped because the execution
	// revision moved between snapshot and claim.
	DriftedClaimsTotal metric.Int64Counter

	// WorkersActive tracks currently running computation workers.
	WorkersActive metric.Int64UpDownCounter

	// --- Sweep Metrics ---

	// SweepRunsTotal counts sweep executions by sweep name and status.
	SweepRunsTotal metric.Int64Counter

	// SweepDuration records sweep duration in seconds by sweep name.
	SweepDuration metric.Float64Histogram

	// SweepItemsTotal counts items processed by sweeps, by sweep name.
	SweepItemsTotal metric.Int64Counter

	// ScheduleBacklog tracks schedule computations whose pulse has passed
	// but which have not been dispatched yet. Registered via
	// RegisterScheduleBacklog.
	ScheduleBacklog metric.Int64ObservableGauge

	// --- Error Metrics ---

	// ErrorsTotal counts total errors by type and component.
	ErrorsTotal metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
//
// Description:
//
//	Registers all pre-defined metrics with the provided meter.
//	Returns an error if any metric registration fails.
//
// Inputs:
//
//	meter - The OTel meter to use for metric registration.
//
// Outputs:
//
//	*Metrics - The metrics instance with all counters and histograms initialized.
//	error - Non-nil if metric registration fails.
//
// Example:
//
//	meter := otel.Meter("flow")
//	metrics, err := telemetry.NewMetrics(meter)
//	if err != nil {
//	    return fmt.Errorf("create metrics: %w", err)
//	}
//	metrics.ComputationsClaimedTotal.Add(ctx, 1, ...)
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// --- HTTP Metrics ---
	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"flow_http_requests_total",
		metric.WithDescription("Total HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"flow_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_request_duration: %w", err)
	}

	m.HTTPActiveRequests, err = meter.Int64UpDownCounter(
		"flow_http_active_requests",
		metric.WithDescription("Currently active HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_active_requests: %w", err)
	}

	// --- Computation Metrics ---
	m.ComputationsClaimedTotal, err = meter.Int64Counter(
		"flow_computations_claimed_total",
		metric.WithDescription("Total computations claimed by workers"),
		metric.WithUnit("{computation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create computations_claimed_total: %w", err)
	}

	m.ComputationsCompletedTotal, err = meter.Int64Counter(
		"flow_computations_completed_total",
		metric.WithDescription("Total computations completed, by terminal state"),
		metric.WithUnit("{computation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create computations_completed_total: %w", err)
	}

	m.ComputationDuration, err = meter.Float64Histogram(
		"flow_computation_duration_seconds",
		metric.WithDescription("Claim-to-completion duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900),
	)
	if err != nil {
		return nil, fmt.Errorf("create computation_duration: %w", err)
	}

	m.ComputationRetriesTotal, err = meter.Int64Counter(
		"flow_computation_retries_total",
		metric.WithDescription("Total retry dispatches after failed or abandoned attempts"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create computation_retries_total: %w", err)
	}

	m.HeartbeatFailuresTotal, err = meter.Int64Counter(
		"flow_heartbeat_failures_total",
		metric.WithDescription("Total heartbeats refused after claim loss or deadline expiry"),
		metric.WithUnit("{heartbeat}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create heartbeat_failures_total: %w", err)
	}

	// --- Scheduler Metrics ---
	m.AdvancePassesTotal, err = meter.Int64Counter(
		"flow_advance_passes_total",
		metric.WithDescription("Total graph evaluation passes"),
		metric.WithUnit("{pass}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create advance_passes_total: %w", err)
	}

	m.AdvanceDuration, err = meter.Float64Histogram(
		"flow_advance_duration_seconds",
		metric.WithDescription("Graph evaluation pass duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5),
	)
	if err != nil {
		return nil, fmt.Errorf("create advance_duration: %w", err)
	}

	m.NodesDispatchedTotal, err = meter.Int64Counter(
		"flow_nodes_dispatched_total",
		metric.WithDescription("Total nodes handed to workers"),
		metric.WithUnit("{node}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create nodes_dispatched_total: %w", err)
	}

	m.DriftedClaimsTotal, err = meter.Int64Counter(
		"flow_drifted_claims_total",
		metric.WithDescription("Claims skipped because the execution revision moved under them"),
		metric.WithUnit("{claim}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create drifted_claims_total: %w", err)
	}

	m.WorkersActive, err = meter.Int64UpDownCounter(
		"flow_workers_active",
		metric.WithDescription("Currently running computation workers"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create workers_active: %w", err)
	}

	// --- Sweep Metrics ---
	m.SweepRunsTotal, err = meter.Int64Counter(
		"flow_sweep_runs_total",
		metric.WithDescription("Total sweep executions by sweep name and status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sweep_runs_total: %w", err)
	}

	m.SweepDuration, err = meter.Float64Histogram(
		"flow_sweep_duration_seconds",
		metric.WithDescription("Sweep duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60),
	)
	if err != nil {
		return nil, fmt.Errorf("create sweep_duration: %w", err)
	}

	m.SweepItemsTotal, err = meter.Int64Counter(
		"flow_sweep_items_total",
		metric.WithDescription("Total items processed by sweeps"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sweep_items_total: %w", err)
	}

	// Note: ScheduleBacklog requires a callback registration, handled separately

	// --- Error Metrics ---
	m.ErrorsTotal, err = meter.Int64Counter(
		"flow_errors_total",
		metric.WithDescription("Total errors by type and component"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_total: %w", err)
	}

	return m, nil
}

// RegisterScheduleBacklog registers a callback for the schedule backlog gauge.
//
// Description:
//
//	Sets up an observable gauge reporting how many schedule computations
//	have a passed pulse but no dispatch yet. The callback is invoked each
//	time metrics are scraped, so it must be cheap; the sweep service feeds
//	it from a cached count rather than a live query.
//
// Inputs:
//
//	meter - The OTel meter to use for registration.
//	backlogFunc - A function that returns the current backlog size.
//
// Outputs:
//
//	metric.Registration - Registration handle for cleanup.
//	error - Non-nil if registration fails.
func (m *Metrics) RegisterScheduleBacklog(meter metric.Meter, backlogFunc func() int64) (metric.Registration, error) {
	var err error
	m.ScheduleBacklog, err = meter.Int64ObservableGauge(
		"flow_schedule_backlog",
		metric.WithDescription("Schedule computations with a passed pulse awaiting dispatch"),
		metric.WithUnit("{computation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create schedule_backlog: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(m.ScheduleBacklog, backlogFunc())
		return nil
	}, m.ScheduleBacklog)
}
