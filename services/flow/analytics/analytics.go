// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analytics records computation and sweep history to InfluxDB.
//
// The recorder is optional: when no InfluxDB URL or token is configured,
// New returns nil and every method on the nil recorder is a no-op. Writes
// are best-effort; failures are logged and never propagated to the
// operation that triggered them.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/storage"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Config holds InfluxDB connection settings.
type Config struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

// FromEnv builds a Config from FLOW_INFLUX_* environment variables.
//
// URL and Token have no defaults; leaving either unset disables the
// recorder entirely.
func FromEnv() Config {
	cfg := Config{
		URL:    os.Getenv("FLOW_INFLUX_URL"),
		Token:  os.Getenv("FLOW_INFLUX_TOKEN"),
		Org:    os.Getenv("FLOW_INFLUX_ORG"),
		Bucket: os.Getenv("FLOW_INFLUX_BUCKET"),
	}
	if cfg.Org == "" {
		cfg.Org = "aleutian"
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "flow-analytics"
	}
	return cfg
}

// Enabled reports whether the config names a reachable sink.
func (c Config) Enabled() bool {
	return c.URL != "" && c.Token != ""
}

// Recorder writes flow events to InfluxDB using the blocking write API.
//
// Thread Safety: Safe for concurrent use. A nil *Recorder is valid and
// ignores all calls.
type Recorder struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
	logger *slog.Logger
}

// New creates a Recorder, or returns nil when the config is incomplete.
//
// Description:
//
//	Client creation does not dial; use Ping to verify the sink is
//	reachable. Callers hold the returned pointer directly - a nil result
//	is the disabled recorder, not an error.
//
// Inputs:
//
//	cfg - Connection settings. URL and Token are required.
//	logger - Base logger. Nil falls back to slog.Default().
//
// Outputs:
//
//	*Recorder - The recorder, or nil when disabled.
func New(cfg Config, logger *slog.Logger) *Recorder {
	if !cfg.Enabled() {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &Recorder{
		client: client,
		write:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		logger: logger.With("component", "flow_analytics"),
	}
}

// Ping checks that InfluxDB is reachable and healthy.
func (r *Recorder) Ping(ctx context.Context) error {
	if r == nil {
		return nil
	}
	health, err := r.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("influx health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("influx health: status %s: %s", health.Status, msg)
	}
	return nil
}

// Close releases the underlying client. Safe on nil.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.client.Close()
}

// RecordComputation emits a computation_completed point for a terminal
// attempt. Failures are logged and swallowed.
func (r *Recorder) RecordComputation(ctx context.Context, comp *storage.Computation) {
	if r == nil || comp == nil {
		return
	}
	if err := r.write.WritePoint(ctx, computationPoint(comp)); err != nil {
		r.logger.Warn("analytics write failed",
			"measurement", "computation_completed",
			"execution_id", comp.ExecutionID,
			"node", comp.NodeName,
			"error", err)
	}
}

// RecordSweep emits a sweep_completed point for a finished sweep run.
// Failures are logged and swallowed.
func (r *Recorder) RecordSweep(ctx context.Context, run *storage.SweepRun) {
	if r == nil || run == nil {
		return
	}
	if err := r.write.WritePoint(ctx, sweepPoint(run)); err != nil {
		r.logger.Warn("analytics write failed",
			"measurement", "sweep_completed",
			"sweep", run.SweepType,
			"error", err)
	}
}

// computationPoint converts a terminal computation row into a point.
// Point time is the completion time so late writes land where the
// attempt actually finished.
func computationPoint(comp *storage.Computation) *write.Point {
	ts := time.Now()
	if comp.CompletionTime != nil {
		ts = *comp.CompletionTime
	}

	fields := map[string]interface{}{
		"execution_id": comp.ExecutionID,
	}
	if comp.StartTime != nil && comp.CompletionTime != nil {
		fields["duration_seconds"] = comp.CompletionTime.Sub(*comp.StartTime).Seconds()
	}
	if comp.ExRevisionAtCompletion != nil {
		fields["revision"] = *comp.ExRevisionAtCompletion
	}
	if comp.ErrorDetails != nil {
		fields["error"] = *comp.ErrorDetails
	}

	return influxdb2.NewPoint(
		"computation_completed",
		map[string]string{
			"node":  comp.NodeName,
			"type":  string(comp.Type),
			"state": string(comp.State),
		},
		fields,
		ts,
	)
}

// sweepPoint converts a finished sweep run into a point.
func sweepPoint(run *storage.SweepRun) *write.Point {
	ts := time.Now()
	if run.CompletedAt != nil {
		ts = *run.CompletedAt
	}

	fields := map[string]interface{}{
		"executions_processed": int64(run.ExecutionsProcessed),
	}
	if run.CompletedAt != nil {
		fields["duration_seconds"] = run.CompletedAt.Sub(run.StartedAt).Seconds()
	}

	return influxdb2.NewPoint(
		"sweep_completed",
		map[string]string{
			"sweep": run.SweepType,
		},
		fields,
		ts,
	)
}
