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
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// LoggerWithTrace returns a logger enriched with trace correlation fields.
//
// Description:
//
//	Extracts trace_id and span_id from the active span context and attaches
//	them to the logger, so log lines can be joined with traces in
//	Grafana/Loki. Returns the logger unchanged when no valid span is present.
//
// Inputs:
//
//	ctx - Context potentially containing a span. May be nil.
//	logger - Logger to enrich. Nil falls back to slog.Default().
//
// Outputs:
//
//	*slog.Logger - The enriched logger, never nil.
//
// Thread Safety: Safe for concurrent use.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	if ctx == nil {
		return logger
	}

	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}

	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}

// LoggerWithExecution returns a logger carrying the execution identity.
//
// Description:
//
//	Attaches execution_id plus any trace correlation fields, so all log
//	lines for one execution can be filtered together across workers,
//	sweeps, and HTTP handlers.
//
// Thread Safety: Safe for concurrent use.
func LoggerWithExecution(ctx context.Context, logger *slog.Logger, executionID string) *slog.Logger {
	return LoggerWithTrace(ctx, logger).With(slog.String("execution_id", executionID))
}

// LoggerWithNode returns a logger carrying a node name.
//
// Description:
//
//	Attaches the node field plus any trace correlation fields. Used by
//	workers so each computation's log lines identify the node being
//	computed.
//
// Thread Safety: Safe for concurrent use.
func LoggerWithNode(ctx context.Context, logger *slog.Logger, node string) *slog.Logger {
	return LoggerWithTrace(ctx, logger).With(slog.String("node", node))
}
