// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command flow runs the Aleutian Flow service: the HTTP API, the
// scheduler that advances executions and the background sweeps.
//
// # Environment Variables
//
//   - FLOW_DATABASE_URL: PostgreSQL connection string
//   - FLOW_DB_MAX_CONNS: connection pool cap (default: 8)
//   - FLOW_PORT: HTTP API port (default: 8080)
//   - FLOW_LOG_LEVEL: debug, info, warn or error (default: info)
//   - FLOW_LOG_DIR: directory for file logs (default: stderr only)
//   - FLOW_LOG_GCS_BUCKET: GCS bucket for shipped logs (optional)
//   - FLOW_SWEEP_PERIOD_SECONDS: sweep ticker period (default: 60)
//   - FLOW_SWEEP_<NAME>_ENABLED: per-sweep toggles (default: true)
//   - FLOW_CATCHALL_UTC_HOUR: daily catchall hour (default: 3)
//   - FLOW_MAX_CONCURRENT_COMPUTATIONS: claim cap (default: unbounded)
//   - FLOW_LICENSE_KEY: license key (default: community tier)
//   - FLOW_INFLUX_URL / TOKEN / ORG / BUCKET: analytics sink (optional)
//   - OTEL_TRACES_EXPORTER / OTEL_METRICS_EXPORTER /
//     OTEL_EXPORTER_OTLP_ENDPOINT: standard OTel exporter selection
//
// # Usage
//
//	# Build
//	go build -o flow ./cmd/flow
//
//	# Create the schema, then serve
//	./flow migrate
//	./flow serve
//
//	# Or serve with the example graphs against a local database
//	./flow demo
package main

import (
	"log"
)

func main() {
	// Execute the root command. Cobra handles parsing the arguments.
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
