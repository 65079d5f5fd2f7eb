// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command flowtop is a terminal monitor for a running flow service.
//
// It polls the flow HTTP API and renders the newest executions in a live
// table: id, graph, revision, node state counts and last update. Rows can
// be archived and restored in place.
//
// # Environment Variables
//
//   - FLOW_API_URL: Base URL of the flow API (default: http://localhost:8080)
//   - FLOWTOP_REFRESH_SECONDS: Poll period in seconds (default: 5)
//   - FLOWTOP_LIMIT: Maximum executions shown (default: 50)
//
// # Usage
//
//	# Build
//	go build -o flowtop ./cmd/flowtop
//
//	# Watch a local service
//	./flowtop
//
//	# Watch a remote service
//	FLOW_API_URL=https://flow.internal:8080 ./flowtop
package main

import (
	"log"
	"os"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

func main() {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		log.Fatal("flowtop needs an interactive terminal")
	}

	apiURL := getEnvString("FLOW_API_URL", "http://localhost:8080")
	refresh := time.Duration(getEnvInt("FLOWTOP_REFRESH_SECONDS", 5)) * time.Second
	limit := getEnvInt("FLOWTOP_LIMIT", 50)

	m := newMonitorModel(NewClient(apiURL), refresh, limit)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("flowtop: %v", err)
	}
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
