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
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version metadata, stamped by the release build:
//
//	go build -ldflags "-X main.version=... -X main.commit=..."
var (
	version = "dev"
	commit  = "none"
)

// --- Global Command Variables ---
var (
	configPath  string
	autoMigrate bool

	rootCmd = &cobra.Command{
		Use:   "flow",
		Short: "Run and operate the Aleutian Flow computation engine",
		Long: `Flow persists reactive computation graphs in PostgreSQL and
advances them as inputs arrive. The serve command runs the full service:
HTTP API, scheduler and background sweeps.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Start the flow service (HTTP API, scheduler, sweeps)",
		Run:   runServe, // Defined in serve.go
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Run:   runMigrate, // Defined in migrate.go
	}

	demoCmd = &cobra.Command{
		Use:   "demo",
		Short: "Start the service with the example graphs registered",
		Long: `Demo migrates the schema, registers the example graphs
(greeting, threshold alert, switch cycle, recurring ticker) and serves.
Meant for kicking the tires against a local database.`,
		Run: runDemo, // Defined in demo.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run:   runVersion,
	}
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&configPath, "config", "",
		"Path to a YAML config file overlaying the FLOW_* environment defaults")
	serveCmd.Flags().BoolVar(&autoMigrate, "auto-migrate", false,
		"Run the schema migration before serving")

	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().StringVar(&configPath, "config", "",
		"Path to a YAML config file overlaying the FLOW_* environment defaults")

	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().StringVar(&configPath, "config", "",
		"Path to a YAML config file overlaying the FLOW_* environment defaults")

	rootCmd.AddCommand(versionCmd)
}

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("flow %s (commit %s, %s)\n", version, commit, runtime.Version())
}
