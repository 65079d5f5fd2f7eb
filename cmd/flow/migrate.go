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
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/services/flow/storage"
)

func runMigrate(cmd *cobra.Command, args []string) {
	if err := migrateSchema(); err != nil {
		log.Fatalf("flow migrate: %v", err)
	}
}

// migrateSchema applies the idempotent schema DDL and exits. Safe to
// run against a live database; existing tables are left alone.
func migrateSchema() error {
	cfg, err := LoadServiceConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// DDL runs sequentially, one connection is plenty.
	pool, err := storage.Connect(ctx, cfg.DatabaseURL, 1)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	if err := storage.InitSchema(ctx, pool); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	fmt.Println("Schema ready")
	return nil
}
