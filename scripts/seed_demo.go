//go:build ignore

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// seed_demo fills a running flow service with executions of the demo
// graphs so flowtop has something to show. Start `flow demo` first.
// Run with: go run scripts/seed_demo.go
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/AleutianAI/AleutianFlow/services/flow"
)

func main() {
	base := os.Getenv("FLOW_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}

	for i := 1; i <= 5; i++ {
		id := startExecution(base, "greeting")
		setValue(base, id, "name", fmt.Sprintf("aleutian-%d", i))
		fmt.Printf("greeting    %s seeded\n", id)
	}

	id := startExecution(base, "threshold-alert")
	setMany(base, id, map[string]any{"x": 22.5, "y": 19.5})
	fmt.Printf("alert       %s seeded, sum clears the bar\n", id)

	id = startExecution(base, "threshold-alert")
	setMany(base, id, map[string]any{"x": 1, "y": 2})
	fmt.Printf("alert       %s seeded, gate stays shut\n", id)

	id = startExecution(base, "switch-cycle")
	setValue(base, id, "switch", "on")
	fmt.Printf("cycle       %s seeded, watch the paw flip it back\n", id)

	// One archived row so the archived toggle in flowtop has something
	// to reveal.
	id = startExecution(base, "greeting")
	post(base, "/v1/flow/executions/"+id+"/archive", nil, nil)
	fmt.Printf("greeting    %s archived\n", id)
}

func startExecution(base, graphName string) string {
	var detail flow.ExecutionDetailResponse
	post(base, "/v1/flow/executions", flow.StartExecutionRequest{
		GraphName:    graphName,
		GraphVersion: "1.0.0",
	}, &detail)
	return detail.ID
}

func setValue(base, id, node string, value any) {
	post(base, "/v1/flow/executions/"+id+"/set", flow.SetRequest{
		Node:  node,
		Value: value,
	}, nil)
}

func setMany(base, id string, values map[string]any) {
	post(base, "/v1/flow/executions/"+id+"/set-many", flow.SetManyRequest{
		Values: values,
	}, nil)
}

func post(base, path string, body, out any) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			log.Fatalf("encode %s: %v", path, err)
		}
	}
	resp, err := http.Post(base+path, "application/json", &buf)
	if err != nil {
		log.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var apiErr flow.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		log.Fatalf("POST %s: %s (%s)", path, resp.Status, apiErr.Error)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s: %v", path, err)
		}
	}
}
