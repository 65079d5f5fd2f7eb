// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import "errors"

// Sentinel errors for the scheduler package.
var (
	// ErrGraphNotRegistered is returned when an execution references a
	// (graph_name, graph_version) the catalog does not hold. The execution
	// cannot advance until the graph is registered in this process.
	ErrGraphNotRegistered = errors.New("graph not registered")

	// ErrGateEvaluation wraps readiness-evaluation failures. A gate that
	// references a value node the execution does not carry is a graph
	// programming error, not a transient condition.
	ErrGateEvaluation = errors.New("gate evaluation failed")
)
