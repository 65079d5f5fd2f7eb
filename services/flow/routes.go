// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flow

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes registers all flow service routes with the router.
//
// Description:
//
//	Registers all /v1/flow/* endpoints with the given Gin router group.
//	The router group should already have any required middleware applied.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Graph Endpoints:
//
//	GET  /v1/flow/graphs - List registered graphs
//	GET  /v1/flow/graphs/:name/:version - Graph detail
//	GET  /v1/flow/graphs/:name/:version/dot - Graphviz rendering
//
// Execution Endpoints:
//
//	POST /v1/flow/executions - Start an execution
//	GET  /v1/flow/executions - List executions with value filters
//	GET  /v1/flow/executions/count - Count executions
//	GET  /v1/flow/executions/:id - Execution detail
//	GET  /v1/flow/executions/:id/values - Read all values
//	GET  /v1/flow/executions/:id/values/:node - Read one value, optionally waiting
//	GET  /v1/flow/executions/:id/history - Computation attempt history
//	POST /v1/flow/executions/:id/set - Set one input
//	POST /v1/flow/executions/:id/set-many - Set several inputs atomically
//	POST /v1/flow/executions/:id/unset - Clear inputs
//	POST /v1/flow/executions/:id/archive - Hide from listings and sweepers
//	POST /v1/flow/executions/:id/unarchive - Restore an archived execution
//	POST /v1/flow/executions/:id/advance - Run a scheduler pass now
//	POST /v1/flow/executions/:id/retry - Reopen a terminally failed step
//
// Operator Endpoints:
//
//	GET  /v1/flow/audit - Recent audit events (empty without an audit extension)
//
// Health Endpoints:
//
//	GET  /v1/flow/health - Health check
//	GET  /v1/flow/ready - Readiness check
//
// Example:
//
//	service := flow.NewService(store, catalog, scheduler, logger)
//	handlers := flow.NewHandlers(service).WithPinger(pool.Ping)
//
//	v1 := router.Group("/v1")
//	flow.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	fl := rg.Group("/flow")
	{
		// Graph catalog
		graphs := fl.Group("/graphs")
		{
			graphs.GET("", handlers.HandleListGraphs)
			graphs.GET("/:name/:version", handlers.HandleGetGraph)
			graphs.GET("/:name/:version/dot", handlers.HandleGraphDOT)
		}

		// Execution lifecycle
		executions := fl.Group("/executions")
		{
			executions.POST("", handlers.HandleStartExecution)
			executions.GET("", handlers.HandleListExecutions)
			executions.GET("/count", handlers.HandleCountExecutions)
			executions.GET("/:id", handlers.HandleGetExecution)

			// Reads
			executions.GET("/:id/values", handlers.HandleValues)
			executions.GET("/:id/values/:node", handlers.HandleGetValue)
			executions.GET("/:id/history", handlers.HandleHistory)

			// Writes
			executions.POST("/:id/set", handlers.HandleSet)
			executions.POST("/:id/set-many", handlers.HandleSetMany)
			executions.POST("/:id/unset", handlers.HandleUnset)

			// Operator controls
			executions.POST("/:id/archive", handlers.HandleArchive)
			executions.POST("/:id/unarchive", handlers.HandleUnarchive)
			executions.POST("/:id/advance", handlers.HandleAdvance)
			executions.POST("/:id/retry", handlers.HandleRetry)
		}

		// Operator audit trail
		fl.GET("/audit", handlers.HandleAuditQuery)

		// Health checks
		fl.GET("/health", handlers.HandleHealth)
		fl.GET("/ready", handlers.HandleReady)
	}
}
