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
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianFlow/pkg/extensions"
	"github.com/gin-gonic/gin"
)

// authInfoContextKey is the gin context key the middleware stores the
// authenticated identity under.
const authInfoContextKey = "flow.auth_info"

// AuthInfoFromContext returns the identity placed by AuthMiddleware, or
// nil when the middleware is not mounted.
func AuthInfoFromContext(c *gin.Context) *extensions.AuthInfo {
	v, ok := c.Get(authInfoContextKey)
	if !ok {
		return nil
	}
	info, _ := v.(*extensions.AuthInfo)
	return info
}

// AuthMiddleware authenticates and authorizes every request through the
// configured extension points.
//
// With the open source defaults (NopAuthProvider, NopAuthzProvider) the
// middleware admits everything as "local-operator"; an enterprise
// deployment swaps in real providers without touching the handlers.
// Denied authorization attempts are audited as "authz.denied".
//
// Mount on the router group before RegisterRoutes:
//
//	v1 := router.Group("/v1", flow.AuthMiddleware(opts, logger))
//	flow.RegisterRoutes(v1, handlers)
func AuthMiddleware(opts extensions.ServiceOptions, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "auth")

	return func(c *gin.Context) {
		token := bearerToken(c)
		info, err := opts.AuthProvider.Validate(c.Request.Context(), token)
		if err != nil {
			log.Warn("Authentication failed",
				"path", c.FullPath(),
				"error", err,
			)
			auditDenied(c, opts, "auth.failed", "anonymous")
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: "authentication required",
				Code:  "UNAUTHORIZED",
			})
			return
		}
		c.Set(authInfoContextKey, info)

		resourceType, resourceID := resourceForRoute(c)
		req := extensions.AuthzRequest{
			User:         info,
			Action:       actionForRoute(c),
			ResourceType: resourceType,
			ResourceID:   resourceID,
		}
		if err := opts.AuthzProvider.Authorize(c.Request.Context(), req); err != nil {
			log.Warn("Authorization denied",
				"user_id", info.UserID,
				"action", req.Action,
				"resource_type", req.ResourceType,
				"resource_id", req.ResourceID,
			)
			auditDenied(c, opts, "authz.denied", info.UserID)
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{
				Error: "forbidden",
				Code:  "FORBIDDEN",
			})
			return
		}

		c.Next()
	}
}

// AuditMiddleware records every mutating request with the configured
// AuditLogger after the handler runs. Reads are not audited; they are
// high-volume and carry no state change.
func AuditMiddleware(opts extensions.ServiceOptions, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "audit")

	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		userID := "anonymous"
		if info := AuthInfoFromContext(c); info != nil {
			userID = info.UserID
		}
		resourceType, resourceID := resourceForRoute(c)

		event := extensions.AuditEvent{
			EventType:    eventTypeForRoute(c),
			Timestamp:    start.UTC(),
			UserID:       userID,
			Action:       actionForRoute(c),
			ResourceType: resourceType,
			ResourceID:   resourceID,
			Outcome:      outcomeForStatus(c.Writer.Status()),
			Metadata: map[string]any{
				"request_id":  c.Writer.Header().Get("X-Request-ID"),
				"ip_address":  c.ClientIP(),
				"status":      c.Writer.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
			},
		}
		if err := opts.AuditLogger.Log(c.Request.Context(), event); err != nil {
			// Audit failure must not fail the request that already ran.
			log.Warn("Audit log failed", "event_type", event.EventType, "error", err)
		}
	}
}

// auditDenied records an auth or authz rejection. Best effort.
func auditDenied(c *gin.Context, opts extensions.ServiceOptions, eventType, userID string) {
	resourceType, resourceID := resourceForRoute(c)
	_ = opts.AuditLogger.Log(c.Request.Context(), extensions.AuditEvent{
		EventType:    eventType,
		Timestamp:    time.Now().UTC(),
		UserID:       userID,
		Action:       actionForRoute(c),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      "denied",
		Metadata: map[string]any{
			"ip_address": c.ClientIP(),
			"path":       c.Request.URL.Path,
		},
	})
}

// bearerToken extracts the Authorization bearer token, or "" when the
// header is absent. The nop provider accepts ""; real providers reject
// it.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return header[len(prefix):]
	}
	return header
}

// actionForRoute maps the matched route onto an authorization action.
func actionForRoute(c *gin.Context) string {
	if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead {
		return "read"
	}
	switch lastRouteSegment(c) {
	case "executions":
		return "start"
	case "set", "set-many":
		return "set"
	case "unset":
		return "unset"
	case "archive":
		return "archive"
	case "unarchive":
		return "unarchive"
	case "advance":
		return "advance"
	case "retry":
		return "retry"
	}
	return "write"
}

// resourceForRoute maps the matched route onto an authorization
// resource.
func resourceForRoute(c *gin.Context) (resourceType, resourceID string) {
	path := c.FullPath()
	switch {
	case strings.Contains(path, "/executions"):
		return "execution", c.Param("id")
	case strings.Contains(path, "/graphs"):
		name, version := c.Param("name"), c.Param("version")
		if name == "" {
			return "graph", ""
		}
		return "graph", name + "@" + version
	case strings.Contains(path, "/audit"):
		return "audit", ""
	}
	return "service", ""
}

// eventTypeForRoute maps a mutating route onto its audit event type.
func eventTypeForRoute(c *gin.Context) string {
	switch lastRouteSegment(c) {
	case "executions":
		return "execution.start"
	case "set", "set-many":
		return "value.set"
	case "unset":
		return "value.unset"
	case "archive":
		return "execution.archive"
	case "unarchive":
		return "execution.unarchive"
	case "advance":
		return "execution.advance"
	case "retry":
		return "node.retry"
	}
	return "request"
}

// lastRouteSegment returns the final segment of the matched route
// template, e.g. "set" for /v1/flow/executions/:id/set.
func lastRouteSegment(c *gin.Context) string {
	path := c.FullPath()
	if path == "" {
		// No route matched (404); fall back to the raw URL path.
		path = c.Request.URL.Path
	}
	path = strings.TrimRight(path, "/")
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// outcomeForStatus folds an HTTP status into an audit outcome.
func outcomeForStatus(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "success"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "denied"
	case status >= 400 && status < 500:
		return "failure"
	default:
		return "error"
	}
}
