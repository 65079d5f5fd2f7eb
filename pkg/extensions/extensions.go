// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines interfaces for commercial functionality.
//
// This package provides extension points that let the enterprise
// distribution add capabilities without modifying the open source flow
// engine. The open source build uses no-op defaults for all interfaces.
//
// # Design Philosophy
//
// The flow engine is a fully functional local service that runs against
// any PostgreSQL without external infrastructure. Commercial features
// are implemented by providing concrete implementations of these
// interfaces and injecting them via ServiceOptions.
//
// # Extension Categories
//
// The package is organized by domain:
//
//   - auth.go: Authentication and authorization for the HTTP surface
//     (AuthProvider, AuthzProvider)
//   - audit.go: Compliance audit logging of execution operations
//     (AuditLogger)
//   - memory_auditor.go: Bounded in-memory AuditLogger for debugging
//     and tests
//
// # Usage in the Open Source Engine
//
// The open source build uses no-op implementations:
//
//	opts := extensions.DefaultOptions()
//	router.Use(flow.AuthMiddleware(opts, logger))
//
// # Usage in the Enterprise Distribution
//
// Enterprise provides concrete implementations:
//
//	opts := extensions.ServiceOptions{
//	    AuthProvider:  enterprise.NewOIDCProvider(config),
//	    AuthzProvider: enterprise.NewRBACProvider(policies),
//	    AuditLogger:   enterprise.NewSIEMAuditor(config),
//	}
//	router.Use(flow.AuthMiddleware(opts, logger))
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
// Multiple goroutines may call methods simultaneously.
package extensions

// ServiceOptions groups all extension points for service configuration.
//
// Pass this to the HTTP middleware and service constructors to enable
// commercial features. All fields are optional; nil values are replaced
// with no-op defaults when DefaultOptions() is called or when consumers
// check for nil.
//
// Example:
//
//	// Open source: use defaults
//	opts := extensions.DefaultOptions()
//
//	// Enterprise: inject implementations
//	opts := extensions.ServiceOptions{
//	    AuthProvider: oidcProvider,
//	    AuditLogger:  siemAuditor,
//	}
type ServiceOptions struct {
	// AuthProvider validates authentication tokens.
	// Default: NopAuthProvider (always returns a valid local operator)
	AuthProvider AuthProvider

	// AuthzProvider checks authorization permissions.
	// Default: NopAuthzProvider (always allows all actions)
	AuthzProvider AuthzProvider

	// AuditLogger records execution operations and security events.
	// Default: NopAuditLogger (discards all events)
	AuditLogger AuditLogger
}

// DefaultOptions returns ServiceOptions with no-op defaults.
//
// This is the configuration used by the open source build. All
// operations are allowed and no audit trail is kept.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:  &NopAuthProvider{},
		AuthzProvider: &NopAuthzProvider{},
		AuditLogger:   &NopAuditLogger{},
	}
}

// WithAuth returns a copy of opts with the given AuthProvider.
// Useful for fluent configuration.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAuthz returns a copy of opts with the given AuthzProvider.
func (opts ServiceOptions) WithAuthz(provider AuthzProvider) ServiceOptions {
	opts.AuthzProvider = provider
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}
