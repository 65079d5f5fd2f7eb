// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided identifiers that end up in
// database queries, log lines, and generated artifacts (execution IDs, DOT
// output). Using these validators keeps injection vectors closed.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// nodeNamePattern matches valid node names.
// Allows: lowercase letters, digits, underscores; must start with a letter.
// Max length: 64 characters.
var nodeNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// graphNamePattern matches valid graph names.
// Allows: letters, digits, underscores, dots, hyphens and single spaces.
// Max length: 128 characters.
var graphNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\- ]{0,127}$`)

// graphVersionPattern matches dotted numeric versions with an optional
// pre-release suffix, e.g. "1.0.0", "2.1", "1.0.0-rc1".
var graphVersionPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+){0,2}(-[A-Za-z0-9.\-]+)?$`)

// ValidateNodeName validates a graph node name.
//
// Valid node names:
//   - 1-64 characters
//   - Lowercase letters a-z, digits 0-9, underscores
//   - First character must be a letter
//
// Returns an error if the name is invalid.
//
// Example:
//
//	if err := validation.ValidateNodeName(name); err != nil {
//	    return fmt.Errorf("invalid node: %w", err)
//	}
func ValidateNodeName(name string) error {
	if name == "" {
		return fmt.Errorf("node name cannot be empty")
	}

	if !nodeNamePattern.MatchString(name) {
		return fmt.Errorf("invalid node name: %q (must be 1-64 lowercase alphanumeric chars or underscores, starting with a letter)", name)
	}

	return nil
}

// ValidateNodeNames validates multiple node names.
// Returns an error listing all invalid names if any fail validation.
func ValidateNodeNames(names []string) error {
	var invalid []string
	for _, n := range names {
		if err := ValidateNodeName(n); err != nil {
			invalid = append(invalid, n)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid node names: %v", invalid)
	}
	return nil
}

// ValidateGraphName validates a graph name.
//
// Graph names are looser than node names: mixed case, dots, hyphens and
// spaces are allowed so human-facing names like "Horoscope Workflow v2"
// survive intact. They still must not carry control characters or quotes,
// since they appear in SQL parameters, log lines and DOT labels.
func ValidateGraphName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("graph name cannot be empty")
	}

	if !graphNamePattern.MatchString(name) {
		return fmt.Errorf("invalid graph name: %q (printable name up to 128 chars, no quotes or control characters)", name)
	}

	return nil
}

// ValidateGraphVersion validates a graph version string.
//
// Versions are dotted numerics with an optional pre-release suffix
// ("1.0.0", "2.1", "1.0.0-rc1"). A leading "v" is not accepted; catalog
// ordering adds one internally when comparing.
func ValidateGraphVersion(version string) error {
	if version == "" {
		return fmt.Errorf("graph version cannot be empty")
	}

	if !graphVersionPattern.MatchString(version) {
		return fmt.Errorf("invalid graph version: %q (expected dotted numeric like \"1.0.0\" with optional suffix)", version)
	}

	return nil
}

// SanitizeNodeName normalizes and validates a node name.
// Returns the lowercase trimmed name if valid, or an error if invalid.
//
// Use this at API boundaries where the name arrives from user input:
//
//	node, err := validation.SanitizeNodeName(raw)
//	if err != nil {
//	    return err
//	}
func SanitizeNodeName(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if err := ValidateNodeName(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
