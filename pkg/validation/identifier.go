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
// This package contains validators for user-provided identifiers that end up
// in storage keys, file paths, and log output. Using these validators
// prevents key-prefix collisions, path traversal, and log injection.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// modelNamePattern matches valid model names.
// Allows: lowercase letters, digits, dots, underscores, hyphens
// Max length: 64 characters
var modelNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._\-]{0,63}$`)

// versionPattern matches semantic version strings with an optional
// pre-release suffix (1.0.0, 2.1.0-rc.1).
var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.\-]{1,32})?$`)

// ValidateModelName validates a model name before it is used as a
// storage key segment.
//
// Valid names:
//   - 1-64 characters
//   - Lowercase letters a-z and digits 0-9
//   - Dots (.), underscores (_), hyphens (-) after the first character
//
// Returns an error if the name is invalid.
//
// Example:
//
//	if err := validation.ValidateModelName(name); err != nil {
//	    return nil, fmt.Errorf("invalid model name: %w", err)
//	}
//	// Safe to use in a storage key
func ValidateModelName(name string) error {
	if name == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("model name %q must not contain '/'", name)
	}
	if !modelNamePattern.MatchString(name) {
		return fmt.Errorf("invalid model name: %q (must be 1-64 lowercase alphanumeric chars, dots, underscores, or hyphens)", name)
	}
	return nil
}

// ValidateVersion validates a semantic version string.
//
// Valid versions:
//   - MAJOR.MINOR.PATCH with numeric components (1.0.0)
//   - Optional pre-release suffix (2.1.0-rc.1)
//
// Returns an error if the version is invalid.
func ValidateVersion(version string) error {
	if version == "" {
		return fmt.Errorf("version cannot be empty")
	}
	if !versionPattern.MatchString(version) {
		return fmt.Errorf("invalid version: %q (expected MAJOR.MINOR.PATCH with optional pre-release suffix)", version)
	}
	return nil
}

// SanitizeModelName normalizes and validates a model name.
// Returns the lowercase name if valid, or an error if invalid.
//
// Use this when accepting names from config files or CLI flags:
//
//	safeName, err := validation.SanitizeModelName(userInput)
//	if err != nil {
//	    return err
//	}
//	// safeName is lowercase and validated
func SanitizeModelName(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if err := ValidateModelName(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
