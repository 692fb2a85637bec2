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
// This package contains validators for caller-provided identifiers that end
// up in storage keys, time-series queries, or log output. Using these
// validators prevents injection attacks (line-protocol injection, key
// collisions, log forgery).
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// namePattern matches valid metric, check and rule names.
// Allows: letters, digits, underscores, then dots, hyphens, colons and
// slashes as separators (http.request-count, disk:/var).
// Max length: 128 characters.
var namePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.:/\-]{0,127}$`)

// tagKeyPattern matches valid tag keys. Same character set as names but
// capped at 64 characters.
var tagKeyPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_.:/\-]{0,63}$`)

// ValidateName validates a metric, check or rule name before it is used
// in a storage key or time-series write.
//
// Valid names:
//   - 1-128 characters
//   - Start with a letter or underscore
//   - Contain only letters, digits, and the separators _ . : / -
//
// Returns an error if the name is invalid.
//
// Example:
//
//	if err := validation.ValidateName(name); err != nil {
//	    return fmt.Errorf("invalid metric name: %w", err)
//	}
//	// Safe to use as a storage key component
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid name format: %q (must be 1-128 chars, start with a letter or underscore, and contain only letters, digits, or _ . : / -)", name)
	}

	return nil
}

// ValidateNames validates multiple names.
// Returns an error listing all invalid names if any fail validation.
func ValidateNames(names []string) error {
	var invalid []string
	for _, name := range names {
		if err := ValidateName(name); err != nil {
			invalid = append(invalid, name)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid names: %s", strings.Join(invalid, ", "))
	}
	return nil
}

// ValidateTags validates a tag map. Keys must satisfy tagKeyPattern;
// values may hold any text but not control characters, which would
// corrupt line-protocol writes and forge log lines.
func ValidateTags(tags map[string]string) error {
	for k, v := range tags {
		if !tagKeyPattern.MatchString(k) {
			return fmt.Errorf("invalid tag key: %q", k)
		}
		if strings.ContainsAny(v, "\n\r\x00") {
			return fmt.Errorf("tag %q: value contains control characters", k)
		}
	}
	return nil
}
