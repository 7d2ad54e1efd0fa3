// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for identifiers
// that end up inside storage keys.
//
// Workspace, conversation and thread identifiers are joined with ':' to
// build storage keys, so an identifier containing a separator or control
// character could read or overwrite another tenant's records. Validate
// identifiers at the edge before they reach a store.
package validation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// MaxIdentifierLength bounds identifiers accepted from callers.
const MaxIdentifierLength = 128

// identifierPattern matches key-safe identifiers.
// Allows: letters, digits, dot, underscore, hyphen and '@' (for emails).
// Must start with a letter or digit.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@\-]*$`)

// ValidateIdentifier validates an identifier used in a storage key.
//
// Returns an error naming the field if the identifier is empty, too long
// or contains characters outside the allowed set.
//
// Example:
//
//	if err := validation.ValidateIdentifier("workspace_id", wsID); err != nil {
//	    return nil, err
//	}
func ValidateIdentifier(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	if len(value) > MaxIdentifierLength {
		return fmt.Errorf("%s exceeds %d characters", field, MaxIdentifierLength)
	}
	if !identifierPattern.MatchString(value) {
		return fmt.Errorf("invalid %s format: %q (letters, digits, '.', '_', '-', '@' only)", field, value)
	}
	return nil
}

// ValidateIdentifiers validates several named identifiers and reports
// every invalid one at once. Keys are field names.
func ValidateIdentifiers(fields map[string]string) error {
	var invalid []string
	for field, value := range fields {
		if err := ValidateIdentifier(field, value); err != nil {
			invalid = append(invalid, field)
		}
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return fmt.Errorf("invalid identifiers: %s", strings.Join(invalid, ", "))
	}
	return nil
}

// SanitizeIdentifier trims surrounding whitespace and validates.
func SanitizeIdentifier(field, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if err := ValidateIdentifier(field, trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
