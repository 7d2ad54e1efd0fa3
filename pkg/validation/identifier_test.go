// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"uuid", "3f1c2a9e-8d4b-4f7a-9c1e-2b3d4e5f6a7b", false},
		{"slug", "ws_acme.prod", false},
		{"email", "jane.doe@example.com", false},
		{"single char", "a", false},
		{"max length", strings.Repeat("a", MaxIdentifierLength), false},

		{"empty", "", true},
		{"key separator", "ws1:conv", true},
		{"newline", "ws1\nconv", true},
		{"spaces", "ws 1", true},
		{"starts with dot", ".ws", true},
		{"starts with hyphen", "-ws", true},
		{"slash", "ws/1", true},
		{"too long", strings.Repeat("a", MaxIdentifierLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier("workspace_id", tt.value)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateIdentifiers(t *testing.T) {
	assert.NoError(t, ValidateIdentifiers(map[string]string{"workspace_id": "ws1", "thread_id": "t1"}))

	err := ValidateIdentifiers(map[string]string{"workspace_id": "ws:1", "thread_id": "", "conversation_id": "c1"})
	require.Error(t, err)
	assert.Equal(t, "invalid identifiers: thread_id, workspace_id", err.Error())
}

func TestSanitizeIdentifier(t *testing.T) {
	got, err := SanitizeIdentifier("thread_id", "  t-1 ")
	require.NoError(t, err)
	assert.Equal(t, "t-1", got)

	_, err = SanitizeIdentifier("thread_id", "   ")
	assert.Error(t, err)
}
