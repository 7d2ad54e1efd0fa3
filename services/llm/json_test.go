// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"clean", `{"valid":true}`, `{"valid":true}`, false},
		{"whitespace", "   {\"valid\":false}  ", `{"valid":false}`, false},
		{"markdown block", "```json\n{\"valid\":true}\n```", `{"valid":true}`, false},
		{"preamble", "Here you go:\n{\"app_name\":\"fooquery\"}", `{"app_name":"fooquery"}`, false},
		{"postamble", "{\"a\":1}\nHope this helps!", `{"a":1}`, false},
		{"braces in string", `{"r":"x {y} z","ok":true}`, `{"r":"x {y} z","ok":true}`, false},
		{"escaped quotes", `{"r":"he said \"hi\" }","ok":true}`, `{"r":"he said \"hi\" }","ok":true}`, false},
		{"first of many", `{"first":1} {"second":2}`, `{"first":1}`, false},
		{"nested", `{"o":{"i":{"v":1}}}`, `{"o":{"i":{"v":1}}}`, false},
		{"empty", "", "", true},
		{"plain text", "no json here", "", true},
		{"malformed", "{valid: true}", "", true},
		{"incomplete", `{"valid":true`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Verdict string `json:"verdict"`
	}
	require.NoError(t, DecodeJSON("```json\n{\"verdict\":\"approve\"}\n```", &v))
	assert.Equal(t, "approve", v.Verdict)

	assert.ErrorIs(t, DecodeJSON("nothing", &v), ErrNoJSON)
}
