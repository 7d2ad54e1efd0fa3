// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/AleutianAI/AleutianAccess/services/llm"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func approveSelection() *Selection {
	return &Selection{
		Approve: []domain.Rule{rule("r1", "requester is in analytics", domain.VerdictApprove, nil, nil)},
		Deny:    []domain.Rule{rule("r2", "requester is a contractor", domain.VerdictDeny, nil, nil)},
	}
}

func request() Request {
	return Request{
		WorkspaceID:    "ws1",
		DirectoryID:    "okta",
		ApplicationID:  "app1",
		AppName:        "fooquery",
		RequesterEmail: "req@example.com",
		Summary:        "needs read access for reporting",
		Fields:         map[string]string{"role": "viewer"},
	}
}

func TestLLMAdjudicator_ParsesVerdict(t *testing.T) {
	client := llm.NewMockClient().
		QueueFinalResponse("```json\n{\"verdict\":\"Approve\",\"cited_rules\":[\"requester is in analytics\"],\"rationale\":\"in analytics\"}\n```")
	a, err := NewLLMAdjudicator(client, nil, nil)
	require.NoError(t, err)

	v, err := a.Adjudicate(context.Background(), request(), approveSelection())
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictApprove, v.Decision)
	assert.Equal(t, []string{"requester is in analytics"}, v.CitedRules)
	assert.Equal(t, "in analytics", v.Rationale)

	req := client.LastRequest()
	require.NotNil(t, req)
	assert.Contains(t, req.SystemPrompt, "- requester is in analytics")
	assert.Contains(t, req.SystemPrompt, "- requester is a contractor")
	assert.Contains(t, req.SystemPrompt, "- role: viewer")
	assert.Empty(t, req.Tools, "no directory means no fetch tool")
}

func TestLLMAdjudicator_FailsClosed(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		sel       *Selection
		rationale string
	}{
		{"plain text", "sure, approve it", approveSelection(), RationaleUnparseable},
		{"unknown verdict", `{"verdict":"maybe"}`, approveSelection(), RationaleUnparseable},
		{"approve without approval rule", `{"verdict":"approve","rationale":"ok"}`,
			&Selection{Deny: []domain.Rule{rule("r2", "x", domain.VerdictDeny, nil, nil)}}, RationaleNoApproveRule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewLLMAdjudicator(llm.NewMockClient().QueueFinalResponse(tt.content), nil, nil)
			require.NoError(t, err)

			v, err := a.Adjudicate(context.Background(), request(), tt.sel)
			require.NoError(t, err)
			assert.Equal(t, domain.VerdictDeny, v.Decision)
			assert.Equal(t, tt.rationale, v.Rationale)
		})
	}
}

func TestLLMAdjudicator_FetchesRelevantData(t *testing.T) {
	catalog := store.NewCatalog()
	catalog.AddUser("ws1", domain.DirectoryUser{Email: "req@example.com", DirectoryID: "okta", Groups: []string{"analytics"}})

	client := llm.NewMockClient().
		QueueToolCall("fetch_relevant_data", map[string]any{"user_email": "req@example.com"}).
		QueueFinalResponse(`{"verdict":"approve","cited_rules":["requester is in analytics"],"rationale":"group match"}`)

	a, err := NewLLMAdjudicator(client, catalog, nil)
	require.NoError(t, err)

	v, err := a.Adjudicate(context.Background(), request(), approveSelection())
	require.NoError(t, err)
	assert.True(t, v.Approved())

	calls := client.GetCalls()
	require.Len(t, calls, 2)
	require.Len(t, calls[0].Request.Tools, 1)
	assert.Equal(t, "fetch_relevant_data", calls[0].Request.Tools[0].Name)

	second := calls[1].Request.Messages
	require.Len(t, second, 3)
	toolMsg := second[2]
	assert.Equal(t, llm.RoleTool, toolMsg.Role)
	require.Len(t, toolMsg.ToolResults, 1)
	assert.False(t, toolMsg.ToolResults[0].IsError)
	assert.Contains(t, toolMsg.ToolResults[0].Content, "analytics")
}

func TestLLMAdjudicator_ToolErrorsAreFedBack(t *testing.T) {
	client := llm.NewMockClient().
		QueueToolCall("fetch_relevant_data", map[string]any{}).
		QueueFinalResponse(`{"verdict":"deny","rationale":"unknown requester"}`)

	a, err := NewLLMAdjudicator(client, store.NewCatalog(), nil)
	require.NoError(t, err)

	v, err := a.Adjudicate(context.Background(), request(), approveSelection())
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictDeny, v.Decision)

	toolMsg := client.GetCalls()[1].Request.Messages[2]
	assert.True(t, toolMsg.ToolResults[0].IsError)
	assert.Contains(t, toolMsg.ToolResults[0].Content, "user_email")
}

func TestLLMAdjudicator_RoundLimit(t *testing.T) {
	client := llm.NewMockClient().
		QueueToolCall("fetch_relevant_data", map[string]any{"user_email": "req@example.com"}).
		QueueToolCall("fetch_relevant_data", map[string]any{"user_email": "req@example.com"})

	a, err := NewLLMAdjudicator(client, store.NewCatalog(), nil)
	require.NoError(t, err)
	a.WithMaxRounds(2)

	v, err := a.Adjudicate(context.Background(), request(), approveSelection())
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictDeny, v.Decision)
	assert.Equal(t, RationaleRoundLimit, v.Rationale)
}

func TestLLMAdjudicator_BackendError(t *testing.T) {
	boom := errors.New("backend down")
	a, err := NewLLMAdjudicator(llm.NewMockClient().WithError(boom), nil, nil)
	require.NoError(t, err)

	_, err = a.Adjudicate(context.Background(), request(), approveSelection())
	assert.ErrorIs(t, err, boom)

	_, err = NewLLMAdjudicator(nil, nil, nil)
	assert.Error(t, err)
}
