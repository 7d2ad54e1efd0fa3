// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agents

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

func TestNamesRecommender(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"Handing over to the recommender_agent.", true},
		{"Let me ask the Recommender for a role.", true},
		{"RECOMMENDER", true},
		{"I filed your request.", false},
		{"recommenders are people too", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			assert.Equal(t, tt.want, NamesRecommender(tt.content))
		})
	}
}

func TestReasoningAgent_Step(t *testing.T) {
	client := llm.NewMockClient()
	client.QueueToolCall("request_access", map[string]any{"app_name": "fooquery"})

	agent, err := NewInformationAgent(client, nil)
	require.NoError(t, err)
	assert.Equal(t, RoleInformation, agent.Role())
	assert.Equal(t, InformationTools, agent.ToolNames())

	msg, err := agent.Step(context.Background(), Input{
		WorkspaceID:       "ws1",
		Messages:          []llm.Message{{Role: llm.RoleUser, Content: "I need fooquery"}},
		AppName:           "fooquery",
		ExtraInstructions: "Always ask for a cost center.",
		Tools:             []llm.ToolDefinition{{Name: "request_access"}},
	})
	require.NoError(t, err)
	assert.Equal(t, llm.RoleAssistant, msg.Role)
	assert.Equal(t, string(RoleInformation), msg.Name)
	require.Len(t, msg.ToolCalls, 1)

	req := client.LastRequest()
	require.NotNil(t, req)
	assert.Contains(t, req.SystemPrompt, `"fooquery"`)
	assert.Contains(t, req.SystemPrompt, "Always ask for a cost center.")
	assert.Contains(t, req.SystemPrompt, string(RoleRecommender))
	assert.Equal(t, "auto", req.ToolChoice.Type)
	assert.Len(t, req.Tools, 1)
}

func TestReasoningAgent_StepError(t *testing.T) {
	client := llm.NewMockClient().WithError(errors.New("backend down"))
	agent, err := NewRecommender(client, nil)
	require.NoError(t, err)

	_, err = agent.Step(context.Background(), Input{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(RoleRecommender))
}

func TestNewReasoningAgent_BadTemplate(t *testing.T) {
	_, err := NewReasoningAgent(RoleInformation, llm.NewMockClient(), "{{.Missing", nil, nil)
	assert.Error(t, err)
	_, err = NewReasoningAgent(RoleInformation, nil, "ok", nil, nil)
	assert.Error(t, err)
}

func newCatalog() *store.Catalog {
	c := store.NewCatalog()
	c.AddApplication(domain.Application{
		ID:                "app-fooquery",
		WorkspaceID:       "ws1",
		Name:              "fooquery",
		Aliases:           []string{"fq"},
		ExtraInstructions: "Reader is the default role.",
	})
	return c
}

func TestClassifier_Classify(t *testing.T) {
	user := []llm.Message{{Role: llm.RoleUser, Content: "I need access to fooquery app"}}

	tests := []struct {
		name      string
		response  string
		in        ClassifyInput
		wantApp   string
		wantID    string
		wantType  domain.ConversationType
		wantTopic bool
	}{
		{
			name:      "resolves alias to canonical application",
			response:  `{"app_name":"FQ","on_topic":true}`,
			in:        ClassifyInput{WorkspaceID: "ws1", Messages: user},
			wantApp:   "fooquery",
			wantID:    "app-fooquery",
			wantType:  domain.ConversationRecommendation,
			wantTopic: true,
		},
		{
			name:      "unknown application stays unresolved",
			response:  `{"app_name":"barboard","on_topic":true}`,
			in:        ClassifyInput{WorkspaceID: "ws1", Messages: user},
			wantApp:   "barboard",
			wantType:  domain.ConversationRecommendation,
			wantTopic: true,
		},
		{
			name:      "off topic",
			response:  `{"app_name":"","on_topic":false}`,
			in:        ClassifyInput{WorkspaceID: "ws1", Messages: user},
			wantType:  domain.ConversationRecommendation,
			wantTopic: false,
		},
		{
			name:      "unparseable keeps prior context",
			response:  "sorry, no idea",
			in:        ClassifyInput{WorkspaceID: "ws1", Messages: user, AppName: "fooquery", AppID: "app-fooquery", ConvType: domain.ConversationDataOwner},
			wantApp:   "fooquery",
			wantID:    "app-fooquery",
			wantType:  domain.ConversationDataOwner,
			wantTopic: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := llm.NewMockClient().QueueFinalResponse(tt.response)
			c, err := NewClassifier(client, newCatalog(), nil)
			require.NoError(t, err)

			got, err := c.Classify(context.Background(), tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.wantApp, got.AppName)
			assert.Equal(t, tt.wantID, got.AppID)
			assert.Equal(t, tt.wantType, got.ConvType)
			assert.Equal(t, tt.wantTopic, got.OnTopic)
			if tt.wantID != "" {
				assert.Equal(t, "Reader is the default role.", got.ExtraInstructions)
			}

			req := client.LastRequest()
			require.Len(t, req.Messages, 1)
			assert.True(t, req.JSONResponse)
		})
	}
}

func TestClassifier_BackendError(t *testing.T) {
	c, err := NewClassifier(llm.NewMockClient().WithError(errors.New("timeout")), newCatalog(), nil)
	require.NoError(t, err)
	_, err = c.Classify(context.Background(), ClassifyInput{WorkspaceID: "ws1"})
	assert.Error(t, err)
}
