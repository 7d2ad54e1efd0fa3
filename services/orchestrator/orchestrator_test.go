// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianAccess/services/llm"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/graph"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/guardrail"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/turn"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

const testCatalog = `
workspaces:
  - id: ws1
    directories:
      - id: okta
        name: Okta
    applications:
      - id: app-fooquery
        name: fooquery
        directory_id: okta
        data_owner: owner@example.com
`

// scriptedLLM answers each prompt family with a fixed reply.
func scriptedLLM() *llm.MockClient {
	return llm.NewMockClient().WithResponseFunc(func(req *llm.Request) (*llm.Response, error) {
		switch {
		case strings.Contains(req.SystemPrompt, "You classify"):
			return &llm.Response{Content: `{"app_name":"fooquery","on_topic":true}`}, nil
		case strings.Contains(req.SystemPrompt, "topic gate"):
			return &llm.Response{Content: `{"valid":true,"reason":"access request"}`}, nil
		default:
			return &llm.Response{Content: "Which role on fooquery do you need?"}, nil
		}
	})
}

func testConfig(t *testing.T) Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0o600))
	return Config{
		DisableTracing: true,
		CatalogPath:    path,
		TurnTimeout:    10 * time.Second,
	}
}

func newTestService(t *testing.T, cfg Config) Service {
	t.Helper()
	svc, err := New(cfg, &Options{LLMClient: scriptedLLM()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func postTurn(t *testing.T, router *gin.Engine, text string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/workspaces/ws1/conversations/conv1/turns",
		strings.NewReader(`{"text":"`+text+`"}`))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// Config Tests
// =============================================================================

func TestApplyConfigDefaults_AllDefaults(t *testing.T) {
	result := applyConfigDefaults(Config{})

	assert.Equal(t, 12210, result.Port)
	assert.Equal(t, "openai", result.LLMBackend)
	assert.Equal(t, "aleutian-otel-collector:4317", result.OTelEndpoint)
	assert.Equal(t, guardrail.DefaultCheckTimeout, result.GuardrailTimeout)
	assert.Equal(t, graph.DefaultMaxSteps, result.MaxSteps)
	assert.Empty(t, result.DataDir, "empty data dir keeps storage in memory")
}

func TestApplyConfigDefaults_PreservesCustomValues(t *testing.T) {
	tests := []struct {
		name  string
		input Config
		check func(t *testing.T, c Config)
	}{
		{
			name:  "port",
			input: Config{Port: 8080},
			check: func(t *testing.T, c Config) { assert.Equal(t, 8080, c.Port) },
		},
		{
			name:  "otel endpoint",
			input: Config{OTelEndpoint: "collector:4317"},
			check: func(t *testing.T, c Config) { assert.Equal(t, "collector:4317", c.OTelEndpoint) },
		},
		{
			name:  "max steps",
			input: Config{MaxSteps: 7},
			check: func(t *testing.T, c Config) { assert.Equal(t, 7, c.MaxSteps) },
		},
		{
			name:  "guardrail timeout",
			input: Config{GuardrailTimeout: time.Second},
			check: func(t *testing.T, c Config) { assert.Equal(t, time.Second, c.GuardrailTimeout) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, applyConfigDefaults(tt.input))
		})
	}
}

// =============================================================================
// Service Tests
// =============================================================================

func TestNew_ServesTurns(t *testing.T) {
	svc := newTestService(t, testConfig(t))

	w := postTurn(t, svc.Router(), "I need access to fooquery")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Message      domain.ChatMessage  `json:"message"`
		Agent        string              `json:"agent"`
		Conversation domain.Conversation `json:"conversation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Which role on fooquery do you need?", resp.Message.Content)
	assert.Equal(t, "information_agent", resp.Agent)
	assert.Equal(t, domain.StatusActive, resp.Conversation.Status)

	history, err := svc.Turns().History(context.Background(), "ws1", "conv1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestNew_InProcessTurn(t *testing.T) {
	svc := newTestService(t, testConfig(t))

	var events []turn.Event
	res, err := svc.Turns().StreamTurn(context.Background(), turn.Request{
		WorkspaceID:    "ws1",
		ConversationID: "cli-1",
		Text:           "fooquery please",
	}, func(ev turn.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "information_agent", events[0].Agent)
	assert.Equal(t, res.Message.Content, events[0].Content)
}

func TestNew_PersistsAcrossRestarts(t *testing.T) {
	cfg := testConfig(t)
	cfg.DataDir = t.TempDir()

	first, err := New(cfg, &Options{LLMClient: scriptedLLM()})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, postTurn(t, first.Router(), "hello").Code)
	require.NoError(t, first.Close())

	second := newTestService(t, cfg)
	history, err := second.Turns().History(context.Background(), "ws1", "conv1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestNew_APIKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.APIKeyFile = filepath.Join(t.TempDir(), "api-key")
	require.NoError(t, os.WriteFile(cfg.APIKeyFile, []byte("k3y\n"), 0o600))
	svc := newTestService(t, cfg)

	assert.Equal(t, http.StatusUnauthorized, postTurn(t, svc.Router(), "hi").Code)
	assert.Equal(t, http.StatusOK, postTurn(t, svc.Router(), "hi", "Authorization", "Bearer k3y").Code)
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		opts   *Options
	}{
		{
			name:   "unknown backend",
			mutate: func(c *Config) { c.LLMBackend = "carrier-pigeon" },
		},
		{
			name:   "missing catalog",
			mutate: func(c *Config) { c.CatalogPath = "/nonexistent/catalog.yaml" },
			opts:   &Options{LLMClient: scriptedLLM()},
		},
		{
			name:   "bad weaviate url",
			mutate: func(c *Config) { c.WeaviateURL = "not a url" },
			opts:   &Options{LLMClient: scriptedLLM()},
		},
		{
			name:   "missing webhook token",
			mutate: func(c *Config) { c.WebhookTokenFile = "/nonexistent/token" },
			opts:   &Options{LLMClient: scriptedLLM()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(&cfg)
			_, err := New(cfg, tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestServiceImplementsInterface(t *testing.T) {
	var _ Service = (*service)(nil)
}
