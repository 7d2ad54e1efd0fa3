// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AleutianAI/AleutianAccess/pkg/secure"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/turn"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

// stubTurns answers every read with an empty conversation.
type stubTurns struct{}

func (stubTurns) StreamTurn(_ context.Context, req turn.Request, _ turn.EmitFunc) (*turn.Result, error) {
	return &turn.Result{Message: &domain.ChatMessage{Role: domain.RoleAI, Content: "ok"}}, nil
}

func (stubTurns) History(context.Context, string, string) ([]domain.ChatMessage, error) {
	return nil, nil
}

func (stubTurns) Conversation(_ context.Context, ws, id string) (*domain.Conversation, error) {
	return &domain.Conversation{ID: id, WorkspaceID: ws}, nil
}

func hasRoute(router *gin.Engine, method, path string) bool {
	for _, r := range router.Routes() {
		if r.Method == method && r.Path == path {
			return true
		}
	}
	return false
}

// ============================================================================
// SetupRoutes Tests
// ============================================================================

func TestSetupRoutes_Registered(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, stubTurns{}, nil)

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"GET", "/v1/workspaces/:workspace_id/conversations/:conversation_id"},
		{"GET", "/v1/workspaces/:workspace_id/conversations/:conversation_id/messages"},
		{"POST", "/v1/workspaces/:workspace_id/conversations/:conversation_id/turns"},
		{"GET", "/v1/workspaces/:workspace_id/conversations/:conversation_id/turns/ws"},
	}
	for _, e := range expected {
		assert.True(t, hasRoute(router, e.method, e.path), "%s %s", e.method, e.path)
	}
}

func TestSetupRoutes_MetricsEndpoint(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, stubTurns{}, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/metrics", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("Content-Type"))
}

func TestSetupRoutes_Auth(t *testing.T) {
	key, err := secure.NewToken("route-key")
	require.NoError(t, err)
	provider, err := middleware.NewAPIKeyProvider(key)
	require.NoError(t, err)

	router := gin.New()
	SetupRoutes(router, stubTurns{}, provider)

	path := "/v1/workspaces/ws1/conversations/conv1"

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest("GET", path, nil)
	req.Header.Set("Authorization", "Bearer route-key")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Health stays open for probes.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
