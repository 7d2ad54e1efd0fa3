// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes registers the health, metrics and conversation routes.
// auth guards the /v1 group; nil leaves it open.
func SetupRoutes(router *gin.Engine, svc handlers.TurnService, auth middleware.AuthProvider) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	if auth != nil {
		v1.Use(middleware.AuthMiddleware(auth))
	}
	{
		conv := v1.Group("/workspaces/:workspace_id/conversations/:conversation_id")
		conv.GET("", handlers.HandleGetConversation(svc))
		conv.GET("/messages", handlers.HandleListMessages(svc))
		conv.POST("/turns", handlers.HandleSubmitTurn(svc))
		conv.GET("/turns/ws", handlers.HandleTurnWebSocket(svc))
	}
}
