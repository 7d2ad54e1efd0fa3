// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers exposes the turn surface over HTTP: JSON, Server-Sent
// Events and WebSocket.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/turn"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var handlerTracer = otel.Tracer("aleutian.access.handlers")

// TurnService is what the handlers need from turn.Service.
type TurnService interface {
	StreamTurn(ctx context.Context, req turn.Request, emit turn.EmitFunc) (*turn.Result, error)
	History(ctx context.Context, workspaceID, conversationID string) ([]domain.ChatMessage, error)
	Conversation(ctx context.Context, workspaceID, conversationID string) (*domain.Conversation, error)
}

// TurnRequest is the body of POST …/turns.
type TurnRequest struct {
	Text     string `json:"text" binding:"required"`
	ThreadID string `json:"thread_id,omitempty"`

	// Stream asks for Server-Sent Events. Also set by ?stream=true or an
	// Accept: text/event-stream header.
	Stream bool `json:"stream,omitempty"`
}

// TurnResponse is the JSON reply of a non-streamed turn.
type TurnResponse struct {
	Message      *domain.ChatMessage  `json:"message"`
	Agent        string               `json:"agent"`
	Rejected     bool                 `json:"rejected"`
	Conversation *domain.Conversation `json:"conversation"`
}

func wantsStream(c *gin.Context, req TurnRequest) bool {
	if req.Stream || c.Query("stream") == "true" {
		return true
	}
	return strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}

func turnRequest(c *gin.Context, body TurnRequest, transport observability.Transport) turn.Request {
	return turn.Request{
		WorkspaceID:    c.Param("workspace_id"),
		ConversationID: c.Param("conversation_id"),
		ThreadID:       body.ThreadID,
		Text:           body.Text,
		Transport:      transport,
	}
}

// HandleSubmitTurn handles POST /v1/workspaces/:workspace_id/conversations/:conversation_id/turns.
func HandleSubmitTurn(svc TurnService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "HandleSubmitTurn")
		defer span.End()

		var body TurnRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			span.RecordError(err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: text is required"})
			return
		}
		if wantsStream(c, body) {
			streamTurn(ctx, c, svc, body)
			return
		}

		req := turnRequest(c, body, observability.TransportJSON)
		span.SetAttributes(
			attribute.String("workspace_id", req.WorkspaceID),
			attribute.String("conversation_id", req.ConversationID),
		)
		res, err := svc.StreamTurn(ctx, req, nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "turn failed")
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, TurnResponse{
			Message:      res.Message,
			Agent:        res.Agent,
			Rejected:     res.Rejected,
			Conversation: res.Conversation,
		})
	}
}

// streamTurn answers with an event stream: one message event per
// uninterrupted run of an agent, then done or error.
func streamTurn(ctx context.Context, c *gin.Context, svc TurnService, body TurnRequest) {
	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	sse, err := NewSSEWriter(c.Writer)
	if err != nil {
		slog.Error("streaming unsupported", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	observability.StreamStarted(observability.TransportSSE)
	defer observability.StreamEnded(observability.TransportSSE)

	req := turnRequest(c, body, observability.TransportSSE)
	res, err := svc.StreamTurn(ctx, req, func(ev turn.Event) error {
		return sse.WriteMessage(ev.Agent, ev.Content)
	})
	if err != nil {
		if werr := sse.WriteError(clientMessage(err)); werr != nil {
			slog.Warn("failed to write stream error", "error", werr)
		}
		return
	}
	if err := sse.WriteDone(doneEvent(res)); err != nil {
		slog.Warn("failed to write done event", "error", err)
	}
}

func doneEvent(res *turn.Result) StreamEvent {
	ev := StreamEvent{
		Agent:    res.Agent,
		Rejected: res.Rejected,
	}
	if res.Message != nil {
		ev.MessageId = res.Message.ID
		ev.Content = res.Message.Content
	}
	if res.Conversation != nil {
		ev.ConversationId = res.Conversation.ID
		ev.Status = string(res.Conversation.Status)
	}
	return ev
}

// HandleListMessages handles GET …/conversations/:conversation_id/messages.
func HandleListMessages(svc TurnService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "HandleListMessages")
		defer span.End()

		msgs, err := svc.History(ctx, c.Param("workspace_id"), c.Param("conversation_id"))
		if err != nil {
			span.RecordError(err)
			writeError(c, err)
			return
		}
		if msgs == nil {
			msgs = []domain.ChatMessage{}
		}
		c.JSON(http.StatusOK, gin.H{"messages": msgs})
	}
}

// HandleGetConversation handles GET …/conversations/:conversation_id.
func HandleGetConversation(svc TurnService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "HandleGetConversation")
		defer span.End()

		conv, err := svc.Conversation(ctx, c.Param("workspace_id"), c.Param("conversation_id"))
		if err != nil {
			span.RecordError(err)
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, conv)
	}
}

// HealthCheck handles GET /health.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
