// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/AleutianAI/AleutianAccess/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/turn"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// WSRequest is one client frame: a user utterance.
type WSRequest struct {
	Text     string `json:"text"`
	ThreadID string `json:"thread_id,omitempty"`
}

// wsReadLimit bounds a client frame.
const wsReadLimit = 4 * turn.MaxTextLength

var upgrader = websocket.Upgrader{
	// The browser UI is served from another origin during development.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
}

// wsWriter serializes writes and chains event hashes on one connection.
type wsWriter struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	prevHash string
}

func (w *wsWriter) write(ev StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	stamp(&ev, w.prevHash)
	w.prevHash = ev.Hash
	if err := w.conn.WriteJSON(ev); err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
		return err
	}
	return nil
}

// HandleTurnWebSocket handles GET …/conversations/:conversation_id/turns/ws.
//
// Every client frame is one turn. The server answers with message events
// tagged by agent, then a done or error event, and waits for the next
// frame. Turns on one connection run one at a time.
func HandleTurnWebSocket(svc TurnService) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer conn.Close()
		conn.SetReadLimit(wsReadLimit)

		observability.StreamStarted(observability.TransportWebSocket)
		defer observability.StreamEnded(observability.TransportWebSocket)

		workspaceID := c.Param("workspace_id")
		conversationID := c.Param("conversation_id")
		logger := slog.With("workspace_id", workspaceID, "conversation_id", conversationID)
		logger.Info("Websocket client connected")

		w := &wsWriter{conn: conn}
		ctx := c.Request.Context()
		for {
			var req WSRequest
			if err := conn.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					observability.RecordClientDisconnect(observability.TransportWebSocket)
				}
				logger.Info("Websocket client disconnected", "error", err.Error())
				return
			}

			res, err := svc.StreamTurn(ctx, turn.Request{
				WorkspaceID:    workspaceID,
				ConversationID: conversationID,
				ThreadID:       req.ThreadID,
				Text:           req.Text,
				Transport:      observability.TransportWebSocket,
			}, func(ev turn.Event) error {
				return w.write(StreamEvent{Type: EventMessage, Agent: ev.Agent, Content: ev.Content})
			})
			if err != nil {
				if w.write(StreamEvent{Type: EventError, Error: clientMessage(err)}) != nil {
					return
				}
				continue
			}
			done := doneEvent(res)
			done.Type = EventDone
			if w.write(done) != nil {
				return
			}
		}
	}
}
