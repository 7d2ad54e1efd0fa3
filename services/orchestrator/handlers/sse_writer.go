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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stream event types.
const (
	EventMessage = "message"
	EventError   = "error"
	EventDone    = "done"
)

// StreamEvent is one event of a streamed turn, for SSE and WebSocket alike.
type StreamEvent struct {
	Id        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created_at"`

	// Agent tags message events with the agent that produced them.
	Agent   string `json:"agent,omitempty"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`

	// Done events carry the persisted reply and the conversation status.
	MessageId      string `json:"message_id,omitempty"`
	ConversationId string `json:"conversation_id,omitempty"`
	Status         string `json:"status,omitempty"`
	Rejected       bool   `json:"rejected,omitempty"`

	// Hash and PrevHash chain the events of one stream.
	Hash     string `json:"hash"`
	PrevHash string `json:"prev_hash,omitempty"`
}

// SSEWriter writes Server-Sent Events.
//
// # Description
//
// Each event gets an id, a creation time and a SHA-256 hash chained to the
// previous event, so a client can detect dropped or reordered events.
// Events are flushed as they are written.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type SSEWriter interface {
	WriteEvent(event StreamEvent) error
	WriteMessage(agent, content string) error
	WriteError(errMsg string) error
	WriteDone(done StreamEvent) error
	WriteKeepAlive() error
}

type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter creates an SSEWriter. The ResponseWriter must implement
// http.Flusher.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// stamp fills the id, time and hash chain of event.
func stamp(event *StreamEvent, prevHash string) {
	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = prevHash
	event.Hash = eventHash(*event)
}

func eventHash(event StreamEvent) string {
	input := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s|%s|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Agent,
		event.Content,
		event.Error,
		event.MessageId,
		event.Status,
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

func (w *sseWriter) WriteEvent(event StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	stamp(&event, w.prevHash)
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteMessage(agent, content string) error {
	return w.WriteEvent(StreamEvent{Type: EventMessage, Agent: agent, Content: content})
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(StreamEvent{Type: EventError, Error: errMsg})
}

func (w *sseWriter) WriteDone(done StreamEvent) error {
	done.Type = EventDone
	return w.WriteEvent(done)
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders prepares w for an event stream.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ SSEWriter = (*sseWriter)(nil)
