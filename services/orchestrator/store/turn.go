// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"

	"github.com/AleutianAI/AleutianAccess/services/orchestrator/checkpoint"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
)

// TurnRecord is everything a completed turn persists.
type TurnRecord struct {
	WorkspaceID    string
	ThreadID       string
	ConversationID string

	// HumanText is the user's utterance.
	HumanText string

	// Reply is the assistant message that ended the turn.
	Reply string

	// Snapshot becomes the thread's next checkpoint, appended after Parent.
	Snapshot checkpoint.StateSnapshot
	Parent   uint64
}

// TurnWriter persists a completed turn: the human message, the reply and
// the thread's next checkpoint.
//
// A failed commit must leave no checkpoint behind, so a retried turn
// resumes from the same parent instead of replaying the utterance on top
// of a half-saved one.
type TurnWriter interface {
	CommitTurn(ctx context.Context, rec TurnRecord) (*domain.ChatMessage, error)
}

// SequentialTurnWriter commits a turn through separate stores. The
// messages are written first and the checkpoint last, so a message
// failure never leaves a checkpoint behind. It is not atomic when the
// checkpoint append itself fails; BadgerStore.CommitTurn is.
type SequentialTurnWriter struct {
	messages    MessageStore
	checkpoints checkpoint.Checkpointer
}

// NewSequentialTurnWriter combines a message store and a checkpointer.
func NewSequentialTurnWriter(messages MessageStore, checkpoints checkpoint.Checkpointer) *SequentialTurnWriter {
	return &SequentialTurnWriter{messages: messages, checkpoints: checkpoints}
}

// CommitTurn implements TurnWriter.
func (w *SequentialTurnWriter) CommitTurn(ctx context.Context, rec TurnRecord) (*domain.ChatMessage, error) {
	if _, err := w.messages.Append(ctx, rec.ConversationID, domain.RoleHuman, rec.HumanText); err != nil {
		return nil, domain.Persistence("append human message", err)
	}
	reply, err := w.messages.Append(ctx, rec.ConversationID, domain.RoleAI, rec.Reply)
	if err != nil {
		return nil, domain.Persistence("append ai message", err)
	}
	if _, err := w.checkpoints.Append(ctx, rec.WorkspaceID, rec.ThreadID, rec.Snapshot, rec.Parent); err != nil {
		return nil, domain.Persistence("append checkpoint", err)
	}
	return reply, nil
}

var _ TurnWriter = (*SequentialTurnWriter)(nil)
