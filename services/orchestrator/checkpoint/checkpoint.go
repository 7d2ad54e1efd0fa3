// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint persists graph state between turns.
//
// # Description
//
// Each (workspace, thread) owns an append-only chain of checkpoints. A
// checkpoint carries a sequence number and the sequence of its immediate
// predecessor (0 for the root), so a chain of N checkpoints has N-1
// resolvable ancestors behind the latest one. Append rejects a parent
// that is not the current latest, which catches two writers racing on
// the same thread.
//
// The payload is a StateSnapshot: a versioned JSON document rather than
// an opaque blob, so older checkpoints can be replayed after the graph
// state grows new fields.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianAccess/pkg/validation"
	"github.com/AleutianAI/AleutianAccess/services/llm"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
)

// SnapshotVersion is the current StateSnapshot schema version.
const SnapshotVersion = 1

var (
	// ErrParentMismatch indicates Append was given a parent that is not
	// the thread's latest sequence.
	ErrParentMismatch = errors.New("checkpoint parent mismatch")

	// ErrUnsupportedVersion indicates a snapshot newer than this build.
	ErrUnsupportedVersion = errors.New("unsupported snapshot version")

	// ErrCorrupt indicates a stored checkpoint failed its integrity check.
	ErrCorrupt = errors.New("checkpoint corrupt")
)

// StateSnapshot is the serializable form of the graph state.
type StateSnapshot struct {
	Version           int           `json:"version"`
	Messages          []llm.Message `json:"messages"`
	Sender            string        `json:"sender,omitempty"`
	Next              string        `json:"next,omitempty"`
	ConvType          string        `json:"conv_type,omitempty"`
	AppID             string        `json:"app_id,omitempty"`
	AppName           string        `json:"app_name,omitempty"`
	ExtraInstructions string        `json:"extra_instructions,omitempty"`
}

// Checkpoint is one entry of a thread's chain.
type Checkpoint struct {
	WorkspaceID string        `json:"workspace_id"`
	ThreadID    string        `json:"thread_id"`
	Seq         uint64        `json:"seq"`
	Parent      uint64        `json:"parent"`
	Snapshot    StateSnapshot `json:"snapshot"`
	CreatedAt   time.Time     `json:"created_at"`
}

// IsRoot reports whether the checkpoint has no predecessor.
func (c *Checkpoint) IsRoot() bool {
	return c.Parent == 0
}

// Checkpointer stores checkpoint chains.
type Checkpointer interface {
	// GetLatest returns the thread's latest checkpoint, or nil when the
	// thread has none.
	GetLatest(ctx context.Context, workspaceID, threadID string) (*Checkpoint, error)

	// Append adds a checkpoint after parent, which must equal the latest
	// sequence (0 for an empty thread).
	Append(ctx context.Context, workspaceID, threadID string, snapshot StateSnapshot, parent uint64) (*Checkpoint, error)

	// Get returns the checkpoint with the given sequence, or an error
	// matching domain.ErrNotFound.
	Get(ctx context.Context, workspaceID, threadID string, seq uint64) (*Checkpoint, error)
}

// Ancestors walks the chain behind latest, nearest first.
//
// # Inputs
//
//   - cp: Store to resolve parents from.
//   - latest: Starting checkpoint. nil yields no ancestors.
//
// # Outputs
//
//   - []*Checkpoint: Every resolvable predecessor, latest.Parent first.
//   - error: A parent that cannot be loaded.
func Ancestors(ctx context.Context, cp Checkpointer, latest *Checkpoint) ([]*Checkpoint, error) {
	var out []*Checkpoint
	for cur := latest; cur != nil && !cur.IsRoot(); {
		parent, err := cp.Get(ctx, cur.WorkspaceID, cur.ThreadID, cur.Parent)
		if err != nil {
			return out, fmt.Errorf("resolve parent %d of %d: %w", cur.Parent, cur.Seq, err)
		}
		if parent.Seq >= cur.Seq {
			return out, fmt.Errorf("%w: parent %d does not precede %d", ErrCorrupt, parent.Seq, cur.Seq)
		}
		out = append(out, parent)
		cur = parent
	}
	return out, nil
}

// Normalize stamps the current version on a snapshot being written and
// rejects snapshots from a newer schema.
func Normalize(s StateSnapshot) (StateSnapshot, error) {
	switch {
	case s.Version == 0:
		s.Version = SnapshotVersion
	case s.Version > SnapshotVersion:
		return s, fmt.Errorf("%w: %d", ErrUnsupportedVersion, s.Version)
	}
	return s, nil
}

// DecodeSnapshot parses a snapshot document.
func DecodeSnapshot(data []byte) (StateSnapshot, error) {
	var s StateSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if s.Version > SnapshotVersion {
		return s, fmt.Errorf("%w: %d", ErrUnsupportedVersion, s.Version)
	}
	return s, nil
}

func validateThread(workspaceID, threadID string) error {
	if err := validation.ValidateIdentifiers(map[string]string{
		"workspace_id": workspaceID,
		"thread_id":    threadID,
	}); err != nil {
		return domain.NewValidationError("thread", "%v", err)
	}
	return nil
}

func notFound(threadID string, seq uint64) error {
	return fmt.Errorf("%w: checkpoint %d of thread %s", domain.ErrNotFound, seq, threadID)
}

func cloneMessages(in []llm.Message) []llm.Message {
	if in == nil {
		return nil
	}
	out := make([]llm.Message, len(in))
	for i, m := range in {
		out[i] = m
		out[i].ToolCalls = append([]llm.ToolCall(nil), m.ToolCalls...)
		out[i].ToolResults = append([]llm.ToolCallResult(nil), m.ToolResults...)
	}
	return out
}
