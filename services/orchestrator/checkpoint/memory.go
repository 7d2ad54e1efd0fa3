// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianAccess/services/orchestrator/observability"
)

// MemoryCheckpointer keeps chains in process memory.
//
// Thread Safety: safe for concurrent use.
type MemoryCheckpointer struct {
	mu      sync.RWMutex
	threads map[string][]*Checkpoint
	now     func() time.Time
}

// NewMemoryCheckpointer creates an empty checkpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{threads: make(map[string][]*Checkpoint), now: time.Now}
}

func threadKey(workspaceID, threadID string) string {
	return workspaceID + "/" + threadID
}

// GetLatest implements Checkpointer.
func (m *MemoryCheckpointer) GetLatest(ctx context.Context, workspaceID, threadID string) (*Checkpoint, error) {
	if err := validateThread(workspaceID, threadID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.threads[threadKey(workspaceID, threadID)]
	if len(chain) == 0 {
		return nil, nil
	}
	return clone(chain[len(chain)-1]), nil
}

// Append implements Checkpointer.
func (m *MemoryCheckpointer) Append(ctx context.Context, workspaceID, threadID string, snapshot StateSnapshot, parent uint64) (*Checkpoint, error) {
	if err := validateThread(workspaceID, threadID); err != nil {
		return nil, err
	}
	snapshot, err := Normalize(snapshot)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := threadKey(workspaceID, threadID)
	chain := m.threads[key]
	var latest uint64
	if len(chain) > 0 {
		latest = chain[len(chain)-1].Seq
	}
	if parent != latest {
		observability.RecordCheckpointAppend(false)
		return nil, fmt.Errorf("%w: got %d, latest is %d", ErrParentMismatch, parent, latest)
	}

	cp := &Checkpoint{
		WorkspaceID: workspaceID,
		ThreadID:    threadID,
		Seq:         latest + 1,
		Parent:      latest,
		Snapshot:    snapshot,
		CreatedAt:   m.now().UTC(),
	}
	cp.Snapshot.Messages = cloneMessages(snapshot.Messages)
	m.threads[key] = append(chain, cp)
	observability.RecordCheckpointAppend(true)
	return clone(cp), nil
}

// Get implements Checkpointer.
func (m *MemoryCheckpointer) Get(ctx context.Context, workspaceID, threadID string, seq uint64) (*Checkpoint, error) {
	if err := validateThread(workspaceID, threadID); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.threads[threadKey(workspaceID, threadID)]
	if seq == 0 || seq > uint64(len(chain)) {
		return nil, notFound(threadID, seq)
	}
	return clone(chain[seq-1]), nil
}

func clone(cp *Checkpoint) *Checkpoint {
	out := *cp
	out.Snapshot.Messages = cloneMessages(cp.Snapshot.Messages)
	return &out
}

var _ Checkpointer = (*MemoryCheckpointer)(nil)
