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
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/google/uuid"
)

// MemoryStore implements ConversationStore and MessageStore in memory.
//
// Thread Safety: safe for concurrent use.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*domain.Conversation
	messages      map[string][]domain.ChatMessage
	now           func() time.Time
	newID         func() string
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithIDGenerator overrides message id generation.
func WithIDGenerator(newID func() string) MemoryOption {
	return func(s *MemoryStore) { s.newID = newID }
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		conversations: make(map[string]*domain.Conversation),
		messages:      make(map[string][]domain.ChatMessage),
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func conversationKey(workspaceID, conversationID string) string {
	return workspaceID + "/" + conversationID
}

// Get implements ConversationStore.
func (s *MemoryStore) Get(ctx context.Context, workspaceID, conversationID string) (*domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.Persistence("get conversation", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[conversationKey(workspaceID, conversationID)]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", domain.ErrNotFound, conversationID)
	}
	return c.Clone(), nil
}

// Insert implements ConversationStore.
func (s *MemoryStore) Insert(ctx context.Context, conversation *domain.Conversation) error {
	if err := ctx.Err(); err != nil {
		return domain.Persistence("insert conversation", err)
	}
	if err := ValidateConversation(conversation); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := conversationKey(conversation.WorkspaceID, conversation.ID)
	if _, exists := s.conversations[key]; exists {
		return domain.Persistence("insert conversation", fmt.Errorf("conversation %s already exists", conversation.ID))
	}
	c := conversation.Clone()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.conversations[key] = c
	return nil
}

// Update implements ConversationStore.
func (s *MemoryStore) Update(ctx context.Context, workspaceID, conversationID string, update domain.ConversationUpdate) (*domain.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.Persistence("update conversation", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[conversationKey(workspaceID, conversationID)]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %s", domain.ErrNotFound, conversationID)
	}
	next := c.Clone()
	if err := next.Apply(update); err != nil {
		return nil, err
	}
	s.conversations[conversationKey(workspaceID, conversationID)] = next
	return next.Clone(), nil
}

// Append implements MessageStore.
func (s *MemoryStore) Append(ctx context.Context, conversationID string, role domain.MessageRole, content string) (*domain.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.Persistence("append message", err)
	}
	if !role.IsValid() {
		return nil, domain.NewValidationError("role", "unknown role %q", role)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.conversationExists(conversationID) {
		return nil, fmt.Errorf("%w: conversation %s", domain.ErrNotFound, conversationID)
	}
	msg := domain.ChatMessage{
		ID:             s.newID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      s.now(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return &msg, nil
}

func (s *MemoryStore) conversationExists(conversationID string) bool {
	for _, c := range s.conversations {
		if c.ID == conversationID {
			return true
		}
	}
	return false
}

// List implements MessageStore.
func (s *MemoryStore) List(ctx context.Context, conversationID string) ([]domain.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.Persistence("list messages", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[conversationID]
	out := make([]domain.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

var (
	_ ConversationStore = (*MemoryStore)(nil)
	_ MessageStore      = (*MemoryStore)(nil)
)
