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
	"errors"
	"testing"

	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	kv "github.com/AleutianAI/AleutianAccess/services/orchestrator/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type conversationBackend interface {
	ConversationStore
	MessageStore
}

func backends(t *testing.T) map[string]conversationBackend {
	t.Helper()
	db, err := kv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return map[string]conversationBackend{
		"memory": NewMemoryStore(),
		"badger": NewBadgerStore(db),
	}
}

func newConversation(id string) *domain.Conversation {
	return &domain.Conversation{
		ID:          id,
		WorkspaceID: "ws1",
		Type:        domain.ConversationRecommendation,
		Status:      domain.StatusActive,
		Context:     map[string]string{domain.ContextRequesterEmail: "req@example.com"},
	}
}

func TestConversationStore_Contract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Get(ctx, "ws1", "c1")
			assert.ErrorIs(t, err, domain.ErrNotFound)

			require.NoError(t, s.Insert(ctx, newConversation("c1")))
			assert.ErrorIs(t, s.Insert(ctx, newConversation("c1")), domain.ErrPersistence)

			got, err := s.Get(ctx, "ws1", "c1")
			require.NoError(t, err)
			assert.Equal(t, domain.StatusActive, got.Status)
			assert.Equal(t, "req@example.com", got.Context[domain.ContextRequesterEmail])
			assert.False(t, got.CreatedAt.IsZero())

			_, err = s.Get(ctx, "other", "c1")
			assert.ErrorIs(t, err, domain.ErrNotFound, "conversations are workspace scoped")

			updated, err := s.Update(ctx, "ws1", "c1", domain.WithStatus(domain.StatusApproved))
			require.NoError(t, err)
			assert.Equal(t, domain.StatusApproved, updated.Status)

			_, err = s.Update(ctx, "ws1", "c1", domain.WithStatus(domain.StatusDenied))
			assert.ErrorIs(t, err, domain.ErrTerminalConversation)

			_, err = s.Update(ctx, "ws1", "missing", domain.WithStatus(domain.StatusDenied))
			assert.ErrorIs(t, err, domain.ErrNotFound)
		})
	}
}

func TestConversationStore_InsertValidates(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := newConversation("c1")
			c.Type = "weird"

			err := s.Insert(context.Background(), c)
			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, "type", verr.Field)
		})
	}
}

func TestMessageStore_Contract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Append(ctx, "c1", domain.RoleHuman, "hello")
			assert.ErrorIs(t, err, domain.ErrNotFound)

			require.NoError(t, s.Insert(ctx, newConversation("c1")))

			for i, content := range []string{"one", "two", "three"} {
				role := domain.RoleHuman
				if i%2 == 1 {
					role = domain.RoleAI
				}
				msg, err := s.Append(ctx, "c1", role, content)
				require.NoError(t, err)
				assert.NotEmpty(t, msg.ID)
			}

			_, err = s.Append(ctx, "c1", "robot", "x")
			assert.ErrorIs(t, err, domain.ErrValidation)

			msgs, err := s.List(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			assert.Equal(t, "one", msgs[0].Content)
			assert.Equal(t, domain.RoleAI, msgs[1].Role)
			assert.Equal(t, "three", msgs[2].Content)

			empty, err := s.List(ctx, "none")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, newConversation("c1")))

	got, err := s.Get(ctx, "ws1", "c1")
	require.NoError(t, err)
	got.Context[domain.ContextRequesterEmail] = "mutated"

	again, err := s.Get(ctx, "ws1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "req@example.com", again.Context[domain.ContextRequesterEmail])
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "ws1", "c1")
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.True(t, domain.IsFatal(err))
}

func TestRuleFilter_Matches(t *testing.T) {
	active := domain.Rule{Type: domain.RuleTypeAutoApprove, Active: true}
	inactive := domain.Rule{Type: domain.RuleTypeAutoApprove}
	other := domain.Rule{Type: "manual", Active: true}

	tests := []struct {
		name   string
		filter RuleFilter
		rule   domain.Rule
		want   bool
	}{
		{"empty filter", RuleFilter{}, inactive, true},
		{"active only drops inactive", RuleFilter{ActiveOnly: true}, inactive, false},
		{"type match", RuleFilter{Type: domain.RuleTypeAutoApprove, ActiveOnly: true}, active, true},
		{"type mismatch", RuleFilter{Type: domain.RuleTypeAutoApprove}, other, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(tt.rule))
		})
	}
}
