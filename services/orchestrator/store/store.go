// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store defines the persistence contracts consumed by the access
// orchestrator and ships reference adapters for them.
//
// # Adapters
//
//   - Memory: in-process maps, used by tests and the --in-memory mode.
//   - Badger: conversations and chat messages in an embedded BadgerDB.
//   - Catalog: applications, directories and rules loaded from a YAML file
//     and reloaded when the file changes.
//
// # Error Contract
//
// Lookups of missing entities return errors matching domain.ErrNotFound
// (conversations) or *domain.ResolutionError (applications, directories).
// Backend failures are wrapped with domain.Persistence so callers can tell
// a retryable outage from a missing entity.
package store

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/go-playground/validator/v10"
)

// MessageStore is the append-only chat log of each conversation.
type MessageStore interface {
	// Append adds a message to the conversation's log. The conversation
	// must exist.
	Append(ctx context.Context, conversationID string, role domain.MessageRole, content string) (*domain.ChatMessage, error)

	// List returns the conversation's messages in append order.
	List(ctx context.Context, conversationID string) ([]domain.ChatMessage, error)
}

// ConversationStore persists conversations.
type ConversationStore interface {
	// Get returns the conversation or an error matching domain.ErrNotFound.
	Get(ctx context.Context, workspaceID, conversationID string) (*domain.Conversation, error)

	// Insert creates a conversation. Inserting an existing id fails.
	Insert(ctx context.Context, conversation *domain.Conversation) error

	// Update applies a partial update through the status machine and
	// returns the updated conversation.
	Update(ctx context.Context, workspaceID, conversationID string, update domain.ConversationUpdate) (*domain.Conversation, error)
}

// ApplicationDirectory resolves applications and directories of a workspace.
type ApplicationDirectory interface {
	// ResolveApplication finds an application by name or alias,
	// case-insensitively.
	ResolveApplication(ctx context.Context, workspaceID, nameOrAlias string) (*domain.Application, error)

	// GetApplication finds an application by id.
	GetApplication(ctx context.Context, workspaceID, applicationID string) (*domain.Application, error)

	// ResolveDirectory finds a directory by id or name, case-insensitively.
	ResolveDirectory(ctx context.Context, workspaceID, nameOrID string) (*domain.Directory, error)
}

// RuleFilter narrows ListRules.
type RuleFilter struct {
	// Type keeps only rules of this type when set.
	Type domain.RuleType

	// ActiveOnly drops inactive rules.
	ActiveOnly bool
}

// Matches reports whether rule passes the filter.
func (f RuleFilter) Matches(rule domain.Rule) bool {
	if f.Type != "" && rule.Type != f.Type {
		return false
	}
	if f.ActiveOnly && !rule.Active {
		return false
	}
	return true
}

// RuleStore lists workspace rules.
type RuleStore interface {
	// ListRules returns the workspace's rules that pass filter, in their
	// stored order.
	ListRules(ctx context.Context, workspaceID string, filter RuleFilter) ([]domain.Rule, error)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// ValidateConversation checks the struct tags of a conversation before it
// is written. The first failing field is reported as a *domain.ValidationError.
func ValidateConversation(c *domain.Conversation) error {
	if c == nil {
		return domain.NewValidationError("conversation", "is nil")
	}
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return domain.NewValidationError(fe.Field(), "failed %q check", fe.Tag())
	}
	return domain.NewValidationError("conversation", "%v", err)
}
