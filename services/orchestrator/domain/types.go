// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package domain holds the entities shared by every part of the access
// orchestrator: conversations, chat messages, rules, applications and
// directories, together with the conversation status machine and the
// error taxonomy.
package domain

import (
	"time"
)

// =============================================================================
// Conversation
// =============================================================================

// ConversationType distinguishes requester-facing conversations from the
// data-owner conversations spawned when a request needs human approval.
type ConversationType string

const (
	// ConversationRecommendation is opened by a requester.
	ConversationRecommendation ConversationType = "recommendation"

	// ConversationDataOwner is spawned by request_access for the data owner.
	ConversationDataOwner ConversationType = "data_owner"
)

// String returns the string representation of the type.
func (t ConversationType) String() string {
	return string(t)
}

// IsValid reports whether t is a known conversation type.
func (t ConversationType) IsValid() bool {
	switch t {
	case ConversationRecommendation, ConversationDataOwner:
		return true
	}
	return false
}

// Conversation is one access-request thread within a workspace.
//
// # Description
//
// A Conversation is created on the first turn with StatusActive and is
// moved into a terminal status by tool handlers. A data-owner
// Conversation points back at the requester Conversation that spawned it
// through PreviousConversation.
//
// # Fields
//
//   - Context: free-form attributes carried across turns (requester email,
//     application and directory ids for data-owner conversations).
type Conversation struct {
	ID                   string             `json:"id" validate:"required"`
	WorkspaceID          string             `json:"workspace_id" validate:"required"`
	Type                 ConversationType   `json:"type" validate:"required,oneof=recommendation data_owner"`
	Status               ConversationStatus `json:"status" validate:"required,oneof=active approved denied completed"`
	Assignee             string             `json:"assignee,omitempty"`
	ExternalID           string             `json:"external_id,omitempty"`
	PreviousConversation string             `json:"previous_conversation,omitempty"`
	Context              map[string]string  `json:"context,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
}

// Clone returns a deep copy so stores never hand out shared maps.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.Context != nil {
		out.Context = make(map[string]string, len(c.Context))
		for k, v := range c.Context {
			out.Context[k] = v
		}
	}
	return &out
}

// Well-known Conversation.Context keys.
const (
	ContextRequesterEmail = "requester_email"
	ContextApplicationID  = "application_id"
	ContextAppName        = "app_name"
	ContextDirectoryID    = "directory_id"
	ContextSummary        = "summary"
)

// ConversationUpdate carries the partial fields accepted by
// ConversationStore.Update. Nil pointers leave the field untouched.
type ConversationUpdate struct {
	Status               *ConversationStatus
	Assignee             *string
	PreviousConversation *string
	ExternalID           *string
}

// IsEmpty reports whether the update changes nothing.
func (u ConversationUpdate) IsEmpty() bool {
	return u.Status == nil && u.Assignee == nil && u.PreviousConversation == nil && u.ExternalID == nil
}

// WithStatus returns an update that only changes the status.
func WithStatus(s ConversationStatus) ConversationUpdate {
	return ConversationUpdate{Status: &s}
}

// =============================================================================
// Chat Messages
// =============================================================================

// MessageRole is the author role of a persisted chat message.
type MessageRole string

const (
	RoleHuman  MessageRole = "human"
	RoleAI     MessageRole = "ai"
	RoleSystem MessageRole = "system"
)

// IsValid reports whether r is a persisted chat role.
func (r MessageRole) IsValid() bool {
	switch r {
	case RoleHuman, RoleAI, RoleSystem:
		return true
	}
	return false
}

// ChatMessage is one entry of a conversation's append-only chat log.
type ChatMessage struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           MessageRole `json:"role"`
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"created_at"`
}

// =============================================================================
// Rules
// =============================================================================

// RuleVerdict is the outcome a rule asks for when it applies.
type RuleVerdict string

const (
	VerdictApprove RuleVerdict = "approve"
	VerdictDeny    RuleVerdict = "deny"
)

// IsValid reports whether v is approve or deny.
func (v RuleVerdict) IsValid() bool {
	return v == VerdictApprove || v == VerdictDeny
}

// RuleType categorizes workspace rules. Only auto-approve rules take part
// in the access pre-check.
type RuleType string

// RuleTypeAutoApprove marks rules evaluated by request_access.
const RuleTypeAutoApprove RuleType = "auto_approve"

// Rule is a natural-language workspace rule.
//
// DirectoryIDs and ApplicationIDs are optional sets. nil means unset; an
// empty, non-nil list is set and matches nothing.
type Rule struct {
	ID             string      `json:"id" yaml:"id"`
	WorkspaceID    string      `json:"workspace_id" yaml:"workspace_id"`
	When           string      `json:"when" yaml:"when"`
	Then           RuleVerdict `json:"then" yaml:"then"`
	Type           RuleType    `json:"type" yaml:"type"`
	DirectoryIDs   []string    `json:"directory_ids,omitempty" yaml:"directory_ids,omitempty"`
	ApplicationIDs []string    `json:"application_ids,omitempty" yaml:"application_ids,omitempty"`
	Active         bool        `json:"active" yaml:"active"`
}

// =============================================================================
// Applications and Directories
// =============================================================================

// ProvisionField describes one application-specific input collected when
// requesting or approving access.
type ProvisionField struct {
	Description string `json:"description" yaml:"description"`
}

// Application is a workspace application that access can be requested for.
type Application struct {
	ID                string                    `json:"id" yaml:"id"`
	WorkspaceID       string                    `json:"workspace_id" yaml:"workspace_id"`
	Name              string                    `json:"name" yaml:"name"`
	Aliases           []string                  `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	ExtraInstructions string                    `json:"extra_instructions,omitempty" yaml:"extra_instructions,omitempty"`
	ProvisionSchema   map[string]ProvisionField `json:"provision_schema,omitempty" yaml:"provision_schema,omitempty"`
	DirectoryID       string                    `json:"directory_id,omitempty" yaml:"directory_id,omitempty"`
	DataOwner         string                    `json:"data_owner,omitempty" yaml:"data_owner,omitempty"`
}

// Directory is a connected identity source (users, groups, data owners).
type Directory struct {
	ID          string `json:"id" yaml:"id"`
	WorkspaceID string `json:"workspace_id" yaml:"workspace_id"`
	Name        string `json:"name" yaml:"name"`
}

// DirectoryUser is a person known to a directory, with the attributes and
// entitlements used when adjudicating access requests.
type DirectoryUser struct {
	Email        string            `json:"email" yaml:"email"`
	DirectoryID  string            `json:"directory_id" yaml:"directory_id"`
	DisplayName  string            `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Groups       []string          `json:"groups,omitempty" yaml:"groups,omitempty"`
	Entitlements []string          `json:"entitlements,omitempty" yaml:"entitlements,omitempty"`
}
