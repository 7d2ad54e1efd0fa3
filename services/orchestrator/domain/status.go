// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package domain

import "fmt"

// ConversationStatus is the lifecycle status of a conversation.
//
// The status machine is:
//
//	active → approved   : rule engine approved and provisioning succeeded
//	active → denied     : deny_access
//	active → completed  : forwarded to a data owner, or owner approval provisioned
//
// approved, denied and completed are terminal.
type ConversationStatus string

const (
	StatusActive    ConversationStatus = "active"
	StatusApproved  ConversationStatus = "approved"
	StatusDenied    ConversationStatus = "denied"
	StatusCompleted ConversationStatus = "completed"
)

// String returns the string representation of the status.
func (s ConversationStatus) String() string {
	return string(s)
}

// IsValid reports whether s is a known status.
func (s ConversationStatus) IsValid() bool {
	switch s {
	case StatusActive, StatusApproved, StatusDenied, StatusCompleted:
		return true
	}
	return false
}

// IsTerminal returns true if no further transitions are allowed.
func (s ConversationStatus) IsTerminal() bool {
	switch s {
	case StatusApproved, StatusDenied, StatusCompleted:
		return true
	}
	return false
}

// CanTransitionTo reports whether a conversation in status s may move to next.
func (s ConversationStatus) CanTransitionTo(next ConversationStatus) bool {
	if s != StatusActive {
		return false
	}
	return next.IsTerminal()
}

// AllStatuses returns every conversation status.
func AllStatuses() []ConversationStatus {
	return []ConversationStatus{StatusActive, StatusApproved, StatusDenied, StatusCompleted}
}

// Apply validates update against the status machine and applies it to c.
//
// Description:
//
//	Every non-status field may change while the conversation is active.
//	Once the conversation is terminal any update is rejected with
//	ErrTerminalConversation, which keeps caller-driven turn retries from
//	producing a second side effect.
//
// Outputs:
//
//	error - ErrTerminalConversation or ErrInvalidStatusTransition.
func (c *Conversation) Apply(update ConversationUpdate) error {
	if c.Status.IsTerminal() {
		return fmt.Errorf("%w: conversation %s is %s", ErrTerminalConversation, c.ID, c.Status)
	}
	if update.Status != nil && *update.Status != c.Status {
		if !c.Status.CanTransitionTo(*update.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStatusTransition, c.Status, *update.Status)
		}
	}

	if update.Status != nil {
		c.Status = *update.Status
	}
	if update.Assignee != nil {
		c.Assignee = *update.Assignee
	}
	if update.PreviousConversation != nil {
		c.PreviousConversation = *update.PreviousConversation
	}
	if update.ExternalID != nil {
		c.ExternalID = *update.ExternalID
	}
	return nil
}
