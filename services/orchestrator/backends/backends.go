// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backends defines the side-effect collaborators of the access tools
// (owner resolution, ticketing, provisioning and directory lookups) and
// ships reference adapters for them.
//
// Every operation carries an idempotency key derived from the conversation
// so a re-submitted turn cannot provision or notify twice on a backend that
// honors the key.
package backends

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
)

// ErrNoOwner indicates no data owner could be determined for an application.
// It matches domain.ErrTicket so the request stays open for a retry.
var ErrNoOwner = fmt.Errorf("%w: no data owner configured", domain.ErrTicket)

// =============================================================================
// Requests and receipts
// =============================================================================

// OwnerQuery identifies the application whose owner is wanted.
type OwnerQuery struct {
	WorkspaceID    string
	Application    *domain.Application
	DirectoryID    string
	RequesterEmail string
}

// Ticket is the structured content of an approval request.
type Ticket struct {
	WorkspaceID    string            `json:"workspace_id"`
	ConversationID string            `json:"conversation_id"`
	Assignee       string            `json:"assignee"`
	RequesterEmail string            `json:"requester_email"`
	ApplicationID  string            `json:"application_id"`
	AppName        string            `json:"app_name"`
	DirectoryID    string            `json:"directory_id"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Fields         map[string]string `json:"fields,omitempty"`
	IdempotencyKey string            `json:"-"`
}

// TicketReceipt identifies a ticket in the external system.
type TicketReceipt struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// Grant asks a provisioning backend to give a requester access.
type Grant struct {
	WorkspaceID    string            `json:"workspace_id"`
	ConversationID string            `json:"conversation_id"`
	ApplicationID  string            `json:"application_id"`
	AppName        string            `json:"app_name"`
	DirectoryID    string            `json:"directory_id"`
	RequesterEmail string            `json:"requester_email"`
	Fields         map[string]string `json:"fields,omitempty"`
	IdempotencyKey string            `json:"-"`
}

// GrantReceipt identifies a completed grant.
type GrantReceipt struct {
	ID string `json:"id"`
}

// =============================================================================
// Interfaces
// =============================================================================

// DataOwnerResolver finds the human who approves access to an application.
type DataOwnerResolver interface {
	ResolveOwner(ctx context.Context, query OwnerQuery) (string, error)
}

// TicketDispatcher opens an approval ticket or notification. Failures
// should match domain.ErrTicket.
type TicketDispatcher interface {
	OpenTicket(ctx context.Context, ticket Ticket) (*TicketReceipt, error)
}

// Provisioner grants access. Failures should match domain.ErrProvisioning.
type Provisioner interface {
	Grant(ctx context.Context, grant Grant) (*GrantReceipt, error)
}

// DirectoryClient reads requester attributes for rule adjudication.
// An unknown user returns an error matching domain.ErrNotFound.
type DirectoryClient interface {
	GetUser(ctx context.Context, workspaceID, directoryID, email string) (*domain.DirectoryUser, error)
	ListEntitlements(ctx context.Context, workspaceID, directoryID, email string) ([]string, error)
}

// =============================================================================
// Error helpers
// =============================================================================

// TicketFailure wraps err so it matches domain.ErrTicket.
func TicketFailure(err error) error {
	if err == nil || errors.Is(err, domain.ErrTicket) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrTicket, err)
}

// ProvisioningFailure wraps err so it matches domain.ErrProvisioning.
func ProvisioningFailure(err error) error {
	if err == nil || errors.Is(err, domain.ErrProvisioning) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrProvisioning, err)
}
