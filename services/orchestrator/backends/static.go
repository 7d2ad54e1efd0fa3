// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backends

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StaticOwnerResolver returns the application's configured data owner,
// falling back to a workspace-wide default.
type StaticOwnerResolver struct {
	// Fallback is used when the application names no owner.
	Fallback string

	// PerWorkspace overrides Fallback for specific workspaces.
	PerWorkspace map[string]string
}

// ResolveOwner implements DataOwnerResolver.
func (r StaticOwnerResolver) ResolveOwner(ctx context.Context, query OwnerQuery) (string, error) {
	if query.Application != nil {
		if owner := strings.TrimSpace(query.Application.DataOwner); owner != "" {
			return owner, nil
		}
	}
	if owner := r.PerWorkspace[query.WorkspaceID]; owner != "" {
		return owner, nil
	}
	if r.Fallback != "" {
		return r.Fallback, nil
	}
	return "", ErrNoOwner
}

// MemoryDispatcher records tickets in memory and logs them. It backs the
// local CLI and tests.
//
// Thread Safety: safe for concurrent use.
type MemoryDispatcher struct {
	mu      sync.Mutex
	tickets []Ticket
	byKey   map[string]*TicketReceipt
	logger  *slog.Logger

	// Err, when set, fails every OpenTicket call.
	Err error
}

// NewMemoryDispatcher creates a MemoryDispatcher. Nil logger uses slog.Default().
func NewMemoryDispatcher(logger *slog.Logger) *MemoryDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryDispatcher{byKey: make(map[string]*TicketReceipt), logger: logger.With("backend", "tickets")}
}

// OpenTicket implements TicketDispatcher. A repeated idempotency key
// returns the first receipt without recording a second ticket.
func (d *MemoryDispatcher) OpenTicket(ctx context.Context, ticket Ticket) (*TicketReceipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Err != nil {
		return nil, TicketFailure(d.Err)
	}
	if r, ok := d.byKey[ticket.IdempotencyKey]; ok && ticket.IdempotencyKey != "" {
		return r, nil
	}
	receipt := &TicketReceipt{ID: "TICKET-" + uuid.NewString()[:8]}
	d.tickets = append(d.tickets, ticket)
	if ticket.IdempotencyKey != "" {
		d.byKey[ticket.IdempotencyKey] = receipt
	}
	d.logger.Info("ticket opened",
		"ticket_id", receipt.ID,
		"workspace_id", ticket.WorkspaceID,
		"assignee", ticket.Assignee,
		"app_name", ticket.AppName,
	)
	return receipt, nil
}

// Tickets returns a copy of every recorded ticket.
func (d *MemoryDispatcher) Tickets() []Ticket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Ticket(nil), d.tickets...)
}

// MemoryProvisioner records grants in memory and logs them.
//
// Thread Safety: safe for concurrent use.
type MemoryProvisioner struct {
	mu     sync.Mutex
	grants []Grant
	byKey  map[string]*GrantReceipt
	logger *slog.Logger

	// Err, when set, fails every Grant call.
	Err error
}

// NewMemoryProvisioner creates a MemoryProvisioner. Nil logger uses slog.Default().
func NewMemoryProvisioner(logger *slog.Logger) *MemoryProvisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryProvisioner{byKey: make(map[string]*GrantReceipt), logger: logger.With("backend", "provisioning")}
}

// Grant implements Provisioner.
func (p *MemoryProvisioner) Grant(ctx context.Context, grant Grant) (*GrantReceipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Err != nil {
		return nil, ProvisioningFailure(p.Err)
	}
	if r, ok := p.byKey[grant.IdempotencyKey]; ok && grant.IdempotencyKey != "" {
		return r, nil
	}
	receipt := &GrantReceipt{ID: uuid.NewString()}
	p.grants = append(p.grants, grant)
	if grant.IdempotencyKey != "" {
		p.byKey[grant.IdempotencyKey] = receipt
	}
	p.logger.Info("access granted",
		"grant_id", receipt.ID,
		"workspace_id", grant.WorkspaceID,
		"app_name", grant.AppName,
		"requester", grant.RequesterEmail,
	)
	return receipt, nil
}

// Grants returns a copy of every recorded grant.
func (p *MemoryProvisioner) Grants() []Grant {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Grant(nil), p.grants...)
}

var (
	_ DataOwnerResolver = StaticOwnerResolver{}
	_ TicketDispatcher  = (*MemoryDispatcher)(nil)
	_ Provisioner       = (*MemoryProvisioner)(nil)
)
