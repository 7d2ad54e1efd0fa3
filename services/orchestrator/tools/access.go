// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianAccess/services/orchestrator/backends"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/rules"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/schema"
	"github.com/google/uuid"
)

// childNamespace seeds the deterministic ids of data-owner conversations.
var childNamespace = uuid.MustParse("8f0c5a8e-4b53-4c1e-9d0e-6a1f3c2b7d91")

// ChildConversationID derives the id of the data-owner conversation spawned
// by parentID. The id is stable so a re-submitted turn finds the child it
// already created instead of creating a second one.
func ChildConversationID(parentID string) string {
	return uuid.NewSHA1(childNamespace, []byte(parentID)).String()
}

// idempotencyKey scopes a side effect to one conversation.
func idempotencyKey(conversationID, action string) string {
	return conversationID + ":" + action
}

// =============================================================================
// request_access
// =============================================================================

// RequestAccessOutput is what request_access reports back to the agent.
type RequestAccessOutput struct {
	Status            domain.ConversationStatus `json:"status"`
	Verdict           domain.RuleVerdict        `json:"verdict"`
	Rationale         string                    `json:"rationale"`
	CitedRules        []string                  `json:"cited_rules,omitempty"`
	GrantID           string                    `json:"grant_id,omitempty"`
	DataOwner         string                    `json:"data_owner,omitempty"`
	TicketID          string                    `json:"ticket_id,omitempty"`
	TicketURL         string                    `json:"ticket_url,omitempty"`
	OwnerConversation string                    `json:"owner_conversation,omitempty"`
}

type requestAccess struct {
	deps   *Deps
	def    schema.Definition
	logger *slog.Logger
}

func (t *requestAccess) Name() string                  { return t.def.Name }
func (t *requestAccess) Definition() schema.Definition { return t.def }

// Execute evaluates the workspace rules for the request. An approval is
// provisioned at once; anything else is forwarded to the data owner in a
// new data-owner conversation.
func (t *requestAccess) Execute(ctx context.Context, scope Scope, args map[string]any) (*Result, error) {
	conv, err := loadActive(ctx, t.deps.Conversations, scope.WorkspaceID, scope.ConversationID)
	if err != nil {
		return nil, err
	}

	app, err := t.deps.Applications.ResolveApplication(ctx, scope.WorkspaceID, schema.StringArg(args, schema.ArgAppName))
	if err != nil {
		return nil, err
	}
	dirName := schema.StringArg(args, schema.ArgDirectory)
	if dirName == "" {
		dirName = app.DirectoryID
	}
	dir, err := t.deps.Applications.ResolveDirectory(ctx, scope.WorkspaceID, dirName)
	if err != nil {
		return nil, err
	}

	req := rules.Request{
		WorkspaceID:    scope.WorkspaceID,
		ConversationID: conv.ID,
		DirectoryID:    dir.ID,
		ApplicationID:  app.ID,
		AppName:        app.Name,
		RequesterEmail: schema.StringArg(args, schema.ArgUserEmail),
		Summary:        schema.StringArg(args, schema.ArgConversationSummary),
		Fields:         schema.ExtensionValues(app.ProvisionSchema, args),
	}

	verdict, err := t.deps.Rules.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}

	logger := t.logger.With("conversation_id", conv.ID, "application_id", app.ID, "verdict", verdict.Decision)
	if verdict.Approved() {
		return t.approve(ctx, logger, conv, req, verdict)
	}
	return t.forward(ctx, logger, conv, app, req, verdict)
}

func (t *requestAccess) approve(ctx context.Context, logger *slog.Logger, conv *domain.Conversation, req rules.Request, verdict *rules.Verdict) (*Result, error) {
	receipt, err := t.deps.Provisioner.Grant(ctx, backends.Grant{
		WorkspaceID:    req.WorkspaceID,
		ConversationID: conv.ID,
		ApplicationID:  req.ApplicationID,
		AppName:        req.AppName,
		DirectoryID:    req.DirectoryID,
		RequesterEmail: req.RequesterEmail,
		Fields:         req.Fields,
		IdempotencyKey: idempotencyKey(conv.ID, "grant"),
	})
	if err != nil {
		return nil, backends.ProvisioningFailure(err)
	}

	update := domain.WithStatus(domain.StatusApproved)
	update.ExternalID = &receipt.ID
	if _, err := setStatus(ctx, t.deps.Conversations, conv, update); err != nil {
		return nil, err
	}
	logger.Info("access auto-approved", "grant_id", receipt.ID)

	return &Result{Output: RequestAccessOutput{
		Status:     domain.StatusApproved,
		Verdict:    verdict.Decision,
		Rationale:  verdict.Rationale,
		CitedRules: verdict.CitedRules,
		GrantID:    receipt.ID,
	}}, nil
}

func (t *requestAccess) forward(ctx context.Context, logger *slog.Logger, conv *domain.Conversation, app *domain.Application, req rules.Request, verdict *rules.Verdict) (*Result, error) {
	owner, err := t.deps.Owners.ResolveOwner(ctx, backends.OwnerQuery{
		WorkspaceID:    req.WorkspaceID,
		Application:    app,
		DirectoryID:    req.DirectoryID,
		RequesterEmail: req.RequesterEmail,
	})
	if err != nil {
		return nil, backends.TicketFailure(err)
	}

	childID := t.deps.NewID(conv.ID)
	summary := ownerSummary(req, verdict)

	receipt, err := t.deps.Tickets.OpenTicket(ctx, backends.Ticket{
		WorkspaceID:    req.WorkspaceID,
		ConversationID: childID,
		Assignee:       owner,
		RequesterEmail: req.RequesterEmail,
		ApplicationID:  app.ID,
		AppName:        app.Name,
		DirectoryID:    req.DirectoryID,
		Title:          fmt.Sprintf("Access request: %s for %s", app.Name, req.RequesterEmail),
		Body:           summary,
		Fields:         req.Fields,
		IdempotencyKey: idempotencyKey(conv.ID, "ticket"),
	})
	if err != nil {
		return nil, backends.TicketFailure(err)
	}

	if err := t.ensureChild(ctx, conv, childID, owner, receipt.ID, req, summary); err != nil {
		return nil, err
	}

	update := domain.WithStatus(domain.StatusCompleted)
	update.Assignee = &owner
	update.ExternalID = &receipt.ID
	if _, err := setStatus(ctx, t.deps.Conversations, conv, update); err != nil {
		return nil, err
	}
	logger.Info("access request forwarded to data owner",
		"data_owner", owner,
		"ticket_id", receipt.ID,
		"owner_conversation", childID,
	)

	return &Result{Output: RequestAccessOutput{
		Status:            domain.StatusCompleted,
		Verdict:           verdict.Decision,
		Rationale:         verdict.Rationale,
		CitedRules:        verdict.CitedRules,
		DataOwner:         owner,
		TicketID:          receipt.ID,
		TicketURL:         receipt.URL,
		OwnerConversation: childID,
	}}, nil
}

// ensureChild creates the data-owner conversation and seeds it with the
// request summary. A child left behind by an earlier, aborted attempt is
// reused as is.
func (t *requestAccess) ensureChild(ctx context.Context, parent *domain.Conversation, childID, owner, ticketID string, req rules.Request, summary string) error {
	_, err := t.deps.Conversations.Get(ctx, parent.WorkspaceID, childID)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Persistence("load owner conversation", err)
	}

	child := &domain.Conversation{
		ID:                   childID,
		WorkspaceID:          parent.WorkspaceID,
		Type:                 domain.ConversationDataOwner,
		Status:               domain.StatusActive,
		Assignee:             owner,
		ExternalID:           ticketID,
		PreviousConversation: parent.ID,
		Context: map[string]string{
			domain.ContextRequesterEmail: req.RequesterEmail,
			domain.ContextApplicationID:  req.ApplicationID,
			domain.ContextAppName:        req.AppName,
			domain.ContextDirectoryID:    req.DirectoryID,
			domain.ContextSummary:        req.Summary,
		},
	}
	if err := t.deps.Conversations.Insert(ctx, child); err != nil {
		return domain.Persistence("insert owner conversation", err)
	}
	if _, err := t.deps.Messages.Append(ctx, childID, domain.RoleSystem, summary); err != nil {
		return domain.Persistence("seed owner conversation", err)
	}
	return nil
}

func ownerSummary(req rules.Request, verdict *rules.Verdict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s requests access to %s.\n", req.RequesterEmail, req.AppName)
	if req.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", req.Summary)
	}
	for _, name := range sortedFieldNames(req.Fields) {
		fmt.Fprintf(&b, "%s: %s\n", name, req.Fields[name])
	}
	fmt.Fprintf(&b, "Automated pre-check: %s (%s)", verdict.Decision, verdict.Rationale)
	return b.String()
}

// =============================================================================
// approve_access
// =============================================================================

// DecisionOutput is what approve_access and deny_access report back.
type DecisionOutput struct {
	Status  domain.ConversationStatus `json:"status"`
	GrantID string                    `json:"grant_id,omitempty"`
	Reason  string                    `json:"reason,omitempty"`
}

type approveAccess struct {
	deps   *Deps
	def    schema.Definition
	logger *slog.Logger
}

func (t *approveAccess) Name() string                  { return t.def.Name }
func (t *approveAccess) Definition() schema.Definition { return t.def }

// Execute provisions the requester named in the data-owner conversation
// and completes it.
func (t *approveAccess) Execute(ctx context.Context, scope Scope, args map[string]any) (*Result, error) {
	conv, err := loadActive(ctx, t.deps.Conversations, scope.WorkspaceID, scope.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv.Type != domain.ConversationDataOwner {
		return nil, domain.NewValidationError(schema.ArgConversationID, "only data-owner conversations can be approved")
	}

	requester := conv.Context[domain.ContextRequesterEmail]
	if requester == "" {
		return nil, domain.NewValidationError(domain.ContextRequesterEmail, "owner conversation has no requester")
	}
	appID := conv.Context[domain.ContextApplicationID]
	app, err := t.deps.Applications.GetApplication(ctx, scope.WorkspaceID, appID)
	if err != nil {
		return nil, err
	}

	receipt, err := t.deps.Provisioner.Grant(ctx, backends.Grant{
		WorkspaceID:    scope.WorkspaceID,
		ConversationID: conv.ID,
		ApplicationID:  app.ID,
		AppName:        app.Name,
		DirectoryID:    conv.Context[domain.ContextDirectoryID],
		RequesterEmail: requester,
		Fields:         schema.ExtensionValues(app.ProvisionSchema, args),
		IdempotencyKey: idempotencyKey(conv.ID, "grant"),
	})
	if err != nil {
		return nil, backends.ProvisioningFailure(err)
	}

	if _, err := setStatus(ctx, t.deps.Conversations, conv, domain.WithStatus(domain.StatusCompleted)); err != nil {
		return nil, err
	}
	reason := schema.StringArg(args, schema.ArgReason)
	t.logger.Info("access approved by data owner",
		"conversation_id", conv.ID,
		"application_id", app.ID,
		"grant_id", receipt.ID,
	)
	notifyRequester(ctx, t.deps, t.logger, conv,
		fmt.Sprintf("The data owner approved your access to %s.", app.Name))

	return &Result{Output: DecisionOutput{Status: domain.StatusCompleted, GrantID: receipt.ID, Reason: reason}}, nil
}

// =============================================================================
// deny_access
// =============================================================================

type denyAccess struct {
	deps *Deps
	def  schema.Definition
}

func (t *denyAccess) Name() string                  { return t.def.Name }
func (t *denyAccess) Definition() schema.Definition { return t.def }

// Execute denies the request.
func (t *denyAccess) Execute(ctx context.Context, scope Scope, args map[string]any) (*Result, error) {
	conv, err := loadActive(ctx, t.deps.Conversations, scope.WorkspaceID, scope.ConversationID)
	if err != nil {
		return nil, err
	}
	reason := schema.StringArg(args, schema.ArgReason)
	if _, err := setStatus(ctx, t.deps.Conversations, conv, domain.WithStatus(domain.StatusDenied)); err != nil {
		return nil, err
	}

	logger := t.deps.Logger.With("component", "tools")
	logger.Info("access denied", "conversation_id", conv.ID, "reason", reason)
	if conv.Type == domain.ConversationDataOwner {
		notifyRequester(ctx, t.deps, logger, conv,
			fmt.Sprintf("The data owner denied your access to %s: %s", conv.Context[domain.ContextAppName], reason))
	}
	return &Result{Output: DecisionOutput{Status: domain.StatusDenied, Reason: reason}}, nil
}

// notifyRequester appends a system message to the requester conversation
// that spawned conv. The decision is already committed, so a failure here
// is logged rather than aborting the turn.
func notifyRequester(ctx context.Context, deps *Deps, logger *slog.Logger, conv *domain.Conversation, text string) {
	if conv.PreviousConversation == "" {
		return
	}
	if _, err := deps.Messages.Append(ctx, conv.PreviousConversation, domain.RoleSystem, text); err != nil {
		logger.Warn("failed to notify requester conversation",
			"conversation_id", conv.PreviousConversation,
			"error", err,
		)
	}
}
