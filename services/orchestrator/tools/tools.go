// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools implements the structured actions agents can take.
//
// # Description
//
// A Catalog holds the collaborators the tools need. For every node
// execution the graph asks it to Build a Toolset scoped to the current
// workspace, conversation and application; the application metadata is
// read again on each Build so a changed provision schema takes effect on
// the next step. The Executor runs one tool call from an agent message and
// turns the outcome into a tool-result message.
//
// # Failure policy
//
// Validation failures, backend failures (tickets, provisioning, search)
// and calls against terminal conversations come back to the agent as a
// tool error it can react to. Persistence and resolution failures abort
// the turn; see domain.IsFatal.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianAccess/services/llm"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/backends"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/retriever"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/rules"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/schema"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/store"
)

// Scope is what a toolset is bound to for one node execution.
type Scope struct {
	WorkspaceID    string
	ConversationID string

	// ApplicationID is the application resolved by the entry classifier.
	// Empty when the conversation has not named one yet.
	ApplicationID string
	AppName       string
}

// Result contains the outcome of a tool execution.
type Result struct {
	// Output is marshaled to JSON for the agent.
	Output any `json:"output,omitempty"`

	// OutputText is used instead of Output when set.
	OutputText string `json:"output_text,omitempty"`

	// Duration is how long execution took.
	Duration time.Duration `json:"duration"`
}

// Content renders the result for a tool-result message.
func (r *Result) Content() string {
	if r == nil {
		return ""
	}
	if r.OutputText != "" {
		return r.OutputText
	}
	if r.Output == nil {
		return "ok"
	}
	raw, err := json.Marshal(r.Output)
	if err != nil {
		return fmt.Sprintf("%v", r.Output)
	}
	return string(raw)
}

// Tool is one executable action.
//
// Implementations must be safe for concurrent use.
type Tool interface {
	// Name returns the unique tool name.
	Name() string

	// Definition returns the tool's parameter schema.
	Definition() schema.Definition

	// Execute runs the tool. args have already been validated against
	// Definition and carry the scope's identity arguments.
	Execute(ctx context.Context, scope Scope, args map[string]any) (*Result, error)
}

// Toolset is the set of tools one agent may call during one step.
type Toolset struct {
	scope Scope
	tools map[string]Tool
}

// NewToolset creates a toolset. Later tools replace earlier ones with the
// same name.
func NewToolset(scope Scope, tools ...Tool) *Toolset {
	set := &Toolset{scope: scope, tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		set.tools[t.Name()] = t
	}
	return set
}

// Scope returns the scope the toolset was built for.
func (s *Toolset) Scope() Scope {
	return s.scope
}

// Get returns the named tool.
func (s *Toolset) Get(name string) (Tool, bool) {
	if s == nil {
		return nil, false
	}
	t, ok := s.tools[name]
	return t, ok
}

// Names returns the tool names in sorted order.
func (s *Toolset) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the function-calling definitions, sorted by name.
func (s *Toolset) Definitions() []llm.ToolDefinition {
	names := s.Names()
	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		def := s.tools[name].Definition()
		defs = append(defs, def.ToLLM())
	}
	return defs
}

// Len returns the number of tools.
func (s *Toolset) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tools)
}

// =============================================================================
// Catalog
// =============================================================================

// Deps are the collaborators of the tool catalog. Retriever and Directory
// are optional: without them retrieve_knowledge and fetch_relevant_data
// report a tool error.
type Deps struct {
	Conversations store.ConversationStore
	Messages      store.MessageStore
	Applications  store.ApplicationDirectory
	Rules         *rules.Engine
	Owners        backends.DataOwnerResolver
	Tickets       backends.TicketDispatcher
	Provisioner   backends.Provisioner
	Directory     backends.DirectoryClient
	Retriever     retriever.Retriever
	Logger        *slog.Logger

	// NewID generates conversation ids. Default: deterministic child ids,
	// see ChildConversationID.
	NewID func(parentID string) string
}

// Catalog builds per-step toolsets.
type Catalog struct {
	deps   Deps
	logger *slog.Logger
}

// NewCatalog validates deps and creates a catalog.
func NewCatalog(deps Deps) (*Catalog, error) {
	var missing []string
	if deps.Conversations == nil {
		missing = append(missing, "Conversations")
	}
	if deps.Messages == nil {
		missing = append(missing, "Messages")
	}
	if deps.Applications == nil {
		missing = append(missing, "Applications")
	}
	if deps.Rules == nil {
		missing = append(missing, "Rules")
	}
	if deps.Owners == nil {
		missing = append(missing, "Owners")
	}
	if deps.Tickets == nil {
		missing = append(missing, "Tickets")
	}
	if deps.Provisioner == nil {
		missing = append(missing, "Provisioner")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("tool catalog missing dependencies: %v", missing)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.NewID == nil {
		deps.NewID = ChildConversationID
	}
	return &Catalog{deps: deps, logger: deps.Logger.With("component", "tools")}, nil
}

// Names lists every tool the catalog can build.
func Names() []string {
	return []string{
		schema.ToolApproveAccess,
		schema.ToolDenyAccess,
		schema.ToolFetchRelevantData,
		schema.ToolRequestAccess,
		schema.ToolRetrieveKnowledge,
	}
}

// Build creates a toolset with the named tools for scope.
//
// # Description
//
// The scope's application is loaded fresh so the request and approval
// schemas reflect its current provision schema. A scope without an
// application gets the default extension field.
//
// # Outputs
//
//   - *Toolset: The tools, bound to scope.
//   - error: Unknown tool names, or a fatal application lookup failure.
func (c *Catalog) Build(ctx context.Context, scope Scope, names ...string) (*Toolset, error) {
	var app *domain.Application
	if scope.ApplicationID != "" {
		a, err := c.deps.Applications.GetApplication(ctx, scope.WorkspaceID, scope.ApplicationID)
		if err != nil {
			return nil, fmt.Errorf("load application for toolset: %w", err)
		}
		app = a
	}
	var provision map[string]domain.ProvisionField
	if app != nil {
		provision = app.ProvisionSchema
	}

	built := make([]Tool, 0, len(names))
	for _, name := range names {
		switch name {
		case schema.ToolRequestAccess:
			built = append(built, &requestAccess{deps: &c.deps, def: schema.RequestAccessDefinition(provision), logger: c.logger})
		case schema.ToolApproveAccess:
			built = append(built, &approveAccess{deps: &c.deps, def: schema.ApproveAccessDefinition(provision), logger: c.logger})
		case schema.ToolDenyAccess:
			built = append(built, &denyAccess{deps: &c.deps, def: schema.DenyAccessDefinition()})
		case schema.ToolRetrieveKnowledge:
			built = append(built, &retrieveKnowledge{retriever: c.deps.Retriever, def: schema.RetrieveKnowledgeDefinition()})
		case schema.ToolFetchRelevantData:
			built = append(built, &fetchRelevantData{directory: c.deps.Directory, def: schema.FetchRelevantDataDefinition()})
		default:
			return nil, fmt.Errorf("unknown tool %q", name)
		}
	}
	return NewToolset(scope, built...), nil
}

// =============================================================================
// Shared helpers
// =============================================================================

// errNotConfigured reports an optional collaborator that is absent.
var errNotConfigured = errors.New("not configured for this workspace")

// loadActive fetches the conversation a state-changing tool acts on and
// rejects terminal ones.
func loadActive(ctx context.Context, conversations store.ConversationStore, workspaceID, conversationID string) (*domain.Conversation, error) {
	conv, err := conversations.Get(ctx, workspaceID, conversationID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.NewResolutionError("conversation", conversationID, workspaceID)
	}
	if err != nil {
		return nil, domain.Persistence("load conversation", err)
	}
	if conv.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: conversation %s is already %s", domain.ErrTerminalConversation, conv.ID, conv.Status)
	}
	return conv, nil
}

// setStatus moves a conversation to a terminal status. A conversation
// that became terminal concurrently is reported as a tool error; every
// other failure is a persistence failure.
func setStatus(ctx context.Context, conversations store.ConversationStore, conv *domain.Conversation, update domain.ConversationUpdate) (*domain.Conversation, error) {
	updated, err := conversations.Update(ctx, conv.WorkspaceID, conv.ID, update)
	if errors.Is(err, domain.ErrTerminalConversation) || errors.Is(err, domain.ErrInvalidStatusTransition) {
		return nil, err
	}
	if err != nil {
		return nil, domain.Persistence("update conversation", err)
	}
	return updated, nil
}
