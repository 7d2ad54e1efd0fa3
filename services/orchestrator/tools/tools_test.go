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
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianAccess/services/llm"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/backends"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/retriever"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/rules"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/schema"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store       *store.MemoryStore
	catalog     *store.Catalog
	tickets     *backends.MemoryDispatcher
	provisioner *backends.MemoryProvisioner
	retriever   *retriever.MemoryRetriever
	tools       *Catalog
	executor    *Executor
	adjudicated int
}

func newFixture(t *testing.T, ruleList ...domain.Rule) *fixture {
	t.Helper()
	f := &fixture{
		store:       store.NewMemoryStore(),
		catalog:     store.NewCatalog(),
		tickets:     backends.NewMemoryDispatcher(nil),
		provisioner: backends.NewMemoryProvisioner(nil),
		retriever:   retriever.NewMemoryRetriever(),
		executor:    NewExecutor(nil),
	}
	f.catalog.AddDirectory(domain.Directory{ID: "okta", WorkspaceID: "ws1", Name: "Okta"})
	f.catalog.AddApplication(domain.Application{
		ID:          "app-fooquery",
		WorkspaceID: "ws1",
		Name:        "fooquery",
		Aliases:     []string{"fq"},
		DirectoryID: "okta",
		DataOwner:   "owner@example.com",
		ProvisionSchema: map[string]domain.ProvisionField{
			"role": {Description: "Role to grant"},
		},
	})
	f.catalog.AddUser("ws1", domain.DirectoryUser{Email: "req@example.com", DirectoryID: "okta", Groups: []string{"analytics"}})
	for _, r := range ruleList {
		f.catalog.AddRule(r)
	}

	adjudicator := rules.AdjudicatorFunc(func(ctx context.Context, req rules.Request, sel *rules.Selection) (*rules.Verdict, error) {
		f.adjudicated++
		if len(sel.Approve) > 0 && len(sel.Deny) == 0 {
			return &rules.Verdict{Decision: domain.VerdictApprove, CitedRules: []string{sel.Approve[0].When}, Rationale: "approval rule matched"}, nil
		}
		return &rules.Verdict{Decision: domain.VerdictDeny, Rationale: "denial rule matched"}, nil
	})

	tc, err := NewCatalog(Deps{
		Conversations: f.store,
		Messages:      f.store,
		Applications:  f.catalog,
		Rules:         rules.NewEngine(f.catalog, adjudicator, nil),
		Owners:        backends.StaticOwnerResolver{},
		Tickets:       f.tickets,
		Provisioner:   f.provisioner,
		Directory:     f.catalog,
		Retriever:     f.retriever,
	})
	require.NoError(t, err)
	f.tools = tc

	require.NoError(t, f.store.Insert(context.Background(), &domain.Conversation{
		ID:          "conv1",
		WorkspaceID: "ws1",
		Type:        domain.ConversationRecommendation,
		Status:      domain.StatusActive,
	}))
	return f
}

func (f *fixture) toolset(t *testing.T, conversationID string, names ...string) *Toolset {
	t.Helper()
	set, err := f.tools.Build(context.Background(), Scope{
		WorkspaceID:    "ws1",
		ConversationID: conversationID,
		ApplicationID:  "app-fooquery",
		AppName:        "fooquery",
	}, names...)
	require.NoError(t, err)
	return set
}

func call(name string, args map[string]any) llm.ToolCall {
	raw, _ := json.Marshal(args)
	return llm.ToolCall{ID: "call_1", Name: name, Arguments: string(raw)}
}

func requestArgs() map[string]any {
	return map[string]any{
		schema.ArgConversationSummary: "req@example.com needs read access to fooquery for reporting",
		schema.ArgUserEmail:           "req@example.com",
		schema.ArgAppName:             "fooquery",
		schema.ArgDirectory:           "okta",
		"role":                        "reader",
	}
}

func approveRule() domain.Rule {
	return domain.Rule{
		ID: "r1", WorkspaceID: "ws1", When: "requester is in analytics",
		Then: domain.VerdictApprove, Type: domain.RuleTypeAutoApprove,
		ApplicationIDs: []string{"app-fooquery"}, Active: true,
	}
}

func TestCatalog_BuildUsesProvisionSchema(t *testing.T) {
	f := newFixture(t)
	set := f.toolset(t, "conv1", Names()...)

	assert.Equal(t, Names(), set.Names())
	tool, ok := set.Get(schema.ToolRequestAccess)
	require.True(t, ok)
	def := tool.Definition()
	assert.Contains(t, def.Parameters, "role")
	assert.NotContains(t, def.Parameters, schema.DefaultExtraField)

	_, err := f.tools.Build(context.Background(), Scope{WorkspaceID: "ws1"}, "bogus")
	assert.Error(t, err)
}

func TestCatalog_BuildWithoutApplicationUsesDefaultField(t *testing.T) {
	f := newFixture(t)
	set, err := f.tools.Build(context.Background(), Scope{WorkspaceID: "ws1", ConversationID: "conv1"}, schema.ToolRequestAccess)
	require.NoError(t, err)
	tool, _ := set.Get(schema.ToolRequestAccess)
	assert.Contains(t, tool.Definition().Parameters, schema.DefaultExtraField)
}

func TestNewCatalog_MissingDeps(t *testing.T) {
	_, err := NewCatalog(Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Conversations")
}

func TestRequestAccess_AutoApproved(t *testing.T) {
	f := newFixture(t, approveRule())
	set := f.toolset(t, "conv1", schema.ToolRequestAccess)

	res, err := f.executor.Execute(context.Background(), set, call(schema.ToolRequestAccess, requestArgs()))
	require.NoError(t, err)
	require.False(t, res.IsError, res.Content)

	var out RequestAccessOutput
	require.NoError(t, json.Unmarshal([]byte(res.Content), &out))
	assert.Equal(t, domain.StatusApproved, out.Status)
	assert.Equal(t, domain.VerdictApprove, out.Verdict)

	grants := f.provisioner.Grants()
	require.Len(t, grants, 1)
	assert.Equal(t, "req@example.com", grants[0].RequesterEmail)
	assert.Equal(t, map[string]string{"role": "reader"}, grants[0].Fields)

	conv, err := f.store.Get(context.Background(), "ws1", "conv1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, conv.Status)

	_, err = f.store.Get(context.Background(), "ws1", ChildConversationID("conv1"))
	assert.ErrorIs(t, err, domain.ErrNotFound, "no data-owner conversation on approval")
	assert.Empty(t, f.tickets.Tickets())
}

func TestRequestAccess_NoRulesForwardsToOwner(t *testing.T) {
	f := newFixture(t)
	set := f.toolset(t, "conv1", schema.ToolRequestAccess)

	res, err := f.executor.Execute(context.Background(), set, call(schema.ToolRequestAccess, requestArgs()))
	require.NoError(t, err)
	require.False(t, res.IsError, res.Content)
	assert.Zero(t, f.adjudicated, "adjudicator is skipped without rules")

	var out RequestAccessOutput
	require.NoError(t, json.Unmarshal([]byte(res.Content), &out))
	assert.Equal(t, domain.VerdictDeny, out.Verdict)
	assert.Equal(t, rules.NoRulesRationale, out.Rationale)
	assert.Equal(t, "owner@example.com", out.DataOwner)

	tickets := f.tickets.Tickets()
	require.Len(t, tickets, 1)
	assert.Equal(t, "owner@example.com", tickets[0].Assignee)

	ctx := context.Background()
	child, err := f.store.Get(ctx, "ws1", out.OwnerConversation)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversationDataOwner, child.Type)
	assert.Equal(t, "conv1", child.PreviousConversation)
	assert.Equal(t, domain.StatusActive, child.Status)
	assert.Equal(t, "req@example.com", child.Context[domain.ContextRequesterEmail])

	msgs, err := f.store.List(ctx, child.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "fooquery")

	orig, err := f.store.Get(ctx, "ws1", "conv1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, orig.Status)
	assert.Equal(t, "owner@example.com", orig.Assignee)
	assert.Empty(t, f.provisioner.Grants())
}

func TestRequestAccess_TerminalConversationIsToolError(t *testing.T) {
	f := newFixture(t, approveRule())
	set := f.toolset(t, "conv1", schema.ToolRequestAccess)
	ctx := context.Background()

	first, err := f.executor.Execute(ctx, set, call(schema.ToolRequestAccess, requestArgs()))
	require.NoError(t, err)
	require.False(t, first.IsError)

	retry, err := f.executor.Execute(ctx, set, call(schema.ToolRequestAccess, requestArgs()))
	require.NoError(t, err)
	assert.True(t, retry.IsError)
	assert.Contains(t, retry.Content, domain.ErrTerminalConversation.Error())
	assert.Len(t, f.provisioner.Grants(), 1, "retry must not provision twice")
}

func TestRequestAccess_ProvisioningFailureKeepsConversationOpen(t *testing.T) {
	f := newFixture(t, approveRule())
	f.provisioner.Err = errors.New("backend 500")
	set := f.toolset(t, "conv1", schema.ToolRequestAccess)

	res, err := f.executor.Execute(context.Background(), set, call(schema.ToolRequestAccess, requestArgs()))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.True(t, strings.HasPrefix(res.Content, ToolErrorPrefix))

	conv, err := f.store.Get(context.Background(), "ws1", "conv1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, conv.Status)
}

func TestRequestAccess_TicketRetryReusesChild(t *testing.T) {
	f := newFixture(t)
	set := f.toolset(t, "conv1", schema.ToolRequestAccess)
	ctx := context.Background()

	// A child left behind by an aborted attempt.
	childID := ChildConversationID("conv1")
	require.NoError(t, f.store.Insert(ctx, &domain.Conversation{
		ID: childID, WorkspaceID: "ws1", Type: domain.ConversationDataOwner,
		Status: domain.StatusActive, PreviousConversation: "conv1",
	}))

	res, err := f.executor.Execute(ctx, set, call(schema.ToolRequestAccess, requestArgs()))
	require.NoError(t, err)
	require.False(t, res.IsError, res.Content)

	msgs, err := f.store.List(ctx, childID)
	require.NoError(t, err)
	assert.Empty(t, msgs, "existing child is not reseeded")
}

func TestRequestAccess_UnknownApplicationIsFatal(t *testing.T) {
	f := newFixture(t)
	set := f.toolset(t, "conv1", schema.ToolRequestAccess)
	args := requestArgs()
	args[schema.ArgAppName] = "nope"

	_, err := f.executor.Execute(context.Background(), set, call(schema.ToolRequestAccess, args))
	assert.ErrorIs(t, err, domain.ErrResolution)
}

func TestExecutor_ValidationAndUnknownTool(t *testing.T) {
	f := newFixture(t)
	set := f.toolset(t, "conv1", schema.ToolRequestAccess)
	ctx := context.Background()

	args := requestArgs()
	delete(args, "role")
	res, err := f.executor.Execute(ctx, set, call(schema.ToolRequestAccess, args))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "role")

	res, err = f.executor.Execute(ctx, set, llm.ToolCall{ID: "x", Name: schema.ToolRequestAccess, Arguments: "{broken"})
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = f.executor.Execute(ctx, set, call(schema.ToolDenyAccess, map[string]any{schema.ArgReason: "no"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, ErrToolNotFound.Error())
}

func TestExecutor_NullArgumentsAreToolError(t *testing.T) {
	f := newFixture(t)
	set := f.toolset(t, "conv1", schema.ToolRequestAccess)

	var res llm.ToolCallResult
	var err error
	require.NotPanics(t, func() {
		res, err = f.executor.Execute(context.Background(), set, llm.ToolCall{ID: "n1", Name: schema.ToolRequestAccess, Arguments: "null"})
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "n1", res.ToolCallID)

	conv, getErr := f.store.Get(context.Background(), "ws1", "conv1")
	require.NoError(t, getErr)
	assert.Equal(t, domain.StatusActive, conv.Status)
}

func TestExecutor_IdentityArgsComeFromScope(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Insert(context.Background(), &domain.Conversation{
		ID: "other", WorkspaceID: "ws1", Type: domain.ConversationRecommendation, Status: domain.StatusActive,
	}))
	set := f.toolset(t, "conv1", schema.ToolDenyAccess)

	res, err := f.executor.Execute(context.Background(), set, call(schema.ToolDenyAccess, map[string]any{
		schema.ArgReason:         "not needed",
		schema.ArgConversationID: "other",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError, res.Content)

	conv, _ := f.store.Get(context.Background(), "ws1", "conv1")
	assert.Equal(t, domain.StatusDenied, conv.Status)
	other, _ := f.store.Get(context.Background(), "ws1", "other")
	assert.Equal(t, domain.StatusActive, other.Status)
}

func TestApproveAccess_ProvisionsAndCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, err := f.executor.Execute(ctx, f.toolset(t, "conv1", schema.ToolRequestAccess), call(schema.ToolRequestAccess, requestArgs()))
	require.NoError(t, err)
	require.False(t, res.IsError, res.Content)

	childID := ChildConversationID("conv1")
	set := f.toolset(t, childID, schema.ToolApproveAccess)
	res, err = f.executor.Execute(ctx, set, call(schema.ToolApproveAccess, map[string]any{"role": "reader", schema.ArgReason: "ok"}))
	require.NoError(t, err)
	require.False(t, res.IsError, res.Content)

	child, err := f.store.Get(ctx, "ws1", childID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, child.Status)

	grants := f.provisioner.Grants()
	require.Len(t, grants, 1)
	assert.Equal(t, "req@example.com", grants[0].RequesterEmail)

	msgs, err := f.store.List(ctx, "conv1")
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[len(msgs)-1].Content, "approved")
}

func TestApproveAccess_RequiresOwnerConversation(t *testing.T) {
	f := newFixture(t)
	set := f.toolset(t, "conv1", schema.ToolApproveAccess)
	res, err := f.executor.Execute(context.Background(), set, call(schema.ToolApproveAccess, map[string]any{"role": "reader"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestApproveAccess_ProvisioningFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.executor.Execute(ctx, f.toolset(t, "conv1", schema.ToolRequestAccess), call(schema.ToolRequestAccess, requestArgs()))
	require.NoError(t, err)

	f.provisioner.Err = errors.New("scim down")
	childID := ChildConversationID("conv1")
	res, err := f.executor.Execute(ctx, f.toolset(t, childID, schema.ToolApproveAccess), call(schema.ToolApproveAccess, map[string]any{"role": "reader"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, domain.ErrProvisioning.Error())

	child, _ := f.store.Get(ctx, "ws1", childID)
	assert.Equal(t, domain.StatusActive, child.Status)
}

func TestRetrieveKnowledge_ScopesToApplication(t *testing.T) {
	f := newFixture(t)
	f.retriever.Add("ws1",
		retriever.Passage{ID: "p1", Content: "fooquery offers reader and admin roles", AppName: "fooquery"},
		retriever.Passage{ID: "p2", Content: "barboard offers reader roles", AppName: "barboard"},
	)
	set := f.toolset(t, "conv1", schema.ToolRetrieveKnowledge)

	res, err := f.executor.Execute(context.Background(), set, call(schema.ToolRetrieveKnowledge, map[string]any{schema.ArgQuery: "reader roles"}))
	require.NoError(t, err)
	require.False(t, res.IsError, res.Content)

	var out KnowledgeOutput
	require.NoError(t, json.Unmarshal([]byte(res.Content), &out))
	require.Len(t, out.Passages, 1)
	assert.Equal(t, "p1", out.Passages[0].ID)
}

func TestFetchRelevantData(t *testing.T) {
	f := newFixture(t)
	set := f.toolset(t, "conv1", schema.ToolFetchRelevantData)

	res, err := f.executor.Execute(context.Background(), set, call(schema.ToolFetchRelevantData, map[string]any{schema.ArgUserEmail: "req@example.com"}))
	require.NoError(t, err)
	require.False(t, res.IsError, res.Content)

	var out backends.RelevantData
	require.NoError(t, json.Unmarshal([]byte(res.Content), &out))
	assert.True(t, out.Found)
	assert.Equal(t, []string{"analytics"}, out.User.Groups)
}

func TestChildConversationID_Deterministic(t *testing.T) {
	assert.Equal(t, ChildConversationID("a"), ChildConversationID("a"))
	assert.NotEqual(t, ChildConversationID("a"), ChildConversationID("b"))
}
