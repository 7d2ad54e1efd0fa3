// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agents implements the reasoning steps of the access conversation:
// the entry classifier and the three role agents (information gatherer,
// data owner, recommender).
//
// # Description
//
// An Agent takes the conversation so far plus the tools it may call and
// returns one assistant message, possibly carrying structured tool
// requests. Agents never execute tools themselves; the graph does that
// after the step has resolved, which is what makes a cancelled step safe.
package agents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"text/template"

	"github.com/AleutianAI/AleutianAccess/services/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Role names an agent. Role names double as graph node names and as the
// Name of the assistant messages the agent produces.
type Role string

const (
	RoleInformation Role = "information_agent"
	RoleDataOwner   Role = "data_owner_agent"
	RoleRecommender Role = "recommender_agent"
)

// String returns the role name.
func (r Role) String() string {
	return string(r)
}

// recommenderMention matches a hand-off to the recommender in agent output.
var recommenderMention = regexp.MustCompile(`(?i)\brecommender(_agent)?\b`)

// NamesRecommender reports whether content hands the turn to the
// recommender.
func NamesRecommender(content string) bool {
	return recommenderMention.MatchString(content)
}

// Input is what an agent sees for one step.
type Input struct {
	WorkspaceID    string
	ConversationID string

	// Messages is the conversation so far, oldest first.
	Messages []llm.Message

	AppName           string
	ExtraInstructions string

	// Knowledge holds pre-fetched passages, rendered for the prompt.
	Knowledge string

	// Tools are the definitions of the toolset built for this step.
	Tools []llm.ToolDefinition
}

// Agent is one reasoning step.
//
// Implementations must be safe for concurrent use and must return
// promptly once ctx is cancelled.
type Agent interface {
	Role() Role

	// ToolNames lists the catalog tools built for the agent's steps.
	ToolNames() []string

	Step(ctx context.Context, in Input) (llm.Message, error)
}

// ReasoningAgent is an Agent backed by an llm.Client and a role prompt.
//
// Thread Safety: safe for concurrent use.
type ReasoningAgent struct {
	role      Role
	client    llm.Client
	tmpl      *template.Template
	toolNames []string
	logger    *slog.Logger
}

// NewReasoningAgent creates an agent for role.
//
// # Inputs
//
//   - role: The agent's role.
//   - client: Reasoning backend.
//   - prompt: text/template source rendered with promptData.
//   - toolNames: Tools the graph builds for this agent's steps.
//   - logger: nil uses slog.Default().
func NewReasoningAgent(role Role, client llm.Client, prompt string, toolNames []string, logger *slog.Logger) (*ReasoningAgent, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	tmpl, err := template.New(string(role)).Parse(prompt)
	if err != nil {
		return nil, fmt.Errorf("compile %s prompt: %w", role, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReasoningAgent{
		role:      role,
		client:    client,
		tmpl:      tmpl,
		toolNames: append([]string(nil), toolNames...),
		logger:    logger.With("agent", string(role)),
	}, nil
}

// Role implements Agent.
func (a *ReasoningAgent) Role() Role {
	return a.role
}

// ToolNames implements Agent.
func (a *ReasoningAgent) ToolNames() []string {
	return append([]string(nil), a.toolNames...)
}

type promptData struct {
	WorkspaceID       string
	ConversationID    string
	AppName           string
	ExtraInstructions string
	Knowledge         string
	Recommender       string
}

// Step implements Agent.
func (a *ReasoningAgent) Step(ctx context.Context, in Input) (llm.Message, error) {
	ctx, span := otel.Tracer("agents").Start(ctx, "agents.ReasoningAgent.Step",
		trace.WithAttributes(
			attribute.String("agent", string(a.role)),
			attribute.Int("messages", len(in.Messages)),
			attribute.Int("tools", len(in.Tools)),
		),
	)
	defer span.End()

	var buf bytes.Buffer
	if err := a.tmpl.Execute(&buf, promptData{
		WorkspaceID:       in.WorkspaceID,
		ConversationID:    in.ConversationID,
		AppName:           in.AppName,
		ExtraInstructions: in.ExtraInstructions,
		Knowledge:         in.Knowledge,
		Recommender:       string(RoleRecommender),
	}); err != nil {
		return llm.Message{}, fmt.Errorf("render %s prompt: %w", a.role, err)
	}

	req := &llm.Request{
		SystemPrompt: buf.String(),
		Messages:     in.Messages,
		Tools:        in.Tools,
	}
	if len(in.Tools) > 0 {
		req.ToolChoice = llm.ToolChoiceAuto()
	}

	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return llm.Message{}, fmt.Errorf("%s: %w", a.role, err)
	}
	span.SetAttributes(
		attribute.Int("tool_calls", len(resp.ToolCalls)),
		attribute.Int("tokens", resp.TokensUsed),
	)
	a.logger.Debug("agent step complete",
		"tool_calls", len(resp.ToolCalls),
		"tokens", resp.TokensUsed,
		"duration", resp.Duration,
	)

	return llm.Message{
		Role:      llm.RoleAssistant,
		Name:      string(a.role),
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	}, nil
}

var _ Agent = (*ReasoningAgent)(nil)
