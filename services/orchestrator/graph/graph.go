// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph runs one conversation turn through the agent graph.
//
// # Description
//
// A turn starts at entry_point, which classifies the conversation and
// routes to the information agent (recommendation conversations) or the
// data-owner agent (data_owner conversations). Agents may request tools,
// which call_tool executes before handing control back, and may hand off
// to the recommender, which answers and returns control to whoever called
// it. The turn ends when an agent replies without requesting anything.
//
// After every completed turn the full state is appended to the thread's
// checkpoint chain; the next turn resumes from it.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianAccess/services/llm"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/agents"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/checkpoint"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/guardrail"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/retriever"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/tools"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxSteps bounds node executions per turn.
const DefaultMaxSteps = 25

// Classifier is the entry point's view of agents.Classifier.
type Classifier interface {
	Classify(ctx context.Context, in agents.ClassifyInput) (*agents.Classification, error)
}

// GuardFunc builds the relevance check raced against an agent step.
type GuardFunc func(message, appName string) guardrail.Check

// Config are the collaborators of a compiled graph.
type Config struct {
	Classifier  Classifier
	Information agents.Agent
	DataOwner   agents.Agent
	Recommender agents.Agent

	Tools    *tools.Catalog
	Executor *tools.Executor

	// Retriever pre-fetches knowledge for the recommender. Optional.
	Retriever retriever.Retriever

	Checkpointer checkpoint.Checkpointer

	// Guard races the first agent step of a turn. Optional.
	Guard GuardFunc

	// Refusal is the reply of a refused turn. Default guardrail.DefaultRefusal.
	Refusal string

	// MaxSteps bounds node executions per turn. Default DefaultMaxSteps.
	MaxSteps int

	// KnowledgeLimit is how many passages the recommender gets.
	KnowledgeLimit int

	Logger *slog.Logger
}

// RunConfig identifies the thread a turn runs on.
type RunConfig struct {
	WorkspaceID string
	ThreadID    string

	// ConversationID scopes the tools. Default ThreadID.
	ConversationID string

	// OnMessage is called for every assistant message with content, in
	// order, as the graph produces it. Optional.
	OnMessage func(agent, content string)

	// Commit persists the finished turn in place of the graph's own
	// checkpoint append. Optional.
	Commit CommitFunc
}

// CommitFunc persists a finished turn. st is the state to checkpoint and
// parent the sequence the turn resumed from (0 for a new thread). A
// non-nil error fails the turn.
type CommitFunc func(ctx context.Context, st *State, parent uint64) error

// Runnable is a compiled graph.
//
// Thread Safety: safe for concurrent use across threads. Callers must
// serialize turns on the same thread; the checkpointer rejects a second
// concurrent append with checkpoint.ErrParentMismatch.
type Runnable struct {
	cfg     Config
	machine *StateMachine
	agents  map[Node]agents.Agent
	logger  *slog.Logger
}

// Compile validates cfg and returns a runnable graph.
func Compile(cfg Config) (*Runnable, error) {
	var missing []string
	if cfg.Classifier == nil {
		missing = append(missing, "Classifier")
	}
	if cfg.Information == nil {
		missing = append(missing, "Information")
	}
	if cfg.DataOwner == nil {
		missing = append(missing, "DataOwner")
	}
	if cfg.Recommender == nil {
		missing = append(missing, "Recommender")
	}
	if cfg.Tools == nil {
		missing = append(missing, "Tools")
	}
	if cfg.Checkpointer == nil {
		missing = append(missing, "Checkpointer")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %v", ErrInvalidConfig, missing)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Executor == nil {
		cfg.Executor = tools.NewExecutor(cfg.Logger)
	}
	if cfg.Refusal == "" {
		cfg.Refusal = guardrail.DefaultRefusal
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.KnowledgeLimit <= 0 {
		cfg.KnowledgeLimit = retriever.DefaultLimit
	}
	return &Runnable{
		cfg:     cfg,
		machine: NewStateMachine(),
		agents: map[Node]agents.Agent{
			NodeInformation: cfg.Information,
			NodeDataOwner:   cfg.DataOwner,
			NodeRecommender: cfg.Recommender,
		},
		logger: cfg.Logger.With("component", "graph"),
	}, nil
}

// run carries one traversal.
type run struct {
	rc    RunConfig
	state *State
}

func (r *run) emit(msg llm.Message) {
	if r.rc.OnMessage != nil && msg.Role == llm.RoleAssistant && msg.Content != "" {
		r.rc.OnMessage(msg.Name, msg.Content)
	}
}

// Invoke runs one turn.
//
// # Description
//
// The thread's latest checkpoint is restored and input.Messages are
// appended to it. When the thread has no checkpoint, input is the whole
// starting state (callers seed it with the persisted history). The graph
// runs from entry_point to end and the resulting state is appended to the
// checkpoint chain with the restored checkpoint as its parent, either by
// the graph itself or by rc.Commit when the host persists the turn.
//
// # Outputs
//
//   - *State: The state after the turn.
//   - error: Fatal failures. A persistence failure matches
//     domain.ErrPersistence; nothing is checkpointed on error.
func (g *Runnable) Invoke(ctx context.Context, input State, rc RunConfig) (*State, error) {
	if rc.WorkspaceID == "" || rc.ThreadID == "" {
		return nil, domain.NewValidationError("thread", "workspace id and thread id are required")
	}
	if rc.ConversationID == "" {
		rc.ConversationID = rc.ThreadID
	}

	ctx, span := otel.Tracer("graph").Start(ctx, "graph.Invoke",
		trace.WithAttributes(
			attribute.String("workspace_id", rc.WorkspaceID),
			attribute.String("thread_id", rc.ThreadID),
		),
	)
	defer span.End()

	latest, err := g.cfg.Checkpointer.GetLatest(ctx, rc.WorkspaceID, rc.ThreadID)
	if err != nil {
		span.RecordError(err)
		return nil, domain.Persistence("load checkpoint", err)
	}

	st := input
	var parent uint64
	if latest != nil {
		st = FromSnapshot(latest.Snapshot)
		st.append(input.Messages...)
		if input.ConvType.IsValid() {
			st.ConvType = input.ConvType
		}
		parent = latest.Seq
	}
	st.resetTurn()

	r := &run{rc: rc, state: &st}
	if err := g.traverse(ctx, r); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		return nil, err
	}

	if err := g.commit(ctx, rc, &st, parent); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("messages", len(st.Messages)),
		attribute.Bool("rejected", st.Rejected),
	)
	return &st, nil
}

func (g *Runnable) commit(ctx context.Context, rc RunConfig, st *State, parent uint64) error {
	if rc.Commit != nil {
		return rc.Commit(ctx, st, parent)
	}
	if _, err := g.cfg.Checkpointer.Append(ctx, rc.WorkspaceID, rc.ThreadID, st.ToSnapshot(), parent); err != nil {
		return domain.Persistence("append checkpoint", err)
	}
	return nil
}

// traverse runs nodes from entry_point until end.
func (g *Runnable) traverse(ctx context.Context, r *run) error {
	node := NodeEntry
	for steps := 0; node != NodeEnd; steps++ {
		if steps >= g.cfg.MaxSteps {
			return fmt.Errorf("%w: %d steps", ErrStepLimit, g.cfg.MaxSteps)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		next, err := g.step(ctx, node, r)
		if err != nil {
			return err
		}
		if err := g.machine.Check(node, next); err != nil {
			return err
		}
		g.logger.Debug("graph transition", "from", node, "to", next, "thread_id", r.rc.ThreadID)
		node = next
	}
	return nil
}

// step runs one node and returns the next one.
func (g *Runnable) step(ctx context.Context, node Node, r *run) (Node, error) {
	ctx, span := otel.Tracer("graph").Start(ctx, "graph.node."+node.String())
	defer span.End()
	observability.RecordNodeStep(node.String())

	start := time.Now()
	var (
		next Node
		err  error
	)
	switch node {
	case NodeEntry:
		next, err = g.entry(ctx, r)
	case NodeInformation, NodeDataOwner:
		next, err = g.agentStep(ctx, node, r)
	case NodeRecommender:
		next, err = g.recommend(ctx, r)
	case NodeCallTool:
		next, err = g.callTool(ctx, r)
	default:
		err = fmt.Errorf("%w: no node %q", ErrInvalidTransition, node)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "node failed")
		return "", err
	}
	span.SetAttributes(attribute.String("next", next.String()))
	g.logger.Debug("node complete", "node", node, "duration", time.Since(start))
	return next, nil
}

// entry classifies the turn.
func (g *Runnable) entry(ctx context.Context, r *run) (Node, error) {
	st := r.state
	c, err := g.cfg.Classifier.Classify(ctx, agents.ClassifyInput{
		WorkspaceID: r.rc.WorkspaceID,
		ConvType:    st.ConvType,
		Messages:    st.Messages,
		AppName:     st.AppName,
		AppID:       st.AppID,
	})
	if err != nil {
		return "", fmt.Errorf("entry point: %w", err)
	}
	st.ConvType = c.ConvType
	st.AppName = c.AppName
	st.AppID = c.AppID
	st.ExtraInstructions = c.ExtraInstructions

	if !c.OnTopic {
		g.refuse(r, NodeEntry)
	}
	return RouteEntry(st), nil
}

// refuse ends the turn with the refusal message.
func (g *Runnable) refuse(r *run, by Node) {
	msg := llm.Message{Role: llm.RoleAssistant, Name: by.String(), Content: g.cfg.Refusal}
	r.state.append(msg)
	r.state.Rejected = true
	r.emit(msg)
	g.logger.Info("turn refused", "thread_id", r.rc.ThreadID, "by", by)
}

// toolset builds the tools agent may call in the current scope.
func (g *Runnable) toolset(ctx context.Context, agent agents.Agent, r *run) (*tools.Toolset, error) {
	set, err := g.cfg.Tools.Build(ctx, tools.Scope{
		WorkspaceID:    r.rc.WorkspaceID,
		ConversationID: r.rc.ConversationID,
		ApplicationID:  r.state.AppID,
		AppName:        r.state.AppName,
	}, agent.ToolNames()...)
	if errors.Is(err, domain.ErrResolution) {
		return nil, err
	}
	if err != nil {
		return nil, domain.Persistence("build toolset", err)
	}
	return set, nil
}

func (g *Runnable) input(r *run, set *tools.Toolset, knowledge string) agents.Input {
	return agents.Input{
		WorkspaceID:       r.rc.WorkspaceID,
		ConversationID:    r.rc.ConversationID,
		Messages:          r.state.Messages,
		AppName:           r.state.AppName,
		ExtraInstructions: r.state.ExtraInstructions,
		Knowledge:         knowledge,
		Tools:             set.Definitions(),
	}
}

// agentStep runs the information or data-owner agent. The first agent
// step of a turn is raced against the guardrail.
func (g *Runnable) agentStep(ctx context.Context, node Node, r *run) (Node, error) {
	st := r.state
	agent := g.agents[node]
	st.Sender = node

	set, err := g.toolset(ctx, agent, r)
	if err != nil {
		return "", err
	}
	in := g.input(r, set, "")
	main := func(ctx context.Context) (llm.Message, error) {
		return agent.Step(ctx, in)
	}

	var check guardrail.Check
	if g.cfg.Guard != nil && !st.guarded {
		check = g.cfg.Guard(st.LastUserText(), st.AppName)
		st.guarded = true
	}
	out, err := guardrail.Race(ctx, main, check, llm.Message{})
	if err != nil {
		return "", err
	}
	if out.FailedOpen() {
		g.logger.Warn("guardrail check failed, failing open",
			"thread_id", r.rc.ThreadID, "node", node, "error", out.CheckErr)
	}
	if !out.Accepted {
		g.refuse(r, node)
		return NodeEnd, nil
	}

	st.append(out.Result)
	r.emit(out.Result)
	return RouteAgent(st), nil
}

// recommend runs the recommender with knowledge pre-fetched for the
// application under discussion.
func (g *Runnable) recommend(ctx context.Context, r *run) (Node, error) {
	st := r.state
	if st.Sender != NodeRecommender {
		st.returnTo = st.Sender
	}
	st.Sender = NodeRecommender

	set, err := g.toolset(ctx, g.cfg.Recommender, r)
	if err != nil {
		return "", err
	}
	msg, err := g.cfg.Recommender.Step(ctx, g.input(r, set, g.knowledge(ctx, r)))
	if err != nil {
		return "", err
	}
	st.append(msg)
	r.emit(msg)
	return RouteRecommender(st), nil
}

// knowledge searches workspace knowledge with the latest user message.
// Retrieval is best effort: a failure leaves the recommender without
// pre-fetched passages.
func (g *Runnable) knowledge(ctx context.Context, r *run) string {
	if g.cfg.Retriever == nil {
		return ""
	}
	text := r.state.LastUserText()
	if r.state.AppName != "" {
		text = r.state.AppName + " " + text
	}
	passages, err := g.cfg.Retriever.Search(ctx, retriever.Query{
		WorkspaceID: r.rc.WorkspaceID,
		Text:        text,
		AppName:     r.state.AppName,
		Limit:       g.cfg.KnowledgeLimit,
	})
	if err != nil {
		observability.RecordRetrieval(false)
		if !errors.Is(err, retriever.ErrEmptyQuery) {
			g.logger.Warn("knowledge prefetch failed", "error", err, "thread_id", r.rc.ThreadID)
		}
		return ""
	}
	observability.RecordRetrieval(true)
	return retriever.FormatPassages(passages)
}

// callTool executes the tool requests of the sender's last message and
// appends their results.
func (g *Runnable) callTool(ctx context.Context, r *run) (Node, error) {
	st := r.state
	msg, ok := st.last()
	if !ok || len(msg.ToolCalls) == 0 {
		return "", ErrNoToolCalls
	}
	agent, ok := g.agents[st.Sender]
	if !ok {
		return "", fmt.Errorf("%w: call_tool has no sender", ErrInvalidTransition)
	}

	set, err := g.toolset(ctx, agent, r)
	if err != nil {
		return "", err
	}
	results, err := g.cfg.Executor.ExecuteAll(ctx, set, msg.ToolCalls)
	if err != nil {
		return "", err
	}
	st.append(llm.Message{Role: llm.RoleTool, ToolResults: results})
	return RouteCallTool(st), nil
}
