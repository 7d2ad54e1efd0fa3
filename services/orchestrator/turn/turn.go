// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package turn is the host of the conversation graph: it maps one user
// utterance to one graph traversal and persists the exchange.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianAccess/pkg/validation"
	"github.com/AleutianAI/AleutianAccess/services/llm"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/checkpoint"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/graph"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/store"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxTextLength bounds one user utterance.
const MaxTextLength = 8000

var (
	// ErrNoReply indicates a traversal ended without an assistant reply.
	ErrNoReply = errors.New("turn produced no reply")

	// ErrNotCommitted indicates an Invoker returned without calling
	// RunConfig.Commit.
	ErrNotCommitted = errors.New("turn was not committed")
)

// Request is one user utterance.
type Request struct {
	WorkspaceID    string `json:"workspace_id" validate:"required"`
	ConversationID string `json:"conversation_id" validate:"required"`

	// ThreadID is the checkpoint thread. Default ConversationID.
	ThreadID string `json:"thread_id,omitempty"`

	Text string `json:"text" validate:"required,max=8000"`

	// Transport labels metrics. Default observability.TransportJSON.
	Transport observability.Transport `json:"-"`
}

// Result is the outcome of a turn.
type Result struct {
	// Message is the persisted assistant reply.
	Message *domain.ChatMessage `json:"message"`

	// Agent is the agent that produced the reply.
	Agent string `json:"agent"`

	// Rejected is true when the turn was refused as off topic.
	Rejected bool `json:"rejected"`

	// Conversation is the conversation after the turn.
	Conversation *domain.Conversation `json:"conversation"`
}

// Invoker runs one graph traversal. *graph.Runnable implements it.
type Invoker interface {
	Invoke(ctx context.Context, input graph.State, rc graph.RunConfig) (*graph.State, error)
}

// Config are the collaborators of a Service.
type Config struct {
	Graph         Invoker
	Conversations store.ConversationStore
	Messages      store.MessageStore
	Checkpointer  checkpoint.Checkpointer

	// Writer commits a finished turn. Default a store.SequentialTurnWriter
	// over Messages and Checkpointer.
	Writer store.TurnWriter

	// Timeout bounds one turn. Zero means no bound.
	Timeout time.Duration

	Logger *slog.Logger
}

// Service submits turns.
//
// # Description
//
// Turns on the same (workspace, thread) are serialized; turns on
// different threads run concurrently. A conversation that does not exist
// yet is created on its first turn as an active recommendation. When a
// thread has no checkpoint, the graph is seeded with the conversation's
// persisted chat history, which is how a data-owner conversation starts
// from the system message request_access wrote.
//
// The human message, the assistant reply and the thread's checkpoint are
// committed together after the traversal succeeds, so a failed turn can be
// re-submitted without duplicating the log or the checkpointed state.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	cfg      Config
	locks    *threadLocks
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService validates cfg and creates a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Graph == nil || cfg.Conversations == nil || cfg.Messages == nil || cfg.Checkpointer == nil {
		return nil, errors.New("turn service requires a graph, conversation and message stores, and a checkpointer")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Writer == nil {
		cfg.Writer = store.NewSequentialTurnWriter(cfg.Messages, cfg.Checkpointer)
	}
	return &Service{
		cfg:      cfg,
		locks:    newThreadLocks(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   cfg.Logger.With("component", "turn"),
	}, nil
}

// SubmitTurn runs a turn and returns the assistant reply.
func (s *Service) SubmitTurn(ctx context.Context, req Request) (*Result, error) {
	return s.StreamTurn(ctx, req, nil)
}

// StreamTurn runs a turn, emitting agent-tagged events as the graph
// produces output.
//
// # Inputs
//
//   - ctx: Cancelling it aborts the turn; nothing is persisted.
//   - req: The utterance.
//   - emit: Receives one Event per uninterrupted run of an agent. An emit
//     error (a gone client) stops emission but the turn still completes
//     and is persisted. nil discards events.
//
// # Outputs
//
//   - *Result: The persisted reply.
//   - error: Validation, resolution and persistence failures, matching
//     the domain sentinels.
func (s *Service) StreamTurn(ctx context.Context, req Request, emit EmitFunc) (*Result, error) {
	if err := s.check(&req); err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("turn").Start(ctx, "turn.StreamTurn",
		trace.WithAttributes(
			attribute.String("workspace_id", req.WorkspaceID),
			attribute.String("conversation_id", req.ConversationID),
			attribute.String("thread_id", req.ThreadID),
			attribute.String("transport", string(req.Transport)),
		),
	)
	defer span.End()

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := s.run(ctx, req, emit)
	observability.RecordTurn(req.Transport, err == nil, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		s.logger.Error("turn failed",
			"workspace_id", req.WorkspaceID,
			"thread_id", req.ThreadID,
			"error", err,
		)
		return nil, err
	}
	span.SetAttributes(attribute.String("agent", res.Agent), attribute.Bool("rejected", res.Rejected))
	return res, nil
}

func (s *Service) check(req *Request) error {
	if req.ThreadID == "" {
		req.ThreadID = req.ConversationID
	}
	if req.Transport == "" {
		req.Transport = observability.TransportJSON
	}
	if err := s.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return domain.NewValidationError(fe.Field(), "failed %q check", fe.Tag())
		}
		return domain.NewValidationError("request", "%v", err)
	}
	if err := validation.ValidateIdentifiers(map[string]string{
		"workspace_id":    req.WorkspaceID,
		"conversation_id": req.ConversationID,
		"thread_id":       req.ThreadID,
	}); err != nil {
		return domain.NewValidationError("request", "%v", err)
	}
	return nil
}

func (s *Service) run(ctx context.Context, req Request, emit EmitFunc) (*Result, error) {
	release, err := s.locks.acquire(ctx, req.WorkspaceID+"/"+req.ThreadID)
	if err != nil {
		return nil, err
	}
	defer release()

	conv, err := s.ensureConversation(ctx, req.WorkspaceID, req.ConversationID)
	if err != nil {
		return nil, err
	}

	input, err := s.input(ctx, req, conv)
	if err != nil {
		return nil, err
	}

	var reply *domain.ChatMessage
	commit := func(ctx context.Context, st *graph.State, parent uint64) error {
		final, ok := st.FinalMessage()
		if !ok {
			return ErrNoReply
		}
		var err error
		reply, err = s.cfg.Writer.CommitTurn(ctx, store.TurnRecord{
			WorkspaceID:    req.WorkspaceID,
			ThreadID:       req.ThreadID,
			ConversationID: req.ConversationID,
			HumanText:      req.Text,
			Reply:          final.Content,
			Snapshot:       st.ToSnapshot(),
			Parent:         parent,
		})
		return err
	}

	acc := NewAccumulator(emit)
	st, err := s.cfg.Graph.Invoke(ctx, input, graph.RunConfig{
		WorkspaceID:    req.WorkspaceID,
		ThreadID:       req.ThreadID,
		ConversationID: req.ConversationID,
		OnMessage:      acc.Add,
		Commit:         commit,
	})
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, ErrNotCommitted
	}
	acc.Flush()
	if err := acc.Err(); err != nil {
		observability.RecordClientDisconnect(req.Transport)
		s.logger.Warn("stream consumer went away, turn already persisted",
			"thread_id", req.ThreadID, "error", err)
	}
	final, _ := st.FinalMessage()

	// Tools may have moved the conversation on during the turn.
	conv, err = s.cfg.Conversations.Get(ctx, req.WorkspaceID, req.ConversationID)
	if err != nil {
		return nil, domain.Persistence("reload conversation", err)
	}

	s.logger.Info("turn complete",
		"workspace_id", req.WorkspaceID,
		"thread_id", req.ThreadID,
		"agent", final.Name,
		"status", conv.Status,
		"rejected", st.Rejected,
	)
	return &Result{Message: reply, Agent: final.Name, Rejected: st.Rejected, Conversation: conv}, nil
}

// ensureConversation loads the conversation, creating it on first use.
func (s *Service) ensureConversation(ctx context.Context, workspaceID, conversationID string) (*domain.Conversation, error) {
	conv, err := s.cfg.Conversations.Get(ctx, workspaceID, conversationID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Persistence("load conversation", err)
	}

	conv = &domain.Conversation{
		ID:          conversationID,
		WorkspaceID: workspaceID,
		Type:        domain.ConversationRecommendation,
		Status:      domain.StatusActive,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.cfg.Conversations.Insert(ctx, conv); err != nil {
		// Another thread of the same conversation may have won the insert.
		if existing, getErr := s.cfg.Conversations.Get(ctx, workspaceID, conversationID); getErr == nil {
			return existing, nil
		}
		return nil, err
	}
	s.logger.Info("conversation created", "workspace_id", workspaceID, "conversation_id", conversationID)
	return conv, nil
}

// input builds the graph input: the new user message, preceded by the
// persisted history when the thread has never been checkpointed.
func (s *Service) input(ctx context.Context, req Request, conv *domain.Conversation) (graph.State, error) {
	in := graph.State{ConvType: conv.Type}
	latest, err := s.cfg.Checkpointer.GetLatest(ctx, req.WorkspaceID, req.ThreadID)
	if err != nil {
		return in, domain.Persistence("load checkpoint", err)
	}
	if latest == nil {
		history, err := s.cfg.Messages.List(ctx, req.ConversationID)
		if err != nil {
			return in, domain.Persistence("list messages", err)
		}
		in.Messages = s.toLLMMessages(history)
		in.AppID = conv.Context[domain.ContextApplicationID]
		in.AppName = conv.Context[domain.ContextAppName]
	}
	in.Messages = append(in.Messages, llm.Message{Role: llm.RoleUser, Content: req.Text})
	return in, nil
}

// toLLMMessages converts persisted chat messages into graph messages.
func (s *Service) toLLMMessages(history []domain.ChatMessage) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case domain.RoleHuman:
			out = append(out, llm.Message{Role: llm.RoleUser, Content: m.Content})
		case domain.RoleAI:
			out = append(out, llm.Message{Role: llm.RoleAssistant, Content: m.Content})
		case domain.RoleSystem:
			out = append(out, llm.Message{Role: llm.RoleSystem, Content: m.Content})
		default:
			s.logger.Warn("skipping chat message with unknown role", "role", m.Role, "id", m.ID)
		}
	}
	return out
}

// History returns the persisted chat log of a conversation.
func (s *Service) History(ctx context.Context, workspaceID, conversationID string) ([]domain.ChatMessage, error) {
	if _, err := s.cfg.Conversations.Get(ctx, workspaceID, conversationID); err != nil {
		return nil, err
	}
	msgs, err := s.cfg.Messages.List(ctx, conversationID)
	if err != nil {
		return nil, domain.Persistence("list messages", err)
	}
	return msgs, nil
}

// Conversation returns a conversation of the workspace.
func (s *Service) Conversation(ctx context.Context, workspaceID, conversationID string) (*domain.Conversation, error) {
	conv, err := s.cfg.Conversations.Get(ctx, workspaceID, conversationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, domain.Persistence("load conversation", err)
	}
	return conv, nil
}
