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
	"time"

	"github.com/AleutianAI/AleutianAccess/services/llm"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/schema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrToolNotFound indicates the agent asked for a tool outside its toolset.
var ErrToolNotFound = errors.New("tool not found")

// ToolErrorPrefix starts the content of every tool-error result.
const ToolErrorPrefix = "error: "

// Executor runs the tool calls of an agent message.
//
// Thread Safety:
//
//	Executor is safe for concurrent use.
type Executor struct {
	logger *slog.Logger
}

// NewExecutor creates an executor. A nil logger uses slog.Default().
func NewExecutor(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger}
}

// Execute runs one tool call against set.
//
// Description:
//
//	Resolves the tool, decodes and validates the arguments, fills the
//	identity arguments from the toolset scope (overriding whatever the
//	agent supplied) and executes the tool. Every failure that the agent
//	can react to becomes a tool-error result.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	set - The toolset of the agent that made the call.
//	call - The structured tool request.
//
// Outputs:
//
//	llm.ToolCallResult - The result message content, IsError on tool errors.
//	error - Non-nil only for fatal failures (persistence, resolution).
//
// Thread Safety: This method is safe for concurrent use.
func (e *Executor) Execute(ctx context.Context, set *Toolset, call llm.ToolCall) (llm.ToolCallResult, error) {
	logger := e.logger.With("tool", call.Name, "invocation_id", call.ID)

	tool, ok := set.Get(call.Name)
	if !ok {
		logger.Warn("Tool not found", "available", set.Names())
		observability.RecordToolInvocation(call.Name, observability.ToolStatusError)
		return toolError(call, fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)), nil
	}

	args, err := call.ArgumentsMap()
	if err != nil {
		logger.Warn("Undecodable tool arguments", "error", err)
		observability.RecordToolInvocation(call.Name, observability.ToolStatusError)
		return toolError(call, domain.NewValidationError("arguments", "%v", err)), nil
	}
	scope := set.Scope()
	fillIdentity(args, scope)

	if err := schema.ValidateArgs(tool.Definition(), args); err != nil {
		logger.Warn("Parameter validation failed", "error", err)
		observability.RecordToolInvocation(call.Name, observability.ToolStatusError)
		return toolError(call, err), nil
	}

	ctx, span := otel.Tracer("tools").Start(ctx, "tools.Execute",
		trace.WithAttributes(
			attribute.String("tool", call.Name),
			attribute.String("workspace_id", scope.WorkspaceID),
			attribute.String("conversation_id", scope.ConversationID),
		),
	)
	defer span.End()

	start := time.Now()
	result, err := tool.Execute(ctx, scope, args)
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		if domain.IsFatal(err) {
			span.SetStatus(codes.Error, "fatal tool failure")
			logger.Error("Tool failed fatally", "error", err, "duration", duration)
			observability.RecordToolInvocation(call.Name, observability.ToolStatusFatal)
			return llm.ToolCallResult{}, fmt.Errorf("tool %s: %w", call.Name, err)
		}
		logger.Warn("Tool failed", "error", err, "duration", duration)
		observability.RecordToolInvocation(call.Name, observability.ToolStatusError)
		return toolError(call, err), nil
	}

	result.Duration = duration
	logger.Info("Tool executed", "duration", duration)
	observability.RecordToolInvocation(call.Name, observability.ToolStatusOK)
	return llm.ToolCallResult{ToolCallID: call.ID, Content: result.Content()}, nil
}

// ExecuteAll runs calls in order and stops at the first fatal failure.
func (e *Executor) ExecuteAll(ctx context.Context, set *Toolset, calls []llm.ToolCall) ([]llm.ToolCallResult, error) {
	results := make([]llm.ToolCallResult, 0, len(calls))
	for _, call := range calls {
		r, err := e.Execute(ctx, set, call)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

func fillIdentity(args map[string]any, scope Scope) {
	args[schema.ArgWorkspaceID] = scope.WorkspaceID
	args[schema.ArgConversationID] = scope.ConversationID
}

func toolError(call llm.ToolCall, err error) llm.ToolCallResult {
	return llm.ToolCallResult{
		ToolCallID: call.ID,
		Content:    ToolErrorPrefix + err.Error(),
		IsError:    true,
	}
}
