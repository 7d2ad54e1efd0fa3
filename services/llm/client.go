// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm defines the reasoning backend contract used by the access
// agents: given a system prompt, a message history and a set of tools, a
// Client returns content and optionally structured tool requests.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message roles understood by every Client.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ErrLLMUnavailable indicates the backend could not be reached.
var ErrLLMUnavailable = errors.New("LLM unavailable")

// ErrEmptyResponse indicates the backend returned no choices.
var ErrEmptyResponse = errors.New("LLM returned no choices")

// Client defines the interface for LLM providers.
//
// Implementations must be safe for concurrent use and must honor context
// cancellation, since guardrail rejection cancels in-flight completions.
type Client interface {
	// Complete sends a request and returns the response.
	//
	// Inputs:
	//   ctx - Context for cancellation
	//   request - The completion request
	//
	// Outputs:
	//   *Response - The LLM response
	//   error - Non-nil if the request failed
	Complete(ctx context.Context, request *Request) (*Response, error)

	// Name returns the provider name.
	Name() string

	// Model returns the model being used.
	Model() string
}

// ToolChoice controls how the model should use tools.
type ToolChoice struct {
	// Type is "auto", "any", "tool" or "none".
	Type string `json:"type"`

	// Name is the specific tool name when Type is "tool".
	Name string `json:"name,omitempty"`
}

// ToolChoiceAuto lets the model decide whether to use tools.
func ToolChoiceAuto() *ToolChoice {
	return &ToolChoice{Type: "auto"}
}

// ToolChoiceRequired forces the model to call the named tool.
func ToolChoiceRequired(toolName string) *ToolChoice {
	return &ToolChoice{Type: "tool", Name: toolName}
}

// ToolChoiceNone prevents tool usage.
func ToolChoiceNone() *ToolChoice {
	return &ToolChoice{Type: "none"}
}

// ToolDefinition is the function-calling view of a tool.
type ToolDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	// Parameters is a JSON Schema object.
	Parameters map[string]any `json:"parameters"`
}

// Request represents a completion request.
type Request struct {
	// SystemPrompt is the system message.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Messages is the conversation history.
	Messages []Message `json:"messages"`

	// Tools are the available tool definitions.
	Tools []ToolDefinition `json:"tools,omitempty"`

	// ToolChoice controls tool usage.
	ToolChoice *ToolChoice `json:"tool_choice,omitempty"`

	// MaxTokens limits response length.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0-1.0).
	Temperature float64 `json:"temperature,omitempty"`

	// JSONResponse asks the backend for a JSON object response.
	JSONResponse bool `json:"json_response,omitempty"`
}

// Message represents a conversation message.
type Message struct {
	// Role is "system", "user", "assistant" or "tool".
	Role string `json:"role"`

	// Name optionally attributes the message to an agent.
	Name string `json:"name,omitempty"`

	// Content is the message text.
	Content string `json:"content"`

	// ToolCalls are tool invocations requested by an assistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolResults are tool outputs carried by a tool message.
	ToolResults []ToolCallResult `json:"tool_results,omitempty"`
}

// ToolCall represents a tool invocation request from the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call.
	ID string `json:"id"`

	// Name is the tool name.
	Name string `json:"name"`

	// Arguments is the JSON-encoded arguments.
	Arguments string `json:"arguments"`
}

// ArgumentsMap decodes Arguments into a map. Empty and null arguments
// decode to an empty, writable map.
func (tc ToolCall) ArgumentsMap() (map[string]any, error) {
	var args map[string]any
	if strings.TrimSpace(tc.Arguments) != "" {
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			return nil, fmt.Errorf("decode arguments of %s: %w", tc.Name, err)
		}
	}
	if args == nil {
		args = make(map[string]any)
	}
	return args, nil
}

// ToolCallResult carries the output of one tool call.
type ToolCallResult struct {
	// ToolCallID matches the ToolCall.ID.
	ToolCallID string `json:"tool_call_id"`

	// Content is the tool output.
	Content string `json:"content"`

	// IsError indicates the tool failed.
	IsError bool `json:"is_error,omitempty"`
}

// Response represents a completion response.
type Response struct {
	// Content is the text response.
	Content string `json:"content"`

	// ToolCalls are tool invocations requested by the LLM.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// StopReason indicates why generation stopped.
	StopReason string `json:"stop_reason"`

	// TokensUsed is the total tokens consumed.
	TokensUsed int `json:"tokens_used"`

	// InputTokens is the number of input tokens.
	InputTokens int `json:"input_tokens"`

	// OutputTokens is the number of output tokens.
	OutputTokens int `json:"output_tokens"`

	// Duration is how long the request took.
	Duration time.Duration `json:"duration"`

	// Model is the model that generated the response.
	Model string `json:"model,omitempty"`
}

// HasToolCalls returns true if the response contains tool calls.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}
