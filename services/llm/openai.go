// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// openAISecretPath is the container secret consulted when no key is set.
const openAISecretPath = "/run/secrets/openai_api_key"

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	// APIKey authenticates requests. Falls back to OPENAI_API_KEY and
	// then to the container secret file.
	APIKey string

	// Model defaults to DefaultOpenAIModel.
	Model string

	// BaseURL overrides the API endpoint (Azure, proxies, local servers).
	BaseURL string

	// RequestsPerSecond bounds outbound calls. Zero disables limiting.
	RequestsPerSecond float64

	// Burst is the limiter burst size. Default: 1.
	Burst int

	// Logger receives request diagnostics. Default: slog.Default().
	Logger *slog.Logger
}

// OpenAIClient implements Client on top of the OpenAI chat completions API.
//
// Thread Safety: safe for concurrent use.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewOpenAIClient creates an OpenAI-backed Client.
//
// Description:
//
//	Resolves the API key from the config, the OPENAI_API_KEY environment
//	variable or the container secret file, in that order.
//
// Outputs:
//
//	*OpenAIClient - Ready client
//	error - Non-nil if no API key could be found
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	apiKey, err := resolveOpenAIKey(cfg.APIKey, logger)
	if err != nil {
		return nil, err
	}

	model := cfg.Model
	if model == "" {
		model = os.Getenv("OPENAI_MODEL")
	}
	if model == "" {
		model = DefaultOpenAIModel
		logger.Warn("OPENAI_MODEL not set, using default", "model", model)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	c := &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		logger: logger.With("llm", "openai"),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	logger.Info("Initializing OpenAI client", "model", model)
	return c, nil
}

func resolveOpenAIKey(explicit string, logger *slog.Logger) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return key, nil
	}
	data, err := os.ReadFile(openAISecretPath)
	if err == nil {
		logger.Info("Read the OpenAI API key from the secret file")
		return strings.TrimSpace(string(data)), nil
	}
	logger.Error("OPENAI_API_KEY not set and secret not found", "path", openAISecretPath)
	return "", fmt.Errorf("%w: OPENAI_API_KEY not set", ErrLLMUnavailable)
}

// Complete implements Client.
func (c *OpenAIClient) Complete(ctx context.Context, request *Request) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req := c.buildRequest(request)
	start := time.Now()

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Error("OpenAI API call failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	choice := resp.Choices[0]
	out := &Response{
		Content:      choice.Message.Content,
		StopReason:   string(choice.FinishReason),
		TokensUsed:   resp.Usage.TotalTokens,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Duration:     time.Since(start),
		Model:        resp.Model,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	c.logger.Debug("Received response from OpenAI",
		"finish_reason", choice.FinishReason,
		"tool_calls", len(out.ToolCalls),
		"tokens", out.TokensUsed)
	return out, nil
}

func (c *OpenAIClient) buildRequest(request *Request) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: float32(request.Temperature),
	}
	if request.MaxTokens > 0 {
		req.MaxCompletionTokens = request.MaxTokens
	}
	if request.JSONResponse {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	if request.SystemPrompt != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: request.SystemPrompt,
		})
	}
	for _, msg := range request.Messages {
		req.Messages = append(req.Messages, toOpenAIMessages(msg)...)
	}

	for _, tool := range request.Tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	if len(req.Tools) > 0 && request.ToolChoice != nil {
		req.ToolChoice = toOpenAIToolChoice(request.ToolChoice)
	}
	return req
}

// toOpenAIMessages maps one Message onto the OpenAI wire format. Tool
// messages fan out into one message per result.
func toOpenAIMessages(msg Message) []openai.ChatCompletionMessage {
	switch msg.Role {
	case RoleTool:
		out := make([]openai.ChatCompletionMessage, 0, len(msg.ToolResults))
		for _, r := range msg.ToolResults {
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    r.Content,
				ToolCallID: r.ToolCallID,
			})
		}
		return out
	case RoleAssistant:
		m := openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: msg.Content,
			Name:    msg.Name,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return []openai.ChatCompletionMessage{m}
	case RoleSystem:
		return []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: msg.Content}}
	default:
		return []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: msg.Content}}
	}
}

func toOpenAIToolChoice(choice *ToolChoice) any {
	switch choice.Type {
	case "none":
		return "none"
	case "any":
		return "required"
	case "tool":
		return openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: choice.Name},
		}
	default:
		return "auto"
	}
}

// Name implements Client.
func (c *OpenAIClient) Name() string {
	return "openai"
}

// Model implements Client.
func (c *OpenAIClient) Model() string {
	return c.model
}

var _ Client = (*OpenAIClient)(nil)
