// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guardrail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/AleutianAI/AleutianAccess/services/llm"
)

// DefaultRefusal is the canned reply for rejected turns.
const DefaultRefusal = "I can only help with requesting, reviewing or recommending access to your workspace applications."

// DefaultCheckTimeout bounds a single relevance check.
const DefaultCheckTimeout = 10 * time.Second

const relevancePromptTemplate = `You are a topic gate for an access-request assistant.

The assistant helps people request access to applications, understand which
roles or entitlements they need, and lets data owners approve or deny those
requests.{{if .AppName}} The current application is "{{.AppName}}".{{end}}

Decide whether the user's latest message belongs in that conversation.
Greetings, follow-up answers to the assistant's questions and clarifications
are on topic.

Respond with ONLY valid JSON (no markdown, no preamble):
{"valid": true|false, "reason": "brief"}`

type relevanceData struct {
	AppName string
}

type relevanceResponse struct {
	Valid  *bool  `json:"valid"`
	Reason string `json:"reason"`
}

// RelevanceChecker asks a small reasoning backend whether a user message
// is on topic.
//
// Thread Safety: safe for concurrent use.
type RelevanceChecker struct {
	client  llm.Client
	tmpl    *template.Template
	timeout time.Duration
}

// NewRelevanceChecker creates a checker backed by client.
func NewRelevanceChecker(client llm.Client) (*RelevanceChecker, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	tmpl, err := template.New("relevance").Parse(relevancePromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("compile prompt template: %w", err)
	}
	return &RelevanceChecker{client: client, tmpl: tmpl, timeout: DefaultCheckTimeout}, nil
}

// WithTimeout overrides DefaultCheckTimeout.
func (r *RelevanceChecker) WithTimeout(d time.Duration) *RelevanceChecker {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Check returns a Check for one user message.
//
// An empty message is valid: there is nothing to gate. A response that
// cannot be parsed is an error, which makes the race fail open.
func (r *RelevanceChecker) Check(message, appName string) Check {
	return func(ctx context.Context) (Verdict, error) {
		if strings.TrimSpace(message) == "" {
			return VerdictValid, nil
		}
		var buf bytes.Buffer
		if err := r.tmpl.Execute(&buf, relevanceData{AppName: appName}); err != nil {
			return VerdictUnknown, fmt.Errorf("render prompt: %w", err)
		}

		ctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		resp, err := r.client.Complete(ctx, &llm.Request{
			SystemPrompt: buf.String(),
			Messages:     []llm.Message{{Role: llm.RoleUser, Content: message}},
			Temperature:  0,
			MaxTokens:    64,
			JSONResponse: true,
		})
		if err != nil {
			return VerdictUnknown, err
		}

		var parsed relevanceResponse
		if err := llm.DecodeJSON(resp.Content, &parsed); err != nil {
			return VerdictUnknown, err
		}
		if parsed.Valid == nil {
			return VerdictUnknown, fmt.Errorf("relevance response missing \"valid\": %q", resp.Content)
		}
		if *parsed.Valid {
			return VerdictValid, nil
		}
		return VerdictInvalid, nil
	}
}
