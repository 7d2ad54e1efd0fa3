// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/AleutianAI/AleutianAccess/services/llm"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/backends"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/schema"
)

// DefaultMaxRounds bounds how many tool round-trips an adjudication may take.
const DefaultMaxRounds = 3

// Rationales used when the model output cannot be trusted.
const (
	RationaleUnparseable   = "adjudication response could not be parsed"
	RationaleRoundLimit    = "adjudication did not conclude"
	RationaleNoApproveRule = "no approval rule applies"
)

const adjudicationPromptTemplate = `You decide whether an access request can be approved automatically.

Approve only when the request satisfies at least one approval rule and no denial rule.
When in doubt, deny.

Approval rules:
{{if .ApproveRules}}{{.ApproveRules}}{{else}}(none){{end}}

Denial rules:
{{if .DenyRules}}{{.DenyRules}}{{else}}(none){{end}}

Request:
- Application: {{.AppName}}
- Requester: {{.RequesterEmail}}
- Directory: {{.DirectoryID}}
- Summary: {{.Summary}}
{{range .Fields}}- {{.Name}}: {{.Value}}
{{end}}
{{- if .CanFetch}}
Call fetch_relevant_data first when a rule depends on who the requester is.
{{end}}
Respond with ONLY valid JSON (no markdown, no preamble):
{"verdict":"approve|deny","cited_rules":["text of each rule relied on"],"rationale":"brief"}`

type promptField struct {
	Name  string
	Value string
}

type promptData struct {
	ApproveRules   string
	DenyRules      string
	AppName        string
	RequesterEmail string
	DirectoryID    string
	Summary        string
	Fields         []promptField
	CanFetch       bool
}

// LLMAdjudicator asks a reasoning backend for a verdict.
//
// Description:
//
//	The backend sees the rendered rules and the request and may call
//	fetch_relevant_data to read the requester's directory profile. Its
//	response is parsed as {"verdict","cited_rules","rationale"}. Output that
//	cannot be parsed, an unknown verdict, a run that does not conclude
//	within MaxRounds, or an approval when no approval rule applies all
//	become a deny.
//
// Thread Safety: safe for concurrent use.
type LLMAdjudicator struct {
	client    llm.Client
	directory backends.DirectoryClient
	tmpl      *template.Template
	maxRounds int
	logger    *slog.Logger
}

// NewLLMAdjudicator creates an adjudicator. directory may be nil, in
// which case fetch_relevant_data is not offered.
func NewLLMAdjudicator(client llm.Client, directory backends.DirectoryClient, logger *slog.Logger) (*LLMAdjudicator, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	tmpl, err := template.New("adjudicate").Parse(adjudicationPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("compile prompt template: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMAdjudicator{
		client:    client,
		directory: directory,
		tmpl:      tmpl,
		maxRounds: DefaultMaxRounds,
		logger:    logger.With("component", "adjudicator"),
	}, nil
}

// WithMaxRounds overrides DefaultMaxRounds.
func (a *LLMAdjudicator) WithMaxRounds(n int) *LLMAdjudicator {
	if n > 0 {
		a.maxRounds = n
	}
	return a
}

type adjudicationResponse struct {
	Verdict    string   `json:"verdict"`
	CitedRules []string `json:"cited_rules"`
	Rationale  string   `json:"rationale"`
}

// Adjudicate implements Adjudicator.
func (a *LLMAdjudicator) Adjudicate(ctx context.Context, req Request, sel *Selection) (*Verdict, error) {
	prompt, err := a.buildPrompt(req, sel)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	fetchDef := schema.FetchRelevantDataDefinition()
	var toolDefs []llm.ToolDefinition
	if a.directory != nil {
		toolDefs = []llm.ToolDefinition{fetchDef.ToLLM()}
	}

	messages := []llm.Message{{Role: llm.RoleUser, Content: "Decide this access request."}}
	for round := 0; round < a.maxRounds; round++ {
		resp, err := a.client.Complete(ctx, &llm.Request{
			SystemPrompt: prompt,
			Messages:     messages,
			Tools:        toolDefs,
			Temperature:  0,
		})
		if err != nil {
			return nil, fmt.Errorf("llm call: %w", err)
		}

		if !resp.HasToolCalls() {
			return a.parseVerdict(resp.Content, sel), nil
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		results := make([]llm.ToolCallResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			results = append(results, a.runTool(ctx, req, fetchDef, call))
		}
		messages = append(messages, llm.Message{Role: llm.RoleTool, ToolResults: results})
	}

	a.logger.Warn("adjudication exceeded round limit, denying", "max_rounds", a.maxRounds)
	return &Verdict{Decision: domain.VerdictDeny, Rationale: RationaleRoundLimit}, nil
}

func (a *LLMAdjudicator) runTool(ctx context.Context, req Request, def schema.Definition, call llm.ToolCall) llm.ToolCallResult {
	fail := func(err error) llm.ToolCallResult {
		return llm.ToolCallResult{ToolCallID: call.ID, Content: "error: " + err.Error(), IsError: true}
	}
	if call.Name != def.Name || a.directory == nil {
		return fail(fmt.Errorf("unknown tool %q", call.Name))
	}
	args, err := call.ArgumentsMap()
	if err != nil {
		return fail(domain.NewValidationError("arguments", "%v", err))
	}
	if err := schema.ValidateArgs(def, args); err != nil {
		return fail(err)
	}
	directoryID := schema.StringArg(args, schema.ArgDirectory)
	if directoryID == "" {
		directoryID = req.DirectoryID
	}
	data, err := backends.FetchRelevantData(ctx, a.directory, backends.RelevantDataQuery{
		WorkspaceID:    req.WorkspaceID,
		DirectoryID:    directoryID,
		RequesterEmail: schema.StringArg(args, schema.ArgUserEmail),
	})
	if err != nil {
		return fail(err)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fail(err)
	}
	return llm.ToolCallResult{ToolCallID: call.ID, Content: string(raw)}
}

func (a *LLMAdjudicator) parseVerdict(content string, sel *Selection) *Verdict {
	var parsed adjudicationResponse
	if err := llm.DecodeJSON(content, &parsed); err != nil {
		a.logger.Warn("unparseable adjudication, denying", "error", err)
		return &Verdict{Decision: domain.VerdictDeny, Rationale: RationaleUnparseable}
	}
	decision := domain.RuleVerdict(strings.ToLower(strings.TrimSpace(parsed.Verdict)))
	if !decision.IsValid() {
		a.logger.Warn("unknown adjudication verdict, denying", "verdict", parsed.Verdict)
		return &Verdict{Decision: domain.VerdictDeny, Rationale: RationaleUnparseable}
	}
	if decision == domain.VerdictApprove && len(sel.Approve) == 0 {
		return &Verdict{Decision: domain.VerdictDeny, CitedRules: parsed.CitedRules, Rationale: RationaleNoApproveRule}
	}
	return &Verdict{Decision: decision, CitedRules: parsed.CitedRules, Rationale: parsed.Rationale}
}

func (a *LLMAdjudicator) buildPrompt(req Request, sel *Selection) (string, error) {
	data := promptData{
		ApproveRules:   Render(sel.Approve),
		DenyRules:      Render(sel.Deny),
		AppName:        req.AppName,
		RequesterEmail: req.RequesterEmail,
		DirectoryID:    req.DirectoryID,
		Summary:        req.Summary,
		CanFetch:       a.directory != nil,
	}
	for _, name := range sortedKeys(req.Fields) {
		data.Fields = append(data.Fields, promptField{Name: name, Value: req.Fields[name]})
	}
	var buf bytes.Buffer
	if err := a.tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var _ Adjudicator = (*LLMAdjudicator)(nil)
