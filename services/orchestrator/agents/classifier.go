// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/AleutianAI/AleutianAccess/services/llm"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const classificationPromptTemplate = `You classify messages sent to a workspace access-request assistant.

Decide:
1. Which application, if any, the user is talking about.
2. Whether the message is on topic: requesting, reviewing, approving, denying or asking about access.
{{if .KnownApp}}
The conversation is already about "{{.KnownApp}}". Keep it unless the user clearly names another application.
{{end}}
Respond with ONLY valid JSON (no markdown, no preamble):
{"app_name":"name or empty","on_topic":true}`

// Classification is the entry classifier's view of a turn.
type Classification struct {
	ConvType          domain.ConversationType
	AppName           string
	AppID             string
	ExtraInstructions string

	// OnTopic is false when the classifier judged the turn off topic.
	OnTopic bool
}

// ClassifyInput is what the classifier sees.
type ClassifyInput struct {
	WorkspaceID string

	// ConvType is the type of the persisted conversation.
	ConvType domain.ConversationType

	Messages []llm.Message

	// AppName and AppID carry what earlier turns resolved.
	AppName string
	AppID   string
}

type classificationResponse struct {
	AppName string `json:"app_name"`
	OnTopic *bool  `json:"on_topic"`
}

// Classifier resolves the application and conversation kind of a turn.
//
// Description:
//
//	The reasoning backend extracts the application the user names; the
//	name is then resolved through the ApplicationDirectory so the graph
//	carries the canonical name, id and business instructions. A name that
//	does not resolve is kept verbatim with an empty id, so the agents can
//	ask the user about it. The conversation kind comes from the persisted
//	conversation, not from the model.
//
// Thread Safety: safe for concurrent use.
type Classifier struct {
	client llm.Client
	apps   store.ApplicationDirectory
	tmpl   *template.Template
	logger *slog.Logger
}

// NewClassifier creates a Classifier.
func NewClassifier(client llm.Client, apps store.ApplicationDirectory, logger *slog.Logger) (*Classifier, error) {
	if client == nil || apps == nil {
		return nil, errors.New("classifier requires a client and an application directory")
	}
	tmpl, err := template.New("classify").Parse(classificationPromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("compile prompt template: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{client: client, apps: apps, tmpl: tmpl, logger: logger.With("component", "classifier")}, nil
}

// Classify classifies the turn whose latest message is the user's.
func (c *Classifier) Classify(ctx context.Context, in ClassifyInput) (*Classification, error) {
	ctx, span := otel.Tracer("agents").Start(ctx, "agents.Classifier.Classify",
		trace.WithAttributes(attribute.String("workspace_id", in.WorkspaceID)),
	)
	defer span.End()

	out := &Classification{ConvType: in.ConvType, AppName: in.AppName, AppID: in.AppID, OnTopic: true}
	if !out.ConvType.IsValid() {
		out.ConvType = domain.ConversationRecommendation
	}

	var buf bytes.Buffer
	if err := c.tmpl.Execute(&buf, struct{ KnownApp string }{in.AppName}); err != nil {
		return nil, fmt.Errorf("render classifier prompt: %w", err)
	}

	resp, err := c.client.Complete(ctx, &llm.Request{
		SystemPrompt: buf.String(),
		Messages:     lastUserMessage(in.Messages),
		Temperature:  0,
		JSONResponse: true,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classification failed")
		return nil, fmt.Errorf("classify: %w", err)
	}

	var parsed classificationResponse
	if err := llm.DecodeJSON(resp.Content, &parsed); err != nil {
		c.logger.Warn("unparseable classification, keeping prior context", "error", err)
	} else {
		if parsed.OnTopic != nil {
			out.OnTopic = *parsed.OnTopic
		}
		if name := strings.TrimSpace(parsed.AppName); name != "" && !strings.EqualFold(name, in.AppName) {
			out.AppName, out.AppID = name, ""
		}
	}

	if err := c.resolve(ctx, in.WorkspaceID, out); err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("app_name", out.AppName),
		attribute.String("conv_type", string(out.ConvType)),
		attribute.Bool("on_topic", out.OnTopic),
	)
	return out, nil
}

// resolve fills the application id and instructions, reading the
// application fresh so edited instructions apply on the next turn.
func (c *Classifier) resolve(ctx context.Context, workspaceID string, out *Classification) error {
	var (
		app *domain.Application
		err error
	)
	switch {
	case out.AppID != "":
		app, err = c.apps.GetApplication(ctx, workspaceID, out.AppID)
	case out.AppName != "":
		app, err = c.apps.ResolveApplication(ctx, workspaceID, out.AppName)
	default:
		return nil
	}
	if errors.Is(err, domain.ErrResolution) {
		c.logger.Info("application not found, leaving unresolved", "app_name", out.AppName, "workspace_id", workspaceID)
		out.AppID, out.ExtraInstructions = "", ""
		return nil
	}
	if err != nil {
		return domain.Persistence("resolve application", err)
	}
	out.AppID = app.ID
	out.AppName = app.Name
	out.ExtraInstructions = app.ExtraInstructions
	return nil
}

// lastUserMessage keeps only the newest user message; the classifier does
// not need the whole history.
func lastUserMessage(messages []llm.Message) []llm.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return []llm.Message{messages[i]}
		}
	}
	return []llm.Message{{Role: llm.RoleUser, Content: ""}}
}
