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
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianAccess/services/orchestrator/backends"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/retriever"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/schema"
)

// KnowledgeOutput is what retrieve_knowledge reports back.
type KnowledgeOutput struct {
	Passages []retriever.Passage `json:"passages"`
}

type retrieveKnowledge struct {
	retriever retriever.Retriever
	def       schema.Definition
}

func (t *retrieveKnowledge) Name() string                  { return t.def.Name }
func (t *retrieveKnowledge) Definition() schema.Definition { return t.def }

// Execute runs a similarity search. Without an explicit app_name the
// search is scoped to the conversation's application, when known.
func (t *retrieveKnowledge) Execute(ctx context.Context, scope Scope, args map[string]any) (*Result, error) {
	if t.retriever == nil {
		return nil, fmt.Errorf("knowledge search: %w", errNotConfigured)
	}
	appName := schema.StringArg(args, schema.ArgAppName)
	if appName == "" {
		appName = scope.AppName
	}

	passages, err := t.retriever.Search(ctx, retriever.Query{
		WorkspaceID: scope.WorkspaceID,
		Text:        schema.StringArg(args, schema.ArgQuery),
		AppName:     appName,
	})
	observability.RecordRetrieval(err == nil)
	if err != nil {
		return nil, fmt.Errorf("knowledge search: %w", err)
	}
	if passages == nil {
		passages = []retriever.Passage{}
	}
	return &Result{Output: KnowledgeOutput{Passages: passages}}, nil
}

type fetchRelevantData struct {
	directory backends.DirectoryClient
	def       schema.Definition
}

func (t *fetchRelevantData) Name() string                  { return t.def.Name }
func (t *fetchRelevantData) Definition() schema.Definition { return t.def }

// Execute reads the requester's directory profile and entitlements.
func (t *fetchRelevantData) Execute(ctx context.Context, scope Scope, args map[string]any) (*Result, error) {
	if t.directory == nil {
		return nil, fmt.Errorf("directory lookup: %w", errNotConfigured)
	}
	data, err := backends.FetchRelevantData(ctx, t.directory, backends.RelevantDataQuery{
		WorkspaceID:    scope.WorkspaceID,
		DirectoryID:    schema.StringArg(args, schema.ArgDirectory),
		RequesterEmail: schema.StringArg(args, schema.ArgUserEmail),
	})
	if err != nil {
		return nil, err
	}
	return &Result{Output: data}, nil
}

func sortedFieldNames(fields map[string]string) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
