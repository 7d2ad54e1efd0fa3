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
	"log/slog"

	"github.com/AleutianAI/AleutianAccess/services/llm"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/schema"
)

const sharedContext = `{{if .AppName}}
The conversation is about the application "{{.AppName}}".{{end}}{{if .ExtraInstructions}}
Application instructions:
{{.ExtraInstructions}}{{end}}{{if .Knowledge}}
Relevant knowledge:
{{.Knowledge}}{{end}}`

// InformationPrompt drives the requester-facing agent.
const InformationPrompt = `You help an employee request access to a workspace application.
Find out which application and which role they need, and why.
When you know what they need but not which role fits, say that you are
handing over to the {{.Recommender}} so it can recommend entitlements.
When every detail is known, call request_access.
Never promise that access will be granted.` + sharedContext

// DataOwnerPrompt drives the agent that talks to a data owner.
const DataOwnerPrompt = `You assist the data owner of an application in reviewing an access request.
The first system message summarizes the request.
Answer the owner's questions, using fetch_relevant_data to look up the requester.
Call approve_access or deny_access once the owner has decided.
Ask the {{.Recommender}} when the owner wants a recommendation.` + sharedContext

// RecommenderPrompt drives the entitlement recommender.
const RecommenderPrompt = `You recommend the entitlements a requester needs for an application.
Ground every recommendation in the knowledge below or in retrieve_knowledge
results, and name the application and role in your answer.
Keep the recommendation short.` + sharedContext

// Tool sets per role.
var (
	InformationTools = []string{schema.ToolRequestAccess, schema.ToolRetrieveKnowledge}
	DataOwnerTools   = []string{schema.ToolApproveAccess, schema.ToolDenyAccess, schema.ToolFetchRelevantData, schema.ToolRetrieveKnowledge}
	RecommenderTools = []string{schema.ToolRetrieveKnowledge}
)

// NewInformationAgent creates the information gatherer.
func NewInformationAgent(client llm.Client, logger *slog.Logger) (*ReasoningAgent, error) {
	return NewReasoningAgent(RoleInformation, client, InformationPrompt, InformationTools, logger)
}

// NewDataOwnerAgent creates the data-owner agent.
func NewDataOwnerAgent(client llm.Client, logger *slog.Logger) (*ReasoningAgent, error) {
	return NewReasoningAgent(RoleDataOwner, client, DataOwnerPrompt, DataOwnerTools, logger)
}

// NewRecommender creates the recommender.
func NewRecommender(client llm.Client, logger *slog.Logger) (*ReasoningAgent, error) {
	return NewReasoningAgent(RoleRecommender, client, RecommenderPrompt, RecommenderTools, logger)
}
