// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package schema

import (
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
)

// Tool names of the access catalog.
const (
	ToolRequestAccess     = "request_access"
	ToolApproveAccess     = "approve_access"
	ToolDenyAccess        = "deny_access"
	ToolRetrieveKnowledge = "retrieve_knowledge"
	ToolFetchRelevantData = "fetch_relevant_data"
)

// Argument names shared by several tools.
const (
	ArgConversationSummary = "conv_summary"
	ArgConversationID      = "conversation_id"
	ArgUserEmail           = "user_email"
	ArgWorkspaceID         = "workspace_id"
	ArgAppName             = "app_name"
	ArgDirectory           = "directory"
	ArgReason              = "reason"
	ArgQuery               = "query"
)

func requiredString(description string) ParamDef {
	return ParamDef{Type: ParamTypeString, Description: description, Required: true}
}

func optionalString(description string) ParamDef {
	return ParamDef{Type: ParamTypeString, Description: description}
}

// identityParams are filled from the turn scope when the agent omits them.
func identityParams() map[string]ParamDef {
	return map[string]ParamDef{
		ArgConversationID: requiredString("Id of the current conversation."),
		ArgWorkspaceID:    requiredString("Id of the workspace the conversation belongs to."),
	}
}

// IdentityArgs lists the arguments the tool layer fills from the turn
// scope and refuses to let the agent override.
func IdentityArgs() []string {
	return []string{ArgConversationID, ArgWorkspaceID}
}

// RequestAccessDefinition is request_access extended with provision.
func RequestAccessDefinition(provision map[string]domain.ProvisionField) Definition {
	base := identityParams()
	base[ArgConversationSummary] = requiredString("Summary of the conversation so far: who needs what and why.")
	base[ArgUserEmail] = requiredString("Email address of the requester.")
	base[ArgAppName] = requiredString("Name of the application access is requested for.")
	base[ArgDirectory] = requiredString("Name or id of the directory the requester belongs to.")
	return Definition{
		Name: ToolRequestAccess,
		Description: "Submit an access request once every required detail is known. " +
			"Workspace rules may approve it immediately; otherwise it is forwarded to the data owner.",
		Parameters:  BuildToolSchema(base, provision),
		SideEffects: true,
	}
}

// ApproveAccessDefinition is approve_access extended with provision.
func ApproveAccessDefinition(provision map[string]domain.ProvisionField) Definition {
	base := identityParams()
	base[ArgReason] = optionalString("Why the data owner approves the request.")
	return Definition{
		Name:        ToolApproveAccess,
		Description: "Approve the pending access request and provision the requester.",
		Parameters:  BuildToolSchema(base, provision),
		SideEffects: true,
	}
}

// DenyAccessDefinition is deny_access.
func DenyAccessDefinition() Definition {
	base := identityParams()
	base[ArgReason] = requiredString("Why the request is denied, shown to the requester.")
	return Definition{
		Name:        ToolDenyAccess,
		Description: "Deny the pending access request.",
		Parameters:  base,
		SideEffects: true,
	}
}

// RetrieveKnowledgeDefinition is retrieve_knowledge.
func RetrieveKnowledgeDefinition() Definition {
	return Definition{
		Name:        ToolRetrieveKnowledge,
		Description: "Search the workspace knowledge base for documentation about applications, roles and entitlements.",
		Parameters: map[string]ParamDef{
			ArgQuery:   requiredString("What to search for."),
			ArgAppName: optionalString("Restrict results to this application."),
		},
	}
}

// FetchRelevantDataDefinition is fetch_relevant_data.
func FetchRelevantDataDefinition() Definition {
	return Definition{
		Name:        ToolFetchRelevantData,
		Description: "Look up the requester's directory profile, groups and current entitlements.",
		Parameters: map[string]ParamDef{
			ArgUserEmail: requiredString("Email address of the requester."),
			ArgDirectory: optionalString("Directory id to search. Omit to search every directory."),
		},
	}
}
