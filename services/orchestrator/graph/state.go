// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"errors"

	"github.com/AleutianAI/AleutianAccess/services/llm"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/agents"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/checkpoint"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
)

// Sentinel errors for graph execution.
var (
	// ErrInvalidTransition indicates a routing decision outside the
	// transition table.
	ErrInvalidTransition = errors.New("invalid graph transition")

	// ErrStepLimit indicates a traversal ran more node steps than allowed.
	ErrStepLimit = errors.New("graph step limit exceeded")

	// ErrNoToolCalls indicates call_tool ran without a pending tool request.
	ErrNoToolCalls = errors.New("no pending tool calls")

	// ErrInvalidConfig indicates Compile was given incomplete collaborators.
	ErrInvalidConfig = errors.New("invalid graph config")
)

// Node names a vertex of the conversation graph.
type Node string

const (
	NodeEntry       Node = "entry_point"
	NodeInformation Node = Node(agents.RoleInformation)
	NodeDataOwner   Node = Node(agents.RoleDataOwner)
	NodeRecommender Node = Node(agents.RoleRecommender)
	NodeCallTool    Node = "call_tool"
	NodeEnd         Node = "end"
)

// String returns the node name.
func (n Node) String() string {
	return string(n)
}

// AllNodes returns every node.
func AllNodes() []Node {
	return []Node{NodeEntry, NodeInformation, NodeDataOwner, NodeRecommender, NodeCallTool, NodeEnd}
}

// ParseNode converts a stored routing token back into a Node.
func ParseNode(s string) (Node, bool) {
	for _, n := range AllNodes() {
		if string(n) == s {
			return n, true
		}
	}
	return "", false
}

// isAgent reports whether n runs a role agent.
func (n Node) isAgent() bool {
	return n == NodeInformation || n == NodeDataOwner || n == NodeRecommender
}

// State is the graph state of one conversation thread.
//
// Messages only ever grow during a traversal. Sender names the agent node
// that acted last; call_tool returns control to it.
type State struct {
	Messages          []llm.Message
	Sender            Node
	ConvType          domain.ConversationType
	AppID             string
	AppName           string
	ExtraInstructions string

	// Rejected is set when the turn was refused. Not checkpointed.
	Rejected bool

	// returnTo is where the recommender hands control back to.
	returnTo Node

	// guarded is set once the guardrail has raced an agent step this turn.
	guarded bool
}

// append adds messages to the end of the log.
func (s *State) append(msgs ...llm.Message) {
	s.Messages = append(s.Messages, msgs...)
}

// last returns the newest message.
func (s *State) last() (llm.Message, bool) {
	if len(s.Messages) == 0 {
		return llm.Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// LastUserText returns the content of the newest user message.
func (s *State) LastUserText() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == llm.RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// FinalMessage returns the trailing assistant reply: the newest assistant
// message that carries content and no tool requests.
func (s *State) FinalMessage() (llm.Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		m := s.Messages[i]
		if m.Role == llm.RoleAssistant && len(m.ToolCalls) == 0 && m.Content != "" {
			return m, true
		}
	}
	return llm.Message{}, false
}

// resetTurn clears the per-turn fields before a traversal.
func (s *State) resetTurn() {
	s.Rejected = false
	s.guarded = false
	s.returnTo = ""
}

// ToSnapshot converts the state into its checkpoint form.
func (s *State) ToSnapshot() checkpoint.StateSnapshot {
	return checkpoint.StateSnapshot{
		Version:           checkpoint.SnapshotVersion,
		Messages:          append([]llm.Message(nil), s.Messages...),
		Sender:            string(s.Sender),
		Next:              string(NodeEntry),
		ConvType:          string(s.ConvType),
		AppID:             s.AppID,
		AppName:           s.AppName,
		ExtraInstructions: s.ExtraInstructions,
	}
}

// FromSnapshot restores a state from a checkpoint. Unknown sender tokens
// from a newer build are dropped rather than trusted.
func FromSnapshot(snap checkpoint.StateSnapshot) State {
	st := State{
		Messages:          append([]llm.Message(nil), snap.Messages...),
		ConvType:          domain.ConversationType(snap.ConvType),
		AppID:             snap.AppID,
		AppName:           snap.AppName,
		ExtraInstructions: snap.ExtraInstructions,
	}
	if n, ok := ParseNode(snap.Sender); ok {
		st.Sender = n
	}
	return st
}
