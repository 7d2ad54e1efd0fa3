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
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianAccess/services/llm"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/agents"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
)

// StateMachine holds the valid node transitions of the conversation graph.
//
// The transition graph:
//
//	entry_point       → information_agent : recommendation conversation
//	entry_point       → data_owner_agent  : data_owner conversation
//	entry_point       → end               : turn refused
//	information_agent → call_tool         : tool requested
//	information_agent → recommender_agent : hand-off named
//	information_agent → end               : final reply
//	data_owner_agent  → (same as information_agent)
//	recommender_agent → call_tool         : tool requested
//	recommender_agent → information_agent : back to the caller
//	recommender_agent → data_owner_agent  : back to the caller
//	recommender_agent → end               : no caller to return to
//	call_tool         → any agent         : back to the sender
//
// The table is immutable after construction, so a StateMachine is safe
// for concurrent use.
type StateMachine struct {
	transitions map[Node]map[Node]bool
}

// NewStateMachine creates the state machine with every valid transition.
func NewStateMachine() *StateMachine {
	sm := &StateMachine{transitions: make(map[Node]map[Node]bool)}
	for _, n := range AllNodes() {
		sm.transitions[n] = make(map[Node]bool)
	}

	sm.add(NodeEntry, NodeInformation)
	sm.add(NodeEntry, NodeDataOwner)
	sm.add(NodeEntry, NodeEnd)

	for _, agent := range []Node{NodeInformation, NodeDataOwner} {
		sm.add(agent, NodeCallTool)
		sm.add(agent, NodeRecommender)
		sm.add(agent, NodeEnd)
	}

	sm.add(NodeRecommender, NodeCallTool)
	sm.add(NodeRecommender, NodeInformation)
	sm.add(NodeRecommender, NodeDataOwner)
	sm.add(NodeRecommender, NodeEnd)

	sm.add(NodeCallTool, NodeInformation)
	sm.add(NodeCallTool, NodeDataOwner)
	sm.add(NodeCallTool, NodeRecommender)

	return sm
}

func (sm *StateMachine) add(from, to Node) {
	sm.transitions[from][to] = true
}

// CanTransition reports whether from → to is a valid transition.
func (sm *StateMachine) CanTransition(from, to Node) bool {
	if toMap, ok := sm.transitions[from]; ok {
		return toMap[to]
	}
	return false
}

// Check returns ErrInvalidTransition when from → to is not valid.
func (sm *StateMachine) Check(from, to Node) error {
	if !sm.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidTransitionsFrom returns the valid targets of from, sorted.
func (sm *StateMachine) ValidTransitionsFrom(from Node) []Node {
	var out []Node
	for n, ok := range sm.transitions[from] {
		if ok {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// Routing
// =============================================================================

// RouteEntry picks the first agent of a turn.
func RouteEntry(st *State) Node {
	if st.Rejected {
		return NodeEnd
	}
	if st.ConvType == domain.ConversationDataOwner {
		return NodeDataOwner
	}
	return NodeInformation
}

// RouteAgent routes after the information or data-owner agent acted.
// Tool requests win over a recommender hand-off in the same message.
func RouteAgent(st *State) Node {
	if st.Rejected {
		return NodeEnd
	}
	msg, ok := st.last()
	if !ok || msg.Role != llm.RoleAssistant {
		return NodeEnd
	}
	if len(msg.ToolCalls) > 0 {
		return NodeCallTool
	}
	if agents.NamesRecommender(msg.Content) {
		return NodeRecommender
	}
	return NodeEnd
}

// RouteRecommender routes after the recommender acted: to its tools, or
// back to whichever agent handed off to it.
func RouteRecommender(st *State) Node {
	msg, ok := st.last()
	if ok && msg.Role == llm.RoleAssistant && len(msg.ToolCalls) > 0 {
		return NodeCallTool
	}
	if st.returnTo == NodeInformation || st.returnTo == NodeDataOwner {
		return st.returnTo
	}
	return NodeEnd
}

// RouteCallTool returns control to the agent that requested the tools.
func RouteCallTool(st *State) Node {
	if st.Sender.isAgent() {
		return st.Sender
	}
	return NodeEnd
}
