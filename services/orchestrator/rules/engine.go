// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rules selects the workspace rules that apply to an access request
// and turns them into a verdict.
//
// # Description
//
// Selection is deterministic: active auto-approve rules are filtered by
// their directory and application scopes and split by verdict. The final
// decision is delegated to an Adjudicator, which weighs the rendered rules
// against what is known about the requester. When no rule applies the
// verdict is deny without consulting the adjudicator.
//
// # Scoping
//
// A rule applies when both id lists are unset, when only directory ids are
// set and contain the directory, or when only application ids are set and
// contain the application. A rule with both lists set never applies.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NoRulesRationale explains the default deny.
const NoRulesRationale = "no rules defined"

// ErrNoVerdict is returned when an adjudicator answers without a usable
// approve or deny decision.
var ErrNoVerdict = errors.New("adjudicator returned no verdict")

// Selection holds the applicable rules partitioned by verdict, each list
// in store order.
type Selection struct {
	Approve []domain.Rule
	Deny    []domain.Rule
}

// Empty reports whether no rule applies.
func (s *Selection) Empty() bool {
	return s == nil || (len(s.Approve) == 0 && len(s.Deny) == 0)
}

// Len returns the number of applicable rules.
func (s *Selection) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Approve) + len(s.Deny)
}

// Applies reports whether rule is scoped to the (directory, application) pair.
func Applies(rule domain.Rule, directoryID, applicationID string) bool {
	dirsUnset := rule.DirectoryIDs == nil
	appsUnset := rule.ApplicationIDs == nil

	switch {
	case dirsUnset && appsUnset:
		return true
	case appsUnset:
		return contains(rule.DirectoryIDs, directoryID)
	case dirsUnset:
		return contains(rule.ApplicationIDs, applicationID)
	default:
		return false
	}
}

// Select filters rules with Applies and partitions them by verdict.
// Rules with an unknown verdict are dropped.
func Select(rules []domain.Rule, directoryID, applicationID string) *Selection {
	sel := &Selection{}
	for _, r := range rules {
		if !Applies(r, directoryID, applicationID) {
			continue
		}
		switch r.Then {
		case domain.VerdictApprove:
			sel.Approve = append(sel.Approve, r)
		case domain.VerdictDeny:
			sel.Deny = append(sel.Deny, r)
		}
	}
	return sel
}

// Render formats rules as one "- <when>" line each, in order.
func Render(rules []domain.Rule) string {
	lines := make([]string, 0, len(rules))
	for _, r := range rules {
		lines = append(lines, "- "+strings.TrimSpace(r.When))
	}
	return strings.Join(lines, "\n")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

// =============================================================================
// Engine
// =============================================================================

// Request is an access request submitted for a verdict.
type Request struct {
	WorkspaceID    string
	ConversationID string
	DirectoryID    string
	ApplicationID  string
	AppName        string
	RequesterEmail string
	Summary        string

	// Fields holds the application's provision values.
	Fields map[string]string
}

// Verdict is the outcome of Evaluate.
type Verdict struct {
	Decision   domain.RuleVerdict `json:"verdict"`
	CitedRules []string           `json:"cited_rules"`
	Rationale  string             `json:"rationale"`

	// Default is true when no rule applied and the adjudicator was skipped.
	Default bool `json:"-"`
}

// Approved reports whether the verdict approves the request.
func (v *Verdict) Approved() bool {
	return v != nil && v.Decision == domain.VerdictApprove
}

// Adjudicator decides a request against its applicable rules.
type Adjudicator interface {
	Adjudicate(ctx context.Context, req Request, sel *Selection) (*Verdict, error)
}

// AdjudicatorFunc adapts a function to Adjudicator.
type AdjudicatorFunc func(ctx context.Context, req Request, sel *Selection) (*Verdict, error)

// Adjudicate implements Adjudicator.
func (f AdjudicatorFunc) Adjudicate(ctx context.Context, req Request, sel *Selection) (*Verdict, error) {
	return f(ctx, req, sel)
}

// Engine loads rules and produces verdicts.
//
// Thread Safety: safe for concurrent use. Rules are read fresh on every call.
type Engine struct {
	rules       store.RuleStore
	adjudicator Adjudicator
	logger      *slog.Logger
}

// NewEngine creates an Engine. A nil logger uses slog.Default().
func NewEngine(rules store.RuleStore, adjudicator Adjudicator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{rules: rules, adjudicator: adjudicator, logger: logger.With("component", "rules")}
}

// GetRules returns the active auto-approve rules applicable to the
// (directory, application) pair, partitioned by verdict.
func (e *Engine) GetRules(ctx context.Context, workspaceID, directoryID, applicationID string) (*Selection, error) {
	list, err := e.rules.ListRules(ctx, workspaceID, store.RuleFilter{
		Type:       domain.RuleTypeAutoApprove,
		ActiveOnly: true,
	})
	if err != nil {
		return nil, domain.Persistence("list rules", err)
	}
	return Select(list, directoryID, applicationID), nil
}

// Evaluate selects the applicable rules and adjudicates the request.
//
// # Description
//
// An empty selection yields a default deny with NoRulesRationale. Otherwise
// the adjudicator decides. Adjudicator errors are returned unchanged; the
// caller decides whether they abort the turn.
//
// # Outputs
//
//   - *Verdict: never nil when err is nil.
//   - error: persistence failures loading rules, or adjudicator errors.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Verdict, error) {
	ctx, span := otel.Tracer("rules").Start(ctx, "rules.Engine.Evaluate",
		trace.WithAttributes(
			attribute.String("workspace_id", req.WorkspaceID),
			attribute.String("application_id", req.ApplicationID),
			attribute.String("directory_id", req.DirectoryID),
		),
	)
	defer span.End()

	sel, err := e.GetRules(ctx, req.WorkspaceID, req.DirectoryID, req.ApplicationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load rules")
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("approve_rules", len(sel.Approve)),
		attribute.Int("deny_rules", len(sel.Deny)),
	)

	if sel.Empty() {
		v := &Verdict{Decision: domain.VerdictDeny, Rationale: NoRulesRationale, Default: true}
		e.logger.Info("no applicable rules, denying by default",
			"workspace_id", req.WorkspaceID,
			"application_id", req.ApplicationID,
			"directory_id", req.DirectoryID,
		)
		observability.RecordRuleVerdict(string(v.Decision), v.Default)
		return v, nil
	}

	if e.adjudicator == nil {
		return nil, fmt.Errorf("rules: %d applicable rules but no adjudicator configured", sel.Len())
	}
	v, err := e.adjudicator.Adjudicate(ctx, req, sel)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "adjudicate")
		return nil, fmt.Errorf("adjudicate: %w", err)
	}
	if v == nil || !v.Decision.IsValid() {
		span.SetStatus(codes.Error, "no verdict")
		return nil, fmt.Errorf("adjudicate: %w", ErrNoVerdict)
	}
	span.SetAttributes(attribute.String("verdict", string(v.Decision)))
	e.logger.Info("access request adjudicated",
		"workspace_id", req.WorkspaceID,
		"application_id", req.ApplicationID,
		"verdict", v.Decision,
		"cited_rules", v.CitedRules,
	)
	observability.RecordRuleVerdict(string(v.Decision), v.Default)
	return v, nil
}
