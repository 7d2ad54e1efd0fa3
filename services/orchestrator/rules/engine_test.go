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
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rule(id, when string, then domain.RuleVerdict, dirs, apps []string) domain.Rule {
	return domain.Rule{
		ID:             id,
		WorkspaceID:    "ws1",
		When:           when,
		Then:           then,
		Type:           domain.RuleTypeAutoApprove,
		DirectoryIDs:   dirs,
		ApplicationIDs: apps,
		Active:         true,
	}
}

func TestApplies(t *testing.T) {
	tests := []struct {
		name string
		dirs []string
		apps []string
		want bool
	}{
		{"both unset", nil, nil, true},
		{"directory match", []string{"okta"}, nil, true},
		{"directory miss", []string{"azure"}, nil, false},
		{"application match", nil, []string{"app1"}, true},
		{"application miss", nil, []string{"app2"}, false},
		{"both set and matching never applies", []string{"okta"}, []string{"app1"}, false},
		{"both set and missing never applies", []string{"azure"}, []string{"app2"}, false},
		{"empty directory list is set", []string{}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := rule("r", "x", domain.VerdictApprove, tt.dirs, tt.apps)
			assert.Equal(t, tt.want, Applies(r, "okta", "app1"))
		})
	}
}

func TestSelect_PartitionsAndExcludesDoublyScoped(t *testing.T) {
	list := []domain.Rule{
		rule("r1", "requester is in analytics", domain.VerdictApprove, nil, nil),
		rule("r2", "requester is a contractor", domain.VerdictDeny, []string{"okta"}, nil),
		rule("r3", "both lists set", domain.VerdictApprove, []string{"okta"}, []string{"app1"}),
		rule("r4", "both lists set deny", domain.VerdictDeny, []string{"okta"}, []string{"app1"}),
		rule("r5", "other app", domain.VerdictApprove, nil, []string{"app2"}),
		rule("r6", "weekday", domain.VerdictApprove, nil, []string{"app1"}),
	}

	sel := Select(list, "okta", "app1")
	assert.Equal(t, []string{"r1", "r6"}, ids(sel.Approve))
	assert.Equal(t, []string{"r2"}, ids(sel.Deny))
	assert.Equal(t, 3, sel.Len())
	assert.False(t, sel.Empty())
}

func TestRender_RoundTrip(t *testing.T) {
	list := []domain.Rule{
		rule("r1", "requester is in analytics", domain.VerdictApprove, nil, nil),
		rule("r2", "  weekday requests  ", domain.VerdictApprove, nil, []string{"app1"}),
		rule("r3", "excluded", domain.VerdictApprove, []string{"okta"}, []string{"app1"}),
	}
	sel := Select(list, "okta", "app1")
	rendered := Render(sel.Approve)

	lines := strings.Split(rendered, "\n")
	require.Len(t, lines, len(sel.Approve))
	assert.Equal(t, "- requester is in analytics", lines[0])
	assert.Equal(t, "- weekday requests", lines[1])

	assert.Equal(t, "", Render(nil))
}

func ids(rules []domain.Rule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.ID)
	}
	return out
}

func newCatalog(rules ...domain.Rule) *store.Catalog {
	c := store.NewCatalog()
	for _, r := range rules {
		c.AddRule(r)
	}
	return c
}

func TestEngine_GetRules_FiltersInactiveAndType(t *testing.T) {
	inactive := rule("r2", "inactive", domain.VerdictApprove, nil, nil)
	inactive.Active = false
	manual := rule("r3", "manual", domain.VerdictApprove, nil, nil)
	manual.Type = "manual_review"

	e := NewEngine(newCatalog(rule("r1", "active", domain.VerdictApprove, nil, nil), inactive, manual), nil, nil)
	sel, err := e.GetRules(context.Background(), "ws1", "okta", "app1")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids(sel.Approve))
	assert.Empty(t, sel.Deny)
}

func TestEngine_Evaluate_NoRulesDefaultsToDeny(t *testing.T) {
	called := false
	adj := AdjudicatorFunc(func(ctx context.Context, req Request, sel *Selection) (*Verdict, error) {
		called = true
		return &Verdict{Decision: domain.VerdictApprove}, nil
	})
	e := NewEngine(newCatalog(rule("r1", "scoped elsewhere", domain.VerdictApprove, []string{"azure"}, nil)), adj, nil)

	v, err := e.Evaluate(context.Background(), Request{WorkspaceID: "ws1", DirectoryID: "okta", ApplicationID: "app1"})
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictDeny, v.Decision)
	assert.Equal(t, NoRulesRationale, v.Rationale)
	assert.True(t, v.Default)
	assert.False(t, v.Approved())
	assert.False(t, called, "adjudicator is skipped when nothing applies")
}

func TestEngine_Evaluate_Adjudicates(t *testing.T) {
	var gotSel *Selection
	adj := AdjudicatorFunc(func(ctx context.Context, req Request, sel *Selection) (*Verdict, error) {
		gotSel = sel
		return &Verdict{Decision: domain.VerdictApprove, CitedRules: []string{"active"}, Rationale: "matches"}, nil
	})
	e := NewEngine(newCatalog(rule("r1", "active", domain.VerdictApprove, nil, nil)), adj, nil)

	v, err := e.Evaluate(context.Background(), Request{WorkspaceID: "ws1", DirectoryID: "okta", ApplicationID: "app1"})
	require.NoError(t, err)
	assert.True(t, v.Approved())
	require.NotNil(t, gotSel)
	assert.Len(t, gotSel.Approve, 1)
}

func TestEngine_Evaluate_Errors(t *testing.T) {
	boom := errors.New("llm down")
	adj := AdjudicatorFunc(func(ctx context.Context, req Request, sel *Selection) (*Verdict, error) {
		return nil, boom
	})
	e := NewEngine(newCatalog(rule("r1", "active", domain.VerdictApprove, nil, nil)), adj, nil)
	_, err := e.Evaluate(context.Background(), Request{WorkspaceID: "ws1"})
	assert.ErrorIs(t, err, boom)
	assert.False(t, domain.IsFatal(err))

	noAdj := NewEngine(newCatalog(rule("r1", "active", domain.VerdictApprove, nil, nil)), nil, nil)
	_, err = noAdj.Evaluate(context.Background(), Request{WorkspaceID: "ws1"})
	assert.Error(t, err)
}

func TestEngine_Evaluate_MissingVerdict(t *testing.T) {
	tests := []struct {
		name    string
		verdict *Verdict
	}{
		{"nil verdict", nil},
		{"empty decision", &Verdict{Rationale: "unsure"}},
		{"unknown decision", &Verdict{Decision: domain.RuleVerdict("maybe")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adj := AdjudicatorFunc(func(ctx context.Context, req Request, sel *Selection) (*Verdict, error) {
				return tt.verdict, nil
			})
			e := NewEngine(newCatalog(rule("r1", "active", domain.VerdictApprove, nil, nil)), adj, nil)

			var v *Verdict
			var err error
			require.NotPanics(t, func() {
				v, err = e.Evaluate(context.Background(), Request{WorkspaceID: "ws1"})
			})
			assert.Nil(t, v)
			assert.ErrorIs(t, err, ErrNoVerdict)
			assert.False(t, domain.IsFatal(err))
		})
	}
}

type failingRules struct{}

func (failingRules) ListRules(ctx context.Context, ws string, f store.RuleFilter) ([]domain.Rule, error) {
	return nil, errors.New("db unreachable")
}

func TestEngine_GetRules_PersistenceIsFatal(t *testing.T) {
	e := NewEngine(failingRules{}, nil, nil)
	_, err := e.Evaluate(context.Background(), Request{WorkspaceID: "ws1"})
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.True(t, domain.IsFatal(err))
}
