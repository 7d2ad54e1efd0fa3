// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTurn(t *testing.T) {
	before := testutil.ToFloat64(turnsTotal.WithLabelValues("json", "success"))
	RecordTurn(TransportJSON, true, 0.3)
	assert.Equal(t, before+1, testutil.ToFloat64(turnsTotal.WithLabelValues("json", "success")))

	before = testutil.ToFloat64(turnsTotal.WithLabelValues("sse", "error"))
	RecordTurn(TransportSSE, false, 1)
	assert.Equal(t, before+1, testutil.ToFloat64(turnsTotal.WithLabelValues("sse", "error")))
}

func TestRecordRuleVerdict(t *testing.T) {
	tests := []struct {
		name      string
		verdict   string
		byDefault bool
		source    string
	}{
		{"default deny", "deny", true, "default"},
		{"adjudicated approve", "approve", false, "adjudicated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ruleVerdictsTotal.WithLabelValues(tt.verdict, tt.source)
			before := testutil.ToFloat64(c)
			RecordRuleVerdict(tt.verdict, tt.byDefault)
			assert.Equal(t, before+1, testutil.ToFloat64(c))
		})
	}
}

func TestCountersIncrement(t *testing.T) {
	tests := []struct {
		name   string
		record func()
		read   func() float64
	}{
		{"node step", func() { RecordNodeStep("entry_point") }, func() float64 { return testutil.ToFloat64(nodeStepsTotal.WithLabelValues("entry_point")) }},
		{"guardrail", func() { RecordGuardrail(GuardrailRejected) }, func() float64 { return testutil.ToFloat64(guardrailOutcomesTotal.WithLabelValues(GuardrailRejected)) }},
		{"tool", func() { RecordToolInvocation("deny_access", ToolStatusOK) }, func() float64 {
			return testutil.ToFloat64(toolInvocationsTotal.WithLabelValues("deny_access", ToolStatusOK))
		}},
		{"checkpoint", func() { RecordCheckpointAppend(true) }, func() float64 { return testutil.ToFloat64(checkpointAppendsTotal.WithLabelValues("success")) }},
		{"retrieval", func() { RecordRetrieval(false) }, func() float64 { return testutil.ToFloat64(retrievalsTotal.WithLabelValues("error")) }},
		{"disconnect", func() { RecordClientDisconnect(TransportWebSocket) }, func() float64 {
			return testutil.ToFloat64(clientDisconnectsTotal.WithLabelValues("websocket"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.read()
			tt.record()
			assert.Equal(t, before+1, tt.read())
		})
	}
}

func TestActiveStreams(t *testing.T) {
	g := activeStreams.WithLabelValues("sse")
	before := testutil.ToFloat64(g)
	StreamStarted(TransportSSE)
	assert.Equal(t, before+1, testutil.ToFloat64(g))
	StreamEnded(TransportSSE)
	assert.Equal(t, before, testutil.ToFloat64(g))
}
