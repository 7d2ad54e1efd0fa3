// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics for the access orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring conversation
// turns. Metrics include:
//   - Turn counters and latency (by outcome)
//   - Graph node steps (by node)
//   - Guardrail race outcomes
//   - Tool invocations (by tool and status)
//   - Rule verdicts and checkpoint appends
//   - Active streams and client disconnects
//
// # Integration
//
// Metrics register with the default registry on package load and are
// exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "aleutian_access"

var (
	turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "turn",
			Name:      "total",
			Help:      "Total conversation turns by transport and status",
		},
		[]string{"transport", "status"},
	)

	turnDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "turn",
			Name:      "duration_seconds",
			Help:      "Wall time of a full graph traversal in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"transport", "status"},
	)

	nodeStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "graph",
			Name:      "node_steps_total",
			Help:      "Graph node executions by node",
		},
		[]string{"node"},
	)

	guardrailOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "guardrail",
			Name:      "outcomes_total",
			Help:      "Guardrail race outcomes (accepted, rejected, fail_open)",
		},
		[]string{"outcome"},
	)

	toolInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "tools",
			Name:      "invocations_total",
			Help:      "Tool invocations by tool and status (ok, tool_error, fatal)",
		},
		[]string{"tool", "status"},
	)

	ruleVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rules",
			Name:      "verdicts_total",
			Help:      "Rule engine verdicts by decision and source (default, adjudicated)",
		},
		[]string{"verdict", "source"},
	)

	checkpointAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "checkpoint",
			Name:      "appends_total",
			Help:      "Checkpoint appends by status",
		},
		[]string{"status"},
	)

	retrievalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "retriever",
			Name:      "searches_total",
			Help:      "Knowledge searches by status",
		},
		[]string{"status"},
	)

	activeStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "streaming",
			Name:      "active_streams",
			Help:      "Number of currently active streaming connections",
		},
		[]string{"transport"},
	)

	clientDisconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "streaming",
			Name:      "client_disconnects_total",
			Help:      "Total client disconnections during streaming",
		},
		[]string{"transport"},
	)
)

// =============================================================================
// Label Values
// =============================================================================

// Transport labels how a turn arrived.
type Transport string

const (
	TransportJSON      Transport = "json"
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "websocket"
	TransportCLI       Transport = "cli"
)

// Guardrail outcome labels.
const (
	GuardrailAccepted = "accepted"
	GuardrailRejected = "rejected"
	GuardrailFailOpen = "fail_open"
)

// Tool status labels.
const (
	ToolStatusOK    = "ok"
	ToolStatusError = "tool_error"
	ToolStatusFatal = "fatal"
)

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// =============================================================================
// Helpers
// =============================================================================

// RecordTurn records a completed turn and its duration.
func RecordTurn(transport Transport, success bool, seconds float64) {
	turnsTotal.WithLabelValues(string(transport), status(success)).Inc()
	turnDurationSeconds.WithLabelValues(string(transport), status(success)).Observe(seconds)
}

// RecordNodeStep records one graph node execution.
func RecordNodeStep(node string) {
	nodeStepsTotal.WithLabelValues(node).Inc()
}

// RecordGuardrail records a guardrail race outcome.
func RecordGuardrail(outcome string) {
	guardrailOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordToolInvocation records a tool call.
func RecordToolInvocation(tool, toolStatus string) {
	toolInvocationsTotal.WithLabelValues(tool, toolStatus).Inc()
}

// RecordRuleVerdict records a rule engine verdict.
func RecordRuleVerdict(verdict string, byDefault bool) {
	source := "adjudicated"
	if byDefault {
		source = "default"
	}
	ruleVerdictsTotal.WithLabelValues(verdict, source).Inc()
}

// RecordCheckpointAppend records a checkpoint write.
func RecordCheckpointAppend(success bool) {
	checkpointAppendsTotal.WithLabelValues(status(success)).Inc()
}

// RecordRetrieval records a knowledge search.
func RecordRetrieval(success bool) {
	retrievalsTotal.WithLabelValues(status(success)).Inc()
}

// StreamStarted increments the active streams gauge.
func StreamStarted(transport Transport) {
	activeStreams.WithLabelValues(string(transport)).Inc()
}

// StreamEnded decrements the active streams gauge.
func StreamEnded(transport Transport) {
	activeStreams.WithLabelValues(string(transport)).Dec()
}

// RecordClientDisconnect increments the client disconnect counter.
func RecordClientDisconnect(transport Transport) {
	clientDisconnectsTotal.WithLabelValues(string(transport)).Inc()
}
