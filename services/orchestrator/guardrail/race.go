// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package guardrail races a cheap validity check against an expensive
// reasoning step and cancels the step when the check rejects the input.
//
// # Description
//
// Both tasks start together. The first to finish decides:
//
//   - check says invalid: main is cancelled and the refusal is returned,
//     accepted=false. Main's result is discarded even if it arrives later.
//   - check says valid: main's result is awaited and returned, accepted=true.
//   - main finishes: its result is returned, accepted=true, and the check
//     is cancelled.
//   - check fails: the race fails open and main's result is returned.
//     Outcome.CheckErr carries the failure for the caller to log.
//
// Main must not commit side effects before it returns. The graph only
// dispatches tools after a node's reasoning step has resolved, so a
// cancelled step never needs compensation.
package guardrail

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Verdict is the result of a validity check.
type Verdict int

const (
	// VerdictUnknown means the check has not decided (or was not run).
	VerdictUnknown Verdict = iota

	// VerdictValid means the input is on topic.
	VerdictValid

	// VerdictInvalid means the input must be refused.
	VerdictInvalid
)

// String returns the verdict name.
func (v Verdict) String() string {
	switch v {
	case VerdictValid:
		return "valid"
	case VerdictInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Task is the expensive step being guarded.
type Task[T any] func(ctx context.Context) (T, error)

// Check is the cheap validity gate.
type Check func(ctx context.Context) (Verdict, error)

// Outcome describes how a race resolved.
type Outcome[T any] struct {
	// Result is main's result, or the refusal when Accepted is false.
	Result T

	// Accepted is false only when the check rejected the input first.
	Accepted bool

	// Verdict is the check's verdict if it resolved before the race ended.
	Verdict Verdict

	// CheckErr is the check failure that made the race fail open.
	CheckErr error
}

// FailedOpen reports whether the check errored and main was used anyway.
func (o Outcome[T]) FailedOpen() bool {
	return o.CheckErr != nil
}

type taskResult[T any] struct {
	value T
	err   error
}

type checkResult struct {
	verdict Verdict
	err     error
}

// Race runs main and check concurrently.
//
// # Description
//
// See the package documentation for the resolution rules. Race waits on
// channels rather than polling, so it returns as soon as the deciding
// task finishes. Operations started by the losing task are cancelled
// through their context.
//
// # Inputs
//
//   - ctx: Parent context. Cancelling it cancels both tasks.
//   - main: The guarded step.
//   - check: The validity gate. A nil check accepts main unconditionally.
//   - refusal: Returned when the check rejects the input.
//
// # Outputs
//
//   - Outcome[T]: How the race resolved.
//   - error: main's error, or ctx's error when the parent is cancelled.
func Race[T any](ctx context.Context, main Task[T], check Check, refusal T) (Outcome[T], error) {
	ctx, span := otel.Tracer("guardrail").Start(ctx, "guardrail.Race")
	defer span.End()

	var out Outcome[T]
	if check == nil {
		v, err := main(ctx)
		out.Result, out.Accepted = v, err == nil
		return out, err
	}

	mainCtx, cancelMain := context.WithCancel(ctx)
	defer cancelMain()
	checkCtx, cancelCheck := context.WithCancel(ctx)
	defer cancelCheck()

	mainCh := make(chan taskResult[T], 1)
	checkCh := make(chan checkResult, 1)

	go func() {
		v, err := main(mainCtx)
		mainCh <- taskResult[T]{value: v, err: err}
	}()
	go func() {
		v, err := check(checkCtx)
		checkCh <- checkResult{verdict: v, err: err}
	}()

	// reject applies a check result and reports whether it refuses main.
	reject := func(c checkResult) bool {
		switch {
		case c.err != nil:
			out.CheckErr = fmt.Errorf("%w: %w", domain.ErrGuardrailIndeterminate, c.err)
			observability.RecordGuardrail(observability.GuardrailFailOpen)
			span.SetAttributes(attribute.Bool("fail_open", true))
			return false
		case c.verdict == VerdictInvalid:
			cancelMain()
			out.Verdict = VerdictInvalid
			out.Result, out.Accepted = refusal, false
			observability.RecordGuardrail(observability.GuardrailRejected)
			span.SetAttributes(attribute.String("winner", "check"), attribute.String("verdict", "invalid"))
			return true
		default:
			out.Verdict = c.verdict
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return out, ctx.Err()

		case r := <-mainCh:
			// select picks randomly among ready cases; a check that already
			// finished still decides.
			if checkCh != nil {
				select {
				case c := <-checkCh:
					checkCh = nil
					if reject(c) {
						return out, nil
					}
				default:
				}
			}
			cancelCheck()
			if r.err != nil {
				span.RecordError(r.err)
				return out, r.err
			}
			out.Result, out.Accepted = r.value, true
			span.SetAttributes(attribute.String("winner", "main"), attribute.String("verdict", out.Verdict.String()))
			if out.CheckErr == nil {
				observability.RecordGuardrail(observability.GuardrailAccepted)
			}
			return out, nil

		case c := <-checkCh:
			// Disable this case; main still decides the remaining outcomes.
			checkCh = nil
			if reject(c) {
				return out, nil
			}
		}
	}
}

// RaceGuardedTask is Race returning (result, accepted, error).
func RaceGuardedTask[T any](ctx context.Context, main Task[T], check Check, refusal T) (T, bool, error) {
	out, err := Race(ctx, main, check, refusal)
	return out.Result, out.Accepted, err
}

// IsIndeterminate reports whether err came from a failed check.
func IsIndeterminate(err error) bool {
	return errors.Is(err, domain.ErrGuardrailIndeterminate)
}
