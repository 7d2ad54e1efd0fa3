// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package guardrail

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianAccess/services/llm"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func delayedCheck(d time.Duration, v Verdict, err error) Check {
	return func(ctx context.Context) (Verdict, error) {
		select {
		case <-time.After(d):
			return v, err
		case <-ctx.Done():
			return VerdictUnknown, ctx.Err()
		}
	}
}

func delayedTask(d time.Duration, value string) (Task[string], *atomic.Bool, *atomic.Bool) {
	var finished, cancelled atomic.Bool
	return func(ctx context.Context) (string, error) {
		select {
		case <-time.After(d):
			finished.Store(true)
			return value, nil
		case <-ctx.Done():
			cancelled.Store(true)
			return "", ctx.Err()
		}
	}, &finished, &cancelled
}

func TestRace_Resolution(t *testing.T) {
	tests := []struct {
		name       string
		mainDelay  time.Duration
		check      Check
		wantResult string
		accepted   bool
		failOpen   bool
	}{
		{"invalid first returns refusal", 200 * time.Millisecond, delayedCheck(5*time.Millisecond, VerdictInvalid, nil), "refused", false, false},
		{"valid first waits for main", 30 * time.Millisecond, delayedCheck(time.Millisecond, VerdictValid, nil), "answer", true, false},
		{"main first wins", time.Millisecond, delayedCheck(200*time.Millisecond, VerdictInvalid, nil), "answer", true, false},
		{"check error fails open", 30 * time.Millisecond, delayedCheck(time.Millisecond, VerdictUnknown, errors.New("gate down")), "answer", true, true},
		{"nil check accepts", time.Millisecond, nil, "answer", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main, _, _ := delayedTask(tt.mainDelay, "answer")
			out, err := Race(context.Background(), main, tt.check, "refused")
			require.NoError(t, err)
			assert.Equal(t, tt.wantResult, out.Result)
			assert.Equal(t, tt.accepted, out.Accepted)
			assert.Equal(t, tt.failOpen, out.FailedOpen())
			if tt.failOpen {
				assert.True(t, IsIndeterminate(out.CheckErr))
			}
		})
	}
}

func TestRace_InvalidFirstCancelsMain(t *testing.T) {
	main, finished, cancelled := delayedTask(time.Second, "answer")

	start := time.Now()
	result, accepted, err := RaceGuardedTask(context.Background(), main, delayedCheck(5*time.Millisecond, VerdictInvalid, nil), "refused")
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, "refused", result)
	assert.False(t, accepted)

	assert.Eventually(t, cancelled.Load, time.Second, 5*time.Millisecond)
	assert.False(t, finished.Load(), "main output never appears")
}

func TestRace_InvalidFirstWithLLM(t *testing.T) {
	// main is a slow reasoning call; the guard is fast and rejects.
	slow := llm.NewMockClient().WithDelay(500 * time.Millisecond).QueueFinalResponse("expensive answer")
	guard := llm.NewMockClient().QueueFinalResponse(`{"valid": false, "reason": "weather talk"}`)
	checker, err := NewRelevanceChecker(guard)
	require.NoError(t, err)

	main := func(ctx context.Context) (string, error) {
		resp, err := slow.Complete(ctx, &llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "what's the weather"}}})
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}
	result, accepted, err := RaceGuardedTask(context.Background(), main, checker.Check("what's the weather", ""), DefaultRefusal)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, DefaultRefusal, result)
	assert.NotContains(t, result, "expensive answer")
}

func TestRace_MainErrorPropagates(t *testing.T) {
	boom := errors.New("reasoning failed")
	main := func(ctx context.Context) (string, error) { return "", boom }
	_, err := Race(context.Background(), main, delayedCheck(100*time.Millisecond, VerdictValid, nil), "refused")
	assert.ErrorIs(t, err, boom)
}

func TestRace_InvalidCheckBeatsSimultaneousMain(t *testing.T) {
	for i := 0; i < 200; i++ {
		decided := make(chan struct{})
		check := func(ctx context.Context) (Verdict, error) {
			defer close(decided)
			return VerdictInvalid, nil
		}
		// main ignores cancellation and finishes right behind the check, so
		// both results are usually pending when Race next selects.
		main := func(ctx context.Context) (string, error) {
			<-decided
			return "answer", nil
		}

		out, err := Race(context.Background(), main, check, "refused")
		require.NoError(t, err)
		require.False(t, out.Accepted, "iteration %d", i)
		require.Equal(t, "refused", out.Result, "iteration %d", i)
		require.Equal(t, VerdictInvalid, out.Verdict)
	}
}

func TestRace_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	main, _, _ := delayedTask(time.Second, "answer")
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Race(ctx, main, delayedCheck(time.Second, VerdictValid, nil), "refused")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVerdict_String(t *testing.T) {
	assert.Equal(t, "valid", VerdictValid.String())
	assert.Equal(t, "invalid", VerdictInvalid.String())
	assert.Equal(t, "unknown", VerdictUnknown.String())
}

func TestRelevanceChecker_Check(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Verdict
		wantErr bool
	}{
		{"valid", `{"valid": true}`, VerdictValid, false},
		{"invalid", "```json\n{\"valid\": false, \"reason\": \"off topic\"}\n```", VerdictInvalid, false},
		{"missing field", `{"reason": "?"}`, VerdictUnknown, true},
		{"not json", "yes", VerdictUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := llm.NewMockClient().QueueFinalResponse(tt.content)
			checker, err := NewRelevanceChecker(client)
			require.NoError(t, err)

			v, err := checker.Check("I need fooquery", "fooquery")(context.Background())
			assert.Equal(t, tt.want, v)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Contains(t, client.LastRequest().SystemPrompt, `"fooquery"`)
		})
	}
}

func TestRelevanceChecker_EmptyMessageSkipsBackend(t *testing.T) {
	client := llm.NewMockClient()
	checker, err := NewRelevanceChecker(client)
	require.NoError(t, err)

	v, err := checker.Check("  ", "")(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VerdictValid, v)
	assert.Zero(t, client.CallCount())

	_, err = NewRelevanceChecker(nil)
	assert.Error(t, err)
}

func TestRelevanceChecker_BackendErrorFailsOpen(t *testing.T) {
	checker, err := NewRelevanceChecker(llm.NewMockClient().WithError(llm.ErrLLMUnavailable))
	require.NoError(t, err)
	main, _, _ := delayedTask(10*time.Millisecond, "answer")

	out, err := Race(context.Background(), main, checker.Check("hi", ""), "refused")
	require.NoError(t, err)
	assert.True(t, out.Accepted)
	assert.Equal(t, "answer", out.Result)
	assert.ErrorIs(t, out.CheckErr, domain.ErrGuardrailIndeterminate)
	assert.ErrorIs(t, out.CheckErr, llm.ErrLLMUnavailable)
}
