// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianAccess/services/llm"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/retriever"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cliCatalog = `
workspaces:
  - id: ws1
    directories:
      - id: okta
        name: Okta
    applications:
      - id: app-fooquery
        name: fooquery
        aliases: [fq]
        directory_id: okta
        data_owner: owner@example.com
      - id: app-bar
        name: bar
        directory_id: okta
    rules:
      - id: r1
        when: requester is in the analytics group
        then: approve
        type: auto_approve
        active: true
        application_ids: [app-fooquery]
      - id: r2
        when: requester is a contractor
        then: deny
        type: auto_approve
        active: true
        directory_ids: [okta]
      - id: r3
        when: nobody
        then: approve
        type: auto_approve
        active: false
`

func writeCatalog(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cliCatalog), 0o600))
	return path
}

func testApp(t *testing.T) *app {
	t.Helper()
	client := llm.NewMockClient().WithResponseFunc(func(req *llm.Request) (*llm.Response, error) {
		switch {
		case strings.Contains(req.SystemPrompt, "You classify"):
			return &llm.Response{Content: `{"app_name":"fooquery","on_topic":true}`}, nil
		case strings.Contains(req.SystemPrompt, "topic gate"):
			return &llm.Response{Content: `{"valid":true,"reason":"ok"}`}, nil
		default:
			return &llm.Response{Content: "Which role do you need?"}, nil
		}
	})
	return &app{
		cfg: cliConfig{
			Service: orchestrator.Config{CatalogPath: writeCatalog(t)},
		},
		opts: &orchestrator.Options{LLMClient: client},
	}
}

func execute(t *testing.T, a *app, stdin string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := a.rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append(args, "--log-level", "error"))
	err := cmd.Execute()
	return out.String(), err
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("ACCESS_PORT", "9090")
	t.Setenv("ACCESS_CATALOG", "/etc/access/catalog.yaml")
	t.Setenv("ACCESS_TURN_TIMEOUT", "45s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Service.Port)
	assert.Equal(t, "/etc/access/catalog.yaml", cfg.Service.CatalogPath)
	assert.Equal(t, "45s", cfg.Service.TurnTimeout.String())
	assert.True(t, cfg.Service.WatchCatalog)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, orchestrator.ServiceName, cfg.Log.Service)
}

func TestLoadConfig_BadValue(t *testing.T) {
	t.Setenv("ACCESS_PORT", "not-a-port")
	_, err := loadConfig()
	assert.Error(t, err)
}

func TestRulesCheck(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		contains []string
		excludes []string
	}{
		{
			name:     "by alias",
			args:     []string{"--app", "fq"},
			contains: []string{"fooquery (app-fooquery) in directory okta", "approve when:\n- requester is in the analytics group", "deny when:\n- requester is a contractor"},
			excludes: []string{"nobody"},
		},
		{
			name:     "by id",
			args:     []string{"--app", "app-bar"},
			contains: []string{"deny when:"},
			excludes: []string{"approve when:"},
		},
		{
			name:     "other directory",
			args:     []string{"--app", "bar", "--directory", "azure"},
			contains: []string{"no applicable rules"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := testApp(t)
			args := append([]string{"rules", "check", "--workspace", "ws1"}, tt.args...)
			out, err := execute(t, a, "", args...)
			require.NoError(t, err)
			for _, s := range tt.contains {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.excludes {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestRulesCheck_UnknownApp(t *testing.T) {
	_, err := execute(t, testApp(t), "", "rules", "check", "--workspace", "ws1", "--app", "nope")
	assert.Error(t, err)
}

func TestTurn_Args(t *testing.T) {
	out, err := execute(t, testApp(t), "", "turn", "--workspace", "ws1", "--conversation", "c1", "I", "need", "fooquery")
	require.NoError(t, err)
	assert.Equal(t, "[information_agent] Which role do you need?\n", out)
}

func TestTurn_Stdin(t *testing.T) {
	a := testApp(t)
	a.cfg.Service.DataDir = t.TempDir()

	out, err := execute(t, a, "I need fooquery\n\nthe reader role\n", "turn", "--workspace", "ws1", "--conversation", "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "[information_agent]"))
}

func TestTurn_RequiresFlags(t *testing.T) {
	_, err := execute(t, testApp(t), "", "turn", "hello")
	assert.Error(t, err)
}

type fakeIngester struct {
	docs []retriever.Document
	err  error
}

func (f *fakeIngester) Ingest(_ context.Context, doc retriever.Document) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.docs = append(f.docs, doc)
	return len(strings.Fields(doc.Content)), nil
}

func TestIngestFiles(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "onboarding.md")
	b := filepath.Join(dir, "roles.md")
	require.NoError(t, os.WriteFile(a, []byte("Reader role for analysts"), 0o600))
	require.NoError(t, os.WriteFile(b, []byte("Admin role"), 0o600))

	in := &fakeIngester{}
	var out bytes.Buffer
	require.NoError(t, ingestFiles(context.Background(), in, &out, "ws1", "fooquery", []string{a, b}))

	require.Len(t, in.docs, 2)
	assert.Equal(t, "onboarding.md", in.docs[0].Source)
	assert.Equal(t, "fooquery", in.docs[0].AppName)
	assert.Equal(t, "ws1", in.docs[1].WorkspaceID)
	assert.Contains(t, out.String(), "ingested 6 chunks from 2 files")

	in.err = errors.New("embedding quota")
	assert.Error(t, ingestFiles(context.Background(), in, &out, "ws1", "fooquery", []string{a}))
	assert.Error(t, ingestFiles(context.Background(), &fakeIngester{}, &out, "ws1", "fooquery", []string{filepath.Join(dir, "missing.md")}))
}

func TestIngest_RequiresWeaviate(t *testing.T) {
	_, err := execute(t, testApp(t), "", "ingest", "--workspace", "ws1", "--app", "fooquery", "doc.md")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weaviate")
}
