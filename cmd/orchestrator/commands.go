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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/AleutianAI/AleutianAccess/pkg/logging"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/retriever"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/rules"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/store"
	"github.com/AleutianAI/AleutianAccess/services/orchestrator/turn"
	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"
)

// cliConfig is everything the environment can set.
type cliConfig struct {
	Service orchestrator.Config
	Log     logging.Config
}

func loadConfig() (cliConfig, error) {
	var cfg cliConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Log.Service == "" {
		cfg.Log.Service = orchestrator.ServiceName
	}
	return cfg, nil
}

// app carries the configuration into the commands. opts lets tests inject
// a reasoning backend.
type app struct {
	cfg    cliConfig
	opts   *orchestrator.Options
	logger *logging.Logger
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "orchestrator",
		Short:         "Multi-agent access-request orchestrator",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Log.Output == nil {
				a.cfg.Log.Output = cmd.ErrOrStderr()
			}
			logger, err := logging.New(a.cfg.Log)
			if err != nil {
				return err
			}
			a.logger = logger
			logger.Install()
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logger != nil {
				return a.logger.Close()
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfg.Log.Level, "log-level", a.cfg.Log.Level, "debug, info, warn or error")
	pf.BoolVar(&a.cfg.Log.JSON, "log-json", a.cfg.Log.JSON, "log as JSON")
	pf.StringVar(&a.cfg.Log.LogDir, "log-dir", a.cfg.Log.LogDir, "also write JSON logs under this directory")
	pf.StringVar(&a.cfg.Service.CatalogPath, "catalog", a.cfg.Service.CatalogPath, "YAML catalog of applications, directories and rules")
	pf.StringVar(&a.cfg.Service.DataDir, "data-dir", a.cfg.Service.DataDir, "Badger data directory (empty keeps data in memory)")
	pf.StringVar(&a.cfg.Service.WeaviateURL, "weaviate-url", a.cfg.Service.WeaviateURL, "Weaviate URL for knowledge retrieval")

	root.AddCommand(a.serveCmd(), a.turnCmd(), a.ingestCmd(), a.rulesCmd())
	return root
}

// =============================================================================
// serve
// =============================================================================

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP, SSE and WebSocket turn API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := orchestrator.New(a.cfg.Service, a.options())
			if err != nil {
				return err
			}
			slog.Info("Starting orchestrator",
				"port", a.cfg.Service.Port,
				"llm_backend", a.cfg.Service.LLMBackend,
				"catalog", a.cfg.Service.CatalogPath,
				"weaviate_url", a.cfg.Service.WeaviateURL,
			)
			return svc.Run(ctx)
		},
	}
	f := cmd.Flags()
	f.IntVar(&a.cfg.Service.Port, "port", a.cfg.Service.Port, "HTTP port")
	f.StringVar(&a.cfg.Service.APIKeyFile, "api-key-file", a.cfg.Service.APIKeyFile, "file holding the bearer API key for /v1")
	return cmd
}

func (a *app) options() *orchestrator.Options {
	opts := &orchestrator.Options{}
	if a.opts != nil {
		*opts = *a.opts
	}
	if opts.Logger == nil && a.logger != nil {
		opts.Logger = a.logger.Logger
	}
	return opts
}

// =============================================================================
// turn
// =============================================================================

func (a *app) turnCmd() *cobra.Command {
	var workspaceID, conversationID, threadID string

	cmd := &cobra.Command{
		Use:   "turn [text...]",
		Short: "Run turns against the local stores and print the agent-tagged stream",
		Long: `Runs one turn with the given text, or one turn per line read from
standard input when no text is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg.Service
			cfg.DisableTracing = true
			cfg.WatchCatalog = false
			svc, err := orchestrator.New(cfg, a.options())
			if err != nil {
				return err
			}
			defer svc.Close()

			out := cmd.OutOrStdout()
			run := func(text string) error {
				return runTurn(cmd.Context(), svc.Turns(), out, turn.Request{
					WorkspaceID:    workspaceID,
					ConversationID: conversationID,
					ThreadID:       threadID,
					Text:           text,
					Transport:      observability.TransportCLI,
				})
			}

			if len(args) > 0 {
				return run(strings.Join(args, " "))
			}
			sc := bufio.NewScanner(cmd.InOrStdin())
			sc.Buffer(make([]byte, 0, 64*1024), 4*turn.MaxTextLength)
			for sc.Scan() {
				text := strings.TrimSpace(sc.Text())
				if text == "" {
					continue
				}
				if err := run(text); err != nil {
					return err
				}
			}
			return sc.Err()
		},
	}
	f := cmd.Flags()
	f.StringVar(&workspaceID, "workspace", "", "workspace id")
	f.StringVar(&conversationID, "conversation", "", "conversation id")
	f.StringVar(&threadID, "thread", "", "thread id (default: the conversation id)")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}

func runTurn(ctx context.Context, svc *turn.Service, out io.Writer, req turn.Request) error {
	res, err := svc.StreamTurn(ctx, req, func(ev turn.Event) error {
		_, err := fmt.Fprintf(out, "[%s] %s\n", ev.Agent, ev.Content)
		return err
	})
	if err != nil {
		return err
	}
	if res.Conversation != nil && res.Conversation.Status.IsTerminal() {
		fmt.Fprintf(out, "(conversation %s is %s)\n", res.Conversation.ID, res.Conversation.Status)
	}
	return nil
}

// =============================================================================
// ingest
// =============================================================================

func (a *app) ingestCmd() *cobra.Command {
	var workspaceID, appName string

	cmd := &cobra.Command{
		Use:   "ingest [file...]",
		Short: "Chunk, embed and store knowledge documents for an application",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Service.WeaviateURL == "" {
				return errors.New("ingest needs --weaviate-url or WEAVIATE_SERVICE_URL")
			}
			client, err := orchestrator.NewWeaviateClient(a.cfg.Service.WeaviateURL)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := retriever.EnsureSchema(ctx, client, slog.Default()); err != nil {
				return err
			}
			embedder, err := retriever.NewOpenAIEmbedder(retriever.EmbedderConfig{
				APIKey:            a.cfg.Service.OpenAIAPIKey,
				Model:             a.cfg.Service.EmbeddingModel,
				BaseURL:           a.cfg.Service.OpenAIBaseURL,
				RequestsPerSecond: a.cfg.Service.LLMRequestsPerSecond,
			})
			if err != nil {
				return err
			}
			ingester := retriever.NewIngester(embedder, retriever.WeaviateWriter{Client: client}, slog.Default())
			return ingestFiles(ctx, ingester, cmd.OutOrStdout(), workspaceID, appName, args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&workspaceID, "workspace", "", "workspace id")
	f.StringVar(&appName, "app", "", "application the documents describe")
	_ = cmd.MarkFlagRequired("workspace")
	_ = cmd.MarkFlagRequired("app")
	return cmd
}

// documentIngester is what ingestFiles needs from retriever.Ingester.
type documentIngester interface {
	Ingest(ctx context.Context, doc retriever.Document) (int, error)
}

func ingestFiles(ctx context.Context, in documentIngester, out io.Writer, workspaceID, appName string, paths []string) error {
	total := 0
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		n, err := in.Ingest(ctx, retriever.Document{
			WorkspaceID: workspaceID,
			AppName:     appName,
			Source:      filepath.Base(path),
			Content:     string(raw),
		})
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		fmt.Fprintf(out, "%s: %d chunks\n", path, n)
		total += n
	}
	fmt.Fprintf(out, "ingested %d chunks from %d files\n", total, len(paths))
	return nil
}

// =============================================================================
// rules check
// =============================================================================

func (a *app) rulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect workspace rules",
	}

	var workspaceID, appName, directoryID string
	check := &cobra.Command{
		Use:   "check",
		Short: "Print the approve and deny rules applicable to an application",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Service.CatalogPath == "" {
				return errors.New("rules check needs --catalog or ACCESS_CATALOG")
			}
			catalog, err := store.NewFileCatalog(a.cfg.Service.CatalogPath, slog.Default())
			if err != nil {
				return err
			}
			return checkRules(cmd.Context(), catalog.Catalog, cmd.OutOrStdout(), workspaceID, appName, directoryID)
		},
	}
	f := check.Flags()
	f.StringVar(&workspaceID, "workspace", "", "workspace id")
	f.StringVar(&appName, "app", "", "application name, alias or id")
	f.StringVar(&directoryID, "directory", "", "directory id (default: the application's directory)")
	_ = check.MarkFlagRequired("workspace")
	_ = check.MarkFlagRequired("app")

	rulesCmd.AddCommand(check)
	return rulesCmd
}

func checkRules(ctx context.Context, catalog *store.Catalog, out io.Writer, workspaceID, appName, directoryID string) error {
	application, err := catalog.ResolveApplication(ctx, workspaceID, appName)
	if err != nil {
		if !errors.Is(err, domain.ErrResolution) {
			return err
		}
		application, err = catalog.GetApplication(ctx, workspaceID, appName)
		if err != nil {
			return err
		}
	}
	if directoryID == "" {
		directoryID = application.DirectoryID
	}

	sel, err := rules.NewEngine(catalog, nil, slog.Default()).GetRules(ctx, workspaceID, directoryID, application.ID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "application %s (%s) in directory %s\n", application.Name, application.ID, directoryID)
	if sel.Empty() {
		fmt.Fprintf(out, "no applicable rules: requests are denied (%s)\n", rules.NoRulesRationale)
		return nil
	}
	if len(sel.Approve) > 0 {
		fmt.Fprintf(out, "approve when:\n%s\n", rules.Render(sel.Approve))
	}
	if len(sel.Deny) > 0 {
		fmt.Fprintf(out, "deny when:\n%s\n", rules.Render(sel.Deny))
	}
	return nil
}
