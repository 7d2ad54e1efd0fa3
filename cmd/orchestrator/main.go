// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator runs the access-request orchestrator.
//
// # Commands
//
//	orchestrator serve                               HTTP server
//	orchestrator turn --workspace ws1 --conversation c1 "I need fooquery"
//	orchestrator ingest --workspace ws1 --app fooquery docs/*.md
//	orchestrator rules check --catalog catalog.yaml --workspace ws1 --app fooquery
//
// # Environment Variables
//
// Every orchestrator.Config and logging.Config field has an environment
// variable (ACCESS_PORT, ACCESS_CATALOG, OPENAI_API_KEY, WEAVIATE_SERVICE_URL,
// LOG_LEVEL, ...). Flags override the environment.
package main

import (
	"fmt"
	"os"

	"github.com/AleutianAI/AleutianAccess/pkg/secure"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	secure.Init()
	a := &app{cfg: cfg}
	err = a.rootCmd().Execute()
	secure.Purge()
	if err != nil {
		os.Exit(1)
	}
}
