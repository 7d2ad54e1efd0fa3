// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retriever searches workspace knowledge for passages about an
// application.
//
// # Description
//
// Retriever is the read-only contract used by retrieve_knowledge and the
// recommender. Searches are always scoped to a workspace and optionally
// to an application name. WeaviateRetriever is the vector-store adapter;
// MemoryRetriever ranks by keyword overlap and backs local runs and tests.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// DefaultLimit is the number of passages returned when Query.Limit is unset.
const DefaultLimit = 4

// MaxLimit caps Query.Limit.
const MaxLimit = 20

// ErrEmptyQuery indicates a search with no text.
var ErrEmptyQuery = errors.New("empty search query")

// Query is one similarity search.
type Query struct {
	WorkspaceID string
	Text        string

	// AppName restricts results to passages tagged with this application.
	// Empty searches the whole workspace.
	AppName string

	Limit int
}

// Normalize trims the query and applies limit defaults.
func (q Query) Normalize() (Query, error) {
	q.Text = strings.TrimSpace(q.Text)
	q.AppName = strings.TrimSpace(q.AppName)
	if q.Text == "" {
		return q, ErrEmptyQuery
	}
	if q.WorkspaceID == "" {
		return q, errors.New("workspace id is required")
	}
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultLimit
	case q.Limit > MaxLimit:
		q.Limit = MaxLimit
	}
	return q, nil
}

// Passage is one ranked search result.
type Passage struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Source  string  `json:"source,omitempty"`
	AppName string  `json:"app_name,omitempty"`
	Score   float32 `json:"score"`
}

// Retriever searches workspace knowledge.
type Retriever interface {
	// Search returns passages ranked best first, at most q.Limit of them.
	Search(ctx context.Context, q Query) ([]Passage, error)
}

// Embedder turns texts into vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// FormatPassages renders passages as a numbered list for prompts.
func FormatPassages(passages []Passage) string {
	if len(passages) == 0 {
		return ""
	}
	var b strings.Builder
	for i, p := range passages {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "[%d] ", i+1)
		if p.Source != "" {
			b.WriteString("(")
			b.WriteString(p.Source)
			b.WriteString(") ")
		}
		b.WriteString(strings.TrimSpace(p.Content))
	}
	return b.String()
}
