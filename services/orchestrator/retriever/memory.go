// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retriever

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/google/uuid"
)

// MemoryRetriever ranks stored passages by how many distinct query terms
// they contain. Passages matching no term are not returned.
//
// Thread Safety: safe for concurrent use.
type MemoryRetriever struct {
	mu       sync.RWMutex
	passages map[string][]Passage
}

// NewMemoryRetriever creates an empty retriever.
func NewMemoryRetriever() *MemoryRetriever {
	return &MemoryRetriever{passages: make(map[string][]Passage)}
}

// Add stores passages for a workspace. Passages without an id get one.
func (m *MemoryRetriever) Add(workspaceID string, passages ...Passage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range passages {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		m.passages[workspaceID] = append(m.passages[workspaceID], p)
	}
}

// Search implements Retriever.
func (m *MemoryRetriever) Search(ctx context.Context, q Query) ([]Passage, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := tokenSet(q.Text)
	if len(terms) == 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []Passage
	for _, p := range m.passages[q.WorkspaceID] {
		if q.AppName != "" && !strings.EqualFold(p.AppName, q.AppName) {
			continue
		}
		content := tokenSet(p.Content)
		matched := 0
		for t := range terms {
			if content[t] {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		p.Score = float32(matched) / float32(len(terms))
		hits = append(hits, p)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(f) > 2 {
			set[f] = true
		}
	}
	return set
}

var _ Retriever = (*MemoryRetriever)(nil)
