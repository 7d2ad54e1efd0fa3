// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backends

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/AleutianAccess/services/orchestrator/domain"
	"golang.org/x/sync/errgroup"
)

// RelevantDataQuery selects the requester whose data is fetched.
type RelevantDataQuery struct {
	WorkspaceID    string
	DirectoryID    string
	RequesterEmail string
}

// RelevantData is what the adjudicator sees about a requester.
type RelevantData struct {
	Found        bool                  `json:"found"`
	User         *domain.DirectoryUser `json:"user,omitempty"`
	Entitlements []string              `json:"entitlements"`
}

// FetchRelevantData reads the requester's profile and current entitlements
// concurrently.
//
// Description:
//
//	An unknown user is not an error: Found is false and the adjudicator
//	decides with what it has. Any other directory failure is returned.
//
// Inputs:
//
//	ctx - Cancels both lookups.
//	client - Directory to read from.
//	query - Workspace, directory and requester.
//
// Outputs:
//
//	*RelevantData - Never nil on success.
//	error - Non-nil if either lookup fails for a reason other than not found.
func FetchRelevantData(ctx context.Context, client DirectoryClient, query RelevantDataQuery) (*RelevantData, error) {
	if query.RequesterEmail == "" {
		return nil, domain.NewValidationError("user_email", "is required")
	}
	out := &RelevantData{Entitlements: []string{}}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		user, err := client.GetUser(gctx, query.WorkspaceID, query.DirectoryID, query.RequesterEmail)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}
		out.User = user
		out.Found = true
		return nil
	})

	var entitlements []string
	g.Go(func() error {
		ents, err := client.ListEntitlements(gctx, query.WorkspaceID, query.DirectoryID, query.RequesterEmail)
		if err != nil {
			return fmt.Errorf("list entitlements: %w", err)
		}
		entitlements = ents
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if entitlements != nil {
		out.Entitlements = entitlements
	}
	return out, nil
}
