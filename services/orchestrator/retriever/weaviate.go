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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianAccess/services/orchestrator/observability"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// KnowledgeClassName is the Weaviate class holding knowledge chunks.
const KnowledgeClassName = "AccessKnowledge"

// Knowledge object properties.
const (
	propContent     = "content"
	propSource      = "source"
	propAppName     = "app_name"
	propWorkspaceID = "workspace_id"
	propIngestedAt  = "ingested_at"
)

// KnowledgeSchema returns the class definition for knowledge chunks.
// Vectors are supplied by the Embedder, so the class has no vectorizer.
func KnowledgeSchema() *models.Class {
	filterable := new(bool)
	*filterable = true

	return &models.Class{
		Class:       KnowledgeClassName,
		Description: "Chunks of application documentation used to recommend access",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:         propContent,
				DataType:     []string{"text"},
				Description:  "Chunk text",
				Tokenization: "word",
			},
			{
				Name:            propSource,
				DataType:        []string{"text"},
				Description:     "Document the chunk came from",
				IndexFilterable: filterable,
				Tokenization:    "field",
			},
			{
				Name:            propAppName,
				DataType:        []string{"text"},
				Description:     "Application the document describes",
				IndexFilterable: filterable,
				Tokenization:    "field",
			},
			{
				Name:            propWorkspaceID,
				DataType:        []string{"text"},
				Description:     "Owning workspace, for tenant isolation",
				IndexFilterable: filterable,
				Tokenization:    "field",
			},
			{
				Name:        propIngestedAt,
				DataType:    []string{"int"},
				Description: "Ingestion time in unix milliseconds",
			},
		},
	}
}

// EnsureSchema creates the knowledge class if it does not exist.
//
// Description:
//
//	Idempotent: an existing class is left untouched.
//
// Inputs:
//
//	ctx - Context for cancellation
//	client - Weaviate client
//	logger - Receives progress messages; nil uses slog.Default()
//
// Outputs:
//
//	error - Non-nil if the class could not be created
func EnsureSchema(ctx context.Context, client *weaviate.Client, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := client.Schema().ClassGetter().WithClassName(KnowledgeClassName).Do(ctx); err == nil {
		logger.Debug("knowledge schema already exists", "class", KnowledgeClassName)
		return nil
	}
	logger.Info("creating knowledge schema", "class", KnowledgeClassName)
	if err := client.Schema().ClassCreator().WithClass(KnowledgeSchema()).Do(ctx); err != nil {
		return fmt.Errorf("create %s schema: %w", KnowledgeClassName, err)
	}
	return nil
}

// knowledgeResponse is the GraphQL Get shape for KnowledgeClassName.
type knowledgeResponse struct {
	Get struct {
		AccessKnowledge []knowledgeResult `json:"AccessKnowledge"`
	} `json:"Get"`
}

type knowledgeResult struct {
	Content    string `json:"content"`
	Source     string `json:"source"`
	AppName    string `json:"app_name"`
	Additional struct {
		ID        string   `json:"id"`
		Certainty *float32 `json:"certainty"`
	} `json:"_additional"`
}

// parseGraphQL converts Weaviate's dynamic response into T.
func parseGraphQL[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, errors.New("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("graphql: %s", resp.Errors[0].Message)
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal GraphQL data: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal GraphQL data: %w", err)
	}
	return &out, nil
}

// WeaviateRetriever implements Retriever with a nearVector search.
//
// # Description
//
// The query text is embedded and matched against KnowledgeClassName,
// filtered by workspace_id and, when set, app_name. Results are ranked by
// Weaviate certainty.
//
// # Thread Safety
//
// Safe for concurrent use.
type WeaviateRetriever struct {
	client   *weaviate.Client
	embedder Embedder
	logger   *slog.Logger
}

// NewWeaviateRetriever creates a retriever.
func NewWeaviateRetriever(client *weaviate.Client, embedder Embedder, logger *slog.Logger) (*WeaviateRetriever, error) {
	if client == nil || embedder == nil {
		return nil, errors.New("weaviate client and embedder are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WeaviateRetriever{client: client, embedder: embedder, logger: logger.With("component", "retriever")}, nil
}

// Search implements Retriever.
func (r *WeaviateRetriever) Search(ctx context.Context, q Query) (passages []Passage, err error) {
	q, err = q.Normalize()
	if err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer("retriever").Start(ctx, "retriever.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("workspace_id", q.WorkspaceID),
		attribute.String("app_name", q.AppName),
		attribute.Int("limit", q.Limit),
	)
	defer func() {
		observability.RecordRetrieval(err == nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "search failed")
		}
	}()

	vectors, err := r.embedder.Embed(ctx, []string{q.Text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vectors))
	}

	result, err := r.client.GraphQL().Get().
		WithClassName(KnowledgeClassName).
		WithFields(
			graphql.Field{Name: propContent},
			graphql.Field{Name: propSource},
			graphql.Field{Name: propAppName},
			graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "certainty"}}},
		).
		WithWhere(scopeFilter(q)).
		WithNearVector(r.client.GraphQL().NearVectorArgBuilder().WithVector(vectors[0])).
		WithLimit(q.Limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate search: %w", err)
	}

	parsed, err := parseGraphQL[knowledgeResponse](result)
	if err != nil {
		return nil, err
	}
	passages = make([]Passage, 0, len(parsed.Get.AccessKnowledge))
	for _, hit := range parsed.Get.AccessKnowledge {
		p := Passage{ID: hit.Additional.ID, Content: hit.Content, Source: hit.Source, AppName: hit.AppName}
		if hit.Additional.Certainty != nil {
			p.Score = *hit.Additional.Certainty
		}
		passages = append(passages, p)
	}
	span.SetAttributes(attribute.Int("results", len(passages)))
	r.logger.Debug("knowledge search", "workspace_id", q.WorkspaceID, "app_name", q.AppName, "results", len(passages))
	return passages, nil
}

// scopeFilter restricts a search to the workspace and, when set, the
// application. App names are stored lowercased.
func scopeFilter(q Query) *filters.WhereBuilder {
	workspace := filters.Where().
		WithPath([]string{propWorkspaceID}).
		WithOperator(filters.Equal).
		WithValueString(q.WorkspaceID)
	if q.AppName == "" {
		return workspace
	}
	return filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			workspace,
			filters.Where().
				WithPath([]string{propAppName}).
				WithOperator(filters.Equal).
				WithValueString(strings.ToLower(q.AppName)),
		})
}

var _ Retriever = (*WeaviateRetriever)(nil)
