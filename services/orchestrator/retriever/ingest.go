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
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
	"golang.org/x/sync/errgroup"
)

// Chunking defaults.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 100
	DefaultBatchSize    = 32
	DefaultConcurrency  = 4
)

var markdownSeparators = []string{"\n## ", "\n### ", "\n\n", "\n", " ", ""}

// knowledgeNamespace seeds deterministic chunk ids, so re-ingesting a
// document overwrites its chunks instead of duplicating them.
var knowledgeNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("aleutian-access/knowledge"))

// Document is a knowledge source to ingest.
type Document struct {
	WorkspaceID string
	AppName     string
	Source      string
	Content     string
}

// ObjectWriter stores vectorized objects.
type ObjectWriter interface {
	// WriteObjects stores objects and returns how many were accepted.
	WriteObjects(ctx context.Context, objects []*models.Object) (int, error)
}

// WeaviateWriter writes objects with the Weaviate batch API.
type WeaviateWriter struct {
	Client *weaviate.Client
	Logger *slog.Logger
}

// WriteObjects implements ObjectWriter.
func (w WeaviateWriter) WriteObjects(ctx context.Context, objects []*models.Object) (int, error) {
	resp, err := w.Client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("batch import: %w", err)
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	written := 0
	for _, item := range resp {
		if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
			for _, e := range item.Result.Errors.Error {
				logger.Warn("knowledge object rejected", "id", item.ID, "error", e.Message)
			}
			continue
		}
		written++
	}
	return written, nil
}

// Ingester chunks documents, embeds the chunks and stores them.
//
// # Description
//
// Chunks are embedded in batches of BatchSize with up to Concurrency
// batches in flight, then written in one batch request per document.
//
// # Thread Safety
//
// Safe for concurrent use.
type Ingester struct {
	Embedder    Embedder
	Writer      ObjectWriter
	BatchSize   int
	Concurrency int
	ChunkSize   int
	Overlap     int
	Logger      *slog.Logger

	now func() time.Time
}

// NewIngester creates an ingester with default chunking.
func NewIngester(embedder Embedder, writer ObjectWriter, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		Embedder:    embedder,
		Writer:      writer,
		BatchSize:   DefaultBatchSize,
		Concurrency: DefaultConcurrency,
		ChunkSize:   DefaultChunkSize,
		Overlap:     DefaultChunkOverlap,
		Logger:      logger.With("component", "ingester"),
		now:         time.Now,
	}
}

func (in *Ingester) splitter(source string) textsplitter.TextSplitter {
	opts := []textsplitter.Option{
		textsplitter.WithChunkSize(in.ChunkSize),
		textsplitter.WithChunkOverlap(in.Overlap),
	}
	if strings.EqualFold(filepath.Ext(source), ".md") {
		opts = append(opts, textsplitter.WithSeparators(markdownSeparators))
	}
	return textsplitter.NewRecursiveCharacter(opts...)
}

// Chunk splits a document into non-empty chunks.
func (in *Ingester) Chunk(doc Document) ([]string, error) {
	parts, err := in.splitter(doc.Source).SplitText(doc.Content)
	if err != nil {
		return nil, fmt.Errorf("split %s: %w", doc.Source, err)
	}
	chunks := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			chunks = append(chunks, p)
		}
	}
	return chunks, nil
}

// Ingest stores one document.
//
// # Inputs
//
//   - doc: WorkspaceID, AppName and Source are required.
//
// # Outputs
//
//   - int: Number of chunks stored.
//   - error: Chunking, embedding or write failure.
func (in *Ingester) Ingest(ctx context.Context, doc Document) (int, error) {
	if doc.WorkspaceID == "" || doc.AppName == "" || doc.Source == "" {
		return 0, errors.New("workspace id, app name and source are required")
	}
	chunks, err := in.Chunk(doc)
	if err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	vectors := make([][]float32, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(in.Concurrency, 1))
	size := max(in.BatchSize, 1)
	for start := 0; start < len(chunks); start += size {
		end := min(start+size, len(chunks))
		g.Go(func() error {
			batch, err := in.Embedder.Embed(gctx, chunks[start:end])
			if err != nil {
				return fmt.Errorf("embed chunks %d-%d: %w", start, end, err)
			}
			if len(batch) != end-start {
				return fmt.Errorf("embedder returned %d vectors for %d chunks", len(batch), end-start)
			}
			copy(vectors[start:end], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	ingestedAt := in.now().UnixMilli()
	appName := strings.ToLower(strings.TrimSpace(doc.AppName))
	objects := make([]*models.Object, len(chunks))
	for i, chunk := range chunks {
		id := uuid.NewSHA1(knowledgeNamespace, []byte(fmt.Sprintf("%s|%s|%s|%d", doc.WorkspaceID, appName, doc.Source, i)))
		objects[i] = &models.Object{
			Class:  KnowledgeClassName,
			ID:     strfmt.UUID(id.String()),
			Vector: vectors[i],
			Properties: map[string]interface{}{
				propContent:     chunk,
				propSource:      doc.Source,
				propAppName:     appName,
				propWorkspaceID: doc.WorkspaceID,
				propIngestedAt:  ingestedAt,
			},
		}
	}

	written, err := in.Writer.WriteObjects(ctx, objects)
	if err != nil {
		return written, err
	}
	in.Logger.Info("document ingested", "source", doc.Source, "app_name", appName, "chunks", len(chunks), "written", written)
	return written, nil
}
