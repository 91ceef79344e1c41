package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"github.com/civitaslabs/policyd/internal/config"
	"github.com/civitaslabs/policyd/internal/docstore"
	"github.com/civitaslabs/policyd/internal/taxonomy"
)

// runIngest loads policy documents from a JSON file into the configured
// document store. The file holds an array of documents:
//
//	[{"id": "...", "title": "...", "category": "housing-finance",
//	  "body": "...", "agency": "...", "published_at": "2025-03-01T00:00:00Z",
//	  "source_url": "..."}]
//
// The serving path never writes to the store; this subcommand is the
// offline half of the indexing job.
func runIngest(ctx context.Context, path string) error {
	cfg, err := config.LoadWithFile(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var docs []docstore.Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(docs) == 0 {
		return fmt.Errorf("%s contains no documents", path)
	}
	for i, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document %d has no id", i)
		}
		if doc.Title == "" || doc.Body == "" {
			return fmt.Errorf("document %q has no title or body", doc.ID)
		}
		if !taxonomy.Valid(doc.Category) {
			return fmt.Errorf("document %q has unknown category %q", doc.ID, doc.Category)
		}
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := newDocStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize document store: %w", err)
	}
	defer store.Close()

	ids, err := store.AddDocuments(ctx, docs)
	if err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}

	total, err := store.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count documents: %w", err)
	}

	log.Printf("Ingested %d documents (%d total in store)", len(ids), total)
	return nil
}
