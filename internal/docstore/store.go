// Package docstore defines the document store interface and its
// implementations. The store holds embedded policy documents and exposes
// nearest-neighbor search to the retriever.
package docstore

import (
	"context"
	"errors"
)

// Sentinel errors for document store operations.
var (
	// ErrUnavailable is returned when the backing store cannot be reached.
	// The orchestrator treats this as retryable.
	ErrUnavailable = errors.New("document store unavailable")

	// ErrInvalidConfig indicates invalid store configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyDocuments indicates an empty or nil document batch.
	ErrEmptyDocuments = errors.New("empty or nil documents")

	// ErrEmbeddingFailed indicates embedding generation failure.
	ErrEmbeddingFailed = errors.New("failed to generate embeddings")
)

// Embedder generates vector embeddings from text.
//
// Implementations may call a local model server or a cloud API. Query and
// document embeddings must live in the same vector space.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts, one per input.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query. Some models
	// optimize queries differently from documents.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Store is the document store contract.
//
// Implementations are transport-agnostic. Search results are ordered by
// similarity score descending; ties are broken by the retriever, not here.
type Store interface {
	// AddDocuments embeds and stores a batch of documents, returning their
	// IDs. Used by fixtures and the offline ingester; the serving path is
	// read-only.
	AddDocuments(ctx context.Context, docs []Document) ([]string, error)

	// Search returns up to k documents most similar to the query text.
	// An empty result is a valid outcome, not an error. Returns
	// ErrUnavailable (possibly wrapped) when the backend is unreachable.
	Search(ctx context.Context, query string, k int, filter Filter) ([]Hit, error)

	// Count returns the number of stored documents.
	Count(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}
