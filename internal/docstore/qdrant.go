package docstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	qdrant "github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/civitaslabs/policyd/internal/taxonomy"
)

var qdrantTracer = otel.Tracer("policyd.docstore.qdrant")

// QdrantConfig holds configuration for the Qdrant-backed store.
type QdrantConfig struct {
	// Host is the Qdrant gRPC host. Default: "localhost".
	Host string

	// Port is the Qdrant gRPC port. Default: 6334.
	Port int

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool

	// Collection is the document collection name.
	// Default: "policy_documents".
	Collection string

	// VectorSize is the embedding dimension. Default: 384.
	VectorSize int

	// MaxMessageSize caps gRPC message sizes. Default: 32MB.
	MaxMessageSize int
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.Collection == "" {
		c.Collection = "policy_documents"
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 32 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c *QdrantConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize <= 0 {
		return fmt.Errorf("%w: vector size must be positive", ErrInvalidConfig)
	}
	return nil
}

// QdrantStore implements Store against an external Qdrant instance over
// gRPC. Used for deployments where the corpus outgrows the embedded store.
type QdrantStore struct {
	client   *qdrant.Client
	embedder Embedder
	config   QdrantConfig
	logger   *zap.Logger
}

// NewQdrantStore creates a QdrantStore and ensures the collection exists.
func NewQdrantStore(config QdrantConfig, embedder Embedder, logger *zap.Logger) (*QdrantStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   config.Host,
		Port:   config.Port,
		UseTLS: config.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
				grpc.MaxCallSendMsgSize(config.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s := &QdrantStore{
		client:   client,
		embedder: embedder,
		config:   config,
		logger:   logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	logger.Info("qdrant docstore initialized",
		zap.String("host", config.Host),
		zap.Int("port", config.Port),
		zap.String("collection", config.Collection),
		zap.Int("vector_size", config.VectorSize),
	)

	return s, nil
}

// ensureCollection creates the document collection if missing.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.config.Collection)
	if err != nil {
		return wrapQdrantErr("checking collection", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.config.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.config.VectorSize),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return wrapQdrantErr("creating collection", err)
	}
	return nil
}

// pointID derives a stable Qdrant point UUID from a document ID, so
// re-ingesting a document upserts rather than duplicates.
func pointID(docID string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(uuid.NameSpaceOID, []byte(docID)).String())
}

// AddDocuments embeds and upserts a batch of documents.
func (s *QdrantStore) AddDocuments(ctx context.Context, docs []Document) ([]string, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.AddDocuments")
	defer span.End()
	span.SetAttributes(attribute.Int("document_count", len(docs)))

	if len(docs) == 0 {
		return nil, ErrEmptyDocuments
	}

	texts := make([]string, len(docs))
	ids := make([]string, len(docs))
	for i, doc := range docs {
		if doc.ID == "" {
			return nil, fmt.Errorf("document at index %d has no ID", i)
		}
		ids[i] = doc.ID
		texts[i] = doc.Title + "\n" + doc.Body
	}

	embeddings, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	points := make([]*qdrant.PointStruct, len(docs))
	for i, doc := range docs {
		points[i] = &qdrant.PointStruct{
			Id:      pointID(doc.ID),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: qdrant.NewValueMap(map[string]any{
				"doc_id":      doc.ID,
				metaTitle:     doc.Title,
				metaCategory:  string(doc.Category),
				"body":        doc.Body,
				metaAgency:    doc.Agency,
				metaPublished: doc.PublishedAt.UTC().Format(time.RFC3339),
				metaSourceURL: doc.SourceURL,
			}),
		}
	}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.config.Collection,
		Points:         points,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, wrapQdrantErr("upserting points", err)
	}

	span.SetStatus(codes.Ok, "success")
	return ids, nil
}

// Search performs nearest-neighbor search against Qdrant.
func (s *QdrantStore) Search(ctx context.Context, query string, k int, filter Filter) ([]Hit, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", s.config.Collection),
		attribute.Int("k", k),
	)

	if k <= 0 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	var qf *qdrant.Filter
	if filter.Category != "" {
		qf = &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch(metaCategory, string(filter.Category)),
			},
		}
	}

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.config.Collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         qf,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, wrapQdrantErr("querying points", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, p := range results {
		hits = append(hits, Hit{
			Document: documentFromPayload(p.Payload),
			Score:    p.Score,
		})
	}

	span.SetAttributes(attribute.Int("results_count", len(hits)))
	span.SetStatus(codes.Ok, "success")
	return hits, nil
}

// Count returns the number of stored documents.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.config.Collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, wrapQdrantErr("counting points", err)
	}
	return int(n), nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// documentFromPayload reconstructs a Document from a Qdrant payload.
func documentFromPayload(payload map[string]*qdrant.Value) Document {
	get := func(key string) string {
		if v, ok := payload[key]; ok {
			return v.GetStringValue()
		}
		return ""
	}
	publishedAt, _ := time.Parse(time.RFC3339, get(metaPublished))
	return Document{
		ID:          get("doc_id"),
		Title:       get(metaTitle),
		Category:    taxonomy.Category(get(metaCategory)),
		Body:        get("body"),
		Agency:      get(metaAgency),
		PublishedAt: publishedAt,
		SourceURL:   get(metaSourceURL),
	}
}

// wrapQdrantErr maps transport-level gRPC failures to ErrUnavailable so the
// orchestrator can distinguish retryable outages from permanent errors.
func wrapQdrantErr(op string, err error) error {
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case grpccodes.Unavailable, grpccodes.DeadlineExceeded, grpccodes.Aborted:
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
