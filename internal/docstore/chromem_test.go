package docstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/civitaslabs/policyd/internal/taxonomy"
)

// hashEmbedder produces deterministic unit vectors from text content so
// tests can run without a real embedding service. Similar prefixes yield
// similar vectors.
type hashEmbedder struct {
	dim int
}

func (e *hashEmbedder) embed(text string) []float32 {
	vec := make([]float32, e.dim)
	for i, r := range text {
		vec[(i+int(r))%e.dim] += float32(r%13) + 1
	}
	var sumSquares float32
	for _, v := range vec {
		sumSquares += v * v
	}
	norm := sqrt32(sumSquares)
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

func (e *hashEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.embed(t)
	}
	return out, nil
}

func (e *hashEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.embed(text), nil
}

// sqrt32 computes a square root via Newton's method, enough precision for
// normalizing test vectors.
func sqrt32(x float32) float32 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 12; i++ {
		z = (z + x/z) / 2
	}
	return z
}

// failingEmbedder always errors, for embedding-failure paths.
type failingEmbedder struct{}

func (f *failingEmbedder) EmbedDocuments(context.Context, []string) ([][]float32, error) {
	return nil, fmt.Errorf("embedding service down")
}

func (f *failingEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("embedding service down")
}

func newTestStore(t *testing.T) *ChromemStore {
	t.Helper()
	store, err := NewChromemStore(ChromemConfig{
		Path:       t.TempDir(),
		VectorSize: 64,
	}, &hashEmbedder{dim: 64}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testDocuments() []Document {
	published := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	return []Document{
		{
			ID:          "doc-jeonse-loan",
			Title:       "전세자금대출 지원 안내",
			Category:    taxonomy.HousingFinance,
			Body:        "무주택 세대주를 위한 전세자금대출 보증 및 이자 지원 정책입니다.",
			Agency:      "국토교통부",
			PublishedAt: published,
			SourceURL:   "https://example.go.kr/housing/jeonse",
		},
		{
			ID:          "doc-birth-grant",
			Title:       "출산 지원금 신청 안내",
			Category:    taxonomy.Welfare,
			Body:        "출산 가정에 지급되는 첫만남이용권과 양육수당 안내입니다.",
			Agency:      "보건복지부",
			PublishedAt: published,
			SourceURL:   "https://example.go.kr/welfare/birth",
		},
		{
			ID:          "doc-id-copy",
			Title:       "주민등록등본 발급 방법",
			Category:    taxonomy.AdminProcedure,
			Body:        "정부24에서 주민등록등본을 온라인으로 발급받는 절차입니다.",
			Agency:      "행정안전부",
			PublishedAt: published,
			SourceURL:   "https://example.go.kr/admin/id-copy",
		},
	}
}

func TestNewChromemStore(t *testing.T) {
	t.Run("nil embedder", func(t *testing.T) {
		_, err := NewChromemStore(ChromemConfig{Path: t.TempDir()}, nil, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("defaults applied", func(t *testing.T) {
		store := newTestStore(t)
		count, err := store.Count(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}

func TestChromemStoreAddDocuments(t *testing.T) {
	ctx := context.Background()

	t.Run("empty batch", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.AddDocuments(ctx, nil)
		assert.ErrorIs(t, err, ErrEmptyDocuments)
	})

	t.Run("missing ID", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.AddDocuments(ctx, []Document{{Title: "무제"}})
		require.Error(t, err)
	})

	t.Run("embedding failure", func(t *testing.T) {
		store, err := NewChromemStore(ChromemConfig{
			Path: t.TempDir(),
		}, &failingEmbedder{}, zap.NewNop())
		require.NoError(t, err)
		defer store.Close()

		_, err = store.AddDocuments(ctx, testDocuments())
		assert.ErrorIs(t, err, ErrEmbeddingFailed)
	})

	t.Run("stores batch", func(t *testing.T) {
		store := newTestStore(t)
		ids, err := store.AddDocuments(ctx, testDocuments())
		require.NoError(t, err)
		assert.Len(t, ids, 3)

		count, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	})
}

func TestChromemStoreSearch(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid k", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.Search(ctx, "전세 대출", 0, Filter{})
		require.Error(t, err)
	})

	t.Run("empty query", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.Search(ctx, "", 3, Filter{})
		require.Error(t, err)
	})

	t.Run("empty collection returns no hits", func(t *testing.T) {
		store := newTestStore(t)
		hits, err := store.Search(ctx, "전세 대출", 3, Filter{})
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("finds matching document", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.AddDocuments(ctx, testDocuments())
		require.NoError(t, err)

		hits, err := store.Search(ctx, "전세자금대출 지원 안내", 3, Filter{})
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		assert.Equal(t, "doc-jeonse-loan", hits[0].Document.ID)
	})

	t.Run("scores are non-increasing", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.AddDocuments(ctx, testDocuments())
		require.NoError(t, err)

		hits, err := store.Search(ctx, "지원 정책 안내", 3, Filter{})
		require.NoError(t, err)
		for i := 1; i < len(hits); i++ {
			assert.LessOrEqual(t, hits[i].Score, hits[i-1].Score,
				"hit %d should not outscore hit %d", i, i-1)
		}
	})

	t.Run("k larger than collection is capped", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.AddDocuments(ctx, testDocuments())
		require.NoError(t, err)

		hits, err := store.Search(ctx, "지원", 50, Filter{})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(hits), 3)
	})

	t.Run("category filter", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.AddDocuments(ctx, testDocuments())
		require.NoError(t, err)

		hits, err := store.Search(ctx, "지원 안내", 3, Filter{Category: taxonomy.Welfare})
		require.NoError(t, err)
		for _, h := range hits {
			assert.Equal(t, taxonomy.Welfare, h.Document.Category)
		}
	})

	t.Run("metadata round-trip", func(t *testing.T) {
		store := newTestStore(t)
		docs := testDocuments()
		_, err := store.AddDocuments(ctx, docs)
		require.NoError(t, err)

		hits, err := store.Search(ctx, "주민등록등본 발급 방법", 3, Filter{Category: taxonomy.AdminProcedure})
		require.NoError(t, err)
		require.NotEmpty(t, hits)

		got := hits[0].Document
		assert.Equal(t, "doc-id-copy", got.ID)
		assert.Equal(t, "주민등록등본 발급 방법", got.Title)
		assert.Equal(t, "행정안전부", got.Agency)
		assert.Equal(t, docs[2].PublishedAt, got.PublishedAt)
		assert.Equal(t, "https://example.go.kr/admin/id-copy", got.SourceURL)
	})
}

func TestChromemStorePersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	embedder := &hashEmbedder{dim: 64}

	store, err := NewChromemStore(ChromemConfig{Path: dir}, embedder, zap.NewNop())
	require.NoError(t, err)
	_, err = store.AddDocuments(ctx, testDocuments())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewChromemStore(ChromemConfig{Path: dir}, embedder, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}
