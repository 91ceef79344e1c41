package retriever

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civitaslabs/policyd/internal/analyzer"
	"github.com/civitaslabs/policyd/internal/docstore"
	"github.com/civitaslabs/policyd/internal/taxonomy"
)

// stubStore returns canned hits and records the last search call.
type stubStore struct {
	hits       []docstore.Hit
	err        error
	lastQuery  string
	lastK      int
	lastFilter docstore.Filter
}

func (s *stubStore) AddDocuments(ctx context.Context, docs []docstore.Document) ([]string, error) {
	return nil, errors.New("not implemented")
}

func (s *stubStore) Search(ctx context.Context, query string, k int, filter docstore.Filter) ([]docstore.Hit, error) {
	s.lastQuery = query
	s.lastK = k
	s.lastFilter = filter
	if s.err != nil {
		return nil, s.err
	}
	return s.hits, nil
}

func (s *stubStore) Count(ctx context.Context) (int, error) { return len(s.hits), nil }

func (s *stubStore) Close() error { return nil }

func doc(id, title, body string, published time.Time) docstore.Document {
	return docstore.Document{
		ID:          id,
		Title:       title,
		Category:    taxonomy.HousingFinance,
		Body:        body,
		Agency:      "국토교통부",
		PublishedAt: published,
	}
}

func analysisFor(query string) analyzer.Analysis {
	return analyzer.Analysis{Query: query, ResolvedQuery: query}
}

func TestRetrieveFiltersBelowThreshold(t *testing.T) {
	day := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &stubStore{hits: []docstore.Hit{
		{Document: doc("d1", "전세자금 대출 안내", "전세자금 대출 지원 대상 안내.", day), Score: 0.9},
		{Document: doc("d2", "무관한 문서", "무관한 내용.", day), Score: 0.1},
	}}
	r, err := New(store, Config{TopK: 5, ScoreThreshold: 0.25}, nil)
	require.NoError(t, err)

	got, err := r.Retrieve(context.Background(), analysisFor("전세 대출"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d1", got[0].Document.ID)
}

func TestRetrieveDeduplicatesByID(t *testing.T) {
	day := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	d := doc("d1", "전세자금 대출 안내", "전세자금 대출 지원.", day)
	store := &stubStore{hits: []docstore.Hit{
		{Document: d, Score: 0.9},
		{Document: d, Score: 0.8},
	}}
	r, err := New(store, Config{}, nil)
	require.NoError(t, err)

	got, err := r.Retrieve(context.Background(), analysisFor("전세 대출"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 0.9, got[0].Score, 1e-6)
}

func TestRetrieveTieBreak(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	store := &stubStore{hits: []docstore.Hit{
		{Document: doc("b-old", "문서", "본문.", older), Score: 0.5},
		{Document: doc("c-new", "문서", "본문.", newer), Score: 0.5},
		{Document: doc("a-old", "문서", "본문.", older), Score: 0.5},
	}}
	r, err := New(store, Config{}, nil)
	require.NoError(t, err)

	got, err := r.Retrieve(context.Background(), analysisFor("문서 검색"))
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Newest first; equal dates break on ID ascending.
	assert.Equal(t, "c-new", got[0].Document.ID)
	assert.Equal(t, "a-old", got[1].Document.ID)
	assert.Equal(t, "b-old", got[2].Document.ID)
}

func TestRetrieveTruncatesToTopK(t *testing.T) {
	day := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	hits := make([]docstore.Hit, 0, 8)
	for _, id := range []string{"d1", "d2", "d3", "d4", "d5", "d6", "d7", "d8"} {
		hits = append(hits, docstore.Hit{Document: doc(id, "문서", "본문.", day), Score: 0.8})
	}
	store := &stubStore{hits: hits}
	r, err := New(store, Config{TopK: 3}, nil)
	require.NoError(t, err)

	got, err := r.Retrieve(context.Background(), analysisFor("정책 문서"))
	require.NoError(t, err)
	assert.Len(t, got, 3)
	// Over-fetches beyond top-k so filtering still fills the result.
	assert.Equal(t, 9, store.lastK)
}

func TestRetrieveScoresNonIncreasing(t *testing.T) {
	day := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &stubStore{hits: []docstore.Hit{
		{Document: doc("d1", "문서", "본문.", day), Score: 0.4},
		{Document: doc("d2", "문서", "본문.", day), Score: 0.9},
		{Document: doc("d3", "문서", "본문.", day), Score: 0.6},
	}}
	r, err := New(store, Config{}, nil)
	require.NoError(t, err)

	got, err := r.Retrieve(context.Background(), analysisFor("정책 문서"))
	require.NoError(t, err)
	for i := 1; i < len(got); i++ {
		assert.GreaterOrEqual(t, got[i-1].Score, got[i].Score)
	}
}

func TestRetrieveEmptyResultIsNotError(t *testing.T) {
	store := &stubStore{hits: nil}
	r, err := New(store, Config{}, nil)
	require.NoError(t, err)

	got, err := r.Retrieve(context.Background(), analysisFor("아주 희귀한 질문"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRetrieveStoreUnavailable(t *testing.T) {
	store := &stubStore{err: docstore.ErrUnavailable}
	r, err := New(store, Config{}, nil)
	require.NoError(t, err)

	_, err = r.Retrieve(context.Background(), analysisFor("전세 대출"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestRetrieveCategoryFilter(t *testing.T) {
	store := &stubStore{}
	r, err := New(store, Config{}, nil)
	require.NoError(t, err)

	a := analysisFor("전세 대출")
	a.Category = taxonomy.HousingFinance
	_, err = r.Retrieve(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, taxonomy.HousingFinance, store.lastFilter.Category)

	a.Category = taxonomy.Unclassified
	_, err = r.Retrieve(context.Background(), a)
	require.NoError(t, err)
	assert.Empty(t, store.lastFilter.Category)
}

func TestRetrieveUsesResolvedQuery(t *testing.T) {
	store := &stubStore{}
	r, err := New(store, Config{}, nil)
	require.NoError(t, err)

	a := analyzer.Analysis{Query: "그거 신청 방법은?", ResolvedQuery: "전세 대출 신청 방법은?"}
	_, err = r.Retrieve(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, "전세 대출 신청 방법은?", store.lastQuery)
}

func TestRerankBoostsLexicalOverlap(t *testing.T) {
	day := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	store := &stubStore{hits: []docstore.Hit{
		{Document: doc("vague", "일반 공지", "행정 공지 사항입니다.", day), Score: 0.6},
		{Document: doc("exact", "전세자금 대출", "전세 대출 신청 안내입니다.", day), Score: 0.55},
	}}
	r, err := New(store, Config{Rerank: true}, nil)
	require.NoError(t, err)

	got, err := r.Retrieve(context.Background(), analysisFor("전세 대출 신청"))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "exact", got[0].Document.ID)
}

func TestExtractSnippetPicksOverlappingSentence(t *testing.T) {
	body := "첫 번째 문장은 일반적인 소개입니다. 전세자금 대출 신청은 은행 방문 또는 온라인으로 가능합니다. 마지막 문장입니다."
	snippet := extractSnippet(body, tokenize("전세자금 대출 신청"), 60)
	assert.Contains(t, snippet, "전세자금 대출 신청")
}

func TestExtractSnippetTruncates(t *testing.T) {
	long := "가나다라마바사아자차카타파하 이것은 아주 긴 본문입니다 계속해서 길어집니다 끝없이 이어집니다"
	snippet := extractSnippet(long, tokenize("본문"), 10)
	assert.LessOrEqual(t, len([]rune(snippet)), 11)
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "korean with punctuation", input: "전세 대출, 신청 방법은?", want: []string{"전세", "대출", "신청", "방법은"}},
		{name: "drops single runes", input: "a 그 대출", want: []string{"대출"}},
		{name: "lowercases latin", input: "TEI Embedding", want: []string{"tei", "embedding"}},
		{name: "empty", input: "   ", want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tokenize(tt.input))
		})
	}
}

func TestTermOverlap(t *testing.T) {
	q := tokenize("전세 대출 신청")
	assert.InDelta(t, 1.0, termOverlap(q, tokenize("전세 대출 신청 안내")), 1e-6)
	assert.InDelta(t, 1.0/3.0, termOverlap(q, tokenize("대출 상품 목록")), 1e-6)
	assert.Zero(t, termOverlap(q, tokenize("무관한 내용")))
}
