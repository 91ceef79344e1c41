package simplifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civitaslabs/policyd/internal/docstore"
	"github.com/civitaslabs/policyd/internal/genai"
	"github.com/civitaslabs/policyd/internal/retriever"
	"github.com/civitaslabs/policyd/internal/taxonomy"
)

func loanCandidate() retriever.Candidate {
	return retriever.Candidate{
		Document: docstore.Document{
			ID:          "doc-loan-1",
			Title:       "전세자금 대출 지원 안내",
			Category:    taxonomy.HousingFinance,
			Body:        "전세자금 대출 신청은 은행 방문 또는 온라인으로 가능합니다. 지원 대상은 무주택 세대주입니다.",
			Agency:      "국토교통부",
			PublishedAt: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			SourceURL:   "https://example.go.kr/loan",
		},
		Score:   0.82,
		Snippet: "전세자금 대출 신청은 은행 방문 또는 온라인으로 가능합니다.",
	}
}

func TestSimplifyGroundedAnswer(t *testing.T) {
	gen := genai.NewScriptedGenerator("전세자금 대출 신청은 은행 방문 또는 온라인으로 가능합니다 [1].")
	s, err := New(gen, Config{}, nil)
	require.NoError(t, err)

	answer, err := s.Simplify(context.Background(), "전세 대출 신청 방법", []retriever.Candidate{loanCandidate()})
	require.NoError(t, err)
	assert.False(t, answer.NoContent)
	assert.Contains(t, answer.Text, "전세자금 대출")
	assert.InDelta(t, 1.0, answer.Confidence, 1e-6)
	require.Len(t, answer.Citations, 1)
	assert.Equal(t, "doc-loan-1", answer.Citations[0].DocID)
	assert.Equal(t, "전세자금 대출 지원 안내", answer.Citations[0].Title)
	assert.Equal(t, "https://example.go.kr/loan", answer.Citations[0].SourceURL)
}

func TestSimplifyPromptCarriesSources(t *testing.T) {
	gen := genai.NewScriptedGenerator("전세자금 대출 신청은 온라인으로 가능합니다.")
	s, err := New(gen, Config{}, nil)
	require.NoError(t, err)

	_, err = s.Simplify(context.Background(), "전세 대출", []retriever.Candidate{loanCandidate()})
	require.NoError(t, err)
	require.Len(t, gen.Prompts, 1)
	assert.Contains(t, gen.Prompts[0], "[1] 전세자금 대출 지원 안내")
	assert.Contains(t, gen.Prompts[0], "질문: 전세 대출")
}

func TestSimplifyEmptyCandidatesNoContent(t *testing.T) {
	gen := genai.NewScriptedGenerator()
	s, err := New(gen, Config{}, nil)
	require.NoError(t, err)

	answer, err := s.Simplify(context.Background(), "아주 희귀한 질문", nil)
	require.NoError(t, err)
	assert.True(t, answer.NoContent)
	assert.NotEmpty(t, answer.Text)
	assert.Empty(t, answer.Citations)
	assert.Zero(t, gen.CallCount())
}

func TestSimplifyGenerationError(t *testing.T) {
	gen := genai.NewScriptedGenerator()
	gen.Err = errors.New("model endpoint timeout")
	s, err := New(gen, Config{}, nil)
	require.NoError(t, err)

	_, err = s.Simplify(context.Background(), "전세 대출", []retriever.Candidate{loanCandidate()})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGeneration)
}

func TestGroundDropsUnsupportedSentences(t *testing.T) {
	// Second sentence is fabricated: none of its terms appear in the
	// source document.
	gen := genai.NewScriptedGenerator(
		"전세자금 대출 신청은 은행 방문으로 가능합니다. 화성 이주민에게는 우주선 할인이 제공됩니다.")
	s, err := New(gen, Config{}, nil)
	require.NoError(t, err)

	answer, err := s.Simplify(context.Background(), "전세 대출", []retriever.Candidate{loanCandidate()})
	require.NoError(t, err)
	assert.Contains(t, answer.Text, "전세자금 대출 신청")
	assert.NotContains(t, answer.Text, "우주선")
	assert.InDelta(t, 0.5, answer.Confidence, 1e-6)
}

func TestGroundFallsBackToSnippet(t *testing.T) {
	gen := genai.NewScriptedGenerator("완전히 무관한 환각 내용입니다.")
	s, err := New(gen, Config{GroundingThreshold: 0.5}, nil)
	require.NoError(t, err)

	answer, err := s.Simplify(context.Background(), "전세 대출", []retriever.Candidate{loanCandidate()})
	require.NoError(t, err)
	assert.Equal(t, loanCandidate().Snippet, answer.Text)
	assert.Zero(t, answer.Confidence)
}

func TestStripCitationMarkers(t *testing.T) {
	assert.Equal(t, "신청은 온라인으로 가능합니다 .", stripCitationMarkers("신청은 온라인으로 가능합니다 [1]."))
	assert.Equal(t, "마커 없음", stripCitationMarkers("마커 없음"))
}

func TestSplitSentencesKeepsTerminators(t *testing.T) {
	got := splitSentences("첫 문장입니다. 둘째 문장입니다!")
	require.Len(t, got, 2)
	assert.Equal(t, "첫 문장입니다.", got[0])
	assert.Equal(t, "둘째 문장입니다!", got[1])
}
