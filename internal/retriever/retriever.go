// Package retriever turns an analyzed query into a ranked list of policy
// document candidates. It owns threshold filtering, deduplication,
// deterministic ordering, and snippet extraction; the vector search itself
// is delegated to the document store.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/civitaslabs/policyd/internal/analyzer"
	"github.com/civitaslabs/policyd/internal/docstore"
	"github.com/civitaslabs/policyd/internal/taxonomy"
)

var tracer = otel.Tracer("policyd.retriever")

// ErrStoreUnavailable is returned when the document store cannot be
// reached. The orchestrator retries with backoff before degrading.
var ErrStoreUnavailable = errors.New("document store unavailable")

// Candidate is a retrieved document with its relevance score and the
// snippet most relevant to the query.
type Candidate struct {
	Document docstore.Document
	Score    float32
	Snippet  string
}

// Config tunes retrieval.
type Config struct {
	// TopK is the maximum number of candidates returned. Default: 5.
	TopK int

	// ScoreThreshold drops candidates scoring below it. Default: 0.25.
	ScoreThreshold float32

	// Rerank enables the term-overlap second pass, which blends the
	// vector score with lexical overlap against the resolved query.
	Rerank bool

	// SnippetMaxRunes caps extracted snippet length. Default: 240.
	SnippetMaxRunes int
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.ScoreThreshold <= 0 {
		c.ScoreThreshold = 0.25
	}
	if c.SnippetMaxRunes <= 0 {
		c.SnippetMaxRunes = 240
	}
}

// Retriever searches the document store and ranks the results.
type Retriever struct {
	store  docstore.Store
	config Config
	logger *zap.Logger
}

// New creates a Retriever backed by the given store.
func New(store docstore.Store, config Config, logger *zap.Logger) (*Retriever, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	return &Retriever{store: store, config: config, logger: logger}, nil
}

// Retrieve searches for documents relevant to the analyzed query.
//
// An empty result means no document cleared the score threshold; that is a
// valid outcome, not an error. ErrStoreUnavailable (wrapped) means the
// store could not be reached and the call may be retried.
func (r *Retriever) Retrieve(ctx context.Context, analysis analyzer.Analysis) ([]Candidate, error) {
	ctx, span := tracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()

	query := analysis.ResolvedQuery
	if query == "" {
		query = analysis.Query
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}

	filter := docstore.Filter{}
	if analysis.Category != "" && analysis.Category != taxonomy.Unclassified {
		filter.Category = analysis.Category
	}
	span.SetAttributes(
		attribute.String("category", string(filter.Category)),
		attribute.Int("top_k", r.config.TopK),
	)

	// Over-fetch so threshold filtering and dedup still leave enough
	// candidates to fill top-k.
	fetchK := r.config.TopK * 3
	hits, err := r.store.Search(ctx, query, fetchK, filter)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, docstore.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return nil, fmt.Errorf("search failed: %w", err)
	}

	candidates := r.rank(query, hits)
	span.SetAttributes(attribute.Int("candidates", len(candidates)))
	r.logger.Debug("retrieval complete",
		zap.Int("hits", len(hits)),
		zap.Int("candidates", len(candidates)),
		zap.String("category", string(filter.Category)))
	return candidates, nil
}

// rank applies threshold filtering, dedup, deterministic ordering, the
// optional rerank pass, and top-k truncation.
func (r *Retriever) rank(query string, hits []docstore.Hit) []Candidate {
	queryTokens := tokenize(query)

	seen := make(map[string]bool, len(hits))
	candidates := make([]Candidate, 0, len(hits))
	for _, hit := range hits {
		if hit.Score < r.config.ScoreThreshold {
			continue
		}
		if seen[hit.Document.ID] {
			continue
		}
		seen[hit.Document.ID] = true
		candidates = append(candidates, Candidate{
			Document: hit.Document,
			Score:    hit.Score,
			Snippet:  extractSnippet(hit.Document.Body, queryTokens, r.config.SnippetMaxRunes),
		})
	}

	if r.config.Rerank && len(queryTokens) > 0 {
		rerank(candidates, queryTokens)
	}

	// Equal scores order by publish date descending, then ID ascending,
	// so repeated queries always see the same ranking.
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Document.PublishedAt.Equal(b.Document.PublishedAt) {
			return a.Document.PublishedAt.After(b.Document.PublishedAt)
		}
		return a.Document.ID < b.Document.ID
	})

	if len(candidates) > r.config.TopK {
		candidates = candidates[:r.config.TopK]
	}
	return candidates
}

// rerank blends the vector score with lexical term overlap between the
// query and the document. The vector score keeps the larger weight so
// semantic matches with unusual wording are not buried.
func rerank(candidates []Candidate, queryTokens []string) {
	const vectorWeight = 0.7
	const overlapWeight = 0.3
	for i := range candidates {
		doc := candidates[i].Document
		docTokens := tokenize(doc.Title + " " + doc.Body)
		overlap := termOverlap(queryTokens, docTokens)
		candidates[i].Score = vectorWeight*candidates[i].Score + overlapWeight*overlap
	}
}

// tokenize splits text into lowercased terms, dropping single-rune tokens.
// Splitting on anything that is not a letter or digit keeps Korean words
// intact while stripping punctuation.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if utf8.RuneCountInString(f) < 2 {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

// termOverlap returns the fraction of unique query tokens present in the
// document tokens, in [0, 1].
func termOverlap(queryTokens, docTokens []string) float32 {
	if len(queryTokens) == 0 {
		return 0
	}
	docSet := make(map[string]bool, len(docTokens))
	for _, t := range docTokens {
		docSet[t] = true
	}
	unique := make(map[string]bool, len(queryTokens))
	for _, t := range queryTokens {
		unique[t] = true
	}
	matched := 0
	for t := range unique {
		if docSet[t] {
			matched++
		}
	}
	return float32(matched) / float32(len(unique))
}

// extractSnippet returns the sentence window of body with the highest term
// overlap against the query, trimmed to maxRunes. Falls back to the start
// of the body when nothing overlaps.
func extractSnippet(body string, queryTokens []string, maxRunes int) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	sentences := splitSentences(body)
	if len(sentences) == 0 {
		return truncateRunes(body, maxRunes)
	}

	best, bestScore := 0, float32(-1)
	for i, s := range sentences {
		score := termOverlap(queryTokens, tokenize(s))
		if score > bestScore {
			best, bestScore = i, score
		}
	}

	// Grow the window around the best sentence until the rune budget is
	// spent, preferring the following sentence for continuity.
	snippet := sentences[best]
	next := best + 1
	for next < len(sentences) {
		grown := snippet + " " + sentences[next]
		if utf8.RuneCountInString(grown) > maxRunes {
			break
		}
		snippet = grown
		next++
	}
	return truncateRunes(snippet, maxRunes)
}

// splitSentences breaks text on Korean and Latin sentence terminators.
func splitSentences(text string) []string {
	raw := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	sentences := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
