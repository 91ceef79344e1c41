// Package analyzer turns a raw user query into a structured analysis:
// category, intent, keywords, and follow-up resolution against session
// history. An LLM does the heavy lifting; a rule-based path covers
// degraded operation.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/civitaslabs/policyd/internal/genai"
	"github.com/civitaslabs/policyd/internal/session"
	"github.com/civitaslabs/policyd/internal/taxonomy"
)

var tracer = otel.Tracer("policyd.analyzer")

// ErrUnavailable indicates the LLM-backed analysis path failed. Callers
// retry, then fall back to Fallback.
var ErrUnavailable = errors.New("analyzer unavailable")

// Intent classifies what the user wants from the answer.
const (
	IntentInformational = "informational"
	IntentProcedural    = "procedural"
	IntentPolicy        = "policy"
	IntentClarification = "clarification"
)

// Analysis is the structured interpretation of one query.
type Analysis struct {
	// Query is the raw user input.
	Query string

	// ResolvedQuery is the query after follow-up resolution; equal to
	// Query when the turn stands alone.
	ResolvedQuery string

	Category   taxonomy.Category
	Intent     string
	Keywords   []string
	Confidence float64

	// NeedsClarification marks queries too vague to retrieve for. It is
	// a control signal, not an error.
	NeedsClarification  bool
	ClarificationPrompt string

	// FollowUp marks a query that references earlier turns.
	FollowUp bool
}

// Config tunes the analyzer.
type Config struct {
	// MinQueryRunes is the shortest query accepted without asking for
	// clarification. Default: 2.
	MinQueryRunes int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MinQueryRunes == 0 {
		c.MinQueryRunes = 2
	}
}

// Analyzer analyzes queries with an LLM, with a deterministic fallback.
type Analyzer struct {
	gen    genai.Generator
	config Config
	logger *zap.Logger
}

// New creates an Analyzer.
func New(gen genai.Generator, config Config, logger *zap.Logger) (*Analyzer, error) {
	if gen == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	return &Analyzer{gen: gen, config: config, logger: logger}, nil
}

// Reference pronouns mark queries that lean on earlier conversation.
// Korean forms attach to particles without spaces, so they match as
// substrings; English forms must match whole words ("it" is inside
// "benefit").
var koreanPronouns = []string{"그거", "이거", "그것", "저것", "그건"}

var englishPronouns = map[string]bool{"it": true, "that": true}

// containsReference reports whether the query uses a back-reference.
func containsReference(query string) bool {
	lower := strings.ToLower(query)
	for _, p := range koreanPronouns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	for _, tok := range strings.Fields(lower) {
		if englishPronouns[strings.Trim(tok, "?!.,\"'()[]")] {
			return true
		}
	}
	return false
}

// Analyze interprets the query using the LLM path. History, newest last,
// drives follow-up resolution. Returns ErrUnavailable when the model
// call fails; pre-flight clarification checks never error.
func (a *Analyzer) Analyze(ctx context.Context, query string, history []session.Turn) (*Analysis, error) {
	ctx, span := tracer.Start(ctx, "Analyzer.Analyze")
	defer span.End()

	if pre := a.preflight(query, history); pre != nil {
		span.SetAttributes(attribute.Bool("needs_clarification", true))
		return pre, nil
	}

	base := a.resolveFollowUp(query, history)

	prompt := buildAnalysisPrompt(base.ResolvedQuery)
	raw, err := a.gen.Generate(ctx, prompt, genai.WithTemperature(0.1), genai.WithMaxTokens(300))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if !parseAnalysisResponse(raw, base) {
		// Model answered but not in a usable shape; rules still give a
		// correct, lower-confidence analysis.
		a.logger.Warn("unparseable analysis response, using rules",
			zap.String("query", query))
		applyRules(base)
	}

	span.SetAttributes(
		attribute.String("category", string(base.Category)),
		attribute.String("intent", base.Intent),
		attribute.Bool("follow_up", base.FollowUp),
	)
	return base, nil
}

// Fallback produces a rule-based analysis. It never fails and backs the
// degraded pipeline path.
func (a *Analyzer) Fallback(query string, history []session.Turn) *Analysis {
	if pre := a.preflight(query, history); pre != nil {
		return pre
	}
	base := a.resolveFollowUp(query, history)
	applyRules(base)
	return base
}

// preflight returns a clarification analysis for queries too short or
// too vague to act on, or nil when the query is workable.
func (a *Analyzer) preflight(query string, history []session.Turn) *Analysis {
	trimmed := strings.TrimSpace(query)

	if utf8.RuneCountInString(trimmed) < a.config.MinQueryRunes {
		return &Analysis{
			Query:               query,
			ResolvedQuery:       trimmed,
			Category:            taxonomy.Unclassified,
			Intent:              IntentClarification,
			NeedsClarification:  true,
			ClarificationPrompt: "질문이 너무 짧습니다. 어떤 정책이 궁금하신지 조금 더 자세히 알려주세요.",
		}
	}

	// A bare back-reference with no history has nothing to refer to.
	// Filler like "알려줘" does not make the reference resolvable, so
	// only substantive residual tokens count.
	if containsReference(trimmed) && len(history) == 0 {
		stripped := strings.ToLower(trimmed)
		for _, p := range koreanPronouns {
			stripped = strings.ReplaceAll(stripped, p, "")
		}
		var residual strings.Builder
		for _, tok := range strings.Fields(stripped) {
			tok = strings.Trim(tok, "?!.,\"'()[]은는이가을를의")
			if tok == "" || stopwords[tok] || englishPronouns[tok] {
				continue
			}
			residual.WriteString(tok)
		}
		if utf8.RuneCountInString(residual.String()) < a.config.MinQueryRunes {
			return &Analysis{
				Query:               query,
				ResolvedQuery:       trimmed,
				Category:            taxonomy.Unclassified,
				Intent:              IntentClarification,
				NeedsClarification:  true,
				ClarificationPrompt: "이전 대화가 없어 무엇을 가리키는지 알 수 없습니다. 궁금하신 정책을 알려주세요.",
			}
		}
	}

	return nil
}

// resolveFollowUp rewrites back-references using the most recent turn's
// topic so retrieval sees a self-contained query.
func (a *Analyzer) resolveFollowUp(query string, history []session.Turn) *Analysis {
	trimmed := strings.TrimSpace(query)
	analysis := &Analysis{
		Query:         query,
		ResolvedQuery: trimmed,
		Category:      taxonomy.Unclassified,
	}

	if len(history) == 0 || !containsReference(trimmed) {
		return analysis
	}

	prev := history[len(history)-1]
	analysis.FollowUp = true

	// Prepend the prior topic keywords so "그거 신청 방법은?" becomes
	// "전세 대출 ... 신청 방법은?".
	if len(prev.Keywords) > 0 {
		analysis.ResolvedQuery = strings.Join(prev.Keywords, " ") + " " + trimmed
	}
	if prev.Category != "" && prev.Category != taxonomy.Unclassified {
		analysis.Category = prev.Category
	}

	return analysis
}

// buildAnalysisPrompt asks the model for a strict JSON analysis.
func buildAnalysisPrompt(query string) string {
	var b strings.Builder
	b.WriteString("다음 사용자의 정부 정책 질문을 분석하세요.\n\n")
	b.WriteString("질문: ")
	b.WriteString(query)
	b.WriteString("\n\n카테고리는 다음 중 하나입니다: ")
	for i, info := range taxonomy.All() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(string(info.ID))
	}
	b.WriteString("\nintent는 informational, procedural, policy 중 하나입니다.\n")
	b.WriteString("JSON만 출력하세요: {\"category\": ..., \"intent\": ..., \"keywords\": [...], \"confidence\": 0.0-1.0}\n")
	return b.String()
}

// parseAnalysisResponse extracts the model's JSON into the analysis.
// Returns false when the response is unusable.
func parseAnalysisResponse(raw string, analysis *Analysis) bool {
	// Models wrap JSON in prose or fences; find the first object.
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return false
	}
	body := raw[start : end+1]
	if !gjson.Valid(body) {
		return false
	}

	parsed := gjson.Parse(body)
	category := taxonomy.Category(parsed.Get("category").String())
	if !taxonomy.Valid(category) {
		return false
	}
	intent := parsed.Get("intent").String()
	switch intent {
	case IntentInformational, IntentProcedural, IntentPolicy:
	default:
		return false
	}

	// Inherited follow-up category wins over a model downgrade to
	// unclassified.
	if category != taxonomy.Unclassified || analysis.Category == taxonomy.Unclassified {
		analysis.Category = category
	}
	analysis.Intent = intent

	for _, kw := range parsed.Get("keywords").Array() {
		if s := strings.TrimSpace(kw.String()); s != "" {
			analysis.Keywords = append(analysis.Keywords, s)
		}
	}
	if conf := parsed.Get("confidence"); conf.Exists() {
		analysis.Confidence = conf.Float()
	} else {
		analysis.Confidence = 0.5
	}

	return true
}

// stopwords excluded from rule-based keyword extraction.
var stopwords = map[string]bool{
	"알려줘": true, "알려주세요": true, "무엇인가요": true, "궁금해요": true,
	"어떻게": true, "대해": true, "대한": true, "관련": true, "정보": true,
	"좀": true, "그리고": true, "하지만": true,
	"the": true, "a": true, "is": true, "what": true, "how": true,
	"about": true, "tell": true, "me": true,
}

// proceduralMarkers signal a how-to question.
var proceduralMarkers = []string{"방법", "신청", "절차", "어떻게", "how"}

// applyRules fills category, intent, keywords, and confidence
// deterministically.
func applyRules(analysis *Analysis) {
	query := analysis.ResolvedQuery

	if analysis.Category == taxonomy.Unclassified {
		analysis.Category = taxonomy.Classify(query)
	}

	analysis.Intent = IntentInformational
	for _, m := range proceduralMarkers {
		if strings.Contains(strings.ToLower(query), m) {
			analysis.Intent = IntentProcedural
			break
		}
	}
	if analysis.Intent == IntentInformational && strings.Contains(query, "정책") {
		analysis.Intent = IntentPolicy
	}

	if len(analysis.Keywords) == 0 {
		analysis.Keywords = extractKeywords(query, 5)
	}
	analysis.Confidence = 0.3
	if analysis.Category != taxonomy.Unclassified {
		analysis.Confidence = 0.5
	}
}

// extractKeywords tokenizes on whitespace, strips punctuation and
// stopwords, and keeps up to max tokens of two or more runes.
func extractKeywords(query string, max int) []string {
	var keywords []string
	seen := map[string]bool{}
	for _, tok := range strings.Fields(query) {
		tok = strings.Trim(tok, "?!.,\"'()[]")
		lower := strings.ToLower(tok)
		if utf8.RuneCountInString(tok) < 2 || stopwords[lower] || seen[lower] {
			continue
		}
		seen[lower] = true
		keywords = append(keywords, tok)
		if len(keywords) == max {
			break
		}
	}
	return keywords
}
