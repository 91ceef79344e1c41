// Package simplifier rewrites retrieved official policy text into plain
// language a citizen can act on, with citations back to the source
// documents. Generated text is checked for lexical grounding against the
// sources before it is accepted.
package simplifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/civitaslabs/policyd/internal/genai"
	"github.com/civitaslabs/policyd/internal/retriever"
)

var tracer = otel.Tracer("policyd.simplifier")

// ErrGeneration is returned when the language model fails to produce an
// answer. The orchestrator retries, then falls back to a degraded
// response.
var ErrGeneration = errors.New("answer generation failed")

// Citation points at a source document backing part of an answer.
type Citation struct {
	DocID     string
	Title     string
	Snippet   string
	SourceURL string
}

// SimplifiedAnswer is the plain-language rendition of the retrieved
// documents.
type SimplifiedAnswer struct {
	// Text is the simplified answer. Never empty: when no source
	// material exists it carries the no-content message.
	Text string

	// Citations list the documents the text is grounded in.
	Citations []Citation

	// Confidence is the fraction of generated sentences that survived
	// the grounding check, in [0, 1].
	Confidence float64

	// NoContent marks an answer produced without any source documents.
	NoContent bool
}

// Config tunes simplification.
type Config struct {
	// Temperature for the generation call. Default: 0.3.
	Temperature float64

	// MaxTokens caps the completion length. Default: 512.
	MaxTokens int

	// GroundingThreshold is the minimum term overlap a generated
	// sentence must have with the source material to be kept.
	// Default: 0.2.
	GroundingThreshold float64

	// NoContentMessage is returned when retrieval produced nothing.
	NoContentMessage string
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Temperature <= 0 {
		c.Temperature = 0.3
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 512
	}
	if c.GroundingThreshold <= 0 {
		c.GroundingThreshold = 0.2
	}
	if c.NoContentMessage == "" {
		c.NoContentMessage = "관련 정책 문서를 찾지 못했습니다. 질문을 조금 더 구체적으로 다시 작성해 주시겠어요?"
	}
}

// Simplifier turns retrieval candidates into a citizen-readable answer.
type Simplifier struct {
	gen    genai.Generator
	config Config
	logger *zap.Logger
}

// New creates a Simplifier backed by the given generator.
func New(gen genai.Generator, config Config, logger *zap.Logger) (*Simplifier, error) {
	if gen == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	return &Simplifier{gen: gen, config: config, logger: logger}, nil
}

// Simplify produces a plain-language answer to query from the given
// candidates.
//
// An empty candidate list yields a NoContent answer, never an error.
// ErrGeneration (wrapped) means the model call failed and may be retried.
func (s *Simplifier) Simplify(ctx context.Context, query string, candidates []retriever.Candidate) (SimplifiedAnswer, error) {
	ctx, span := tracer.Start(ctx, "Simplifier.Simplify")
	defer span.End()
	span.SetAttributes(attribute.Int("candidates", len(candidates)))

	if len(candidates) == 0 {
		return SimplifiedAnswer{Text: s.config.NoContentMessage, NoContent: true}, nil
	}

	prompt := buildPrompt(query, candidates)
	raw, err := s.gen.Generate(ctx, prompt,
		genai.WithTemperature(s.config.Temperature),
		genai.WithMaxTokens(s.config.MaxTokens),
	)
	if err != nil {
		span.RecordError(err)
		return SimplifiedAnswer{}, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	text, confidence := s.ground(raw, candidates)
	if strings.TrimSpace(text) == "" {
		// Nothing the model said was supported by the sources; fall
		// back to quoting the best source directly.
		text = candidates[0].Snippet
		confidence = 0
	}

	s.logger.Debug("simplification complete",
		zap.Int("candidates", len(candidates)),
		zap.Float64("confidence", confidence))

	return SimplifiedAnswer{
		Text:       text,
		Citations:  citations(candidates),
		Confidence: confidence,
	}, nil
}

// buildPrompt assembles the citation-preserving simplification prompt.
func buildPrompt(query string, candidates []retriever.Candidate) string {
	var b strings.Builder
	b.WriteString("당신은 정부 정책을 쉬운 말로 설명하는 안내원입니다.\n")
	b.WriteString("아래 공식 문서 발췌만 근거로 사용해 시민의 질문에 답하세요.\n")
	b.WriteString("규칙:\n")
	b.WriteString("- 어려운 행정 용어는 일상 언어로 바꿉니다.\n")
	b.WriteString("- 문서에 없는 내용은 답하지 않습니다.\n")
	b.WriteString("- 근거 문서를 [번호] 형식으로 인용합니다.\n\n")
	for i, c := range candidates {
		fmt.Fprintf(&b, "[%d] %s (%s)\n%s\n\n", i+1, c.Document.Title, c.Document.Agency, c.Snippet)
	}
	fmt.Fprintf(&b, "질문: %s\n답변:", query)
	return b.String()
}

// ground drops generated sentences with no lexical support in the source
// material. Returns the surviving text and the fraction of sentences
// kept.
func (s *Simplifier) ground(text string, candidates []retriever.Candidate) (string, float64) {
	sourceTokens := make(map[string]bool)
	for _, c := range candidates {
		for _, t := range tokenize(c.Document.Title + " " + c.Document.Body) {
			sourceTokens[t] = true
		}
	}

	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return "", 0
	}

	kept := make([]string, 0, len(sentences))
	for _, sentence := range sentences {
		tokens := tokenize(stripCitationMarkers(sentence))
		if len(tokens) == 0 {
			continue
		}
		matched := 0
		for _, t := range tokens {
			if sourceTokens[t] {
				matched++
			}
		}
		if float64(matched)/float64(len(tokens)) >= s.config.GroundingThreshold {
			kept = append(kept, sentence)
		}
	}

	return strings.Join(kept, " "), float64(len(kept)) / float64(len(sentences))
}

// citations builds one citation per candidate, in rank order.
func citations(candidates []retriever.Candidate) []Citation {
	out := make([]Citation, len(candidates))
	for i, c := range candidates {
		out[i] = Citation{
			DocID:     c.Document.ID,
			Title:     c.Document.Title,
			Snippet:   c.Snippet,
			SourceURL: c.Document.SourceURL,
		}
	}
	return out
}

// stripCitationMarkers removes [n] markers so they do not count against
// grounding.
func stripCitationMarkers(s string) string {
	var b strings.Builder
	inMarker := false
	for _, r := range s {
		switch {
		case r == '[':
			inMarker = true
		case r == ']':
			inMarker = false
		case !inMarker:
			b.WriteRune(r)
		}
	}
	return b.String()
}

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

// splitSentences keeps the terminator with each sentence so rejoined text
// reads naturally.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder
	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}
