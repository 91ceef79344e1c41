// Package composer assembles the final user-facing response from the
// simplified answer, the conversation history, and the category taxonomy.
// The simplified answer and its citations always appear verbatim in the
// composed text; the language model only contributes the conversational
// framing around them.
package composer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/civitaslabs/policyd/internal/analyzer"
	"github.com/civitaslabs/policyd/internal/genai"
	"github.com/civitaslabs/policyd/internal/session"
	"github.com/civitaslabs/policyd/internal/simplifier"
	"github.com/civitaslabs/policyd/internal/taxonomy"
)

var tracer = otel.Tracer("policyd.composer")

// ErrGeneration is returned when the conversational framing cannot be
// generated. The orchestrator retries, then composes without the model.
var ErrGeneration = errors.New("response composition failed")

// Suggestion is a related-topic prompt derived from taxonomy adjacency.
type Suggestion struct {
	Category taxonomy.Category `json:"category"`
	Label    string            `json:"label"`
	Prompt   string            `json:"prompt"`
}

// Response is the final composed answer for one turn.
type Response struct {
	// Text is the full user-facing response. It always contains the
	// simplified answer text and its citation list.
	Text string

	// Citations are carried through from the simplified answer.
	Citations []simplifier.Citation

	// Suggestions offer up to five related topics to explore next.
	Suggestions []Suggestion
}

// Config tunes composition.
type Config struct {
	// MaxSuggestions caps related-topic suggestions. Default: 3, max 5.
	MaxSuggestions int

	// Temperature for the framing call. Default: 0.5.
	Temperature float64

	// MaxTokens caps the framing completion. Default: 128.
	MaxTokens int
}

// ApplyDefaults fills zero values with defaults and clamps the
// suggestion cap.
func (c *Config) ApplyDefaults() {
	if c.MaxSuggestions <= 0 {
		c.MaxSuggestions = 3
	}
	if c.MaxSuggestions > 5 {
		c.MaxSuggestions = 5
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.5
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 128
	}
}

// Composer builds the final response for a turn.
type Composer struct {
	gen    genai.Generator
	config Config
	logger *zap.Logger
}

// New creates a Composer backed by the given generator.
func New(gen genai.Generator, config Config, logger *zap.Logger) (*Composer, error) {
	if gen == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	return &Composer{gen: gen, config: config, logger: logger}, nil
}

// Compose builds the final response. The history window lets the framing
// acknowledge follow-up turns; pass the most recent turns in order.
//
// ErrGeneration (wrapped) means the framing call failed and may be
// retried; Fallback composes the same response without the model.
func (c *Composer) Compose(ctx context.Context, analysis analyzer.Analysis, answer simplifier.SimplifiedAnswer, history []session.Turn) (Response, error) {
	ctx, span := tracer.Start(ctx, "Composer.Compose")
	defer span.End()
	span.SetAttributes(
		attribute.String("category", string(analysis.Category)),
		attribute.Int("history", len(history)),
	)

	framing, err := c.gen.Generate(ctx, buildFramingPrompt(analysis, answer, history),
		genai.WithTemperature(c.config.Temperature),
		genai.WithMaxTokens(c.config.MaxTokens),
	)
	if err != nil {
		span.RecordError(err)
		return Response{}, fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	return c.assemble(strings.TrimSpace(framing), analysis, answer), nil
}

// Fallback composes the response without the language model. It never
// fails; the orchestrator uses it when Compose retries are exhausted.
func (c *Composer) Fallback(analysis analyzer.Analysis, answer simplifier.SimplifiedAnswer) Response {
	return c.assemble("", analysis, answer)
}

func (c *Composer) assemble(framing string, analysis analyzer.Analysis, answer simplifier.SimplifiedAnswer) Response {
	var b strings.Builder
	if framing != "" && !strings.Contains(framing, answer.Text) {
		b.WriteString(framing)
		b.WriteString("\n\n")
	}
	b.WriteString(answer.Text)

	if len(answer.Citations) > 0 {
		b.WriteString("\n\n출처:\n")
		for i, cit := range answer.Citations {
			fmt.Fprintf(&b, "[%d] %s", i+1, cit.Title)
			if cit.SourceURL != "" {
				fmt.Fprintf(&b, " (%s)", cit.SourceURL)
			}
			b.WriteString("\n")
		}
	}

	suggestions := c.suggest(analysis.Category)
	if len(suggestions) > 0 {
		b.WriteString("\n이런 주제도 찾아보세요:\n")
		for _, s := range suggestions {
			fmt.Fprintf(&b, "- %s\n", s.Prompt)
		}
	}

	return Response{
		Text:        strings.TrimRight(b.String(), "\n"),
		Citations:   answer.Citations,
		Suggestions: suggestions,
	}
}

// suggest derives related-topic suggestions from taxonomy adjacency.
// Unclassified queries get no suggestions rather than arbitrary ones.
func (c *Composer) suggest(category taxonomy.Category) []Suggestion {
	if category == "" || category == taxonomy.Unclassified {
		return nil
	}
	adjacent := taxonomy.Adjacent(category, c.config.MaxSuggestions)
	suggestions := make([]Suggestion, 0, len(adjacent))
	for _, cat := range adjacent {
		label := taxonomy.Label(cat)
		suggestions = append(suggestions, Suggestion{
			Category: cat,
			Label:    label,
			Prompt:   fmt.Sprintf("%s 관련 정책 알아보기", label),
		})
	}
	return suggestions
}

// buildFramingPrompt asks for one or two sentences of conversational
// framing. Recent history goes in so follow-up turns read as a
// continuation rather than a cold start.
func buildFramingPrompt(analysis analyzer.Analysis, answer simplifier.SimplifiedAnswer, history []session.Turn) string {
	var b strings.Builder
	b.WriteString("당신은 정부 정책 안내 챗봇입니다.\n")
	b.WriteString("아래 답변 앞에 붙일 한두 문장의 안내말을 작성하세요.\n")
	b.WriteString("안내말만 출력하고, 답변 내용을 반복하거나 새로운 사실을 덧붙이지 마세요.\n\n")

	if len(history) > 0 {
		b.WriteString("이전 대화:\n")
		for _, turn := range history {
			fmt.Fprintf(&b, "- 질문: %s\n", turn.Query)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "이번 질문: %s\n", analysis.Query)
	if analysis.FollowUp {
		b.WriteString("이번 질문은 이전 대화에 이어지는 질문입니다.\n")
	}
	fmt.Fprintf(&b, "답변:\n%s\n", answer.Text)
	return b.String()
}
