// Package pipeline orchestrates one chatbot turn: analyze the query,
// retrieve policy documents, simplify them, compose the response, and
// persist the finished turn. Each stage has its own timeout and retry
// budget; exhausted retries degrade the turn instead of failing it, with
// persistence failure as the only fatal class.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/civitaslabs/policyd/internal/analyzer"
	"github.com/civitaslabs/policyd/internal/composer"
	"github.com/civitaslabs/policyd/internal/logging"
	"github.com/civitaslabs/policyd/internal/popularity"
	"github.com/civitaslabs/policyd/internal/retriever"
	"github.com/civitaslabs/policyd/internal/session"
	"github.com/civitaslabs/policyd/internal/simplifier"
)

var tracer = otel.Tracer("policyd.pipeline")

// ErrSessionNotFound is returned when the target session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Stage names, used in metrics, spans, and logs.
const (
	stageAnalyze  = "analyze"
	stageRetrieve = "retrieve"
	stageSimplify = "simplify"
	stageCompose  = "compose"
	stagePersist  = "persist"
)

// User-facing fallback messages for degraded turns. The raw error never
// reaches the user.
const (
	msgRetrievalDegraded = "정책 문서 검색에 일시적인 문제가 있어 지금은 정확한 안내를 드리기 어렵습니다. 잠시 후 다시 질문해 주세요."
	msgSimplifyDegraded  = "죄송합니다. 답변을 정리하는 과정에 문제가 생겨 지금은 안내를 드리기 어렵습니다. 잠시 후 다시 시도해 주세요."
)

// Config tunes the orchestrator.
type Config struct {
	// Per-stage timeouts.
	AnalyzeTimeout  time.Duration
	RetrieveTimeout time.Duration
	SimplifyTimeout time.Duration
	ComposeTimeout  time.Duration
	PersistTimeout  time.Duration

	// Retry policy for transient stage failures.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// MaxConcurrentTurns bounds turns across all sessions. Excess
	// requests queue rather than fail.
	MaxConcurrentTurns int

	// HistoryWindow is how many prior turns feed follow-up resolution
	// and response framing.
	HistoryWindow int
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.AnalyzeTimeout <= 0 {
		c.AnalyzeTimeout = 10 * time.Second
	}
	if c.RetrieveTimeout <= 0 {
		c.RetrieveTimeout = 10 * time.Second
	}
	if c.SimplifyTimeout <= 0 {
		c.SimplifyTimeout = 30 * time.Second
	}
	if c.ComposeTimeout <= 0 {
		c.ComposeTimeout = 30 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.MaxConcurrentTurns <= 0 {
		c.MaxConcurrentTurns = 32
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 6
	}
}

// Result is the outcome of one completed turn.
type Result struct {
	// Turn is the persisted turn, carrying its assigned index.
	Turn session.Turn

	// Suggestions offer related topics to explore next.
	Suggestions []composer.Suggestion

	// Clarification marks a turn that asked the user to rephrase
	// instead of retrieving documents.
	Clarification bool

	// Degraded marks a turn that completed through a fallback path.
	Degraded bool
}

// Pipeline runs the per-turn state machine.
type Pipeline struct {
	analyzer   *analyzer.Analyzer
	retriever  *retriever.Retriever
	simplifier *simplifier.Simplifier
	composer   *composer.Composer
	sessions   session.Store
	popularity *popularity.Tracker
	config     Config
	logger     *zap.Logger
	limiter    *semaphore.Weighted
	locks      *sessionLocks
}

// New assembles a Pipeline. The popularity tracker is optional.
func New(an *analyzer.Analyzer, rt *retriever.Retriever, sm *simplifier.Simplifier, cp *composer.Composer, sessions session.Store, pop *popularity.Tracker, config Config, logger *zap.Logger) (*Pipeline, error) {
	if an == nil || rt == nil || sm == nil || cp == nil {
		return nil, fmt.Errorf("all pipeline stages are required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	return &Pipeline{
		analyzer:   an,
		retriever:  rt,
		simplifier: sm,
		composer:   cp,
		sessions:   sessions,
		popularity: pop,
		config:     config,
		logger:     logger,
		limiter:    semaphore.NewWeighted(int64(config.MaxConcurrentTurns)),
		locks:      newSessionLocks(),
	}, nil
}

// Respond runs one full turn for the session and returns the persisted
// result.
//
// Turns in different sessions run concurrently up to MaxConcurrentTurns;
// turns in the same session are serialized so history stays in arrival
// order. A cancelled context aborts the turn without persisting anything.
func (p *Pipeline) Respond(ctx context.Context, sessionID, query string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.Respond")
	defer span.End()
	start := time.Now()

	if _, err := p.sessions.Get(ctx, sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, err
	}
	// Stored session IDs are UUIDs, which WithSessionID accepts.
	ctx = logging.WithSessionID(ctx, sessionID)

	queueStart := time.Now()
	if err := p.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.limiter.Release(1)
	QueueWaitDuration.Observe(time.Since(queueStart).Seconds())

	release, err := p.locks.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	InFlightTurns.Inc()
	defer InFlightTurns.Dec()

	result, err := p.runTurn(ctx, sessionID, query)
	TurnDuration.Observe(time.Since(start).Seconds())
	switch {
	case err != nil:
		TurnsTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
	case result.Clarification:
		TurnsTotal.WithLabelValues("clarification").Inc()
	case result.Degraded:
		TurnsTotal.WithLabelValues("degraded").Inc()
	default:
		TurnsTotal.WithLabelValues("answered").Inc()
	}
	return result, err
}

// runTurn executes the stage sequence with this turn holding its
// concurrency slot and session lock.
func (p *Pipeline) runTurn(ctx context.Context, sessionID, query string) (*Result, error) {
	span := trace.SpanFromContext(ctx)

	history, err := p.sessions.History(ctx, sessionID, p.config.HistoryWindow)
	if err != nil {
		return nil, err
	}

	degraded := false

	span.AddEvent("analyzing")
	var analysis analyzer.Analysis
	err = p.runStage(ctx, stageAnalyze, p.config.AnalyzeTimeout, func(sc context.Context) error {
		a, err := p.analyzer.Analyze(sc, query, history)
		if err != nil {
			return err
		}
		analysis = *a
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The heuristic analyzer keeps the turn moving when the model
		// path is down.
		analysis = *p.analyzer.Fallback(query, history)
		degraded = true
	}
	span.SetAttributes(
		attribute.String("category", string(analysis.Category)),
		attribute.String("intent", analysis.Intent),
	)

	if analysis.NeedsClarification {
		return p.finish(ctx, sessionID, analysis, session.Turn{
			Query:    query,
			Answer:   analysis.ClarificationPrompt,
			Category: analysis.Category,
			Intent:   analysis.Intent,
			Keywords: analysis.Keywords,
		}, nil, Result{Clarification: true})
	}

	span.AddEvent("retrieving")
	var candidates []retriever.Candidate
	var answer simplifier.SimplifiedAnswer
	retrieved := true
	err = p.runStage(ctx, stageRetrieve, p.config.RetrieveTimeout, func(sc context.Context) error {
		c, err := p.retriever.Retrieve(sc, analysis)
		if err != nil {
			return err
		}
		candidates = c
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		retrieved = false
		degraded = true
		answer = simplifier.SimplifiedAnswer{Text: msgRetrievalDegraded, NoContent: true}
	}
	if retrieved && len(candidates) == 0 {
		// The search worked but found nothing relevant; the user gets
		// the no-content fallback, not an answer.
		degraded = true
	}

	if retrieved {
		span.AddEvent("simplifying")
		simplifyQuery := analysis.ResolvedQuery
		if simplifyQuery == "" {
			simplifyQuery = query
		}
		err = p.runStage(ctx, stageSimplify, p.config.SimplifyTimeout, func(sc context.Context) error {
			a, err := p.simplifier.Simplify(sc, simplifyQuery, candidates)
			if err != nil {
				return err
			}
			answer = a
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			degraded = true
			answer = simplifier.SimplifiedAnswer{Text: msgSimplifyDegraded, NoContent: true}
		}
	}

	span.AddEvent("composing")
	var resp composer.Response
	err = p.runStage(ctx, stageCompose, p.config.ComposeTimeout, func(sc context.Context) error {
		r, err := p.composer.Compose(sc, analysis, answer, history)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		degraded = true
		resp = p.composer.Fallback(analysis, answer)
	}

	return p.finish(ctx, sessionID, analysis, session.Turn{
		Query:     query,
		Answer:    resp.Text,
		Category:  analysis.Category,
		Intent:    analysis.Intent,
		Keywords:  analysis.Keywords,
		Citations: toSessionCitations(resp.Citations),
		Degraded:  degraded,
	}, resp.Suggestions, Result{Degraded: degraded})
}

// finish persists the turn and fills in the result. The stored history
// must always reflect what the user actually saw, so persistence runs
// before the response is returned and its failure fails the turn.
func (p *Pipeline) finish(ctx context.Context, sessionID string, analysis analyzer.Analysis, turn session.Turn, suggestions []composer.Suggestion, result Result) (*Result, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	trace.SpanFromContext(ctx).AddEvent("persisting")
	var stored *session.Turn
	err := p.runStage(ctx, stagePersist, p.config.PersistTimeout, func(sc context.Context) error {
		t, err := p.sessions.Append(sc, sessionID, turn)
		if err != nil {
			return err
		}
		stored = t
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("append turn: %w", err)
	}

	if p.popularity != nil && !result.Clarification {
		p.popularity.Record(ctx, analysis.Category, analysis.Keywords)
	}

	p.logger.Info("turn persisted",
		append(logging.ContextFields(ctx),
			zap.Int("turn_index", stored.Index),
			zap.String("category", string(turn.Category)),
			zap.Bool("degraded", turn.Degraded),
			zap.Bool("clarification", result.Clarification),
		)...)

	result.Turn = *stored
	result.Suggestions = suggestions
	return &result, nil
}

// runStage runs fn under the stage timeout, retrying transient failures
// with exponential backoff. Parent-context cancellation stops retrying
// immediately.
func (p *Pipeline) runStage(ctx context.Context, stage string, timeout time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	err := retry.Do(
		func() error {
			stageCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return fn(stageCtx)
		},
		retry.Context(ctx),
		retry.Attempts(uint(p.config.MaxAttempts)),
		retry.Delay(p.config.InitialBackoff),
		retry.MaxDelay(p.config.MaxBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			p.logger.Warn("stage retry",
				append(logging.ContextFields(ctx),
					zap.String("stage", stage),
					zap.Uint("attempt", attempt+1),
					zap.Error(err),
				)...)
		}),
	)
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	if err != nil {
		StageFailures.WithLabelValues(stage).Inc()
	}
	return err
}

func toSessionCitations(citations []simplifier.Citation) []session.Citation {
	if len(citations) == 0 {
		return nil
	}
	out := make([]session.Citation, len(citations))
	for i, c := range citations {
		out[i] = session.Citation{
			DocID:     c.DocID,
			Title:     c.Title,
			SourceURL: c.SourceURL,
		}
	}
	return out
}
