// Package genai provides text generation via an OpenAI-compatible chat
// completion API, wrapped behind a small Generator interface so pipeline
// stages can be tested with scripted fakes.
package genai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrGenerationFailed indicates the upstream model call failed
	ErrGenerationFailed = errors.New("generation failed")

	// ErrEmptyPrompt indicates an empty prompt
	ErrEmptyPrompt = errors.New("empty prompt")
)

// Generator produces a completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts ...Option) (string, error)
}

// Option adjusts a single generation call.
type Option func(*callOptions)

type callOptions struct {
	temperature float64
	maxTokens   int
}

// WithTemperature sets sampling temperature for one call.
func WithTemperature(t float64) Option {
	return func(o *callOptions) { o.temperature = t }
}

// WithMaxTokens caps the completion length for one call.
func WithMaxTokens(n int) Option {
	return func(o *callOptions) { o.maxTokens = n }
}

// Config holds configuration for the generation client.
type Config struct {
	// BaseURL is the OpenAI-compatible API endpoint.
	// Default: "https://api.openai.com/v1".
	BaseURL string

	// Model is the chat model name. Default: "gpt-4o-mini".
	Model string

	// APIKey authenticates against the API.
	APIKey string

	// Timeout bounds each generation call. Default: 30s.
	Timeout time.Duration

	// RequestsPerSecond rate-limits outbound calls across the process.
	// Zero disables the limiter.
	RequestsPerSecond float64
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("%w: API key required", ErrInvalidConfig)
	}
	return nil
}

// Client is a Generator backed by langchaingo's OpenAI-compatible LLM.
type Client struct {
	llm     llms.Model
	config  Config
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates a generation client.
func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	llm, err := openai.New(
		openai.WithBaseURL(config.BaseURL),
		openai.WithModel(config.Model),
		openai.WithToken(config.APIKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating LLM client: %w", err)
	}

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}

	return &Client{
		llm:     llm,
		config:  config,
		limiter: limiter,
		logger:  logger,
	}, nil
}

// Generate produces a completion for the prompt, honoring the process-wide
// rate limit and the per-call timeout.
func (c *Client) Generate(ctx context.Context, prompt string, opts ...Option) (string, error) {
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
		}
	}

	var call callOptions
	for _, opt := range opts {
		opt(&call)
	}

	callOpts := []llms.CallOption{}
	if call.temperature > 0 {
		callOpts = append(callOpts, llms.WithTemperature(call.temperature))
	}
	if call.maxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(call.maxTokens))
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	start := time.Now()
	completion, err := llms.GenerateFromSinglePrompt(ctx, c.llm, prompt, callOpts...)
	if err != nil {
		c.logger.Warn("generation call failed",
			zap.String("model", c.config.Model),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	c.logger.Debug("generation call completed",
		zap.String("model", c.config.Model),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("completion_bytes", len(completion)),
	)

	return completion, nil
}
