// Package config provides configuration loading for policyd.
//
// Configuration is loaded from a YAML file with environment variable
// overrides and hardcoded defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete policyd configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Generation GenerationConfig `koanf:"generation"`
	DocStore   DocStoreConfig   `koanf:"docstore"`
	Sessions   SessionsConfig   `koanf:"sessions"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds the level and format handed to the logging package.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig holds OpenTelemetry export configuration.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	ServiceName string  `koanf:"service_name"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	SampleRatio float64 `koanf:"sample_ratio"`
}

// EmbeddingsConfig holds the embedding service configuration.
type EmbeddingsConfig struct {
	BaseURL string   `koanf:"base_url"`
	Model   string   `koanf:"model"`
	APIKey  Secret   `koanf:"api_key"`
	Timeout Duration `koanf:"timeout"`
}

// GenerationConfig holds the text generation service configuration.
type GenerationConfig struct {
	BaseURL           string   `koanf:"base_url"`
	Model             string   `koanf:"model"`
	APIKey            Secret   `koanf:"api_key"`
	Timeout           Duration `koanf:"timeout"`
	RequestsPerSecond float64  `koanf:"requests_per_second"`
}

// DocStoreConfig selects and configures the document store backend.
type DocStoreConfig struct {
	// Provider is "chromem" (embedded, default) or "qdrant" (external).
	Provider string `koanf:"provider"`

	Chromem ChromemConfig `koanf:"chromem"`
	Qdrant  QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig configures the embedded chromem backend.
type ChromemConfig struct {
	Path       string `koanf:"path"`
	Collection string `koanf:"collection"`
	VectorSize int    `koanf:"vector_size"`
	Compress   bool   `koanf:"compress"`
}

// QdrantConfig configures the external Qdrant backend.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	UseTLS     bool   `koanf:"use_tls"`
	Collection string `koanf:"collection"`
	VectorSize int    `koanf:"vector_size"`
}

// SessionsConfig holds session persistence configuration.
type SessionsConfig struct {
	// Path is the SQLite database file path.
	Path string `koanf:"path"`
}

// PipelineConfig holds orchestrator tuning knobs.
type PipelineConfig struct {
	// Per-stage timeouts.
	AnalyzeTimeout  Duration `koanf:"analyze_timeout"`
	RetrieveTimeout Duration `koanf:"retrieve_timeout"`
	SimplifyTimeout Duration `koanf:"simplify_timeout"`
	ComposeTimeout  Duration `koanf:"compose_timeout"`
	PersistTimeout  Duration `koanf:"persist_timeout"`

	// Retry policy for transient stage failures.
	MaxAttempts    int      `koanf:"max_attempts"`
	InitialBackoff Duration `koanf:"initial_backoff"`
	MaxBackoff     Duration `koanf:"max_backoff"`

	// MaxConcurrentTurns bounds pipeline executions across all sessions.
	// Excess requests queue rather than fail.
	MaxConcurrentTurns int `koanf:"max_concurrent_turns"`

	// HistoryWindow is how many prior turns feed follow-up resolution.
	HistoryWindow int `koanf:"history_window"`

	// TopK is the number of candidates retained after ranking.
	TopK int `koanf:"top_k"`

	// ScoreThreshold drops candidates scoring below it.
	ScoreThreshold float32 `koanf:"score_threshold"`

	// Rerank enables the retriever's lexical second ranking pass.
	Rerank bool `koanf:"rerank"`

	// MinQueryRunes is the shortest query accepted without clarification.
	MinQueryRunes int `koanf:"min_query_runes"`
}

// NewDefaultConfig returns a Config with production defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8090,
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "policyd",
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			SampleRatio: 1.0,
		},
		Embeddings: EmbeddingsConfig{
			BaseURL: "http://localhost:8080",
			Model:   "BAAI/bge-m3",
			Timeout: Duration(10 * time.Second),
		},
		Generation: GenerationConfig{
			BaseURL:           "https://api.openai.com/v1",
			Model:             "gpt-4o-mini",
			Timeout:           Duration(30 * time.Second),
			RequestsPerSecond: 5,
		},
		DocStore: DocStoreConfig{
			Provider: "chromem",
			Chromem: ChromemConfig{
				Path:       "~/.config/policyd/docstore",
				Collection: "policy_documents",
				VectorSize: 384,
				Compress:   true,
			},
			Qdrant: QdrantConfig{
				Host:       "localhost",
				Port:       6334,
				Collection: "policy_documents",
				VectorSize: 384,
			},
		},
		Sessions: SessionsConfig{
			Path: "~/.config/policyd/sessions.db",
		},
		Pipeline: PipelineConfig{
			AnalyzeTimeout:     Duration(10 * time.Second),
			RetrieveTimeout:    Duration(10 * time.Second),
			SimplifyTimeout:    Duration(30 * time.Second),
			ComposeTimeout:     Duration(30 * time.Second),
			PersistTimeout:     Duration(5 * time.Second),
			MaxAttempts:        3,
			InitialBackoff:     Duration(200 * time.Millisecond),
			MaxBackoff:         Duration(2 * time.Second),
			MaxConcurrentTurns: 32,
			HistoryWindow:      6,
			TopK:               5,
			ScoreThreshold:     0.25,
			Rerank:             true,
			MinQueryRunes:      2,
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			return errors.New("service name required when telemetry is enabled")
		}
		if c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http" {
			return fmt.Errorf("telemetry protocol must be 'grpc' or 'http', got %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry sample ratio must be 0..1, got %v", c.Telemetry.SampleRatio)
		}
	}

	switch c.DocStore.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("docstore provider must be 'chromem' or 'qdrant', got %q", c.DocStore.Provider)
	}

	if c.Sessions.Path == "" {
		return errors.New("sessions path cannot be empty")
	}

	p := c.Pipeline
	if p.MaxAttempts < 1 {
		return fmt.Errorf("pipeline max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.MaxConcurrentTurns < 1 {
		return fmt.Errorf("pipeline max concurrent turns must be >= 1, got %d", p.MaxConcurrentTurns)
	}
	if p.TopK < 1 {
		return fmt.Errorf("pipeline top_k must be >= 1, got %d", p.TopK)
	}
	if p.ScoreThreshold < 0 || p.ScoreThreshold > 1 {
		return fmt.Errorf("pipeline score threshold must be 0..1, got %v", p.ScoreThreshold)
	}
	if p.MinQueryRunes < 1 {
		return fmt.Errorf("pipeline min query runes must be >= 1, got %d", p.MinQueryRunes)
	}
	for name, d := range map[string]Duration{
		"analyze_timeout":  p.AnalyzeTimeout,
		"retrieve_timeout": p.RetrieveTimeout,
		"simplify_timeout": p.SimplifyTimeout,
		"compose_timeout":  p.ComposeTimeout,
		"persist_timeout":  p.PersistTimeout,
	} {
		if d.Duration() <= 0 {
			return fmt.Errorf("pipeline %s must be positive", name)
		}
	}

	return nil
}
