// Policyd is the government policy Q&A chatbot daemon.
//
// This binary starts the policyd HTTP server with full service
// initialization: document store, embedding client, generation client,
// session store, and the per-turn pipeline.
//
// Configuration is loaded from ~/.config/policyd/config.yaml (or the
// --config flag) with environment-variable overrides. See internal/config
// for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	policyd
//
//	# Configure via environment
//	SERVER_PORT=9090 DOCSTORE_PROVIDER=qdrant policyd
//
//	# Load policy documents into the store, then exit
//	policyd ingest documents.json
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/civitaslabs/policyd/internal/analyzer"
	"github.com/civitaslabs/policyd/internal/composer"
	"github.com/civitaslabs/policyd/internal/config"
	"github.com/civitaslabs/policyd/internal/docstore"
	"github.com/civitaslabs/policyd/internal/embeddings"
	"github.com/civitaslabs/policyd/internal/genai"
	policyhttp "github.com/civitaslabs/policyd/internal/http"
	"github.com/civitaslabs/policyd/internal/logging"
	"github.com/civitaslabs/policyd/internal/pipeline"
	"github.com/civitaslabs/policyd/internal/popularity"
	"github.com/civitaslabs/policyd/internal/retriever"
	"github.com/civitaslabs/policyd/internal/session"
	"github.com/civitaslabs/policyd/internal/simplifier"
	"github.com/civitaslabs/policyd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var configPath = flag.String("config", "", "path to config file")

func main() {
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		case "ingest":
			if len(args) < 2 {
				fmt.Fprintln(os.Stderr, "Usage: policyd ingest <documents.json>")
				os.Exit(1)
			}
			if err := runIngest(context.Background(), args[1]); err != nil {
				log.Fatalf("Ingest error: %v", err)
			}
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  policyd                   Start the policyd daemon\n")
			fmt.Fprintf(os.Stderr, "  policyd ingest <file>     Load policy documents into the store\n")
			fmt.Fprintf(os.Stderr, "  policyd version           Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("policyd by Civitas Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the policyd server and blocks until context is cancelled.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Initialize telemetry and logger
//  3. Connect the document store, embedding, and generation clients
//  4. Open the session store and popularity tracker
//  5. Assemble the pipeline and HTTP server
//  6. Perform graceful shutdown on context cancellation
func run(ctx context.Context) error {
	cfg, err := config.LoadWithFile(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()
	zlog := logger.Underlying()

	logger.Info(ctx, "starting policyd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("docstore", cfg.DocStore.Provider),
		zap.Bool("telemetry", tel.IsEnabled()))

	store, err := newDocStore(cfg, zlog)
	if err != nil {
		return fmt.Errorf("failed to initialize document store: %w", err)
	}
	defer store.Close()

	gen, err := genai.NewClient(genai.Config{
		BaseURL:           cfg.Generation.BaseURL,
		Model:             cfg.Generation.Model,
		APIKey:            cfg.Generation.APIKey.Value(),
		Timeout:           cfg.Generation.Timeout.Duration(),
		RequestsPerSecond: cfg.Generation.RequestsPerSecond,
	}, zlog)
	if err != nil {
		return fmt.Errorf("failed to initialize generation client: %w", err)
	}

	sessionsPath, err := config.ExpandPath(cfg.Sessions.Path)
	if err != nil {
		return fmt.Errorf("failed to resolve sessions path: %w", err)
	}
	sessions, err := session.NewSQLiteStore(sessionsPath, zlog)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer sessions.Close()

	pop, err := popularity.NewTracker(sessions.DB(), zlog)
	if err != nil {
		return fmt.Errorf("failed to initialize popularity tracker: %w", err)
	}

	an, err := analyzer.New(gen, analyzer.Config{MinQueryRunes: cfg.Pipeline.MinQueryRunes}, zlog)
	if err != nil {
		return fmt.Errorf("failed to initialize analyzer: %w", err)
	}
	rt, err := retriever.New(store, retriever.Config{
		TopK:           cfg.Pipeline.TopK,
		ScoreThreshold: cfg.Pipeline.ScoreThreshold,
		Rerank:         cfg.Pipeline.Rerank,
	}, zlog)
	if err != nil {
		return fmt.Errorf("failed to initialize retriever: %w", err)
	}
	sm, err := simplifier.New(gen, simplifier.Config{}, zlog)
	if err != nil {
		return fmt.Errorf("failed to initialize simplifier: %w", err)
	}
	cp, err := composer.New(gen, composer.Config{}, zlog)
	if err != nil {
		return fmt.Errorf("failed to initialize composer: %w", err)
	}

	pipe, err := pipeline.New(an, rt, sm, cp, sessions, pop, pipeline.Config{
		AnalyzeTimeout:     cfg.Pipeline.AnalyzeTimeout.Duration(),
		RetrieveTimeout:    cfg.Pipeline.RetrieveTimeout.Duration(),
		SimplifyTimeout:    cfg.Pipeline.SimplifyTimeout.Duration(),
		ComposeTimeout:     cfg.Pipeline.ComposeTimeout.Duration(),
		PersistTimeout:     cfg.Pipeline.PersistTimeout.Duration(),
		MaxAttempts:        cfg.Pipeline.MaxAttempts,
		InitialBackoff:     cfg.Pipeline.InitialBackoff.Duration(),
		MaxBackoff:         cfg.Pipeline.MaxBackoff.Duration(),
		MaxConcurrentTurns: cfg.Pipeline.MaxConcurrentTurns,
		HistoryWindow:      cfg.Pipeline.HistoryWindow,
	}, zlog)
	if err != nil {
		return fmt.Errorf("failed to assemble pipeline: %w", err)
	}

	srv, err := policyhttp.NewServer(pipe, sessions, rt, pop, zlog, &policyhttp.Config{
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	logger.Info(ctx, "server configured",
		zap.String("health_endpoint", fmt.Sprintf("http://localhost:%d/health", cfg.Server.Port)),
		zap.String("metrics_endpoint", "/metrics"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	}
}

// initLogger builds the structured logger, wiring the OTEL bridge when
// telemetry is up.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	logCfg := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logCfg.Level = level
	logCfg.Format = cfg.Logging.Format
	if tel.IsEnabled() {
		logCfg.Output.OTEL = true
	}
	return logging.NewLogger(logCfg, tel.LoggerProvider())
}

// telemetryConfig translates the daemon config into the telemetry
// package's own config.
func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.NewDefaultConfig()
	tc.Enabled = cfg.Telemetry.Enabled
	if cfg.Telemetry.ServiceName != "" {
		tc.ServiceName = cfg.Telemetry.ServiceName
	}
	if cfg.Telemetry.Endpoint != "" {
		tc.Endpoint = cfg.Telemetry.Endpoint
	}
	if cfg.Telemetry.Protocol != "" {
		tc.Protocol = cfg.Telemetry.Protocol
	}
	if cfg.Telemetry.SampleRatio > 0 {
		tc.Sampling.Rate = cfg.Telemetry.SampleRatio
	}
	tc.ServiceVersion = version
	return tc
}

// newDocStore builds the configured document store backend with a TEI
// embedding client.
func newDocStore(cfg *config.Config, logger *zap.Logger) (docstore.Store, error) {
	embedder, err := embeddings.NewService(embeddings.Config{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
		APIKey:  cfg.Embeddings.APIKey.Value(),
		Timeout: cfg.Embeddings.Timeout.Duration(),
	}, logger)
	if err != nil {
		return nil, err
	}

	switch cfg.DocStore.Provider {
	case "qdrant":
		return docstore.NewQdrantStore(docstore.QdrantConfig{
			Host:       cfg.DocStore.Qdrant.Host,
			Port:       cfg.DocStore.Qdrant.Port,
			UseTLS:     cfg.DocStore.Qdrant.UseTLS,
			Collection: cfg.DocStore.Qdrant.Collection,
			VectorSize: cfg.DocStore.Qdrant.VectorSize,
		}, embedder, logger)
	default:
		path, err := config.ExpandPath(cfg.DocStore.Chromem.Path)
		if err != nil {
			return nil, err
		}
		return docstore.NewChromemStore(docstore.ChromemConfig{
			Path:       path,
			Collection: cfg.DocStore.Chromem.Collection,
			VectorSize: cfg.DocStore.Chromem.VectorSize,
			Compress:   cfg.DocStore.Chromem.Compress,
		}, embedder, logger)
	}
}
