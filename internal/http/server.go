package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/civitaslabs/policyd/internal/analyzer"
	"github.com/civitaslabs/policyd/internal/pipeline"
	"github.com/civitaslabs/policyd/internal/popularity"
	"github.com/civitaslabs/policyd/internal/retriever"
	"github.com/civitaslabs/policyd/internal/session"
	"github.com/civitaslabs/policyd/internal/taxonomy"
)

// Server provides the policyd HTTP endpoints.
type Server struct {
	echo       *echo.Echo
	pipeline   *pipeline.Pipeline
	sessions   session.Store
	retriever  *retriever.Retriever
	popularity *popularity.Tracker
	logger     *zap.Logger
	config     *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// NewServer creates the HTTP server. The popularity tracker is optional;
// without it GET /search/popular returns an empty list.
func NewServer(pipe *pipeline.Pipeline, sessions session.Store, ret *retriever.Retriever, pop *popularity.Tracker, logger *zap.Logger, cfg *Config) (*Server, error) {
	if pipe == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store cannot be nil")
	}
	if ret == nil {
		return nil, fmt.Errorf("retriever cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8090, ShutdownTimeout: 10 * time.Second}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	metrics := NewHTTPMetrics(logger)
	e.Use(metrics.MetricsMiddleware())

	s := &Server{
		echo:       e,
		pipeline:   pipe,
		sessions:   sessions,
		retriever:  ret,
		popularity: pop,
		logger:     logger,
		config:     cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	search := s.echo.Group("/search")
	search.POST("/query", s.handleSearchQuery)
	search.GET("/categories", s.handleCategories)
	search.GET("/popular", s.handlePopular)

	chat := s.echo.Group("/chat")
	chat.POST("/session", s.handleCreateSession)
	chat.POST("/message", s.handleMessage)
	chat.GET("/history/:id", s.handleHistory)
	chat.DELETE("/session/:id", s.handleDeleteSession)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Service: "policyd",
	})
}

// handleSearchQuery runs a direct document search without session state.
func (s *Server) handleSearchQuery(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid search request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	}
	if req.Category != "" && !taxonomy.Valid(taxonomy.Category(req.Category)) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown category")
	}

	started := time.Now()
	analysis := analyzer.Analysis{
		Query:         req.Query,
		ResolvedQuery: req.Query,
		Category:      taxonomy.Category(req.Category),
	}
	candidates, err := s.retriever.Retrieve(c.Request().Context(), analysis)
	if err != nil {
		return s.mapError(err)
	}

	results := make([]SearchResult, 0, len(candidates))
	for _, cand := range candidates {
		if req.TopK > 0 && len(results) >= req.TopK {
			break
		}
		doc := cand.Document
		r := SearchResult{
			DocID:     doc.ID,
			Title:     doc.Title,
			Category:  string(doc.Category),
			Agency:    doc.Agency,
			Snippet:   cand.Snippet,
			Score:     cand.Score,
			SourceURL: doc.SourceURL,
		}
		if !doc.PublishedAt.IsZero() {
			r.PublishedAt = doc.PublishedAt.Format("2006-01-02")
		}
		results = append(results, r)
	}

	return c.JSON(http.StatusOK, SearchResponse{
		Query:      req.Query,
		Results:    results,
		DurationMS: time.Since(started).Milliseconds(),
	})
}

func (s *Server) handleCategories(c echo.Context) error {
	counts := map[taxonomy.Category]int{}
	if s.popularity != nil {
		got, err := s.popularity.CategoryCounts(c.Request().Context())
		if err != nil {
			// Counts are decoration; serve the vocabulary anyway.
			s.logger.Warn("failed to load category counts", zap.Error(err))
		} else {
			counts = got
		}
	}

	infos := taxonomy.All()
	categories := make([]CategoryInfo, 0, len(infos))
	for _, info := range infos {
		categories = append(categories, CategoryInfo{
			ID:    info.ID,
			Name:  info.Label,
			Count: counts[info.ID],
		})
	}
	return c.JSON(http.StatusOK, CategoriesResponse{Categories: categories})
}

func (s *Server) handlePopular(c echo.Context) error {
	limit := 10
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	terms := []PopularTerm{}
	if s.popularity != nil {
		top, err := s.popularity.Top(c.Request().Context(), limit)
		if err != nil {
			return s.mapError(err)
		}
		for _, t := range top {
			terms = append(terms, PopularTerm{Keyword: t.Keyword, Count: t.Count})
		}
	}
	return c.JSON(http.StatusOK, PopularResponse{Terms: terms})
}

func (s *Server) handleCreateSession(c echo.Context) error {
	sess, err := s.sessions.Create(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, SessionResponse{
		SessionID: sess.ID,
		CreatedAt: sess.CreatedAt,
	})
}

func (s *Server) handleMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid message request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session_id field is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message field is required")
	}

	result, err := s.pipeline.Respond(c.Request().Context(), req.SessionID, req.Message)
	if err != nil {
		return s.mapError(err)
	}

	resp := MessageResponse{
		SessionID:     req.SessionID,
		TurnIndex:     result.Turn.Index,
		Answer:        result.Turn.Answer,
		Category:      string(result.Turn.Category),
		Citations:     toCitations(result.Turn.Citations),
		Clarification: result.Clarification,
		Degraded:      result.Degraded,
	}
	for _, sug := range result.Suggestions {
		resp.Suggestions = append(resp.Suggestions, Suggestion{
			Category: string(sug.Category),
			Label:    sug.Label,
			Prompt:   sug.Prompt,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHistory(c echo.Context) error {
	sessionID := c.Param("id")

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = n
	}

	turns, err := s.sessions.History(c.Request().Context(), sessionID, limit)
	if err != nil {
		return s.mapError(err)
	}

	out := make([]HistoryTurn, 0, len(turns))
	for _, t := range turns {
		out = append(out, HistoryTurn{
			Index:     t.Index,
			Query:     t.Query,
			Answer:    t.Answer,
			Category:  string(t.Category),
			Citations: toCitations(t.Citations),
			Degraded:  t.Degraded,
			CreatedAt: t.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, HistoryResponse{SessionID: sessionID, Turns: out})
}

func (s *Server) handleDeleteSession(c echo.Context) error {
	sessionID := c.Param("id")
	if _, err := s.sessions.Get(c.Request().Context(), sessionID); err != nil {
		return s.mapError(err)
	}
	if err := s.sessions.Delete(c.Request().Context(), sessionID); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// mapError converts internal errors into user-safe HTTP errors. Upstream
// service details never reach the response body.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, pipeline.ErrSessionNotFound), errors.Is(err, session.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrPersistence):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service temporarily unavailable")
	case errors.Is(err, retriever.ErrStoreUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "search temporarily unavailable")
	case errors.Is(err, context.Canceled):
		// Client went away; echo maps this to its closed-connection path.
		return err
	default:
		s.logger.Error("request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func toCitations(citations []session.Citation) []Citation {
	if len(citations) == 0 {
		return nil
	}
	out := make([]Citation, len(citations))
	for i, cit := range citations {
		out[i] = Citation{DocID: cit.DocID, Title: cit.Title, SourceURL: cit.SourceURL}
	}
	return out
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Echo returns the underlying Echo instance, for tests and for wiring
// extra routes.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
