// Package http provides the HTTP API for policyd.
package http

import (
	"time"

	"github.com/civitaslabs/policyd/internal/taxonomy"
)

// SearchRequest is the request body for POST /search/query.
type SearchRequest struct {
	Query    string `json:"query"`
	Category string `json:"category,omitempty"`
	TopK     int    `json:"top_k,omitempty"`
}

// SearchResult is one document in a search response.
type SearchResult struct {
	DocID       string  `json:"doc_id"`
	Title       string  `json:"title"`
	Category    string  `json:"category"`
	Agency      string  `json:"agency,omitempty"`
	Snippet     string  `json:"snippet"`
	Score       float32 `json:"score"`
	SourceURL   string  `json:"source_url,omitempty"`
	PublishedAt string  `json:"published_at,omitempty"`
}

// SearchResponse is the response body for POST /search/query.
type SearchResponse struct {
	Query      string         `json:"query"`
	Results    []SearchResult `json:"results"`
	DurationMS int64          `json:"duration_ms"`
}

// CategoryInfo is one category in the categories response. Count is how
// many recorded question keywords fell under the category.
type CategoryInfo struct {
	ID    taxonomy.Category `json:"id"`
	Name  string            `json:"name"`
	Count int               `json:"count"`
}

// CategoriesResponse is the response body for GET /search/categories.
type CategoriesResponse struct {
	Categories []CategoryInfo `json:"categories"`
}

// PopularTerm is one entry in the popular-keywords response.
type PopularTerm struct {
	Keyword string `json:"keyword"`
	Count   int    `json:"count"`
}

// PopularResponse is the response body for GET /search/popular.
type PopularResponse struct {
	Terms []PopularTerm `json:"terms"`
}

// SessionResponse is the response body for POST /chat/session.
type SessionResponse struct {
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
}

// MessageRequest is the request body for POST /chat/message.
type MessageRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// Citation is one source reference in a chat response.
type Citation struct {
	DocID     string `json:"doc_id"`
	Title     string `json:"title"`
	SourceURL string `json:"source_url,omitempty"`
}

// Suggestion is one related-topic suggestion in a chat response.
type Suggestion struct {
	Category string `json:"category"`
	Label    string `json:"label"`
	Prompt   string `json:"prompt"`
}

// MessageResponse is the response body for POST /chat/message.
type MessageResponse struct {
	SessionID     string       `json:"session_id"`
	TurnIndex     int          `json:"turn_index"`
	Answer        string       `json:"answer"`
	Category      string       `json:"category,omitempty"`
	Citations     []Citation   `json:"citations,omitempty"`
	Suggestions   []Suggestion `json:"suggestions,omitempty"`
	Clarification bool         `json:"clarification,omitempty"`
	Degraded      bool         `json:"degraded,omitempty"`
}

// HistoryTurn is one turn in a chat history response.
type HistoryTurn struct {
	Index     int        `json:"index"`
	Query     string     `json:"query"`
	Answer    string     `json:"answer"`
	Category  string     `json:"category,omitempty"`
	Citations []Citation `json:"citations,omitempty"`
	Degraded  bool       `json:"degraded,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// HistoryResponse is the response body for GET /chat/history/:id.
type HistoryResponse struct {
	SessionID string        `json:"session_id"`
	Turns     []HistoryTurn `json:"turns"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks,omitempty"`
}
