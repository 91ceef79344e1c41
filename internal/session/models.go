// Package session persists chat sessions and their turns. Turn indices
// within a session are gapless and strictly increasing from zero.
package session

import (
	"time"

	"github.com/civitaslabs/policyd/internal/taxonomy"
)

// Citation points at a source document backing an answer.
type Citation struct {
	DocID     string `json:"doc_id"`
	Title     string `json:"title"`
	SourceURL string `json:"source_url,omitempty"`
}

// Turn is one completed question/answer exchange. Only turns that
// finished (normally or degraded) are ever persisted.
type Turn struct {
	Index     int               `json:"index"`
	Query     string            `json:"query"`
	Answer    string            `json:"answer"`
	Category  taxonomy.Category `json:"category,omitempty"`
	Intent    string            `json:"intent,omitempty"`
	Keywords  []string          `json:"keywords,omitempty"`
	Citations []Citation        `json:"citations,omitempty"`
	Degraded  bool              `json:"degraded,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Session is a chat session shell; turns are stored separately.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	TurnCount int       `json:"turn_count"`
}
