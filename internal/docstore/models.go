package docstore

import (
	"time"

	"github.com/civitaslabs/policyd/internal/taxonomy"
)

// Document is an official policy document held by the store. Documents are
// immutable once ingested; the offline indexing job owns their lifecycle.
type Document struct {
	// ID is the unique document identifier.
	ID string `json:"id"`

	// Title is the official document title.
	Title string `json:"title"`

	// Category is the taxonomy category the document was ingested under.
	Category taxonomy.Category `json:"category"`

	// Body is the full official text.
	Body string `json:"body"`

	// Agency is the issuing government agency.
	Agency string `json:"agency"`

	// PublishedAt is the official publication date.
	PublishedAt time.Time `json:"published_at"`

	// SourceURL points at the authoritative copy, when known.
	SourceURL string `json:"source_url,omitempty"`
}

// Hit is a nearest-neighbor search result.
type Hit struct {
	// Document is the matched document with its stored metadata.
	Document Document

	// Score is the similarity score in [0, 1]; higher is more similar.
	Score float32
}

// Filter restricts a search. The zero value matches everything.
type Filter struct {
	// Category restricts hits to one taxonomy category when non-empty.
	Category taxonomy.Category
}
