// Package popularity tracks how often analyzed query keywords occur, and
// serves the most frequent ones as popular search terms.
package popularity

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/civitaslabs/policyd/internal/taxonomy"
)

// Term is a keyword with its observed frequency.
type Term struct {
	Keyword  string            `json:"keyword"`
	Category taxonomy.Category `json:"category,omitempty"`
	Count    int               `json:"count"`
}

// Tracker counts keyword occurrences in a SQLite table. It shares the
// session store's database handle.
type Tracker struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewTracker creates the keyword_counts table if needed.
func NewTracker(db *sql.DB, logger *zap.Logger) (*Tracker, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS keyword_counts (
		keyword TEXT PRIMARY KEY,
		category TEXT,
		count INTEGER NOT NULL DEFAULT 0
	)`)
	if err != nil {
		return nil, fmt.Errorf("creating keyword_counts schema: %w", err)
	}

	return &Tracker{db: db, logger: logger}, nil
}

// Record increments counts for the given keywords. Recording is
// best-effort bookkeeping; failures are logged, never fatal.
func (t *Tracker) Record(ctx context.Context, category taxonomy.Category, keywords []string) {
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		_, err := t.db.ExecContext(ctx,
			`INSERT INTO keyword_counts (keyword, category, count) VALUES (?, ?, 1)
			 ON CONFLICT(keyword) DO UPDATE SET count = count + 1, category = excluded.category`,
			kw, string(category),
		)
		if err != nil {
			t.logger.Warn("failed to record keyword",
				zap.String("keyword", kw),
				zap.Error(err),
			)
		}
	}
}

// CategoryCounts returns how many recorded keyword hits fall under each
// category. Categories never asked about are absent from the map.
func (t *Tracker) CategoryCounts(ctx context.Context) (map[taxonomy.Category]int, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT category, SUM(count) FROM keyword_counts
		 WHERE category != '' GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("querying category counts: %w", err)
	}
	defer rows.Close()

	counts := map[taxonomy.Category]int{}
	for rows.Next() {
		var category string
		var count int
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("scanning category count: %w", err)
		}
		counts[taxonomy.Category(category)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating category counts: %w", err)
	}

	return counts, nil
}

// Top returns the n most frequent keywords, ties broken alphabetically
// for stable output.
func (t *Tracker) Top(ctx context.Context, n int) ([]Term, error) {
	if n <= 0 {
		n = 10
	}

	rows, err := t.db.QueryContext(ctx,
		`SELECT keyword, category, count FROM keyword_counts
		 ORDER BY count DESC, keyword ASC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("querying popular terms: %w", err)
	}
	defer rows.Close()

	terms := []Term{}
	for rows.Next() {
		var term Term
		var category string
		if err := rows.Scan(&term.Keyword, &category, &term.Count); err != nil {
			return nil, fmt.Errorf("scanning popular term: %w", err)
		}
		term.Category = taxonomy.Category(category)
		terms = append(terms, term)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating popular terms: %w", err)
	}

	return terms, nil
}
