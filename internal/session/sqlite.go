package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/civitaslabs/policyd/internal/taxonomy"
)

// SQLiteStore implements Store on a local SQLite database in WAL mode.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStore opens or creates the session database at path and
// creates the schema if it does not exist.
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating session directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return s, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle so sibling stores (query term counts)
// can share one database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			turn_idx INTEGER NOT NULL,
			query TEXT NOT NULL,
			answer TEXT NOT NULL,
			category TEXT,
			intent TEXT,
			keywords TEXT,
			citations TEXT,
			degraded INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			PRIMARY KEY (session_id, turn_idx)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// Create starts a new empty session.
func (s *SQLiteStore) Create(ctx context.Context) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:        "sess-" + uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)`,
		sess.ID, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: creating session: %v", ErrPersistence, err)
	}

	s.logger.Debug("session created", zap.String("session_id", sess.ID))
	return sess, nil
}

// Get returns the session shell, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT s.id, s.created_at, s.updated_at,
		        (SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id)
		 FROM sessions s WHERE s.id = ?`, sessionID)

	var sess Session
	var createdAt, updatedAt string
	if err := row.Scan(&sess.ID, &createdAt, &updatedAt, &sess.TurnCount); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: loading session: %v", ErrPersistence, err)
	}

	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &sess, nil
}

// Append atomically assigns the next turn index and persists the turn in
// one transaction. The UNIQUE(session_id, turn_idx) constraint backs the
// gapless-index invariant against concurrent writers.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, turn Turn) (*Turn, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: beginning transaction: %v", ErrPersistence, err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("%w: checking session: %v", ErrPersistence, err)
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	var nextIdx int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(turn_idx) + 1, 0) FROM turns WHERE session_id = ?`,
		sessionID).Scan(&nextIdx); err != nil {
		return nil, fmt.Errorf("%w: computing turn index: %v", ErrPersistence, err)
	}

	keywords, err := json.Marshal(turn.Keywords)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding keywords: %v", ErrPersistence, err)
	}
	citations, err := json.Marshal(turn.Citations)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding citations: %v", ErrPersistence, err)
	}

	now := time.Now().UTC()
	turn.Index = nextIdx
	turn.CreatedAt = now

	degraded := 0
	if turn.Degraded {
		degraded = 1
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO turns (session_id, turn_idx, query, answer, category, intent, keywords, citations, degraded, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, nextIdx, turn.Query, turn.Answer, string(turn.Category), turn.Intent,
		string(keywords), string(citations), degraded, now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("%w: session %s index %d", ErrIndexConflict, sessionID, nextIdx)
		}
		return nil, fmt.Errorf("%w: inserting turn: %v", ErrPersistence, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`,
		now.Format(time.RFC3339Nano), sessionID); err != nil {
		return nil, fmt.Errorf("%w: touching session: %v", ErrPersistence, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: committing turn: %v", ErrPersistence, err)
	}

	return &turn, nil
}

// History returns up to limit most recent turns in ascending index order.
func (s *SQLiteStore) History(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, err
	}

	query := `SELECT turn_idx, query, answer, category, intent, keywords, citations, degraded, created_at
	          FROM turns WHERE session_id = ? ORDER BY turn_idx ASC`
	args := []any{sessionID}
	if limit > 0 {
		// Most recent N, still returned ascending.
		query = `SELECT * FROM (
			SELECT turn_idx, query, answer, category, intent, keywords, citations, degraded, created_at
			FROM turns WHERE session_id = ? ORDER BY turn_idx DESC LIMIT ?
		) ORDER BY turn_idx ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: loading history: %v", ErrPersistence, err)
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		var t Turn
		var category, keywords, citations, createdAt string
		var degraded int
		if err := rows.Scan(&t.Index, &t.Query, &t.Answer, &category, &t.Intent,
			&keywords, &citations, &degraded, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scanning turn: %v", ErrPersistence, err)
		}

		t.Category = taxonomy.Category(category)
		t.Degraded = degraded != 0
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if keywords != "" && keywords != "null" {
			if err := json.Unmarshal([]byte(keywords), &t.Keywords); err != nil {
				return nil, fmt.Errorf("%w: decoding keywords: %v", ErrPersistence, err)
			}
		}
		if citations != "" && citations != "null" {
			if err := json.Unmarshal([]byte(citations), &t.Citations); err != nil {
				return nil, fmt.Errorf("%w: decoding citations: %v", ErrPersistence, err)
			}
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating history: %v", ErrPersistence, err)
	}

	return turns, nil
}

// Delete removes a session and its turns.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("%w: deleting session: %v", ErrPersistence, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: checking delete result: %v", ErrPersistence, err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("session deleted", zap.String("session_id", sessionID))
	return nil
}
