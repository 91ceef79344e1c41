package session

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrPersistence indicates the backing store failed. This is the
	// only error class the pipeline treats as fatal for a turn.
	ErrPersistence = errors.New("session persistence failed")

	// ErrIndexConflict indicates a turn index collision, meaning two
	// writers raced on the same session.
	ErrIndexConflict = errors.New("turn index conflict")
)

// Store persists sessions and turns.
type Store interface {
	// Create starts a new empty session.
	Create(ctx context.Context) (*Session, error)

	// Get returns the session shell, or ErrNotFound.
	Get(ctx context.Context, sessionID string) (*Session, error)

	// Append atomically assigns the next turn index and persists the
	// turn. The returned turn carries the assigned index. Either the
	// whole turn is stored or nothing is.
	Append(ctx context.Context, sessionID string, turn Turn) (*Turn, error)

	// History returns up to limit most recent turns in ascending index
	// order. limit <= 0 returns all turns.
	History(ctx context.Context, sessionID string, limit int) ([]Turn, error)

	// Delete removes a session and its turns.
	Delete(ctx context.Context, sessionID string) error

	// Close releases store resources.
	Close() error
}
