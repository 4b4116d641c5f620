// Package session manages conversation session lifecycle: creation, state
// persistence, activity tracking, and TTL-based reaping. A session ties
// together a user, a workspace directory, pooled isolation units, and the
// history of tasks executed on its behalf.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status values for a session.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Session is the persistent state of one user conversation.
type Session struct {
	ID           uuid.UUID      `json:"id"`
	UserID       string         `json:"user_id"`
	Status       string         `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActiveAt time.Time      `json:"last_active_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
}

// Event is one entry in a session's history (task submitted, result, etc.).
type Event struct {
	SeqNum    int            `json:"seq_num"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Store is the persistence interface for sessions.
// Implemented by the SQLite and PostgreSQL storage backends.
type Store interface {
	// CreateSession persists a new session record.
	CreateSession(ctx context.Context, s *Session) error

	// GetSession returns a session by ID, or ErrNotFound.
	GetSession(ctx context.Context, id uuid.UUID) (*Session, error)

	// TouchSession updates last_active_at to now.
	TouchSession(ctx context.Context, id uuid.UUID) error

	// ListSessions returns sessions for a user, most recently active first.
	ListSessions(ctx context.Context, userID string) ([]*Session, error)

	// EndSession marks a session ended and records the end time.
	EndSession(ctx context.Context, id uuid.UUID) error

	// ListExpired returns active sessions whose last activity is before cutoff.
	ListExpired(ctx context.Context, cutoff time.Time) ([]*Session, error)

	// AppendEvent appends an event to the session history with a
	// monotonically increasing sequence number.
	AppendEvent(ctx context.Context, sessionID uuid.UUID, ev *Event) error

	// LoadHistory returns the most recent events, ordered oldest-first.
	LoadHistory(ctx context.Context, sessionID uuid.UUID, maxEvents int) ([]*Event, error)

	// DeleteSession removes a session and its history.
	DeleteSession(ctx context.Context, id uuid.UUID) error
}

// DefaultMaxHistoryEvents bounds history loads when no limit is given.
const DefaultMaxHistoryEvents = 1000
