package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/observability"
	"github.com/jkaninda/kazi/internal/pool"
	"github.com/jkaninda/kazi/internal/workspace"
)

// ErrEnded is returned when an operation targets an ended session.
var ErrEnded = errors.New("session has ended")

// Manager ties session records to their workspace directories and pooled
// isolation units. Ending a session releases all three.
type Manager struct {
	store   Store
	ws      *workspace.Workspace
	pool    *pool.Manager
	metrics *observability.MetricsCollector // nil when metrics are disabled
	logger  *slog.Logger
	ttl     time.Duration
}

// NewManager creates a session manager. metrics may be nil.
func NewManager(store Store, ws *workspace.Workspace, poolMgr *pool.Manager, metrics *observability.MetricsCollector, logger *slog.Logger, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Manager{
		store:   store,
		ws:      ws,
		pool:    poolMgr,
		metrics: metrics,
		logger:  logger,
		ttl:     ttl,
	}
}

// Create provisions a new session: a record and a workspace directory.
// Isolation units are provisioned lazily on first dispatch.
func (m *Manager) Create(ctx context.Context, userID string, metadata map[string]any) (*Session, error) {
	now := time.Now().UTC()
	s := &Session{
		ID:           uuid.New(),
		UserID:       userID,
		Status:       StatusActive,
		Metadata:     metadata,
		CreatedAt:    now,
		LastActiveAt: now,
	}

	// Pre-create the workspace directory so the first tool call finds it.
	m.ws.SessionDir(userID, s.ID.String())

	if err := m.store.CreateSession(ctx, s); err != nil {
		// Best-effort cleanup of the directory we just made.
		_ = m.ws.RemoveSessionDir(userID, s.ID.String())
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.SessionsTotal.Inc()
		m.metrics.ActiveSessions.Inc()
	}

	m.logger.Info("session created",
		slog.String("session_id", s.ID.String()),
		slog.String("user_id", userID),
	)
	return s, nil
}

// Get returns a session by ID.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	return m.store.GetSession(ctx, id)
}

// List returns a user's sessions, most recently active first.
func (m *Manager) List(ctx context.Context, userID string) ([]*Session, error) {
	return m.store.ListSessions(ctx, userID)
}

// Touch records activity on a session, deferring its expiry.
func (m *Manager) Touch(ctx context.Context, id uuid.UUID) error {
	return m.store.TouchSession(ctx, id)
}

// Require returns the session if it exists and is active.
func (m *Manager) Require(ctx context.Context, id uuid.UUID) (*Session, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Status != StatusActive {
		return nil, fmt.Errorf("%w: %s", ErrEnded, id)
	}
	return s, nil
}

// WorkDir returns the session's workspace directory, creating it if needed.
func (m *Manager) WorkDir(s *Session) string {
	return m.ws.SessionDir(s.UserID, s.ID.String())
}

// AppendEvent records an event in the session history.
func (m *Manager) AppendEvent(ctx context.Context, sessionID uuid.UUID, ev *Event) error {
	return m.store.AppendEvent(ctx, sessionID, ev)
}

// History returns the most recent session events, oldest-first.
func (m *Manager) History(ctx context.Context, sessionID uuid.UUID, maxEvents int) ([]*Event, error) {
	return m.store.LoadHistory(ctx, sessionID, maxEvents)
}

// End terminates a session: marks the record ended, destroys the session's
// pooled units, and removes its workspace directory.
func (m *Manager) End(ctx context.Context, id uuid.UUID) error {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.Status != StatusActive {
		return nil // already ended
	}

	if err := m.store.EndSession(ctx, id); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.ActiveSessions.Dec()
	}

	var errs []error
	if err := m.pool.DestroySession(ctx, id.String()); err != nil {
		errs = append(errs, fmt.Errorf("destroying session units: %w", err))
	}
	if err := m.ws.RemoveSessionDir(s.UserID, id.String()); err != nil {
		errs = append(errs, fmt.Errorf("removing session workspace: %w", err))
	}

	m.logger.Info("session ended",
		slog.String("session_id", id.String()),
		slog.String("user_id", s.UserID),
	)
	return errors.Join(errs...)
}

// ReapExpired ends all active sessions idle longer than the TTL.
// Returns the number of sessions reaped.
func (m *Manager) ReapExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-m.ttl)
	expired, err := m.store.ListExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	var errs []error
	for _, s := range expired {
		if err := m.End(ctx, s.ID); err != nil {
			errs = append(errs, fmt.Errorf("reaping session %s: %w", s.ID, err))
			continue
		}
		reaped++
	}

	if reaped > 0 {
		m.logger.Info("expired sessions reaped",
			slog.Int("count", reaped),
			slog.Duration("ttl", m.ttl),
		)
	}
	return reaped, errors.Join(errs...)
}
