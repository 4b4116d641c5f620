package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/session"
)

// Compile-time interface check.
var _ session.Store = (*SessionRepository)(nil)

// SessionRepository implements session.Store with GORM.
type SessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository creates a SessionRepository.
func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) CreateSession(ctx context.Context, s *session.Session) error {
	model, err := toSessionModel(s)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

func (r *SessionRepository) GetSession(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	var model SessionModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up session: %w", err)
	}
	return toSession(&model)
}

func (r *SessionRepository) TouchSession(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ?", id).
		Update("last_active_at", time.Now().UTC())
	if res.Error != nil {
		return fmt.Errorf("touching session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return session.ErrNotFound
	}
	return nil
}

func (r *SessionRepository) ListSessions(ctx context.Context, userID string) ([]*session.Session, error) {
	var models []SessionModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_active_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	sessions := make([]*session.Session, 0, len(models))
	for i := range models {
		s, err := toSession(&models[i])
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (r *SessionRepository) EndSession(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ? AND status = ?", id, session.StatusActive).
		Updates(map[string]any{
			"status":   session.StatusEnded,
			"ended_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("ending session: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Either missing or already ended; distinguish for the caller.
		var count int64
		if err := r.db.WithContext(ctx).Model(&SessionModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return fmt.Errorf("checking session: %w", err)
		}
		if count == 0 {
			return session.ErrNotFound
		}
	}
	return nil
}

func (r *SessionRepository) ListExpired(ctx context.Context, cutoff time.Time) ([]*session.Session, error) {
	var models []SessionModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND last_active_at < ?", session.StatusActive, cutoff).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing expired sessions: %w", err)
	}

	sessions := make([]*session.Session, 0, len(models))
	for i := range models {
		s, err := toSession(&models[i])
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// AppendEvent atomically appends an event with a monotonically assigned
// sequence number starting after the current max.
func (r *SessionRepository) AppendEvent(ctx context.Context, sessionID uuid.UUID, ev *session.Event) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int
		err := tx.Model(&SessionEventModel{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(seq_num), 0)").
			Scan(&maxSeq).Error
		if err != nil {
			return fmt.Errorf("getting max seq_num: %w", err)
		}

		payload := []byte("{}")
		if ev.Payload != nil {
			payload, err = json.Marshal(ev.Payload)
			if err != nil {
				return fmt.Errorf("marshaling event payload: %w", err)
			}
		}

		createdAt := ev.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}

		model := SessionEventModel{
			ID:        uuid.New(),
			SessionID: sessionID,
			SeqNum:    maxSeq + 1,
			Type:      ev.Type,
			Payload:   JSONB(payload),
			CreatedAt: createdAt,
		}
		if err := tx.Create(&model).Error; err != nil {
			return fmt.Errorf("inserting event: %w", err)
		}

		ev.SeqNum = model.SeqNum
		return nil
	})
}

// LoadHistory returns the most recent events, ordered oldest-first.
func (r *SessionRepository) LoadHistory(ctx context.Context, sessionID uuid.UUID, maxEvents int) ([]*session.Event, error) {
	if maxEvents <= 0 {
		maxEvents = session.DefaultMaxHistoryEvents
	}

	var models []SessionEventModel
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq_num DESC").
		Limit(maxEvents).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("loading session history: %w", err)
	}

	// Reverse to oldest-first order.
	for i, j := 0, len(models)-1; i < j; i, j = i+1, j-1 {
		models[i], models[j] = models[j], models[i]
	}

	events := make([]*session.Event, len(models))
	for i := range models {
		ev, err := toEvent(&models[i])
		if err != nil {
			return nil, err
		}
		events[i] = ev
	}
	return events, nil
}

// DeleteSession removes a session, its events, and dangling references.
func (r *SessionRepository) DeleteSession(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&SessionEventModel{}).Error; err != nil {
			return fmt.Errorf("deleting session events: %w", err)
		}
		if err := tx.Where("id = ?", id).Delete(&SessionModel{}).Error; err != nil {
			return fmt.Errorf("deleting session: %w", err)
		}
		return nil
	})
}

func toSessionModel(s *session.Session) (*SessionModel, error) {
	metadata := []byte("{}")
	if s.Metadata != nil {
		var err error
		metadata, err = json.Marshal(s.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshaling session metadata: %w", err)
		}
	}
	return &SessionModel{
		ID:           s.ID,
		UserID:       s.UserID,
		Status:       s.Status,
		Metadata:     JSONB(metadata),
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
		EndedAt:      s.EndedAt,
	}, nil
}

func toSession(m *SessionModel) (*session.Session, error) {
	var metadata map[string]any
	if len(m.Metadata) > 0 {
		if err := json.Unmarshal(m.Metadata, &metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling session metadata: %w", err)
		}
	}
	return &session.Session{
		ID:           m.ID,
		UserID:       m.UserID,
		Status:       m.Status,
		Metadata:     metadata,
		CreatedAt:    m.CreatedAt,
		LastActiveAt: m.LastActiveAt,
		EndedAt:      m.EndedAt,
	}, nil
}

func toEvent(m *SessionEventModel) (*session.Event, error) {
	var payload map[string]any
	if len(m.Payload) > 0 {
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			return nil, fmt.Errorf("unmarshaling event payload: %w", err)
		}
	}
	return &session.Event{
		SeqNum:    m.SeqNum,
		Type:      m.Type,
		Payload:   payload,
		CreatedAt: m.CreatedAt,
	}, nil
}
