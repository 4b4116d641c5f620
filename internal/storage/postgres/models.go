package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage that maps to GORM JSONB columns.
// On SQLite the column degrades to TEXT, which stores JSON natively.
type JSONB json.RawMessage

// SessionModel maps to the "sessions" table.
type SessionModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID       string    `gorm:"not null;index"`
	Status       string    `gorm:"not null;default:'active';index"`
	Metadata     JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt    time.Time
	LastActiveAt time.Time `gorm:"not null;index"`
	EndedAt      *time.Time
}

func (SessionModel) TableName() string { return "sessions" }

// SessionEventModel maps to the "session_events" table.
type SessionEventModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID uuid.UUID `gorm:"type:uuid;not null;index:idx_session_events_seq,priority:1"`
	SeqNum    int       `gorm:"not null;index:idx_session_events_seq,priority:2"`
	Type      string    `gorm:"not null"`
	Payload   JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt time.Time
}

func (SessionEventModel) TableName() string { return "session_events" }

// TaskModel maps to the "tasks" table.
type TaskModel struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID  uuid.UUID `gorm:"type:uuid;not null;index"`
	UserID     string    `gorm:"not null;index"`
	Tool       string    `gorm:"not null"`
	Params     JSONB     `gorm:"type:jsonb;not null;default:'{}'"`
	Status     string    `gorm:"not null;default:'pending';index"`
	Output     string
	Error      string
	CreatedAt  time.Time `gorm:"not null;index"`
	StartedAt  *time.Time
	FinishedAt *time.Time
}

func (TaskModel) TableName() string { return "tasks" }
