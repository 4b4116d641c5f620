package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/dispatch"
)

// Compile-time interface check.
var _ dispatch.TaskStore = (*TaskRepository)(nil)

// TaskRepository implements dispatch.TaskStore with GORM.
type TaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository creates a TaskRepository.
func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) CreateTask(ctx context.Context, t *dispatch.Task) error {
	model, err := toTaskModel(t)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	return nil
}

func (r *TaskRepository) UpdateTask(ctx context.Context, t *dispatch.Task) error {
	res := r.db.WithContext(ctx).
		Model(&TaskModel{}).
		Where("id = ?", t.ID).
		Updates(map[string]any{
			"status":      t.Status,
			"output":      t.Output,
			"error":       t.Error,
			"started_at":  t.StartedAt,
			"finished_at": t.FinishedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("updating task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return dispatch.ErrTaskNotFound
	}
	return nil
}

func (r *TaskRepository) GetTask(ctx context.Context, id uuid.UUID) (*dispatch.Task, error) {
	var model TaskModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, dispatch.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up task: %w", err)
	}
	return toTask(&model)
}

func (r *TaskRepository) ListTasks(ctx context.Context, sessionID uuid.UUID, limit int) ([]*dispatch.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	var models []TaskModel
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	tasks := make([]*dispatch.Task, 0, len(models))
	for i := range models {
		t, err := toTask(&models[i])
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func toTaskModel(t *dispatch.Task) (*TaskModel, error) {
	params := []byte("{}")
	if t.Params != nil {
		var err error
		params, err = json.Marshal(t.Params)
		if err != nil {
			return nil, fmt.Errorf("marshaling task params: %w", err)
		}
	}
	return &TaskModel{
		ID:         t.ID,
		SessionID:  t.SessionID,
		UserID:     t.UserID,
		Tool:       t.Tool,
		Params:     JSONB(params),
		Status:     t.Status,
		Output:     t.Output,
		Error:      t.Error,
		CreatedAt:  t.CreatedAt,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}, nil
}

func toTask(m *TaskModel) (*dispatch.Task, error) {
	var params map[string]any
	if len(m.Params) > 0 {
		if err := json.Unmarshal(m.Params, &params); err != nil {
			return nil, fmt.Errorf("unmarshaling task params: %w", err)
		}
	}
	return &dispatch.Task{
		ID:         m.ID,
		SessionID:  m.SessionID,
		UserID:     m.UserID,
		Tool:       m.Tool,
		Params:     params,
		Status:     m.Status,
		Output:     m.Output,
		Error:      m.Error,
		CreatedAt:  m.CreatedAt,
		StartedAt:  m.StartedAt,
		FinishedAt: m.FinishedAt,
	}, nil
}
