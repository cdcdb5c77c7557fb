package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskType is a named task template: a default executor kind plus a prompt
// template front ends expand when creating tasks of this type.
type TaskType struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	ExecutorKind   string    `json:"executor_kind"`
	PromptTemplate string    `json:"prompt_template,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func (s *Store) CreateTaskType(ctx context.Context, tt *TaskType) error {
	if tt.ID == "" {
		tt.ID = uuid.NewString()
	}
	if strings.TrimSpace(tt.Name) == "" {
		return fmt.Errorf("task type name required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_types (id, name, description, executor_kind, prompt_template, created_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, tt.ID, tt.Name, tt.Description, tt.ExecutorKind, tt.PromptTemplate)
	if err != nil {
		return storageErr("insert task type", err)
	}
	return nil
}

func (s *Store) GetTaskTypeByName(ctx context.Context, name string) (*TaskType, error) {
	var tt TaskType
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, executor_kind, prompt_template, created_at
		FROM task_types WHERE name = ?;
	`, name).Scan(&tt.ID, &tt.Name, &tt.Description, &tt.ExecutorKind, &tt.PromptTemplate, &tt.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task type %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get task type", err)
	}
	return &tt, nil
}

func (s *Store) ListTaskTypes(ctx context.Context) ([]TaskType, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, executor_kind, prompt_template, created_at
		FROM task_types ORDER BY name ASC;
	`)
	if err != nil {
		return nil, storageErr("list task types", err)
	}
	defer rows.Close()

	var out []TaskType
	for rows.Next() {
		var tt TaskType
		if err := rows.Scan(&tt.ID, &tt.Name, &tt.Description, &tt.ExecutorKind, &tt.PromptTemplate, &tt.CreatedAt); err != nil {
			return nil, storageErr("scan task type", err)
		}
		out = append(out, tt)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("task type rows", err)
	}
	return out, nil
}

func (s *Store) DeleteTaskType(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_types WHERE id = ?;`, id)
	if err != nil {
		return storageErr("delete task type", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete task type rows", err)
	}
	if n != 1 {
		return fmt.Errorf("task type %s: %w", id, ErrNotFound)
	}
	return nil
}
