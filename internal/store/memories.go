package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Memory scope kinds.
const (
	ScopeProject = "project"
	ScopeTask    = "task"
)

// Memory is a key-scoped durable note carried across executor invocations.
// Writes are last-write-wins; there is no versioning.
type Memory struct {
	ScopeKind string    `json:"scope_kind"`
	ScopeID   string    `json:"scope_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func validScope(kind string) bool {
	return kind == ScopeProject || kind == ScopeTask
}

func (s *Store) SetMemory(ctx context.Context, scopeKind, scopeID, key, value string) error {
	if !validScope(scopeKind) {
		return fmt.Errorf("invalid memory scope %q", scopeKind)
	}
	if key == "" {
		return fmt.Errorf("memory key required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (scope_kind, scope_id, key, value, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(scope_kind, scope_id, key)
		DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
	`, scopeKind, scopeID, key, value)
	if err != nil {
		return storageErr("set memory", err)
	}
	return nil
}

func (s *Store) GetMemory(ctx context.Context, scopeKind, scopeID, key string) (*Memory, error) {
	var m Memory
	err := s.db.QueryRowContext(ctx, `
		SELECT scope_kind, scope_id, key, value, updated_at
		FROM memories
		WHERE scope_kind = ? AND scope_id = ? AND key = ?;
	`, scopeKind, scopeID, key).Scan(&m.ScopeKind, &m.ScopeID, &m.Key, &m.Value, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memory %s/%s/%s: %w", scopeKind, scopeID, key, ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("get memory", err)
	}
	return &m, nil
}

func (s *Store) ListMemories(ctx context.Context, scopeKind, scopeID string) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scope_kind, scope_id, key, value, updated_at
		FROM memories
		WHERE scope_kind = ? AND scope_id = ?
		ORDER BY key ASC;
	`, scopeKind, scopeID)
	if err != nil {
		return nil, storageErr("list memories", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ScopeKind, &m.ScopeID, &m.Key, &m.Value, &m.UpdatedAt); err != nil {
			return nil, storageErr("scan memory", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("memory rows", err)
	}
	return out, nil
}

func (s *Store) DeleteMemory(ctx context.Context, scopeKind, scopeID, key string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM memories WHERE scope_kind = ? AND scope_id = ? AND key = ?;
	`, scopeKind, scopeID, key)
	if err != nil {
		return storageErr("delete memory", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete memory rows", err)
	}
	if n != 1 {
		return fmt.Errorf("memory %s/%s/%s: %w", scopeKind, scopeID, key, ErrNotFound)
	}
	return nil
}
