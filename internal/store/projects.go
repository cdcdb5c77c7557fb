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

// Project groups tasks under a filesystem root. Aliases are free-text names
// front ends may use to reference the project.
type Project struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	RootPath     string    `json:"root_path,omitempty"`
	Aliases      []string  `json:"aliases,omitempty"`
	Instructions string    `json:"instructions,omitempty"`
	Color        string    `json:"color,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func joinAliases(aliases []string) string {
	var cleaned []string
	for _, a := range aliases {
		a = strings.TrimSpace(a)
		if a != "" {
			cleaned = append(cleaned, a)
		}
	}
	return strings.Join(cleaned, ",")
}

func splitAliases(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("project name required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, root_path, aliases, instructions, color, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, p.ID, p.Name, p.RootPath, joinAliases(p.Aliases), p.Instructions, p.Color)
	if err != nil {
		return storageErr("insert project", err)
	}
	return nil
}

const projectSelect = `
	SELECT id, name, root_path, aliases, instructions, color, created_at, updated_at
	FROM projects`

func scanProject(scan func(...any) error) (*Project, error) {
	var (
		p       Project
		aliases string
	)
	err := scan(&p.ID, &p.Name, &p.RootPath, &aliases, &p.Instructions, &p.Color, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("scan project", err)
	}
	p.Aliases = splitAliases(aliases)
	return &p, nil
}

func (s *Store) GetProject(ctx context.Context, projectID string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, projectSelect+` WHERE id = ?;`, projectID)
	p, err := scanProject(row.Scan)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
		}
		return nil, err
	}
	return p, nil
}

// ResolveProject finds a project by id, name, or alias (in that order).
func (s *Store) ResolveProject(ctx context.Context, ref string) (*Project, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("empty project reference: %w", ErrNotFound)
	}
	if p, err := s.GetProject(ctx, ref); err == nil {
		return p, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, projectSelect+` WHERE name = ?;`, ref)
	if p, err := scanProject(row.Scan); err == nil {
		return p, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Alias match: aliases are a comma-joined list, so match each candidate.
	projects, err := s.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	for i := range projects {
		for _, alias := range projects[i].Aliases {
			if strings.EqualFold(alias, ref) {
				return &projects[i], nil
			}
		}
	}
	return nil, fmt.Errorf("project %q: %w", ref, ErrNotFound)
}

func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, projectSelect+` ORDER BY name ASC;`)
	if err != nil {
		return nil, storageErr("list projects", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("project rows", err)
	}
	return out, nil
}

func (s *Store) UpdateProject(ctx context.Context, p *Project) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET name = ?, root_path = ?, aliases = ?, instructions = ?, color = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, p.Name, p.RootPath, joinAliases(p.Aliases), p.Instructions, p.Color, p.ID)
	if err != nil {
		return storageErr("update project", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update project rows", err)
	}
	if n != 1 {
		return fmt.Errorf("project %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

// DeleteProject removes a project. It is refused while any of the project's
// tasks is in a non-terminal state.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return storageErr("begin delete project tx", err)
		}
		defer func() { _ = tx.Rollback() }()

		var active int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(1) FROM tasks
			WHERE project_id = ? AND status IN (?, ?, ?);
		`, projectID, StatusPending, StatusRunning, StatusNeedsInput).Scan(&active); err != nil {
			return storageErr("count active project tasks", err)
		}
		if active > 0 {
			return fmt.Errorf("project %s has %d active tasks: %w", projectID, active, ErrProjectHasActiveTasks)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?;`, projectID)
		if err != nil {
			return storageErr("delete project", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storageErr("delete project rows", err)
		}
		if n != 1 {
			return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
		}
		// Terminal tasks keep their rows; they just lose the project link.
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET project_id = NULL, updated_at = CURRENT_TIMESTAMP WHERE project_id = ?;
		`, projectID); err != nil {
			return storageErr("detach project tasks", err)
		}
		return tx.Commit()
	})
}
