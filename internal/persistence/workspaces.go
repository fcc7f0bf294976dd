package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type Workspace struct {
	ID        string
	Name      string
	Language  string
	CreatedAt time.Time
}

// EnsureWorkspace creates the workspace if missing. An existing row keeps
// its name; a non-empty language overwrites the stored one.
func (s *Store) EnsureWorkspace(ctx context.Context, id, name, language string) (*Workspace, error) {
	if id == "" {
		return nil, fmt.Errorf("ensure workspace: id is required")
	}
	lang := language
	if lang == "" {
		lang = "en"
	}
	err := retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO workspaces (id, name, language, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING;
		`, id, name, lang, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("insert workspace: %w", err)
		}
		if language != "" {
			if _, err := s.db.ExecContext(ctx, `UPDATE workspaces SET language = ? WHERE id = ?;`, language, id); err != nil {
				return fmt.Errorf("update workspace language: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetWorkspace(ctx, id)
}

// GetWorkspace returns (nil, nil) when the workspace does not exist.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	var (
		w  Workspace
		at int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, language, created_at FROM workspaces WHERE id = ?;`, id).
		Scan(&w.ID, &w.Name, &w.Language, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	w.CreatedAt = time.UnixMilli(at).UTC()
	return &w, nil
}
