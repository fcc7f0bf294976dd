package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SetChatRef links a task to an external chat. A task has at most one
// reference and a chat maps to at most one task; relinking replaces both.
func (s *Store) SetChatRef(ctx context.Context, taskID, channel, chatRef string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin chat ref tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_chat_refs WHERE channel = ? AND chat_ref = ? AND task_id != ?;`,
			channel, chatRef, taskID); err != nil {
			return fmt.Errorf("release chat ref: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_chat_refs (task_id, channel, chat_ref, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(task_id) DO UPDATE SET channel = excluded.channel, chat_ref = excluded.chat_ref;
		`, taskID, channel, chatRef, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("set chat ref: %w", err)
		}
		return tx.Commit()
	})
}

// ChatRefForTask returns the channel and chat of a task, or empty strings.
func (s *Store) ChatRefForTask(ctx context.Context, taskID string) (channel, chatRef string, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT channel, chat_ref FROM task_chat_refs WHERE task_id = ?;`, taskID).
		Scan(&channel, &chatRef)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("chat ref for task: %w", err)
	}
	return channel, chatRef, nil
}

// TaskForChatRef returns the linked task id, or "" when the chat is unlinked.
func (s *Store) TaskForChatRef(ctx context.Context, channel, chatRef string) (string, error) {
	var taskID string
	err := s.db.QueryRowContext(ctx, `SELECT task_id FROM task_chat_refs WHERE channel = ? AND chat_ref = ?;`,
		channel, chatRef).Scan(&taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("task for chat ref: %w", err)
	}
	return taskID, nil
}
