package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskforce/internal/bus"
	"github.com/google/uuid"
)

type MessageKind string

const (
	MessageKindChat   MessageKind = "chat"
	MessageKindTool   MessageKind = "tool"
	MessageKindSystem MessageKind = "system"
)

type Message struct {
	ID        string
	TaskID    string
	ScopeID   string
	Sender    string
	Content   string
	Kind      MessageKind
	CreatedAt time.Time
}

// InsertMessage appends a message and publishes message.posted. ID, Kind and
// CreatedAt are filled in when empty.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Kind == "" {
		m.Kind = MessageKindChat
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.ScopeID == "" {
		if err := s.db.QueryRowContext(ctx, `SELECT scope_id FROM tasks WHERE id = ?;`, m.TaskID).Scan(&m.ScopeID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s: %w", m.TaskID, ErrNotFound)
			}
			return fmt.Errorf("read message scope: %w", err)
		}
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, task_id, scope_id, sender, content, kind, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, m.ID, m.TaskID, m.ScopeID, m.Sender, m.Content, string(m.Kind), m.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicMessagePosted, bus.MessagePostedEvent{
		MessageID: m.ID, TaskID: m.TaskID, Sender: m.Sender, Kind: string(m.Kind),
	})
	return nil
}

// RecentMessages returns up to limit of the newest messages of a task in
// chronological order.
func (s *Store) RecentMessages(ctx context.Context, taskID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, scope_id, sender, content, kind, created_at FROM (
			SELECT id, task_id, scope_id, sender, content, kind, created_at, rowid AS seq
			FROM messages WHERE task_id = ?
			ORDER BY created_at DESC, seq DESC
			LIMIT ?
		) ORDER BY created_at ASC, seq ASC;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMessage returns ErrNotFound when absent.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		SELECT id, task_id, scope_id, sender, content, kind, created_at FROM messages WHERE id = ?;
	`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMessage(scanFn func(dest ...any) error) (Message, error) {
	var (
		m    Message
		kind string
		at   int64
	)
	if err := scanFn(&m.ID, &m.TaskID, &m.ScopeID, &m.Sender, &m.Content, &kind, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, err
		}
		return m, fmt.Errorf("scan message: %w", err)
	}
	m.Kind = MessageKind(kind)
	m.CreatedAt = time.UnixMilli(at).UTC()
	return m, nil
}
