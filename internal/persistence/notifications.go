package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/taskforce/internal/bus"
	"github.com/google/uuid"
)

// Notification source kinds.
const (
	SourceMention      = "mention"
	SourceSubscription = "subscription"
	SourceDirect       = "direct"
)

// Subscription reasons.
const (
	SubscribeAuto      = "auto"
	SubscribeManual    = "manual"
	SubscribeMentioned = "mentioned"
	SubscribeAssigned  = "assigned"
	SubscribeDelegated = "delegated"
)

type Notification struct {
	ID              string
	ScopeID         string
	Recipient       string
	Content         string
	Delivered       bool
	DeliveredAt     *time.Time
	TaskID          string
	SourceMessageID string
	SourceKind      string
	CreatedAt       time.Time
}

const notificationColumns = `id, scope_id, recipient, content, delivered, delivered_at, task_id,
	source_message_id, source_kind, created_at`

func scanNotification(scanFn func(dest ...any) error, n *Notification) error {
	var (
		delivered         int
		deliveredAt       sql.NullInt64
		taskID, sourceMsg sql.NullString
		createdAt         int64
	)
	if err := scanFn(&n.ID, &n.ScopeID, &n.Recipient, &n.Content, &delivered, &deliveredAt, &taskID,
		&sourceMsg, &n.SourceKind, &createdAt); err != nil {
		return err
	}
	n.Delivered = delivered != 0
	n.DeliveredAt = fromMillis(deliveredAt)
	n.TaskID = taskID.String
	n.SourceMessageID = sourceMsg.String
	n.CreatedAt = time.UnixMilli(createdAt).UTC()
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertNotification is idempotent on (source_message_id, recipient): when a
// row already exists it is returned with created=false.
func (s *Store) InsertNotification(ctx context.Context, n *Notification) (*Notification, bool, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.SourceKind == "" {
		n.SourceKind = SourceDirect
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	var inserted bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO notifications (id, scope_id, recipient, content, delivered, task_id,
				source_message_id, source_kind, created_at)
			VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING;
		`, n.ID, n.ScopeID, n.Recipient, n.Content, nullString(n.TaskID), nullString(n.SourceMessageID),
			n.SourceKind, n.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
		rows, _ := res.RowsAffected()
		inserted = rows == 1
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if inserted {
		s.publish(bus.TopicNotificationCreated, bus.NotificationCreatedEvent{
			NotificationID: n.ID, Recipient: n.Recipient, SourceKind: n.SourceKind,
		})
		return n, true, nil
	}

	var existing Notification
	if err := scanNotification(s.db.QueryRowContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications
		WHERE source_message_id = ? AND recipient = ?;
	`, n.SourceMessageID, n.Recipient).Scan, &existing); err != nil {
		return nil, false, fmt.Errorf("load existing notification: %w", err)
	}
	return &existing, false, nil
}

// MarkNotificationDelivered is idempotent; the first delivery time is kept.
func (s *Store) MarkNotificationDelivered(ctx context.Context, id string, at time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE notifications SET delivered = 1, delivered_at = COALESCE(delivered_at, ?) WHERE id = ?;
		`, at.UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("notification %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// ListNotifications returns the notifications of recipient, oldest first.
func (s *Store) ListNotifications(ctx context.Context, recipient string, undeliveredOnly bool) ([]Notification, error) {
	q := `SELECT ` + notificationColumns + ` FROM notifications WHERE recipient = ?`
	if undeliveredOnly {
		q += ` AND delivered = 0`
	}
	q += ` ORDER BY created_at ASC, rowid ASC;`
	rows, err := s.db.QueryContext(ctx, q, recipient)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	var out []Notification
	for rows.Next() {
		var n Notification
		if err := scanNotification(rows.Scan, &n); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// UpsertSubscription subscribes sessionKey to a task thread. Re-subscribing
// keeps the original reason.
func (s *Store) UpsertSubscription(ctx context.Context, scopeID, taskID, sessionKey, reason string) error {
	if sessionKey == "" {
		return nil
	}
	if reason == "" {
		reason = SubscribeManual
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO thread_subscriptions (scope_id, task_id, session_key, reason, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(scope_id, task_id, session_key) DO NOTHING;
		`, scopeID, taskID, sessionKey, reason, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("upsert subscription: %w", err)
		}
		return nil
	})
}

// ListSubscribers returns the session keys subscribed to a task thread.
func (s *Store) ListSubscribers(ctx context.Context, scopeID, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_key FROM thread_subscriptions
		WHERE scope_id = ? AND task_id = ? ORDER BY created_at ASC, session_key ASC;
	`, scopeID, taskID)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RewriteSubscriber moves subscriptions from one session key to another,
// dropping rows that would collide.
func (s *Store) RewriteSubscriber(ctx context.Context, scopeID, from, to string) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		res, err := tx.ExecContext(ctx, `
			UPDATE OR IGNORE thread_subscriptions SET session_key = ?
			WHERE scope_id = ? AND session_key = ?;
		`, to, scopeID, from)
		if err != nil {
			return fmt.Errorf("rewrite subscriber: %w", err)
		}
		n, _ = res.RowsAffected()
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM thread_subscriptions WHERE scope_id = ? AND session_key = ?;
		`, scopeID, from); err != nil {
			return fmt.Errorf("drop stale subscriptions: %w", err)
		}
		return tx.Commit()
	})
	return n, err
}
