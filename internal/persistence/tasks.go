package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/taskforce/internal/bus"
	"github.com/basket/taskforce/internal/shared"
	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusInbox      TaskStatus = "inbox"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusDone       TaskStatus = "done"
)

// Valid reports whether s is one of the six lifecycle statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusInbox, TaskStatusAssigned, TaskStatusInProgress,
		TaskStatusBlocked, TaskStatusReview, TaskStatusDone:
		return true
	}
	return false
}

// AllStatuses lists statuses in board order.
var AllStatuses = []TaskStatus{
	TaskStatusInbox, TaskStatusAssigned, TaskStatusInProgress,
	TaskStatusBlocked, TaskStatusReview, TaskStatusDone,
}

// Task event types.
const (
	EventTaskCreated       = "task.created"
	EventTaskStatusChanged = "task.status_changed"
	EventTaskParentWoken   = "task.parent_woken"
	EventTaskWakeSkipped   = "task.wake_skipped"
	EventTaskDoneCleared   = "task.done_cleared"
	EventTaskAssigned      = "task.assigned"
)

type Task struct {
	ID               string
	ScopeID          string
	ParentTaskID     string
	Title            string
	TitleKey         string
	Description      string
	Status           TaskStatus
	Assignees        []string
	Priority         string
	Tags             []string
	CreatedBy        string
	LockOwner        string
	LockExpiresAt    *time.Time
	ParentNotifiedAt *time.Time
	DoneClearedAt    *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewTask holds the fields a caller supplies when creating a task.
type NewTask struct {
	ID           string
	ScopeID      string
	ParentTaskID string
	Title        string
	TitleKey     string
	Description  string
	Status       TaskStatus
	Assignees    []string
	Priority     string
	Tags         []string
	CreatedBy    string
	CreatedAt    time.Time
}

type TaskEvent struct {
	EventID    int64
	TaskID     string
	ScopeID    string
	EventType  string
	FromStatus string
	ToStatus   string
	Actor      string
	Reason     string
	TraceID    string
	CreatedAt  time.Time
}

// TaskFilter narrows ListTasks. Zero values mean "any".
type TaskFilter struct {
	ScopeID        string
	Status         TaskStatus
	Assignee       string
	ParentTaskID   string
	IncludeCleared bool
	Limit          int
}

const taskColumns = `id, scope_id, parent_task_id, title, title_key, description, status,
	assignees, priority, tags, created_by, lock_owner, lock_expires_at,
	parent_notified_at, done_cleared_at, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		parent, lockOwner               sql.NullString
		lockExp, notified, cleared      sql.NullInt64
		assigneesJSON, tagsJSON, status string
		createdAt, updatedAt            int64
	)
	if err := scanFn(
		&task.ID, &task.ScopeID, &parent, &task.Title, &task.TitleKey, &task.Description, &status,
		&assigneesJSON, &task.Priority, &tagsJSON, &task.CreatedBy, &lockOwner, &lockExp,
		&notified, &cleared, &createdAt, &updatedAt,
	); err != nil {
		return err
	}
	task.ParentTaskID = parent.String
	task.Status = TaskStatus(status)
	task.LockOwner = lockOwner.String
	task.LockExpiresAt = fromMillis(lockExp)
	task.ParentNotifiedAt = fromMillis(notified)
	task.DoneClearedAt = fromMillis(cleared)
	task.CreatedAt = time.UnixMilli(createdAt).UTC()
	task.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	task.Assignees = decodeStrings(assigneesJSON)
	task.Tags = decodeStrings(tagsJSON)
	return nil
}

func encodeStrings(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeStrings(raw string) []string {
	var out []string
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// CreateTask inserts a task and its task.created event in one transaction.
// A parent from another scope is rejected.
func (s *Store) CreateTask(ctx context.Context, in NewTask) (*Task, error) {
	if strings.TrimSpace(in.ScopeID) == "" {
		return nil, shared.NewValidationError("scope", "is required")
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, shared.NewValidationError("title", "is required")
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Status == "" {
		in.Status = TaskStatusInbox
	}
	if !in.Status.Valid() {
		return nil, shared.NewValidationError("status", "unknown status %q", in.Status)
	}
	if in.Priority == "" {
		in.Priority = "medium"
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	now := in.CreatedAt.UnixMilli()

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var parent any
		if in.ParentTaskID != "" {
			var parentScope string
			err := tx.QueryRowContext(ctx, `SELECT scope_id FROM tasks WHERE id = ?;`, in.ParentTaskID).Scan(&parentScope)
			if errors.Is(err, sql.ErrNoRows) {
				return shared.NewValidationError("parentTaskId", "parent task %s not found", in.ParentTaskID)
			}
			if err != nil {
				return fmt.Errorf("lookup parent task: %w", err)
			}
			if parentScope != in.ScopeID {
				return shared.NewValidationError("parentTaskId", "parent task belongs to another scope")
			}
			parent = in.ParentTaskID
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, scope_id, parent_task_id, title, title_key, description, status,
				assignees, priority, tags, created_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, in.ID, in.ScopeID, parent, in.Title, in.TitleKey, in.Description, string(in.Status),
			encodeStrings(in.Assignees), in.Priority, encodeStrings(in.Tags), in.CreatedBy, now, now); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := appendTaskEventTx(ctx, tx, TaskEvent{
			TaskID: in.ID, ScopeID: in.ScopeID, EventType: EventTaskCreated,
			ToStatus: string(in.Status), Actor: in.CreatedBy, Reason: "created",
		}, now); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskCreated, bus.TaskStatusChangedEvent{
		TaskID: in.ID, Scope: in.ScopeID, NewStatus: string(in.Status), Actor: in.CreatedBy, Reason: "created",
	})
	return s.GetTask(ctx, in.ID)
}

// GetTask returns ErrNotFound when the id is unknown.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	var t Task
	if err := scanTask(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	var (
		where []string
		args  []any
	)
	if f.ScopeID != "" {
		where = append(where, "scope_id = ?")
		args = append(args, f.ScopeID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.ParentTaskID != "" {
		where = append(where, "parent_task_id = ?")
		args = append(args, f.ParentTaskID)
	}
	if f.Assignee != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(tasks.assignees) WHERE json_each.value = ?)")
		args = append(args, f.Assignee)
	}
	if !f.IncludeCleared {
		where = append(where, "done_cleared_at IS NULL")
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListChildTasks returns the children of parentID, oldest first.
func (s *Store) ListChildTasks(ctx context.Context, parentID string) ([]Task, error) {
	return s.ListTasks(ctx, TaskFilter{ParentTaskID: parentID, IncludeCleared: true})
}

// FindRecentChild returns the newest child of parentID with titleKey created
// at or after since, or nil.
func (s *Store) FindRecentChild(ctx context.Context, scopeID, parentID, titleKey string, since time.Time) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE scope_id = ? AND parent_task_id = ? AND title_key = ? AND created_at >= ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1;
	`, scopeID, parentID, titleKey, since.UnixMilli())
	var t Task
	if err := scanTask(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find recent child: %w", err)
	}
	return &t, nil
}

// Transition describes a requested status change.
type Transition struct {
	TaskID string
	To     TaskStatus
	Actor  string
	Reason string
	// ClearDoneCleared resets done_cleared_at (used by approval).
	ClearDoneCleared bool
	At               time.Time
}

// TransitionTask moves a task to t.To. It returns the previous status and
// whether anything changed. The update and its event share a transaction and
// the row is compare-and-swapped on the status it was read with.
func (s *Store) TransitionTask(ctx context.Context, t Transition) (TaskStatus, bool, error) {
	if !t.To.Valid() {
		return "", false, shared.NewValidationError("status", "unknown status %q", t.To)
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}
	now := t.At.UnixMilli()

	var (
		from    TaskStatus
		scopeID string
		changed bool
	)
	err := retryOnBusy(ctx, 5, func() error {
		changed = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var cur string
		err = tx.QueryRowContext(ctx, `SELECT status, scope_id FROM tasks WHERE id = ?;`, t.TaskID).Scan(&cur, &scopeID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", t.TaskID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("read task status: %w", err)
		}
		from = TaskStatus(cur)
		if from == t.To {
			return nil
		}

		q := `UPDATE tasks SET status = ?, updated_at = ?`
		if t.ClearDoneCleared {
			q += `, done_cleared_at = NULL`
		}
		q += ` WHERE id = ? AND status = ?;`
		res, err := tx.ExecContext(ctx, q, string(t.To), now, t.TaskID, cur)
		if err != nil {
			return fmt.Errorf("update task status: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("task %s changed concurrently", t.TaskID)
		}
		if err := appendTaskEventTx(ctx, tx, TaskEvent{
			TaskID: t.TaskID, ScopeID: scopeID, EventType: EventTaskStatusChanged,
			FromStatus: cur, ToStatus: string(t.To), Actor: t.Actor, Reason: t.Reason,
			TraceID: shared.TraceID(ctx),
		}, now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition: %w", err)
		}
		changed = true
		return nil
	})
	if err != nil {
		return from, false, err
	}
	if changed {
		s.publish(bus.TopicTaskStatusChanged, bus.TaskStatusChangedEvent{
			TaskID: t.TaskID, Scope: scopeID, OldStatus: string(from), NewStatus: string(t.To),
			Actor: t.Actor, Reason: t.Reason,
		})
	}
	return from, changed, nil
}

// MarkParentNotified stamps parent_notified_at on the child.
func (s *Store) MarkParentNotified(ctx context.Context, childID string, at time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET parent_notified_at = ? WHERE id = ?;`, at.UnixMilli(), childID)
		if err != nil {
			return fmt.Errorf("mark parent notified: %w", err)
		}
		return nil
	})
}

// ClearDoneTasks stamps done_cleared_at on every visible done task of scope
// and returns their ids.
func (s *Store) ClearDoneTasks(ctx context.Context, scopeID, actor string, at time.Time) ([]string, error) {
	var ids []string
	err := retryOnBusy(ctx, 5, func() error {
		ids = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin clear done tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM tasks WHERE scope_id = ? AND status = 'done' AND done_cleared_at IS NULL;
		`, scopeID)
		if err != nil {
			return fmt.Errorf("select done tasks: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := at.UnixMilli()
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET done_cleared_at = ? WHERE id = ?;`, now, id); err != nil {
				return fmt.Errorf("clear done task: %w", err)
			}
			if err := appendTaskEventTx(ctx, tx, TaskEvent{
				TaskID: id, ScopeID: scopeID, EventType: EventTaskDoneCleared,
				FromStatus: "done", ToStatus: "done", Actor: actor, Reason: "clear_done",
				TraceID: shared.TraceID(ctx),
			}, now); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// AppendTaskEvent writes a standalone audit event for a task.
func (s *Store) AppendTaskEvent(ctx context.Context, ev TaskEvent) error {
	if ev.TraceID == "" {
		ev.TraceID = shared.TraceID(ctx)
	}
	at := ev.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin event tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := appendTaskEventTx(ctx, tx, ev, at.UnixMilli()); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func appendTaskEventTx(ctx context.Context, tx *sql.Tx, ev TaskEvent, nowMillis int64) error {
	if ev.TraceID == "" {
		ev.TraceID = shared.TraceID(ctx)
	}
	var from, to any
	if ev.FromStatus != "" {
		from = ev.FromStatus
	}
	if ev.ToStatus != "" {
		to = ev.ToStatus
	}
	var runID any
	if r := shared.RunID(ctx); r != "" {
		runID = r
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, scope_id, event_type, from_status, to_status, actor, reason, trace_id, run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, ev.TaskID, ev.ScopeID, ev.EventType, from, to, ev.Actor, ev.Reason, ev.TraceID, runID, nowMillis); err != nil {
		return fmt.Errorf("insert task event: %w", err)
	}
	return nil
}

// ListTaskEvents returns the events of a task in insertion order.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, scope_id, event_type, COALESCE(from_status, ''), COALESCE(to_status, ''),
			actor, reason, trace_id, created_at
		FROM task_events WHERE task_id = ? ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()
	var out []TaskEvent
	for rows.Next() {
		var (
			ev TaskEvent
			at int64
		)
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.ScopeID, &ev.EventType, &ev.FromStatus, &ev.ToStatus,
			&ev.Actor, &ev.Reason, &ev.TraceID, &at); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.CreatedAt = time.UnixMilli(at).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AcquireTaskLock sets lock_owner when no unexpired lock exists. It is a
// single conditional UPDATE; the bool reports whether this caller won.
func (s *Store) AcquireTaskLock(ctx context.Context, taskID, owner string, expiresAt, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET lock_owner = ?, lock_expires_at = ?
		WHERE id = ? AND (lock_owner IS NULL OR lock_expires_at IS NULL OR lock_expires_at <= ?);
	`, owner, expiresAt.UnixMilli(), taskID, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire task lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire task lock rows: %w", err)
	}
	return n == 1, nil
}

// ReleaseTaskLock clears the lock only if lock_owner ends with ":"+token.
func (s *Store) ReleaseTaskLock(ctx context.Context, taskID, token string) (bool, error) {
	suffix := ":" + token
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET lock_owner = NULL, lock_expires_at = NULL
		WHERE id = ? AND lock_owner IS NOT NULL
			AND length(lock_owner) >= ? AND substr(lock_owner, -?) = ?;
	`, taskID, len(suffix), len(suffix), suffix)
	if err != nil {
		return false, fmt.Errorf("release task lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release task lock rows: %w", err)
	}
	return n == 1, nil
}

// UpdateAssignees replaces the assignee list and records a task.assigned event.
func (s *Store) UpdateAssignees(ctx context.Context, taskID string, assignees []string, actor string) error {
	now := time.Now().UnixMilli()
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin assign tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		var scopeID string
		if err := tx.QueryRowContext(ctx, `SELECT scope_id FROM tasks WHERE id = ?;`, taskID).Scan(&scopeID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
			}
			return fmt.Errorf("read task scope: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET assignees = ?, updated_at = ? WHERE id = ?;`,
			encodeStrings(assignees), now, taskID); err != nil {
			return fmt.Errorf("update assignees: %w", err)
		}
		if err := appendTaskEventTx(ctx, tx, TaskEvent{
			TaskID: taskID, ScopeID: scopeID, EventType: EventTaskAssigned,
			Actor: actor, Reason: strings.Join(assignees, ","),
		}, now); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// RewriteAssignee replaces from with to in every task assignee list of the
// scope, dropping duplicates. Each rewrite is a task.assigned event. It
// returns the number of tasks touched.
func (s *Store) RewriteAssignee(ctx context.Context, scopeID, from, to string) (int, error) {
	tasks, err := s.ListTasks(ctx, TaskFilter{ScopeID: scopeID, Assignee: from, IncludeCleared: true})
	if err != nil {
		return 0, err
	}
	touched := 0
	for _, t := range tasks {
		seen := make(map[string]bool, len(t.Assignees))
		next := make([]string, 0, len(t.Assignees))
		for _, a := range t.Assignees {
			if a == from {
				a = to
			}
			if seen[a] {
				continue
			}
			seen[a] = true
			next = append(next, a)
		}
		if err := s.UpdateAssignees(ctx, t.ID, next, shared.SystemActor); err != nil {
			return touched, fmt.Errorf("rewrite assignee on %s: %w", t.ID, err)
		}
		touched++
	}
	return touched, nil
}

// CountAssigneeRefs counts tasks in scope whose assignee list contains key.
func (s *Store) CountAssigneeRefs(ctx context.Context, scopeID, key string) (int, error) {
	if key == "" {
		return 0, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE scope_id = ? AND EXISTS (SELECT 1 FROM json_each(tasks.assignees) WHERE json_each.value = ?);
	`, scopeID, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count assignee refs: %w", err)
	}
	return n, nil
}
