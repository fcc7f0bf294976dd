// Package lifecycle owns task status transitions and the parent wake that
// follows a child reaching review or done.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/taskforce/internal/audit"
	"github.com/basket/taskforce/internal/bus"
	"github.com/basket/taskforce/internal/jobs"
	"github.com/basket/taskforce/internal/otel"
	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/shared"
	"go.opentelemetry.io/otel/attribute"
)

// System reasons that permit a direct move to done.
const (
	ReasonSpecialistCompletion = "specialist_completion"
	ReasonLeadAutoClose        = "lead_auto_close"
	ReasonHumanApproval        = "human_approval"
)

var doneReasons = map[string]bool{
	ReasonSpecialistCompletion: true,
	ReasonLeadAutoClose:        true,
	ReasonHumanApproval:        true,
}

// DefaultMaxWakeHops bounds the nesting depth at which a child still wakes
// its parent.
const DefaultMaxWakeHops = 8

// Change describes who moves a task and why.
type Change struct {
	Actor  string
	Reason string
	// SystemReason must be one of the done allow-list to enter done directly.
	SystemReason string
}

type Config struct {
	// DefaultWatcher is woken when a parent has neither a lead in scope nor
	// an assignee.
	DefaultWatcher string
	MaxWakeHops    int
	Bus            *bus.Bus
	Logger         *slog.Logger
	Metrics        *otel.Metrics
}

type Machine struct {
	store     *persistence.Store
	scheduler jobs.Scheduler
	config    Config
	logger    *slog.Logger
	now       func() time.Time
}

func New(store *persistence.Store, scheduler jobs.Scheduler, cfg Config) *Machine {
	if cfg.MaxWakeHops <= 0 {
		cfg.MaxWakeHops = DefaultMaxWakeHops
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{store: store, scheduler: scheduler, config: cfg, logger: logger, now: time.Now}
}

// InitialStatus is assigned when the task starts with assignees, else inbox.
func InitialStatus(assignees []string) persistence.TaskStatus {
	if len(assignees) > 0 {
		return persistence.TaskStatusAssigned
	}
	return persistence.TaskStatusInbox
}

// SetStatus moves a task to status to. Entering done directly needs an
// allow-listed SystemReason. Re-setting the current status changes nothing.
func (m *Machine) SetStatus(ctx context.Context, taskID string, to persistence.TaskStatus, ch Change) (bool, error) {
	if !to.Valid() {
		return false, shared.NewValidationError("status", "unknown status %q", to)
	}
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status == to {
		return false, nil
	}
	if to == persistence.TaskStatusDone && !doneReasons[ch.SystemReason] {
		return false, &shared.StateTransitionError{
			From:   string(task.Status),
			To:     string(to),
			Reason: "done requires review or an approved completion reason",
		}
	}
	return m.apply(ctx, task, to, ch, false)
}

// Approve moves a task from review to done on behalf of a human actor.
func (m *Machine) Approve(ctx context.Context, taskID, actor string) error {
	if actor == "" {
		return shared.NewValidationError("actor", "approval requires an authenticated actor")
	}
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != persistence.TaskStatusReview {
		return &shared.StateTransitionError{
			From:   string(task.Status),
			To:     string(persistence.TaskStatusDone),
			Reason: "only tasks in review can be approved",
		}
	}
	_, err = m.apply(ctx, task, persistence.TaskStatusDone, Change{
		Actor: actor, Reason: "approved", SystemReason: ReasonHumanApproval,
	}, true)
	if err != nil {
		return err
	}
	audit.Record(ctx, audit.Entry{
		Decision: audit.Allow, Action: "task.approve", Actor: actor, Subject: taskID, Reason: ReasonHumanApproval,
	})
	return nil
}

// Unblock moves a blocked task to to (in_progress when empty). Tasks that
// are not blocked are left alone.
func (m *Machine) Unblock(ctx context.Context, taskID, actor string, to persistence.TaskStatus) (bool, error) {
	if to == "" {
		to = persistence.TaskStatusInProgress
	}
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status != persistence.TaskStatusBlocked {
		return false, nil
	}
	if to == persistence.TaskStatusDone {
		return false, &shared.StateTransitionError{From: string(task.Status), To: string(to), Reason: "unblock cannot complete a task"}
	}
	if !to.Valid() {
		return false, shared.NewValidationError("status", "unknown status %q", to)
	}
	return m.apply(ctx, task, to, Change{Actor: actor, Reason: "unblocked"}, false)
}

// ClearDone hides the visible done tasks of scope from the board.
func (m *Machine) ClearDone(ctx context.Context, scope, actor string) (int64, error) {
	ids, err := m.store.ClearDoneTasks(ctx, scope, actor, m.now())
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		audit.Record(ctx, audit.Entry{
			Decision: audit.Info, Action: "task.clear_done", Actor: actor, Subject: scope,
			Reason: fmt.Sprintf("%d done tasks cleared", len(ids)),
		})
	}
	return int64(len(ids)), nil
}

func (m *Machine) apply(ctx context.Context, task *persistence.Task, to persistence.TaskStatus, ch Change, clearDone bool) (bool, error) {
	reason := ch.Reason
	if reason == "" {
		reason = ch.SystemReason
	}
	actor := ch.Actor
	if actor == "" {
		actor = shared.SystemActor
	}
	from, changed, err := m.store.TransitionTask(ctx, persistence.Transition{
		TaskID: task.ID, To: to, Actor: actor, Reason: reason, ClearDoneCleared: clearDone, At: m.now(),
	})
	if err != nil {
		return false, fmt.Errorf("transition %s: %w", task.ID, err)
	}
	if !changed {
		return false, nil
	}
	m.logger.Info("task status changed", "task_id", task.ID, "scope", task.ScopeID,
		"from", from, "to", to, "actor", actor, "reason", reason, "trace_id", shared.TraceID(ctx))

	if task.ParentTaskID != "" && from != to &&
		(to == persistence.TaskStatusReview || to == persistence.TaskStatusDone) {
		if err := m.wakeParent(ctx, task, to); err != nil {
			m.logger.Warn("parent wake failed", "task_id", task.ID, "parent", task.ParentTaskID, "error", err)
		}
	}
	return true, nil
}

// WakeParent schedules the parent's watcher for child. It is used by the
// status path and by the child-status hook.
func (m *Machine) WakeParent(ctx context.Context, child *persistence.Task) error {
	if child.ParentTaskID == "" {
		return nil
	}
	return m.wakeParent(ctx, child, child.Status)
}

func (m *Machine) wakeParent(ctx context.Context, child *persistence.Task, status persistence.TaskStatus) error {
	parent, err := m.store.GetTask(ctx, child.ParentTaskID)
	if err != nil {
		return fmt.Errorf("load parent: %w", err)
	}
	depth, err := NestingDepth(ctx, m.store, parent, m.config.MaxWakeHops)
	if err != nil {
		return err
	}
	hop := depth + 1
	if hop > m.config.MaxWakeHops {
		m.logger.Warn("parent wake skipped: hop limit", "task_id", child.ID, "parent", parent.ID,
			"hop", hop, "max", m.config.MaxWakeHops)
		return m.store.AppendTaskEvent(ctx, persistence.TaskEvent{
			TaskID: parent.ID, ScopeID: parent.ScopeID, EventType: persistence.EventTaskWakeSkipped,
			Actor: shared.SystemActor, Reason: fmt.Sprintf("child %s hop %d exceeds %d", child.ID, hop, m.config.MaxWakeHops),
		})
	}

	if err := m.store.MarkParentNotified(ctx, child.ID, m.now()); err != nil {
		return err
	}
	watcher, err := m.resolveWatcher(ctx, parent)
	if err != nil {
		return err
	}
	if watcher == "" {
		m.logger.Warn("parent wake has no watcher", "task_id", child.ID, "parent", parent.ID)
		return nil
	}

	trigger := "delegation:" + child.ID
	if err := m.scheduler.Schedule(ctx, jobs.UnitThink, jobs.Args{
		TaskID: parent.ID, AgentID: watcher, Trigger: trigger, Hop: hop, TraceID: shared.TraceID(ctx),
	}, 0); err != nil {
		return fmt.Errorf("schedule parent wake: %w", err)
	}

	reason := fmt.Sprintf("child %s entered %s", child.ID, status)
	if err := m.store.AppendTaskEvent(ctx, persistence.TaskEvent{
		TaskID: parent.ID, ScopeID: parent.ScopeID, EventType: persistence.EventTaskParentWoken,
		Actor: watcher, Reason: reason,
	}); err != nil {
		return err
	}
	audit.Record(ctx, audit.Entry{
		Decision: audit.Info, Action: persistence.EventTaskParentWoken, Actor: shared.SystemActor,
		Subject: parent.ID, Reason: reason,
	})
	if m.config.Bus != nil {
		m.config.Bus.Publish(bus.TopicTaskParentWoken, bus.ParentWokenEvent{
			ParentTaskID: parent.ID, ChildTaskID: child.ID, Watcher: watcher, Hop: hop,
		})
	}
	if m.config.Metrics != nil {
		m.config.Metrics.Inc(ctx, m.config.Metrics.ParentWakes, attribute.String("status", string(status)))
	}
	return nil
}

// resolveWatcher picks the scope lead, else the parent's first assignee,
// else the configured default. Agents are returned by id.
func (m *Machine) resolveWatcher(ctx context.Context, parent *persistence.Task) (string, error) {
	lead, err := m.store.LeadAgent(ctx, parent.ScopeID)
	if err != nil {
		return "", err
	}
	if lead != nil {
		return lead.ID, nil
	}
	if len(parent.Assignees) > 0 {
		first := parent.Assignees[0]
		agent, err := m.store.GetAgentBySession(ctx, parent.ScopeID, first)
		if err != nil {
			return "", err
		}
		if agent != nil {
			return agent.ID, nil
		}
		return first, nil
	}
	return m.config.DefaultWatcher, nil
}

// IsDoneReason reports whether reason may move a task straight to done.
func IsDoneReason(reason string) bool {
	return doneReasons[reason]
}

// IsRejected reports whether err is a rejected transition.
func IsRejected(err error) bool {
	var te *shared.StateTransitionError
	return errors.As(err, &te)
}

// TaskGetter loads a task by id.
type TaskGetter interface {
	GetTask(ctx context.Context, id string) (*persistence.Task, error)
}

// NestingDepth counts the ancestors of task along parent_task_id. A root task
// has depth 0. The walk stops past limit, and a parent cycle counts as
// limit+1.
func NestingDepth(ctx context.Context, store TaskGetter, task *persistence.Task, limit int) (int, error) {
	seen := map[string]bool{task.ID: true}
	depth := 0
	for id := task.ParentTaskID; id != "" && depth <= limit; depth++ {
		if seen[id] {
			return limit + 1, nil
		}
		seen[id] = true
		t, err := store.GetTask(ctx, id)
		if errors.Is(err, persistence.ErrNotFound) {
			return depth + 1, nil
		}
		if err != nil {
			return 0, fmt.Errorf("load ancestor %s: %w", id, err)
		}
		id = t.ParentTaskID
	}
	return depth, nil
}
