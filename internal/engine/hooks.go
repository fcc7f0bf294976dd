package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/taskforce/internal/audit"
	"github.com/basket/taskforce/internal/delegation"
	"github.com/basket/taskforce/internal/jobs"
	"github.com/basket/taskforce/internal/lifecycle"
	"github.com/basket/taskforce/internal/notify"
	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/safety"
	"github.com/basket/taskforce/internal/shared"
	"github.com/basket/taskforce/internal/telemetry"
)

// ErrInboundRejected is returned for channel text that tries to rewrite
// agent instructions.
var ErrInboundRejected = errors.New("inbound message rejected")

// HandleThink is the jobs handler of jobs.UnitThink.
func (e *Engine) HandleThink(ctx context.Context, args jobs.Args) error {
	_, err := e.Think(ctx, ThinkRequest{TaskID: args.TaskID, AgentID: args.AgentID, Trigger: args.Trigger, Hop: args.Hop})
	return err
}

func (e *Engine) schedule(ctx context.Context, taskID, agentRef, trigger string) error {
	if e.scheduler == nil {
		return errors.New("engine: no scheduler")
	}
	return e.scheduler.Schedule(ctx, jobs.UnitThink, jobs.Args{
		TaskID: taskID, AgentID: agentRef, Trigger: trigger, Hop: shared.WakeHop(ctx), TraceID: shared.TraceID(ctx),
	}, 0)
}

// OnNewMessage fans the message out and wakes the task's assignees other
// than the sender. A task without assignees wakes the scope lead, whatever
// its status.
func (e *Engine) OnNewMessage(ctx context.Context, task *persistence.Task, msg *persistence.Message) error {
	logger := telemetry.WithTrace(ctx, e.logger)
	if e.fanout != nil {
		if _, err := e.fanout.FanoutMessage(ctx, task, msg); err != nil {
			logger.Warn("message fanout failed", "task_id", task.ID, "error", err)
		}
	}
	if msg.Kind != persistence.MessageKindChat {
		return nil
	}

	var targets []string
	for _, a := range task.Assignees {
		if a != msg.Sender {
			targets = append(targets, a)
		}
	}
	if len(task.Assignees) == 0 {
		lead, err := e.store.LeadAgent(ctx, task.ScopeID)
		if err != nil {
			return err
		}
		if lead != nil && lead.Identity() != msg.Sender && lead.ID != msg.Sender {
			targets = append(targets, lead.Identity())
		}
	}

	var errs []error
	for _, t := range targets {
		if err := e.schedule(ctx, task.ID, t, TriggerMessage+":"+msg.ID); err != nil {
			errs = append(errs, fmt.Errorf("wake %s: %w", t, err))
		}
	}
	return errors.Join(errs...)
}

// OnNewTask subscribes the assignees and wakes them. Without assignees the
// scope lead is woken.
func (e *Engine) OnNewTask(ctx context.Context, task *persistence.Task, assignees []string) error {
	if len(assignees) == 0 {
		lead, err := e.store.LeadAgent(ctx, task.ScopeID)
		if err != nil {
			return err
		}
		if lead == nil {
			return nil
		}
		assignees = []string{lead.Identity()}
	}
	var errs []error
	for _, a := range assignees {
		if err := e.store.UpsertSubscription(ctx, task.ScopeID, task.ID, a, persistence.SubscribeAssigned); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := e.schedule(ctx, task.ID, a, TriggerTask+":"+task.ID); err != nil {
			errs = append(errs, fmt.Errorf("wake %s: %w", a, err))
		}
	}
	return errors.Join(errs...)
}

// OnChildStatusChanged wakes the watcher of parent: the scope lead, else the
// parent's first assignee. The hop is the child's nesting depth, bounded by
// MaxWakeHops.
func (e *Engine) OnChildStatusChanged(ctx context.Context, parent *persistence.Task, reason string) error {
	depth, err := lifecycle.NestingDepth(ctx, e.store, parent, e.config.MaxWakeHops)
	if err != nil {
		return err
	}
	hop := depth + 1
	if hop > e.config.MaxWakeHops {
		e.logger.Warn("child wake skipped: hop limit", "task_id", parent.ID, "hop", hop, "reason", reason)
		return nil
	}
	watcher := ""
	lead, err := e.store.LeadAgent(ctx, parent.ScopeID)
	if err != nil {
		return err
	}
	switch {
	case lead != nil:
		watcher = lead.ID
	case len(parent.Assignees) > 0:
		watcher = parent.Assignees[0]
	default:
		return nil
	}
	return e.schedule(shared.WithWakeHop(ctx, hop), parent.ID, watcher, "delegation:"+reason)
}

// RecoverMissedWakes re-sends the parent wake of children that reached
// review or done without one being recorded, e.g. after a crash.
func (e *Engine) RecoverMissedWakes(ctx context.Context, scope string) (int, error) {
	n := 0
	for _, st := range []persistence.TaskStatus{persistence.TaskStatusReview, persistence.TaskStatusDone} {
		tasks, err := e.store.ListTasks(ctx, persistence.TaskFilter{ScopeID: scope, Status: st})
		if err != nil {
			return n, err
		}
		for i := range tasks {
			child := &tasks[i]
			if child.ParentTaskID == "" || child.ParentNotifiedAt != nil {
				continue
			}
			parent, err := e.store.GetTask(ctx, child.ParentTaskID)
			if err != nil {
				return n, err
			}
			if err := e.store.MarkParentNotified(ctx, child.ID, e.now()); err != nil {
				return n, err
			}
			if err := e.OnChildStatusChanged(ctx, parent, child.ID); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// Subscribe adds identity to the task's thread subscribers.
func (e *Engine) Subscribe(ctx context.Context, task *persistence.Task, identity, reason string) error {
	if reason == "" {
		reason = persistence.SubscribeManual
	}
	return e.store.UpsertSubscription(ctx, task.ScopeID, task.ID, identity, reason)
}

// Notify records a direct notification. A repeat for the same source
// message and recipient returns the existing record.
func (e *Engine) Notify(ctx context.Context, scope, recipient, content, sourceMessageID string) (*persistence.Notification, error) {
	if e.fanout == nil {
		return nil, errors.New("engine: notifications are not configured")
	}
	n, _, err := e.fanout.Notify(ctx, notify.Request{
		ScopeID: scope, Recipient: recipient, Content: content,
		SourceMessageID: sourceMessageID, SourceKind: persistence.SourceDirect,
	})
	return n, err
}

// PostMessage appends a chat message and runs the new-message hook. Wake
// failures are logged; the message is already stored.
func (e *Engine) PostMessage(ctx context.Context, taskID, sender, content string) (*persistence.Message, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	msg := &persistence.Message{TaskID: task.ID, ScopeID: task.ScopeID, Sender: sender, Content: content}
	if err := e.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	if err := e.OnNewMessage(ctx, task, msg); err != nil {
		e.logger.Warn("new message hook failed", "task_id", task.ID, "error", err)
	}
	return msg, nil
}

// CreateTask opens a task for a human requester and runs the new-task
// hook. Without assignees the task lands in the inbox for the lead.
func (e *Engine) CreateTask(ctx context.Context, in persistence.NewTask) (*persistence.Task, error) {
	ctx = shared.EnsureTraceID(ctx)
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, shared.NewValidationError("title", "is required")
	}
	if in.ScopeID == "" {
		in.ScopeID = e.config.DefaultScope
	}
	if in.TitleKey == "" {
		in.TitleKey = delegation.TitleKey(in.Title)
	}
	if in.Status == "" {
		in.Status = lifecycle.InitialStatus(in.Assignees)
	}
	task, err := e.store.CreateTask(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	telemetry.WithTrace(ctx, e.logger).Info("task created", "task_id", task.ID, "scope", task.ScopeID,
		"status", task.Status, "created_by", task.CreatedBy)
	if err := e.OnNewTask(ctx, task, task.Assignees); err != nil {
		e.logger.Warn("new task hook failed", "task_id", task.ID, "error", err)
	}
	return task, nil
}

// HandleInbound routes text from an external chat. A chat without a live
// task gets a new inbox task in the default scope, linked to the chat.
func (e *Engine) HandleInbound(ctx context.Context, channel, chatRef, sender, text string) (*persistence.Task, error) {
	ctx = shared.EnsureTraceID(ctx)
	logger := telemetry.WithTrace(ctx, e.logger).With("channel", channel)
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, shared.NewValidationError("text", "is required")
	}

	switch insp := safety.Inspect(text); insp.Verdict {
	case safety.Hostile:
		logger.Warn("inbound message rejected", "sender", sender, "reason", insp.Reason)
		audit.Record(ctx, audit.Entry{
			Decision: audit.Deny, Action: "channel.inbound", Actor: sender, Subject: channel + ":" + chatRef, Reason: insp.Reason,
		})
		return nil, fmt.Errorf("%w: %s", ErrInboundRejected, insp.Reason)
	case safety.Suspicious:
		logger.Warn("inbound message flagged", "sender", sender, "reason", insp.Reason)
		audit.Record(ctx, audit.Entry{
			Decision: audit.Info, Action: "channel.inbound", Actor: sender, Subject: channel + ":" + chatRef, Reason: insp.Reason,
		})
	}

	task, err := e.linkedTask(ctx, channel, chatRef)
	if err != nil {
		return nil, err
	}
	if task == nil {
		if e.config.DefaultScope == "" {
			return nil, errors.New("engine: no default scope for inbound chat")
		}
		title := inboundTitle(text)
		task, err = e.store.CreateTask(ctx, persistence.NewTask{
			ScopeID:     e.config.DefaultScope,
			Title:       title,
			TitleKey:    delegation.TitleKey(title),
			Description: text,
			Status:      persistence.TaskStatusInbox,
			CreatedBy:   sender,
		})
		if err != nil {
			return nil, fmt.Errorf("create inbound task: %w", err)
		}
		if err := e.store.SetChatRef(ctx, task.ID, channel, chatRef); err != nil {
			return nil, err
		}
		logger.Info("inbound chat opened task", "task_id", task.ID)
	}
	if _, err := e.PostMessage(ctx, task.ID, sender, text); err != nil {
		return nil, err
	}
	return task, nil
}

// linkedTask returns the open task of a chat, or nil when the chat is new
// or its task is done.
func (e *Engine) linkedTask(ctx context.Context, channel, chatRef string) (*persistence.Task, error) {
	id, err := e.store.TaskForChatRef(ctx, channel, chatRef)
	if err != nil || id == "" {
		return nil, err
	}
	task, err := e.store.GetTask(ctx, id)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if task.Status == persistence.TaskStatusDone {
		return nil, nil
	}
	return task, nil
}

func inboundTitle(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	return truncate(oneLine(line), 80)
}

// OnHeartbeat wakes agent on its open tasks. A lead is also woken on the
// scope's unassigned inbox tasks.
func (e *Engine) OnHeartbeat(ctx context.Context, agent *persistence.Agent) (int, error) {
	seen := map[string]bool{}
	var ids []string
	for _, st := range []persistence.TaskStatus{persistence.TaskStatusAssigned, persistence.TaskStatusInProgress, persistence.TaskStatusInbox} {
		tasks, err := e.store.ListTasks(ctx, persistence.TaskFilter{ScopeID: agent.ScopeID, Status: st, Assignee: agent.Identity()})
		if err != nil {
			return 0, err
		}
		for _, t := range tasks {
			if !seen[t.ID] {
				seen[t.ID] = true
				ids = append(ids, t.ID)
			}
		}
	}
	if agent.IsLead {
		inbox, err := e.store.ListTasks(ctx, persistence.TaskFilter{ScopeID: agent.ScopeID, Status: persistence.TaskStatusInbox})
		if err != nil {
			return 0, err
		}
		for _, t := range inbox {
			if len(t.Assignees) == 0 && !seen[t.ID] {
				seen[t.ID] = true
				ids = append(ids, t.ID)
			}
		}
	}
	var errs []error
	for _, id := range ids {
		if err := e.schedule(ctx, id, agent.ID, TriggerHeartbeat); err != nil {
			errs = append(errs, err)
		}
	}
	return len(ids), errors.Join(errs...)
}
