// Package delegation creates child tasks on behalf of an agent, resolving
// free-text assignees and reusing a recent identical child.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/taskforce/internal/audit"
	"github.com/basket/taskforce/internal/bus"
	"github.com/basket/taskforce/internal/otel"
	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/roster"
	"github.com/basket/taskforce/internal/shared"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/text/cases"
)

const (
	// DefaultWindow is how long an identical child is reused.
	DefaultWindow = 5 * time.Minute
	// MaxWindow caps caller-provided windows.
	MaxWindow = time.Hour
)

var priorities = map[string]bool{"low": true, "medium": true, "high": true, "urgent": true}

// MessageHook wakes the recipients of a newly posted message.
type MessageHook interface {
	OnNewMessage(ctx context.Context, task *persistence.Task, msg *persistence.Message) error
}

// Request describes one delegation.
type Request struct {
	ScopeID      string
	ParentTaskID string
	Delegator    string
	Title        string
	Description  string
	Instruction  string
	Assignees    []string
	Priority     string
	Tags         []string
	// Window overrides DefaultWindow; values above MaxWindow are capped.
	Window time.Duration
}

// Result reports the child task and how the assignees resolved.
type Result struct {
	Task       *persistence.Task
	Reused     bool
	Assignees  []string
	Unresolved []string
}

type Config struct {
	// Window is the reuse window when a request sets none; DefaultWindow when zero.
	Window  time.Duration
	Bus     *bus.Bus
	Logger  *slog.Logger
	Metrics *otel.Metrics
}

type Delegator struct {
	store    *persistence.Store
	resolver *roster.Resolver
	hook     MessageHook
	config   Config
	logger   *slog.Logger
	now      func() time.Time
}

func New(store *persistence.Store, resolver *roster.Resolver, cfg Config) *Delegator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Delegator{store: store, resolver: resolver, config: cfg, logger: logger, now: time.Now}
}

// SetHook installs the message hook. The engine and the delegator depend on
// each other, so the hook is attached after both exist.
func (d *Delegator) SetHook(h MessageHook) { d.hook = h }

// WithClock replaces the clock used for the reuse window.
func (d *Delegator) WithClock(now func() time.Time) *Delegator {
	d.now = now
	return d
}

// TitleKey is the normalized title used to spot repeated delegations.
func TitleKey(title string) string {
	return strings.Join(strings.Fields(cases.Fold().String(title)), " ")
}

// Delegate validates req, resolves its assignees and creates (or reuses)
// the child task.
func (d *Delegator) Delegate(ctx context.Context, req Request) (*Result, error) {
	req.Title = strings.TrimSpace(req.Title)
	req.Instruction = strings.TrimSpace(req.Instruction)
	switch {
	case req.Title == "":
		return nil, shared.NewValidationError("title", "is required")
	case req.Instruction == "":
		return nil, shared.NewValidationError("instruction", "is required")
	case len(nonEmpty(req.Assignees)) == 0:
		return nil, shared.NewValidationError("assignees", "at least one assignee is required")
	}
	if req.Priority != "" && !priorities[strings.ToLower(req.Priority)] {
		return nil, shared.NewValidationError("priority", "unknown priority %q", req.Priority)
	}

	parent, err := d.store.GetTask(ctx, req.ParentTaskID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, shared.NewValidationError("parentTaskId", "parent task %q not found", req.ParentTaskID)
	}
	if err != nil {
		return nil, fmt.Errorf("load parent task: %w", err)
	}
	if req.ScopeID == "" {
		req.ScopeID = parent.ScopeID
	}
	if parent.ScopeID != req.ScopeID {
		return nil, shared.NewValidationError("parentTaskId", "parent task belongs to another scope")
	}

	resolution, err := d.resolver.Resolve(ctx, req.ScopeID, nonEmpty(req.Assignees))
	if err != nil {
		return nil, fmt.Errorf("resolve assignees: %w", err)
	}
	if len(resolution.Agents) == 0 {
		return nil, &shared.ResolutionError{Unresolved: resolution.Unresolved}
	}
	identities := resolution.Identities()
	key := TitleKey(req.Title)

	window := req.Window
	if window <= 0 {
		window = d.config.Window
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if window > MaxWindow {
		window = MaxWindow
	}
	now := d.now()
	existing, err := d.store.FindRecentChild(ctx, req.ScopeID, parent.ID, key, now.Add(-window))
	if err != nil {
		return nil, fmt.Errorf("find recent child: %w", err)
	}
	if existing != nil {
		d.logger.Info("delegation reused recent child", "task_id", parent.ID, "child", existing.ID, "scope", req.ScopeID)
		d.finish(ctx, parent, existing, req.Delegator, identities, true)
		return &Result{Task: existing, Reused: true, Assignees: identities, Unresolved: resolution.Unresolved}, nil
	}

	description := strings.TrimSpace(req.Description)
	if len(resolution.Unresolved) > 0 {
		note := "Unresolved assignees: " + strings.Join(resolution.Unresolved, ", ")
		if description == "" {
			description = note
		} else {
			description += "\n\n" + note
		}
	}
	priority := strings.ToLower(req.Priority)
	if priority == "" {
		priority = parent.Priority
	}

	child, err := d.store.CreateTask(ctx, persistence.NewTask{
		ScopeID:      req.ScopeID,
		ParentTaskID: parent.ID,
		Title:        req.Title,
		TitleKey:     key,
		Description:  description,
		Status:       persistence.TaskStatusInbox,
		Assignees:    identities,
		Priority:     priority,
		Tags:         req.Tags,
		CreatedBy:    req.Delegator,
		CreatedAt:    now,
	})
	if err != nil {
		return nil, fmt.Errorf("create child task: %w", err)
	}

	for _, who := range append([]string{req.Delegator}, identities...) {
		if err := d.store.UpsertSubscription(ctx, req.ScopeID, child.ID, who, persistence.SubscribeDelegated); err != nil {
			d.logger.Warn("delegation: subscribe failed", "task_id", child.ID, "agent", who, "error", err)
		}
	}

	msg := &persistence.Message{
		TaskID:  child.ID,
		ScopeID: req.ScopeID,
		Sender:  req.Delegator,
		Content: req.Instruction,
		Kind:    persistence.MessageKindChat,
	}
	if err := d.store.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("post instruction: %w", err)
	}
	if d.hook != nil {
		if err := d.hook.OnNewMessage(ctx, child, msg); err != nil {
			d.logger.Warn("delegation: wake assignees failed", "task_id", child.ID, "error", err)
		}
	}

	audit.Record(ctx, audit.Entry{
		Decision: audit.Info, Action: "task.delegate", Actor: req.Delegator, Subject: child.ID,
		Reason: fmt.Sprintf("parent %s assignees %s", parent.ID, strings.Join(identities, ",")),
	})
	d.logger.Info("task delegated", "task_id", parent.ID, "child", child.ID, "scope", req.ScopeID,
		"assignees", identities, "unresolved", resolution.Unresolved)
	d.finish(ctx, parent, child, req.Delegator, identities, false)
	return &Result{Task: child, Assignees: identities, Unresolved: resolution.Unresolved}, nil
}

func (d *Delegator) finish(ctx context.Context, parent, child *persistence.Task, delegator string, identities []string, reused bool) {
	if d.config.Metrics != nil {
		d.config.Metrics.Inc(ctx, d.config.Metrics.Delegations, attribute.Bool("reused", reused))
	}
	d.config.Bus.Publish(bus.TopicDelegationCreated, bus.DelegationCreatedEvent{
		ParentTaskID: parent.ID,
		ChildTaskID:  child.ID,
		Delegator:    delegator,
		Assignees:    identities,
		Reused:       reused,
	})
}

func nonEmpty(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if strings.TrimSpace(n) != "" {
			out = append(out, n)
		}
	}
	return out
}
