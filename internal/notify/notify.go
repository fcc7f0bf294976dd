// Package notify turns posted messages into per-recipient notifications for
// @mentions and thread subscribers.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/basket/taskforce/internal/otel"
	"github.com/basket/taskforce/internal/persistence"
	"go.opentelemetry.io/otel/attribute"
)

// MentionAll addresses every agent in scope except the author.
const MentionAll = "all"

var mentionRe = regexp.MustCompile(`@([\w.\-]+)`)

// ParseMentions returns the lower-cased handles mentioned in content, in
// order of first appearance.
func ParseMentions(content string) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range mentionRe.FindAllStringSubmatch(content, -1) {
		h := strings.ToLower(strings.TrimRight(m[1], ".-"))
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}

// Request is a direct notification.
type Request struct {
	ScopeID         string
	Recipient       string
	Content         string
	TaskID          string
	SourceMessageID string
	SourceKind      string
}

// Result lists who a fanout reached.
type Result struct {
	Mentioned []string
	Notified  []string
}

type Config struct {
	Logger  *slog.Logger
	Metrics *otel.Metrics
}

type Fanout struct {
	store   *persistence.Store
	logger  *slog.Logger
	metrics *otel.Metrics
	now     func() time.Time
}

func New(store *persistence.Store, cfg Config) *Fanout {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{store: store, logger: logger, metrics: cfg.Metrics, now: time.Now}
}

// FanoutMessage notifies mentioned agents and thread subscribers of msg.
// Mentioned agents are subscribed to the task. The author is never notified.
func (f *Fanout) FanoutMessage(ctx context.Context, task *persistence.Task, msg *persistence.Message) (Result, error) {
	var res Result
	if msg.Kind != "" && msg.Kind != persistence.MessageKindChat {
		return res, nil
	}
	agents, err := f.store.ListAgents(ctx, task.ScopeID)
	if err != nil {
		return res, fmt.Errorf("list agents: %w", err)
	}
	isAuthor := func(a persistence.Agent) bool {
		return a.Identity() == msg.Sender || a.ID == msg.Sender || a.SessionKey == msg.Sender
	}

	targets := map[string]string{}
	var order []string
	add := func(identity, kind string) {
		if identity == "" || identity == msg.Sender {
			return
		}
		if _, ok := targets[identity]; ok {
			return
		}
		targets[identity] = kind
		order = append(order, identity)
	}

	for _, handle := range ParseMentions(msg.Content) {
		if handle == MentionAll {
			for _, a := range agents {
				if !isAuthor(a) {
					add(a.Identity(), persistence.SourceMention)
				}
			}
			continue
		}
		if a := matchHandle(agents, handle); a != nil && !isAuthor(*a) {
			add(a.Identity(), persistence.SourceMention)
		}
	}
	for _, identity := range order {
		res.Mentioned = append(res.Mentioned, identity)
		if err := f.store.UpsertSubscription(ctx, task.ScopeID, task.ID, identity, persistence.SubscribeMentioned); err != nil {
			f.logger.Warn("notify: auto-subscribe failed", "task_id", task.ID, "agent", identity, "error", err)
		}
	}

	subscribers, err := f.store.ListSubscribers(ctx, task.ScopeID, task.ID)
	if err != nil {
		return res, fmt.Errorf("list subscribers: %w", err)
	}
	for _, s := range subscribers {
		add(s, persistence.SourceSubscription)
	}

	content := summarize(task, msg)
	for _, identity := range order {
		n, created, err := f.Notify(ctx, Request{
			ScopeID:         task.ScopeID,
			Recipient:       identity,
			Content:         content,
			TaskID:          task.ID,
			SourceMessageID: msg.ID,
			SourceKind:      targets[identity],
		})
		if err != nil {
			f.logger.Warn("notify: insert failed", "task_id", task.ID, "agent", identity, "error", err)
			continue
		}
		if created {
			res.Notified = append(res.Notified, n.Recipient)
		}
	}
	return res, nil
}

// Notify writes one notification. A repeat of (SourceMessageID, Recipient)
// returns the stored row with created=false.
func (f *Fanout) Notify(ctx context.Context, req Request) (*persistence.Notification, bool, error) {
	if strings.TrimSpace(req.Recipient) == "" {
		return nil, false, fmt.Errorf("notify: recipient is required")
	}
	n, created, err := f.store.InsertNotification(ctx, &persistence.Notification{
		ScopeID:         req.ScopeID,
		Recipient:       req.Recipient,
		Content:         req.Content,
		TaskID:          req.TaskID,
		SourceMessageID: req.SourceMessageID,
		SourceKind:      req.SourceKind,
		CreatedAt:       f.now(),
	})
	if err != nil {
		return nil, false, err
	}
	if created && f.metrics != nil {
		f.metrics.Inc(ctx, f.metrics.Notifications, attribute.String("source_kind", n.SourceKind))
	}
	return n, created, nil
}

// MarkDelivered flags a notification as delivered.
func (f *Fanout) MarkDelivered(ctx context.Context, id string) error {
	return f.store.MarkNotificationDelivered(ctx, id, f.now())
}

// Pending returns the undelivered notifications of recipient, oldest first.
func (f *Fanout) Pending(ctx context.Context, recipient string) ([]persistence.Notification, error) {
	return f.store.ListNotifications(ctx, recipient, true)
}

// matchHandle resolves a lower-cased handle by slug, display name with
// spaces removed, first word of the display name, or session key.
func matchHandle(agents []persistence.Agent, handle string) *persistence.Agent {
	matchers := []func(a persistence.Agent) bool{
		func(a persistence.Agent) bool { return strings.ToLower(a.Slug) == handle },
		func(a persistence.Agent) bool {
			return strings.ToLower(strings.ReplaceAll(a.DisplayName, " ", "")) == handle
		},
		func(a persistence.Agent) bool {
			fields := strings.Fields(strings.ToLower(a.DisplayName))
			return len(fields) > 0 && fields[0] == handle
		},
		func(a persistence.Agent) bool { return a.SessionKey != "" && strings.ToLower(a.SessionKey) == handle },
	}
	for _, match := range matchers {
		for i := range agents {
			if match(agents[i]) {
				return &agents[i]
			}
		}
	}
	return nil
}

func summarize(task *persistence.Task, msg *persistence.Message) string {
	body := strings.TrimSpace(msg.Content)
	if r := []rune(body); len(r) > 280 {
		body = string(r[:280]) + "…"
	}
	return fmt.Sprintf("%s on %q: %s", msg.Sender, task.Title, body)
}
