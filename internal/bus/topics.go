package bus

// Orchestration topics.
const (
	TopicTaskStatusChanged   = "task.status_changed"
	TopicTaskParentWoken     = "task.parent_woken"
	TopicTaskCreated         = "task.created"
	TopicMessagePosted       = "message.posted"
	TopicDelegationCreated   = "delegation.created"
	TopicNotificationCreated = "notification.created"
	TopicThinkCompleted      = "think.completed"
	TopicThinkSkipped        = "think.skipped"
	TopicAgentProvisioned    = "agent.provisioned"
)

// TaskStatusChangedEvent is published after a status transition commits.
type TaskStatusChangedEvent struct {
	TaskID    string
	Scope     string
	OldStatus string
	NewStatus string
	Actor     string
	Reason    string
}

// ParentWokenEvent is published when a child's completion wakes its parent.
type ParentWokenEvent struct {
	ParentTaskID string
	ChildTaskID  string
	Watcher      string
	Hop          int
}

// MessagePostedEvent is published for every persisted message.
type MessagePostedEvent struct {
	MessageID string
	TaskID    string
	Sender    string
	Kind      string
}

// DelegationCreatedEvent is published when delegation creates or reuses a child.
type DelegationCreatedEvent struct {
	ParentTaskID string
	ChildTaskID  string
	Delegator    string
	Assignees    []string
	Reused       bool
}

// NotificationCreatedEvent is published for each new notification row.
type NotificationCreatedEvent struct {
	NotificationID string
	Recipient      string
	SourceKind     string
}

// ThinkEvent is published when a think pass finishes or is skipped.
type ThinkEvent struct {
	TaskID     string
	Agent      string
	Trigger    string
	Rounds     int
	Suppressed bool
}

// AgentProvisionedEvent is published when an agent is materialized from a template.
type AgentProvisionedEvent struct {
	AgentID    string
	Scope      string
	TemplateID string
	Source     string
}
