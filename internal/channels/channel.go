// Package channels connects external chats to the engine: inbound text opens
// or continues a task, and agent replies are delivered back to the chat.
package channels

import (
	"context"

	"github.com/basket/taskforce/internal/lifecycle"
	"github.com/basket/taskforce/internal/persistence"
)

// Channel is a chat platform integration.
type Channel interface {
	Name() string
	// Start blocks until ctx is canceled or a fatal error occurs.
	Start(ctx context.Context) error
	Send(ctx context.Context, chatRef, text string) error
}

// InboundHandler is satisfied by *engine.Engine.
type InboundHandler interface {
	HandleInbound(ctx context.Context, channel, chatRef, sender, text string) (*persistence.Task, error)
}

// StatusChanger is satisfied by *lifecycle.Machine.
type StatusChanger interface {
	SetStatus(ctx context.Context, taskID string, to persistence.TaskStatus, ch lifecycle.Change) (bool, error)
}

// ChatRefLookup is satisfied by *persistence.Store.
type ChatRefLookup interface {
	ChatRefForTask(ctx context.Context, taskID string) (channel, chatRef string, err error)
}
