// Package thinklock is the advisory per-task lock that keeps at most one
// reasoning pass running on a task.
package thinklock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTTL = 90 * time.Second
	MinTTL     = 5 * time.Second
	MaxTTL     = 10 * time.Minute
)

// Store is the task-row lock primitive.
type Store interface {
	AcquireTaskLock(ctx context.Context, taskID, owner string, expiresAt, now time.Time) (bool, error)
	ReleaseTaskLock(ctx context.Context, taskID, token string) (bool, error)
}

type Locker struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Locker {
	return &Locker{store: store, now: time.Now}
}

// WithClock replaces the clock used for expiry. Tests use it to age locks.
func (l *Locker) WithClock(now func() time.Time) *Locker {
	l.now = now
	return l
}

// NewToken returns a fresh lock token.
func NewToken() string {
	return uuid.NewString()
}

// ClampTTL maps 0 to DefaultTTL and bounds everything else to [MinTTL, MaxTTL].
func ClampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl == 0:
		return DefaultTTL
	case ttl < MinTTL:
		return MinTTL
	case ttl > MaxTTL:
		return MaxTTL
	}
	return ttl
}

// Acquire takes the lock for identity when no unexpired lock exists. A false
// result is contention, not an error; callers do not retry.
func (l *Locker) Acquire(ctx context.Context, taskID, identity, token string, ttl time.Duration) (bool, error) {
	if token == "" {
		return false, fmt.Errorf("acquire lock: empty token")
	}
	now := l.now()
	ok, err := l.store.AcquireTaskLock(ctx, taskID, identity+":"+token, now.Add(ClampTTL(ttl)), now)
	if err != nil {
		return false, fmt.Errorf("acquire lock on %s: %w", taskID, err)
	}
	return ok, nil
}

// Release clears the lock only if it is still owned by token.
func (l *Locker) Release(ctx context.Context, taskID, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	ok, err := l.store.ReleaseTaskLock(ctx, taskID, token)
	if err != nil {
		return false, fmt.Errorf("release lock on %s: %w", taskID, err)
	}
	return ok, nil
}
