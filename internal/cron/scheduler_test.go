package cron_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskforce/internal/cron"
	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/shared"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "cron.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fakeWaker struct {
	mu     sync.Mutex
	agents []string
	err    error
}

func (w *fakeWaker) OnHeartbeat(_ context.Context, agent *persistence.Agent) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.agents = append(w.agents, agent.ID)
	return 1, w.err
}

func (w *fakeWaker) woken() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.agents...)
}

func createAgent(t *testing.T, store *persistence.Store, slug string) *persistence.Agent {
	t.Helper()
	a := &persistence.Agent{ScopeID: "ws1", Slug: slug, DisplayName: slug, SessionKey: "agent:" + slug + ":0001"}
	if err := store.CreateAgent(context.Background(), a); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return a
}

func insertHeartbeat(t *testing.T, store *persistence.Store, agentID, expr string, enabled bool, next *time.Time) string {
	t.Helper()
	h := &persistence.Heartbeat{ScopeID: "ws1", AgentID: agentID, CronExpr: expr, Enabled: enabled, NextRunAt: next}
	if err := store.InsertHeartbeat(context.Background(), h); err != nil {
		t.Fatalf("insert heartbeat: %v", err)
	}
	return h.ID
}

func heartbeat(t *testing.T, store *persistence.Store, id string) persistence.Heartbeat {
	t.Helper()
	all, err := store.ListHeartbeats(context.Background(), "ws1")
	if err != nil {
		t.Fatalf("list heartbeats: %v", err)
	}
	for _, h := range all {
		if h.ID == id {
			return h
		}
	}
	t.Fatalf("heartbeat %s not found", id)
	return persistence.Heartbeat{}
}

func TestScheduler_FiresDueHeartbeat(t *testing.T) {
	store := openTestStore(t)
	agent := createAgent(t, store, "writer")
	past := time.Now().Add(-5 * time.Minute)
	id := insertHeartbeat(t, store, agent.ID, "*/5 * * * *", true, &past)

	waker := &fakeWaker{}
	sched := cron.NewScheduler(cron.Config{Store: store, Waker: waker, Interval: 50 * time.Millisecond})
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(waker.woken()) > 0 })
	if got := waker.woken(); got[0] != agent.ID {
		t.Fatalf("woken = %q", got)
	}

	waitFor(t, 2*time.Second, func() bool {
		h := heartbeat(t, store, id)
		return h.LastRunAt != nil && h.NextRunAt != nil && h.NextRunAt.After(time.Now())
	})
}

func TestScheduler_SkipsDisabledAndFuture(t *testing.T) {
	store := openTestStore(t)
	agent := createAgent(t, store, "writer")
	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	insertHeartbeat(t, store, agent.ID, "* * * * *", false, &past)
	insertHeartbeat(t, store, agent.ID, "* * * * *", true, &future)

	waker := &fakeWaker{}
	sched := cron.NewScheduler(cron.Config{Store: store, Waker: waker, Interval: 20 * time.Millisecond})
	sched.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	sched.Stop()

	if got := waker.woken(); len(got) != 0 {
		t.Fatalf("woken = %q", got)
	}
}

func TestScheduler_MissingAgentStillAdvances(t *testing.T) {
	store := openTestStore(t)
	past := time.Now().Add(-time.Minute)
	id := insertHeartbeat(t, store, "gone", "*/10 * * * *", true, &past)

	waker := &fakeWaker{}
	sched := cron.NewScheduler(cron.Config{Store: store, Waker: waker, Interval: 20 * time.Millisecond})
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 2*time.Second, func() bool { return heartbeat(t, store, id).LastRunAt != nil })
	if got := waker.woken(); len(got) != 0 {
		t.Fatalf("woken = %q", got)
	}
}

func TestScheduler_WakeErrorDoesNotRefire(t *testing.T) {
	store := openTestStore(t)
	agent := createAgent(t, store, "writer")
	past := time.Now().Add(-time.Minute)
	insertHeartbeat(t, store, agent.ID, "0 0 1 1 *", true, &past)

	waker := &fakeWaker{err: errors.New("queue saturated")}
	sched := cron.NewScheduler(cron.Config{Store: store, Waker: waker, Interval: 20 * time.Millisecond})
	sched.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool { return len(waker.woken()) > 0 })
	time.Sleep(100 * time.Millisecond)
	sched.Stop()

	if got := waker.woken(); len(got) != 1 {
		t.Fatalf("woken %d times, want 1", len(got))
	}
}

func TestScheduler_PrimesUnscheduled(t *testing.T) {
	store := openTestStore(t)
	agent := createAgent(t, store, "writer")
	id := insertHeartbeat(t, store, agent.ID, "0 9 * * *", true, nil)

	sched := cron.NewScheduler(cron.Config{Store: store, Waker: &fakeWaker{}, Interval: time.Hour})
	sched.Start(context.Background())
	sched.Stop()

	h := heartbeat(t, store, id)
	if h.NextRunAt == nil || !h.NextRunAt.After(time.Now()) {
		t.Fatalf("next run = %v", h.NextRunAt)
	}
	if h.NextRunAt.Hour() != 9 || h.NextRunAt.Minute() != 0 {
		t.Fatalf("next run = %v, want 09:00", h.NextRunAt)
	}
}

func TestScheduler_Register(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC)
	sched := cron.NewScheduler(cron.Config{Store: store, Waker: &fakeWaker{}}).WithClock(func() time.Time { return now })

	h, err := sched.Register(context.Background(), "ws1", "agent-1", "*/15 * * * *")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if want := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC); !h.NextRunAt.Equal(want) {
		t.Fatalf("next run = %v, want %v", h.NextRunAt, want)
	}

	_, err = sched.Register(context.Background(), "ws1", "agent-1", "every minute")
	var ve *shared.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestNextRunTime(t *testing.T) {
	tests := []struct {
		expr    string
		after   time.Time
		want    time.Time
		wantErr bool
	}{
		{"*/5 * * * *", time.Date(2026, 1, 1, 12, 2, 0, 0, time.UTC), time.Date(2026, 1, 1, 12, 5, 0, 0, time.UTC), false},
		{"0 * * * *", time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC), time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC), false},
		{"not a cron", time.Time{}, time.Time{}, true},
		{"* * * * * *", time.Time{}, time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := cron.NextRunTime(tt.expr, tt.after)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Fatalf("next = %v, want %v", got, tt.want)
			}
		})
	}
}
