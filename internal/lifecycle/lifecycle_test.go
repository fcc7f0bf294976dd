package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskforce/internal/audit"
	"github.com/basket/taskforce/internal/jobs"
	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/shared"
)

type fakeScheduler struct {
	mu    sync.Mutex
	calls []jobs.Args
}

func (f *fakeScheduler) Schedule(_ context.Context, unit string, args jobs.Args, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if unit == jobs.UnitThink {
		f.calls = append(f.calls, args)
	}
	return nil
}

func (f *fakeScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func setup(t *testing.T) (*Machine, *persistence.Store, *fakeScheduler) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "lifecycle.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	audit.SetDB(store.DB())
	t.Cleanup(func() {
		audit.SetDB(nil)
		_ = store.Close()
	})
	sched := &fakeScheduler{}
	return New(store, sched, Config{DefaultWatcher: "human"}), store, sched
}

func createTask(t *testing.T, store *persistence.Store, in persistence.NewTask) *persistence.Task {
	t.Helper()
	if in.ScopeID == "" {
		in.ScopeID = "ws1"
	}
	if in.Title == "" {
		in.Title = "task"
	}
	task, err := store.CreateTask(context.Background(), in)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func countAudit(t *testing.T, store *persistence.Store, action, subject string) int {
	t.Helper()
	var n int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM audit_log WHERE action = ? AND subject = ?`, action, subject).Scan(&n); err != nil {
		t.Fatalf("count audit: %v", err)
	}
	return n
}

func TestInitialStatus(t *testing.T) {
	if InitialStatus(nil) != persistence.TaskStatusInbox {
		t.Fatal("no assignees should start in inbox")
	}
	if InitialStatus([]string{"a"}) != persistence.TaskStatusAssigned {
		t.Fatal("assignees should start assigned")
	}
}

func TestSetStatus_DirectDoneRequiresAllowListedReason(t *testing.T) {
	m, store, _ := setup(t)
	ctx := context.Background()
	task := createTask(t, store, persistence.NewTask{Status: persistence.TaskStatusInProgress})

	_, err := m.SetStatus(ctx, task.ID, persistence.TaskStatusDone, Change{Actor: "agent:a", Reason: "finished"})
	var te *shared.StateTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected StateTransitionError, got %v", err)
	}
	if shared.Classify(err) != shared.ErrorClassTransitionRejected {
		t.Fatalf("class = %s", shared.Classify(err))
	}

	for _, reason := range []string{ReasonSpecialistCompletion, ReasonLeadAutoClose, ReasonHumanApproval} {
		t.Run(reason, func(t *testing.T) {
			task := createTask(t, store, persistence.NewTask{Status: persistence.TaskStatusInProgress})
			changed, err := m.SetStatus(ctx, task.ID, persistence.TaskStatusDone, Change{Actor: "agent:a", SystemReason: reason})
			if err != nil || !changed {
				t.Fatalf("allowed reason %s: changed=%v err=%v", reason, changed, err)
			}
		})
	}
}

func TestSetStatus_SameStatusIsNoop(t *testing.T) {
	m, store, _ := setup(t)
	ctx := context.Background()
	task := createTask(t, store, persistence.NewTask{Status: persistence.TaskStatusReview})
	changed, err := m.SetStatus(ctx, task.ID, persistence.TaskStatusReview, Change{Actor: "x"})
	if err != nil || changed {
		t.Fatalf("changed=%v err=%v", changed, err)
	}
	events, _ := store.ListTaskEvents(ctx, task.ID)
	if len(events) != 1 {
		t.Fatalf("expected only the created event, got %d", len(events))
	}
}

func TestChildReview_WakesParentOnce(t *testing.T) {
	m, store, sched := setup(t)
	ctx := context.Background()
	lead := &persistence.Agent{ScopeID: "ws1", Slug: "lead", DisplayName: "Lead", Capabilities: persistence.Capabilities{IsLead: true}}
	if err := store.CreateAgent(ctx, lead); err != nil {
		t.Fatalf("agent: %v", err)
	}
	parent := createTask(t, store, persistence.NewTask{Title: "parent"})
	child := createTask(t, store, persistence.NewTask{Title: "child", ParentTaskID: parent.ID, Status: persistence.TaskStatusInProgress})

	if _, err := m.SetStatus(ctx, child.ID, persistence.TaskStatusReview, Change{Actor: "agent:w"}); err != nil {
		t.Fatalf("to review: %v", err)
	}
	// Re-entering review without leaving it must not wake again.
	if _, err := m.SetStatus(ctx, child.ID, persistence.TaskStatusReview, Change{Actor: "agent:w"}); err != nil {
		t.Fatalf("review again: %v", err)
	}

	if sched.count() != 1 {
		t.Fatalf("expected exactly one wake, got %d", sched.count())
	}
	call := sched.calls[0]
	if call.TaskID != parent.ID || call.AgentID != lead.ID || call.Trigger != "delegation:"+child.ID || call.Hop != 1 {
		t.Fatalf("wake args = %+v", call)
	}
	if n := countAudit(t, store, persistence.EventTaskParentWoken, parent.ID); n != 1 {
		t.Fatalf("expected one audit record, got %d", n)
	}
	got, _ := store.GetTask(ctx, child.ID)
	if got.ParentNotifiedAt == nil {
		t.Fatal("parent_notified_at not stamped")
	}
}

func TestWatcherFallbacks(t *testing.T) {
	m, store, sched := setup(t)
	ctx := context.Background()
	worker := &persistence.Agent{ScopeID: "ws1", Slug: "w", DisplayName: "W", SessionKey: "agent:w:1"}
	if err := store.CreateAgent(ctx, worker); err != nil {
		t.Fatalf("agent: %v", err)
	}
	withAssignee := createTask(t, store, persistence.NewTask{Title: "p1", Assignees: []string{"agent:w:1"}})
	orphan := createTask(t, store, persistence.NewTask{Title: "p2"})
	c1 := createTask(t, store, persistence.NewTask{ParentTaskID: withAssignee.ID, Status: persistence.TaskStatusInProgress})
	c2 := createTask(t, store, persistence.NewTask{ParentTaskID: orphan.ID, Status: persistence.TaskStatusInProgress})

	for _, id := range []string{c1.ID, c2.ID} {
		if _, err := m.SetStatus(ctx, id, persistence.TaskStatusReview, Change{}); err != nil {
			t.Fatalf("review: %v", err)
		}
	}
	if sched.count() != 2 {
		t.Fatalf("expected 2 wakes, got %d", sched.count())
	}
	if sched.calls[0].AgentID != worker.ID {
		t.Fatalf("first assignee fallback = %q", sched.calls[0].AgentID)
	}
	if sched.calls[1].AgentID != "human" {
		t.Fatalf("default watcher fallback = %q", sched.calls[1].AgentID)
	}
}

func TestHopGuardSkipsWake(t *testing.T) {
	m, store, sched := setup(t)
	m.config.MaxWakeHops = 2
	ctx := context.Background()
	root := createTask(t, store, persistence.NewTask{Title: "root"})
	mid := createTask(t, store, persistence.NewTask{Title: "mid", ParentTaskID: root.ID})
	leaf := createTask(t, store, persistence.NewTask{Title: "leaf", ParentTaskID: mid.ID, Status: persistence.TaskStatusInProgress})
	tooDeep := createTask(t, store, persistence.NewTask{Title: "too deep", ParentTaskID: leaf.ID, Status: persistence.TaskStatusInProgress})

	if _, err := m.SetStatus(ctx, tooDeep.ID, persistence.TaskStatusReview, Change{}); err != nil {
		t.Fatalf("review: %v", err)
	}
	if sched.count() != 0 {
		t.Fatalf("wake should be skipped beyond the depth limit, got %d", sched.count())
	}
	events, _ := store.ListTaskEvents(ctx, leaf.ID)
	if last := events[len(events)-1]; last.EventType != persistence.EventTaskWakeSkipped {
		t.Fatalf("last parent event = %s", last.EventType)
	}

	if _, err := m.SetStatus(ctx, leaf.ID, persistence.TaskStatusReview, Change{}); err != nil {
		t.Fatalf("review: %v", err)
	}
	if sched.count() != 1 || sched.calls[0].TaskID != mid.ID || sched.calls[0].Hop != 2 {
		t.Fatalf("wake at the limit = %+v", sched.calls)
	}
}

func TestSequentialChildren_EachWakesParent(t *testing.T) {
	m, store, sched := setup(t)
	parent := createTask(t, store, persistence.NewTask{Title: "campaign"})

	for i := 0; i < 2*DefaultMaxWakeHops; i++ {
		child := createTask(t, store, persistence.NewTask{Title: "step", ParentTaskID: parent.ID, Status: persistence.TaskStatusInProgress})
		// Each round runs inside the lead's pass that the previous wake started.
		ctx := shared.WithWakeHop(context.Background(), i)
		if _, err := m.SetStatus(ctx, child.ID, persistence.TaskStatusReview, Change{Actor: "agent:w"}); err != nil {
			t.Fatalf("step %d review: %v", i, err)
		}
		if sched.count() != i+1 {
			t.Fatalf("step %d: parent not woken (wakes=%d)", i, sched.count())
		}
		if hop := sched.calls[i].Hop; hop != 1 {
			t.Fatalf("step %d: hop = %d, want 1", i, hop)
		}
	}
}

func TestNestingDepth(t *testing.T) {
	_, store, _ := setup(t)
	ctx := context.Background()
	root := createTask(t, store, persistence.NewTask{Title: "root"})
	child := createTask(t, store, persistence.NewTask{Title: "child", ParentTaskID: root.ID})
	grandchild := createTask(t, store, persistence.NewTask{Title: "grandchild", ParentTaskID: child.ID})

	tests := []struct {
		name  string
		task  *persistence.Task
		limit int
		want  int
	}{
		{"root", root, 8, 0},
		{"child", child, 8, 1},
		{"grandchild", grandchild, 8, 2},
		{"stops past limit", grandchild, 0, 1},
		{"cycle", &persistence.Task{ID: "x", ParentTaskID: "x"}, 4, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NestingDepth(ctx, store, tt.task, tt.limit)
			if err != nil || got != tt.want {
				t.Fatalf("NestingDepth = %d, %v; want %d", got, err, tt.want)
			}
		})
	}
}

func TestApprove(t *testing.T) {
	m, store, _ := setup(t)
	ctx := context.Background()
	inProgress := createTask(t, store, persistence.NewTask{Status: persistence.TaskStatusInProgress})
	review := createTask(t, store, persistence.NewTask{Status: persistence.TaskStatusReview})

	var ve *shared.ValidationError
	if err := m.Approve(ctx, review.ID, ""); !errors.As(err, &ve) || ve.Field != "actor" {
		t.Fatalf("expected actor validation error, got %v", err)
	}
	if err := m.Approve(ctx, inProgress.ID, "alice"); !IsRejected(err) {
		t.Fatalf("expected rejection outside review, got %v", err)
	}
	if err := m.Approve(ctx, review.ID, "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	got, _ := store.GetTask(ctx, review.ID)
	if got.Status != persistence.TaskStatusDone || got.DoneClearedAt != nil {
		t.Fatalf("after approve = %s cleared=%v", got.Status, got.DoneClearedAt)
	}
}

func TestUnblock(t *testing.T) {
	m, store, _ := setup(t)
	ctx := context.Background()
	blocked := createTask(t, store, persistence.NewTask{Status: persistence.TaskStatusBlocked})
	open := createTask(t, store, persistence.NewTask{Status: persistence.TaskStatusAssigned})

	if changed, err := m.Unblock(ctx, open.ID, "alice", ""); err != nil || changed {
		t.Fatalf("unblock on non-blocked = %v %v", changed, err)
	}
	if changed, err := m.Unblock(ctx, blocked.ID, "alice", ""); err != nil || !changed {
		t.Fatalf("unblock = %v %v", changed, err)
	}
	got, _ := store.GetTask(ctx, blocked.ID)
	if got.Status != persistence.TaskStatusInProgress {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestClearDone(t *testing.T) {
	m, store, _ := setup(t)
	createTask(t, store, persistence.NewTask{Status: persistence.TaskStatusDone})
	createTask(t, store, persistence.NewTask{Status: persistence.TaskStatusDone})
	n, err := m.ClearDone(context.Background(), "ws1", "alice")
	if err != nil || n != 2 {
		t.Fatalf("cleared = %d %v", n, err)
	}
	n, _ = m.ClearDone(context.Background(), "ws1", "alice")
	if n != 0 {
		t.Fatalf("second clear should find nothing, got %d", n)
	}
}
