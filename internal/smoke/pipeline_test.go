package smoke

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskforce/internal/adapters"
	"github.com/basket/taskforce/internal/bus"
	"github.com/basket/taskforce/internal/delegation"
	"github.com/basket/taskforce/internal/engine"
	"github.com/basket/taskforce/internal/gateway"
	"github.com/basket/taskforce/internal/jobs"
	"github.com/basket/taskforce/internal/lifecycle"
	"github.com/basket/taskforce/internal/notify"
	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/policy"
	"github.com/basket/taskforce/internal/roster"
	"github.com/basket/taskforce/internal/tools"
)

const smokeToken = "smoke-token"

// scriptedModel answers by persona, the way a real model would follow the
// prompt: the lead delegates then summarizes, specialists close their task.
type scriptedModel struct {
	mu    sync.Mutex
	calls map[string]int
	// beforeWriter runs before the writer's first completion.
	beforeWriter func()
}

func (m *scriptedModel) Complete(_ context.Context, system string, msgs []engine.ChatMessage, _ int) (string, error) {
	last := ""
	if len(msgs) > 0 {
		last = msgs[len(msgs)-1].Content
	}
	observed := strings.HasPrefix(last, "OBSERVATION:")

	switch {
	case strings.HasPrefix(system, "You are Lead,"):
		switch {
		case observed:
			return "Delegated.", nil
		case strings.Contains(system, "## Delegated work"):
			return "The launch post is ready.", nil
		default:
			return `[TOOL: delegate_task ARG: {"title": "Draft launch post", "instruction": "Write a short launch post", "assignees": ["@writer"]}]`, nil
		}
	case strings.HasPrefix(system, "You are Writer,"):
		if observed {
			return "Draft posted above.", nil
		}
		m.mu.Lock()
		first := m.calls["writer"] == 0
		m.calls["writer"]++
		hook := m.beforeWriter
		m.mu.Unlock()
		if first && hook != nil {
			hook()
		}
		return `[TOOL: update_task_status ARG: {"status": "done", "summary": "Draft written"}]`, nil
	case strings.HasPrefix(system, "You are Researcher,"):
		if observed {
			return "Findings are ready for review.", nil
		}
		return `[TOOL: update_task_status ARG: {"status": "review", "summary": "Findings ready"}]`, nil
	}
	return "Noted.", nil
}

type team struct {
	store  *persistence.Store
	engine *engine.Engine
	model  *scriptedModel
	client *gateway.Client
	lead   persistence.Agent
	writer persistence.Agent
}

func newTeam(t *testing.T) *team {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "smoke.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, err := store.EnsureWorkspace(ctx, "ws1", "Smoke", "en"); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}

	tm := &team{store: store, model: &scriptedModel{calls: map[string]int{}}}
	mk := func(a persistence.Agent) persistence.Agent {
		a.ScopeID = "ws1"
		if err := store.CreateAgent(ctx, &a); err != nil {
			t.Fatalf("create agent %s: %v", a.Slug, err)
		}
		return a
	}
	tm.lead = mk(persistence.Agent{Slug: "lead", DisplayName: "Lead", Role: "team lead",
		SessionKey: "agent:lead:00000001", Capabilities: persistence.Capabilities{IsLead: true}})
	tm.writer = mk(persistence.Agent{Slug: "writer", DisplayName: "Writer", Role: "copywriter",
		SessionKey: "agent:writer:00000002", Capabilities: persistence.Capabilities{CompletionContract: true}})
	mk(persistence.Agent{Slug: "researcher", DisplayName: "Researcher", Role: "researcher",
		SessionKey: "agent:researcher:00000003"})

	dispatcher := jobs.New(jobs.Config{WorkerCount: 4, QueueSize: 64, UnitTimeout: 10 * time.Second})
	machine := lifecycle.New(store, dispatcher, lifecycle.Config{Bus: b})
	local := roster.NewTemplateCache(roster.LocalTemplateLoader(store), 8, time.Minute)
	public := roster.NewTemplateCache(roster.LocalTemplateLoader(store), 1, time.Minute)
	resolver := roster.NewResolver(store, local, roster.NewCatalog(store, public), b, nil)
	del := delegation.New(store, resolver, delegation.Config{Bus: b})
	knowledge := adapters.NewKnowledge(store)

	tm.engine = engine.New(engine.Deps{
		Store:     store,
		Completer: tm.model,
		Lifecycle: machine,
		Scheduler: dispatcher,
		Fanout:    notify.New(store, notify.Config{}),
		Knowledge: knowledge,
	}, engine.Config{DefaultScope: "ws1", Bus: b, LockTTL: time.Minute})
	reg, err := tools.NewRegistry(tools.Adapters{
		Knowledge: knowledge, Delegator: del, Status: machine, Poster: tm.engine,
	}, tools.Config{Policy: policy.Default()})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	tm.engine.SetTools(reg)
	del.SetHook(tm.engine)

	dispatcher.Register(jobs.UnitThink, tm.engine.HandleThink)
	dispatcher.Start(ctx)
	t.Cleanup(func() { dispatcher.Stop(5 * time.Second) })

	srv := httptest.NewServer(gateway.New(gateway.Config{
		Store: store, Engine: tm.engine, Lifecycle: machine, Resolver: resolver, Jobs: dispatcher,
		Policy: policy.Default(), AuthToken: smokeToken, DefaultScope: "ws1",
	}).Handler())
	t.Cleanup(srv.Close)
	tm.client = gateway.NewClient(srv.URL, smokeToken)
	return tm
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (tm *team) task(t *testing.T, id string) *persistence.Task {
	t.Helper()
	task, err := tm.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return task
}

func (tm *team) saidBy(t *testing.T, taskID, sender string) []string {
	t.Helper()
	msgs, err := tm.store.RecentMessages(context.Background(), taskID, 100)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	var out []string
	for _, m := range msgs {
		if m.Kind == persistence.MessageKindChat && m.Sender == sender {
			out = append(out, m.Content)
		}
	}
	return out
}

func TestSmoke_LeadDelegatesAndClosesOnChildCompletion(t *testing.T) {
	tm := newTeam(t)
	ctx := context.Background()

	var parentID string
	var parentMu sync.Mutex
	// Keep the writer from finishing while the lead still holds the parent
	// lock, so the parent wake is not skipped.
	tm.model.beforeWriter = func() {
		parentMu.Lock()
		id := parentID
		parentMu.Unlock()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			task, err := tm.store.GetTask(ctx, id)
			if err == nil && task.LockOwner == "" && len(tm.saidBy(t, id, tm.lead.Identity())) > 0 {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	parentMu.Lock()
	view, err := tm.client.CreateTask(ctx, gateway.CreateTaskRequest{
		Title: "Announce the launch", Assignees: []string{"@lead"}, Actor: "user:alice",
	})
	if err == nil {
		parentID = view.ID
	}
	parentMu.Unlock()
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if view.Status != string(persistence.TaskStatusAssigned) {
		t.Fatalf("status = %s", view.Status)
	}

	var child persistence.Task
	waitFor(t, 5*time.Second, "delegated child", func() bool {
		children, err := tm.store.ListChildTasks(ctx, view.ID)
		if err != nil || len(children) != 1 {
			return false
		}
		child = children[0]
		return true
	})
	if len(child.Assignees) != 1 || child.Assignees[0] != tm.writer.Identity() {
		t.Fatalf("child assignees = %q", child.Assignees)
	}

	waitFor(t, 10*time.Second, "parent closed", func() bool {
		return tm.task(t, view.ID).Status == persistence.TaskStatusDone
	})
	if got := tm.task(t, child.ID).Status; got != persistence.TaskStatusDone {
		t.Fatalf("child status = %s", got)
	}
	said := tm.saidBy(t, view.ID, tm.lead.Identity())
	if len(said) != 2 || said[1] != "The launch post is ready." {
		t.Fatalf("lead replies = %q", said)
	}
	if st := tm.engine.Status(); st.Failed != 0 {
		t.Fatalf("engine status = %+v", st)
	}
}

func TestSmoke_SpecialistReviewThenHumanApproval(t *testing.T) {
	tm := newTeam(t)
	ctx := context.Background()

	view, err := tm.client.CreateTask(ctx, gateway.CreateTaskRequest{
		Title: "Compare pricing pages", Assignees: []string{"Researcher"}, Actor: "user:alice",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	waitFor(t, 5*time.Second, "review", func() bool {
		return tm.task(t, view.ID).Status == persistence.TaskStatusReview
	})
	waitFor(t, 5*time.Second, "researcher reply", func() bool {
		return len(tm.saidBy(t, view.ID, "agent:researcher:00000003")) == 1
	})

	approved, err := tm.client.Approve(ctx, view.ID, "user:alice")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != string(persistence.TaskStatusDone) {
		t.Fatalf("approved status = %s", approved.Status)
	}

	n, err := tm.client.ClearDone(ctx, "ws1", "user:alice")
	if err != nil || n != 1 {
		t.Fatalf("clear done = %d err=%v", n, err)
	}
	visible, err := tm.store.ListTasks(ctx, persistence.TaskFilter{ScopeID: "ws1"})
	if err != nil || len(visible) != 0 {
		t.Fatalf("visible tasks = %d err=%v", len(visible), err)
	}
}
