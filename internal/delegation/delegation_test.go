package delegation

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskforce/internal/bus"
	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/roster"
	"github.com/basket/taskforce/internal/shared"
)

type recordingHook struct {
	calls []string
}

func (h *recordingHook) OnNewMessage(_ context.Context, task *persistence.Task, msg *persistence.Message) error {
	h.calls = append(h.calls, task.ID+"|"+msg.Content)
	return nil
}

type fixture struct {
	store  *persistence.Store
	bus    *bus.Bus
	hook   *recordingHook
	d      *Delegator
	parent *persistence.Task
	cat    *roster.Catalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "delegation.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	for _, a := range []persistence.Agent{
		{ScopeID: "ws1", Slug: "lead", DisplayName: "Lead", SessionKey: "agent:lead:00000001", Capabilities: persistence.Capabilities{IsLead: true}},
		{ScopeID: "ws1", Slug: "writer", DisplayName: "Writer", SessionKey: "agent:writer:00000002"},
	} {
		a := a
		if err := store.CreateAgent(ctx, &a); err != nil {
			t.Fatalf("create agent: %v", err)
		}
	}
	parent, err := store.CreateTask(ctx, persistence.NewTask{ScopeID: "ws1", Title: "Launch campaign", Assignees: []string{"agent:lead:00000001"}})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}

	local := roster.NewTemplateCache(roster.LocalTemplateLoader(store), 8, time.Minute)
	public := roster.NewTemplateCache(roster.LocalTemplateLoader(store), 1, time.Minute)
	cat := roster.NewCatalog(store, public)
	resolver := roster.NewResolver(store, local, cat, b, nil)

	hook := &recordingHook{}
	d := New(store, resolver, Config{Bus: b})
	d.SetHook(hook)
	return &fixture{store: store, bus: b, hook: hook, d: d, parent: parent, cat: cat}
}

func (f *fixture) request(assignees ...string) Request {
	return Request{
		ScopeID:      "ws1",
		ParentTaskID: f.parent.ID,
		Delegator:    "agent:lead:00000001",
		Title:        "Draft the announcement",
		Description:  "Blog post for launch day",
		Instruction:  "Please draft a 300 word announcement.",
		Assignees:    assignees,
	}
}

func TestDelegate_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		edit  func(*Request)
		field string
	}{
		{"missing title", func(r *Request) { r.Title = "  " }, "title"},
		{"missing instruction", func(r *Request) { r.Instruction = "" }, "instruction"},
		{"no assignees", func(r *Request) { r.Assignees = []string{" "} }, "assignees"},
		{"bad priority", func(r *Request) { r.Priority = "someday" }, "priority"},
		{"unknown parent", func(r *Request) { r.ParentTaskID = "missing" }, "parentTaskId"},
		{"parent in other scope", func(r *Request) { r.ScopeID = "ws2" }, "parentTaskId"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := f.request("writer")
			tc.edit(&req)
			_, err := f.d.Delegate(context.Background(), req)
			var ve *shared.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if ve.Field != tc.field {
				t.Fatalf("field = %q, want %q", ve.Field, tc.field)
			}
		})
	}
}

func TestDelegate_CreatesChild(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe(bus.TopicDelegationCreated)
	defer f.bus.Unsubscribe(sub)
	ctx := context.Background()

	res, err := f.d.Delegate(ctx, f.request("@Writer"))
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	child := res.Task
	if res.Reused || child.Status != persistence.TaskStatusInbox || child.ParentTaskID != f.parent.ID {
		t.Fatalf("child = %+v", child)
	}
	if len(child.Assignees) != 1 || child.Assignees[0] != "agent:writer:00000002" {
		t.Fatalf("assignees = %v", child.Assignees)
	}
	if child.TitleKey != "draft the announcement" {
		t.Fatalf("title key = %q", child.TitleKey)
	}

	msgs, _ := f.store.RecentMessages(ctx, child.ID, 10)
	if len(msgs) != 1 || msgs[0].Content != "Please draft a 300 word announcement." || msgs[0].Sender != "agent:lead:00000001" {
		t.Fatalf("messages = %+v", msgs)
	}
	if len(f.hook.calls) != 1 || !strings.HasPrefix(f.hook.calls[0], child.ID) {
		t.Fatalf("hook calls = %v", f.hook.calls)
	}
	subs, _ := f.store.ListSubscribers(ctx, "ws1", child.ID)
	if len(subs) != 2 {
		t.Fatalf("subscribers = %v", subs)
	}

	select {
	case ev := <-sub.Ch():
		p := ev.Payload.(bus.DelegationCreatedEvent)
		if p.ChildTaskID != child.ID || p.Reused {
			t.Fatalf("event = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no delegation.created event")
	}
}

func TestDelegate_ReusesRecentChild(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clock := time.Now()
	f.d.WithClock(func() time.Time { return clock })

	first, err := f.d.Delegate(ctx, f.request("writer"))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	clock = clock.Add(2 * time.Minute)
	req := f.request("writer")
	req.Title = "  draft THE announcement "
	second, err := f.d.Delegate(ctx, req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Reused || second.Task.ID != first.Task.ID {
		t.Fatalf("expected reuse, got %+v", second)
	}
	if len(f.hook.calls) != 1 {
		t.Fatalf("reuse must not post again, hook calls = %d", len(f.hook.calls))
	}

	clock = clock.Add(10 * time.Minute)
	third, err := f.d.Delegate(ctx, f.request("writer"))
	if err != nil {
		t.Fatalf("third: %v", err)
	}
	if third.Reused || third.Task.ID == first.Task.ID {
		t.Fatal("expected a new child outside the window")
	}
}

func TestDelegate_ResolutionFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.d.Delegate(ctx, f.request("@Nobody", "ghost"))
	var re *shared.ResolutionError
	if !errors.As(err, &re) || len(re.Unresolved) != 2 {
		t.Fatalf("err = %v, want ResolutionError with two names", err)
	}
	if shared.Classify(err) != shared.ErrorClassResolution {
		t.Fatalf("class = %s", shared.Classify(err))
	}

	res, err := f.d.Delegate(ctx, f.request("writer", "@Nobody"))
	if err != nil {
		t.Fatalf("partial: %v", err)
	}
	if len(res.Unresolved) != 1 || !strings.Contains(res.Task.Description, "Unresolved assignees: @Nobody") {
		t.Fatalf("partial result = %+v / %q", res.Unresolved, res.Task.Description)
	}
}

func TestDelegate_ProvisionsFromCatalog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.cat.Import(ctx, []roster.TemplateSpec{{Slug: "vision", DisplayName: "Vision", ToolProtocol: "generate_image"}}); err != nil {
		t.Fatalf("import: %v", err)
	}
	res, err := f.d.Delegate(ctx, f.request("@Vision"))
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if len(res.Unresolved) != 0 || len(res.Assignees) != 1 || !strings.HasPrefix(res.Assignees[0], "agent:vision:") {
		t.Fatalf("result = %+v", res)
	}
}

func TestTitleKey(t *testing.T) {
	if got := TitleKey("  Draft\tThe   Announcement "); got != "draft the announcement" {
		t.Fatalf("TitleKey = %q", got)
	}
}
