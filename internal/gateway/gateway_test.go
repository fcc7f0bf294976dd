package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskforce/internal/bus"
	"github.com/basket/taskforce/internal/engine"
	"github.com/basket/taskforce/internal/jobs"
	"github.com/basket/taskforce/internal/lifecycle"
	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/policy"
	"github.com/basket/taskforce/internal/roster"
)

const testToken = "secret-token"

type fixture struct {
	store  *persistence.Store
	jobs   *jobs.Dispatcher
	client *Client
	srv    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gateway.db"), b)
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

	// Workers are never started, so scheduled wakes stay queued.
	d := jobs.New(jobs.Config{WorkerCount: 1, QueueSize: 16})
	d.Register(jobs.UnitThink, func(context.Context, jobs.Args) error { return nil })

	machine := lifecycle.New(store, d, lifecycle.Config{Bus: b})
	local := roster.NewTemplateCache(roster.LocalTemplateLoader(store), 8, time.Minute)
	public := roster.NewTemplateCache(roster.LocalTemplateLoader(store), 1, time.Minute)
	resolver := roster.NewResolver(store, local, roster.NewCatalog(store, public), b, nil)
	eng := engine.New(engine.Deps{Store: store, Lifecycle: machine, Scheduler: d}, engine.Config{DefaultScope: "ws1", Bus: b})

	srv := httptest.NewServer(New(Config{
		Store: store, Engine: eng, Lifecycle: machine, Resolver: resolver, Jobs: d,
		Policy: policy.Default(), AuthToken: testToken, ConfigFingerprint: "cfg-test", DefaultScope: "ws1",
	}).Handler())
	t.Cleanup(srv.Close)
	return &fixture{store: store, jobs: d, client: NewClient(srv.URL, testToken), srv: srv}
}

func (f *fixture) seed(t *testing.T, status persistence.TaskStatus) *persistence.Task {
	t.Helper()
	task, err := f.store.CreateTask(context.Background(), persistence.NewTask{ScopeID: "ws1", Title: "Seeded " + string(status), Status: status})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}

func wantAPIError(t *testing.T, err error, status int) *APIError {
	t.Helper()
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != status {
		t.Fatalf("err = %v, want http %d", err, status)
	}
	return apiErr
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	h, err := f.client.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if !h.Healthy || !h.DBOK || h.ConfigFingerprint != "cfg-test" || h.PolicyVersion == "" || h.Jobs.WorkerCount != 1 {
		t.Fatalf("health = %+v", h)
	}

	anon := NewClient(f.srv.URL, "")
	if _, err := anon.Health(context.Background()); err != nil {
		t.Fatalf("healthz should not need a token: %v", err)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	for _, token := range []string{"", "wrong"} {
		c := NewClient(f.srv.URL, token)
		_, err := c.CreateTask(context.Background(), CreateTaskRequest{Title: "x", Actor: "user:alice"})
		wantAPIError(t, err, http.StatusUnauthorized)
	}
	if n := f.jobs.Status().Queued; n != 0 {
		t.Fatalf("queued = %d after rejected requests", n)
	}
}

func TestCreateTask(t *testing.T) {
	t.Run("resolves assignees and wakes them", func(t *testing.T) {
		f := newFixture(t)
		v, err := f.client.CreateTask(context.Background(), CreateTaskRequest{
			Title: "Write launch post", Assignees: []string{"Writer"}, Priority: "high", Actor: "user:alice",
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if v.Scope != "ws1" || v.Status != "assigned" || len(v.Assignees) != 1 || v.Assignees[0] != "agent:writer:00000002" {
			t.Fatalf("task = %+v", v)
		}
		if n := f.jobs.Status().Queued; n != 1 {
			t.Fatalf("queued wakes = %d", n)
		}
	})

	t.Run("unassigned lands in the inbox", func(t *testing.T) {
		f := newFixture(t)
		v, err := f.client.CreateTask(context.Background(), CreateTaskRequest{Title: "Plan Q3", Actor: "user:alice"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if v.Status != "inbox" || v.CreatedBy != "user:alice" {
			t.Fatalf("task = %+v", v)
		}
	})

	t.Run("unknown assignee", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.client.CreateTask(context.Background(), CreateTaskRequest{Title: "x", Assignees: []string{"astronaut"}, Actor: "user:alice"})
		apiErr := wantAPIError(t, err, http.StatusBadRequest)
		if apiErr.Class != "RESOLUTION" || !strings.Contains(apiErr.Message, "astronaut") {
			t.Fatalf("err = %+v", apiErr)
		}
	})

	t.Run("missing title", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.client.CreateTask(context.Background(), CreateTaskRequest{Actor: "user:alice"})
		if apiErr := wantAPIError(t, err, http.StatusBadRequest); apiErr.Class != "VALIDATION" {
			t.Fatalf("err = %+v", apiErr)
		}
	})
}

func TestRejectsUnknownFields(t *testing.T) {
	f := newFixture(t)
	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/tasks", strings.NewReader(`{"title":"x","owner":"bob"}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestPostMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.seed(t, persistence.TaskStatusInbox)

	id, err := f.client.PostMessage(ctx, task.ID, "user:alice", "Any update?")
	if err != nil || id == "" {
		t.Fatalf("post: id=%q err=%v", id, err)
	}
	msgs, err := f.store.RecentMessages(ctx, task.ID, 10)
	if err != nil || len(msgs) != 1 || msgs[0].Content != "Any update?" {
		t.Fatalf("messages = %+v err=%v", msgs, err)
	}

	_, err = f.client.PostMessage(ctx, "no-such-task", "user:alice", "hello")
	wantAPIError(t, err, http.StatusNotFound)
	_, err = f.client.PostMessage(ctx, task.ID, "user:alice", "  ")
	wantAPIError(t, err, http.StatusBadRequest)
}

func TestApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	review := f.seed(t, persistence.TaskStatusReview)
	open := f.seed(t, persistence.TaskStatusInProgress)

	v, err := f.client.Approve(ctx, review.ID, "user:alice")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if v.Status != "done" {
		t.Fatalf("status = %s", v.Status)
	}

	_, err = f.client.Approve(ctx, open.ID, "user:alice")
	if apiErr := wantAPIError(t, err, http.StatusConflict); apiErr.Class != "TRANSITION_REJECTED" {
		t.Fatalf("err = %+v", apiErr)
	}
	_, err = f.client.Approve(ctx, review.ID, "")
	wantAPIError(t, err, http.StatusBadRequest)
}

func TestUnblockAndClearDone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	blocked := f.seed(t, persistence.TaskStatusBlocked)
	f.seed(t, persistence.TaskStatusDone)
	f.seed(t, persistence.TaskStatusDone)

	if _, err := f.client.Unblock(ctx, blocked.ID, "user:alice", "later"); err == nil {
		t.Fatal("expected bad status error")
	}
	changed, err := f.client.Unblock(ctx, blocked.ID, "user:alice", "")
	if err != nil || !changed {
		t.Fatalf("unblock: changed=%v err=%v", changed, err)
	}
	got, _ := f.store.GetTask(ctx, blocked.ID)
	if got.Status != persistence.TaskStatusInProgress {
		t.Fatalf("status = %s", got.Status)
	}

	n, err := f.client.ClearDone(ctx, "ws1", "user:alice")
	if err != nil || n != 2 {
		t.Fatalf("clear done: n=%d err=%v", n, err)
	}
}

func TestLoadAuthToken(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKFORCE_AUTH_TOKEN", "")

	first, err := LoadAuthToken(home)
	if err != nil || first == "" {
		t.Fatalf("generate: %q %v", first, err)
	}
	info, err := os.Stat(filepath.Join(home, tokenFile))
	if err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("token file: %v %v", info, err)
	}
	second, err := LoadAuthToken(home)
	if err != nil || second != first {
		t.Fatalf("reload = %q, want %q", second, first)
	}

	t.Setenv("TASKFORCE_AUTH_TOKEN", "from-env")
	if got, _ := LoadAuthToken(home); got != "from-env" {
		t.Fatalf("env token = %q", got)
	}
}
