package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/basket/taskforce/internal/delegation"
	"github.com/basket/taskforce/internal/lifecycle"
	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/policy"
	"github.com/basket/taskforce/internal/shared"
)

type fakeSearch struct {
	queries []string
	limit   int
	err     error
}

func (f *fakeSearch) Search(_ context.Context, query string, limit int) ([]SearchResult, error) {
	f.queries = append(f.queries, query)
	f.limit = limit
	if f.err != nil {
		return nil, f.err
	}
	return []SearchResult{{Title: "Go", URL: "https://go.dev"}}, nil
}

type fakeDelegator struct {
	req delegation.Request
}

func (f *fakeDelegator) Delegate(_ context.Context, req delegation.Request) (*delegation.Result, error) {
	f.req = req
	return &delegation.Result{Task: &persistence.Task{ID: "child-1"}, Assignees: []string{"agent:writer:1"}}, nil
}

type fakeStatus struct {
	to     persistence.TaskStatus
	change lifecycle.Change
}

func (f *fakeStatus) SetStatus(_ context.Context, _ string, to persistence.TaskStatus, ch lifecycle.Change) (bool, error) {
	f.to, f.change = to, ch
	return true, nil
}

type fakeImages struct{}

func (fakeImages) GenerateImage(_ context.Context, req ImageRequest) (*ImageResult, error) {
	return &ImageResult{URL: "https://img.example/" + strings.ReplaceAll(req.Prompt, " ", "-") + ".png"}, nil
}

type fakePoster struct {
	posts []string
}

func (f *fakePoster) PostMessage(_ context.Context, taskID, sender, content string) (*persistence.Message, error) {
	f.posts = append(f.posts, content)
	return &persistence.Message{TaskID: taskID, Sender: sender, Content: content}, nil
}

func newTestRegistry(t *testing.T, a Adapters, pol policy.Checker) *Registry {
	t.Helper()
	r, err := NewRegistry(a, Config{Policy: pol})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func inv(allowed []string) Invocation {
	return Invocation{ScopeID: "ws1", TaskID: "task-1", Identity: "agent:writer:1", AllowedTools: allowed, Turn: &TurnState{}}
}

func TestRegistry_CatalogHasThirteenTools(t *testing.T) {
	r := newTestRegistry(t, Adapters{}, nil)
	if got := len(r.Names()); got != 13 {
		t.Fatalf("catalog size = %d, want 13", got)
	}
	if len(r.Available([]string{"web_search", "post_tweet"})) != 2 {
		t.Fatal("Available should honor aliases")
	}
}

func TestExecute_Permission(t *testing.T) {
	search := &fakeSearch{}
	r := newTestRegistry(t, Adapters{Search: search}, nil)
	ctx := context.Background()
	args := map[string]any{"query": "golang"}

	tests := []struct {
		name    string
		allowed []string
		call    string
		ok      bool
	}{
		{"nil list is unrestricted", nil, "web_search", true},
		{"literal name", []string{"web_search"}, "web_search", true},
		{"alias in list enables tool", []string{"brave_search"}, "web_search", true},
		{"tool in list enables alias", []string{"web_search"}, "Brave_Search", true},
		{"empty list allows nothing", []string{}, "web_search", false},
		{"other tool only", []string{"send_email"}, "web_search", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			obs, err := r.Execute(ctx, inv(tc.allowed), tc.call, args)
			if obs.Tool != "web_search" {
				t.Fatalf("observation tool = %q", obs.Tool)
			}
			if tc.ok {
				if err != nil || !obs.OK {
					t.Fatalf("expected success, got %v / %+v", err, obs)
				}
				return
			}
			var pe *shared.PermissionDeniedError
			if !errors.As(err, &pe) || obs.OK || obs.Error == "" {
				t.Fatalf("expected permission denial, got %v / %+v", err, obs)
			}
		})
	}
}

func TestExecute_DenialDoesNotStopLaterCalls(t *testing.T) {
	search := &fakeSearch{}
	r := newTestRegistry(t, Adapters{Search: search}, nil)
	i := inv([]string{"web_search"})
	if _, err := r.Execute(context.Background(), i, "send_email", map[string]any{"to": "a", "subject": "b", "body": "c"}); err == nil {
		t.Fatal("send_email should be denied")
	}
	if _, err := r.Execute(context.Background(), i, "web_search", map[string]any{"query": "x"}); err != nil {
		t.Fatalf("web_search after denial: %v", err)
	}
	if i.Turn.Calls != 2 || len(search.queries) != 1 {
		t.Fatalf("calls = %d, queries = %v", i.Turn.Calls, search.queries)
	}
}

func TestExecute_PolicyGate(t *testing.T) {
	pol := policy.Policy{AllowCapabilities: []string{"tools.*"}, DenyCapabilities: []string{"tools.web_search"}}
	r := newTestRegistry(t, Adapters{Search: &fakeSearch{}}, pol)
	_, err := r.Execute(context.Background(), inv(nil), "web_search", map[string]any{"query": "x"})
	var pe *shared.PermissionDeniedError
	if !errors.As(err, &pe) || !strings.Contains(pe.Reason, "policy") {
		t.Fatalf("err = %v, want policy denial", err)
	}
}

func TestExecute_Validation(t *testing.T) {
	search := &fakeSearch{}
	status := &fakeStatus{}
	r := newTestRegistry(t, Adapters{Search: search, Status: status}, nil)

	tests := []struct {
		name  string
		tool  string
		args  map[string]any
		field string
	}{
		{"missing query", "web_search", map[string]any{}, "query"},
		{"empty query", "web_search", map[string]any{"query": ""}, "query"},
		{"limit out of range", "web_search", map[string]any{"query": "x", "limit": json.Number("50")}, "limit"},
		{"status enum", "update_task_status", map[string]any{"status": "finished"}, "status"},
		{"missing assignees", "delegate_task", map[string]any{"title": "t", "instruction": "i"}, "assignees"},
		{"unknown tool", "launch_rocket", map[string]any{}, "tool"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			obs, err := r.Execute(context.Background(), inv(nil), tc.tool, tc.args)
			var ve *shared.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if ve.Field != tc.field {
				t.Fatalf("field = %q, want %q (%s)", ve.Field, tc.field, ve.Message)
			}
			if obs.OK {
				t.Fatal("observation should not be ok")
			}
		})
	}
	if len(search.queries) != 0 || status.to != "" {
		t.Fatal("adapters must not run when validation fails")
	}
}

func TestExecute_AdapterErrors(t *testing.T) {
	r := newTestRegistry(t, Adapters{Search: &fakeSearch{err: errors.New("upstream 503")}}, nil)
	i := inv(nil)

	obs, err := r.Execute(context.Background(), i, "web_search", map[string]any{"query": "x"})
	var ae *shared.AdapterError
	if !errors.As(err, &ae) || obs.Error != "upstream 503" {
		t.Fatalf("err = %v, obs = %+v", err, obs)
	}
	if i.Turn.LastAdapterError == nil || shared.Classify(err) != shared.ErrorClassAdapter {
		t.Fatal("turn should record the adapter error")
	}

	obs, err = r.Execute(context.Background(), i, "post_to_x", map[string]any{"text": "hello"})
	if !errors.As(err, &ae) || !errors.Is(err, ErrNotConfigured) || !strings.Contains(obs.Error, "not configured") {
		t.Fatalf("missing adapter: err = %v, obs = %+v", err, obs)
	}
}

func TestExecute_SideEffectsRecorded(t *testing.T) {
	del := &fakeDelegator{}
	status := &fakeStatus{}
	poster := &fakePoster{}
	r := newTestRegistry(t, Adapters{Delegator: del, Status: status, Images: fakeImages{}, Poster: poster}, nil)
	ctx := context.Background()
	i := inv(nil)

	obs, err := r.Execute(ctx, i, "delegate_task", map[string]any{
		"title": "Draft", "instruction": "Write it", "assignees": "@writer, @editor",
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if !i.Turn.Delegated || len(i.Turn.DelegatedTasks) != 1 {
		t.Fatalf("turn = %+v", i.Turn)
	}
	if len(del.req.Assignees) != 2 || del.req.ParentTaskID != "task-1" || del.req.Delegator != "agent:writer:1" {
		t.Fatalf("delegation request = %+v", del.req)
	}
	if res := obs.Result.(map[string]any); len(res["unresolvedAssignees"].([]string)) != 0 {
		t.Fatalf("result = %+v", res)
	}

	if _, err := r.Execute(ctx, i, "update_task_status", map[string]any{"status": "done", "summary": "shipped"}); err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.to != persistence.TaskStatusDone || status.change.SystemReason != lifecycle.ReasonSpecialistCompletion {
		t.Fatalf("status change = %s %+v", status.to, status.change)
	}
	if !i.Turn.StatusUpdated {
		t.Fatal("StatusUpdated not set")
	}

	if _, err := r.Execute(ctx, i, "generate_image", map[string]any{"prompt": "red fox", "size": "1024x1024"}); err != nil {
		t.Fatalf("image: %v", err)
	}
	if len(poster.posts) != 1 || !strings.HasPrefix(poster.posts[0], "![red fox](https://img.example/red-fox.png)") {
		t.Fatalf("posts = %v", poster.posts)
	}
}

func TestExecute_ImageAltKeepsWholeRunes(t *testing.T) {
	poster := &fakePoster{}
	r := newTestRegistry(t, Adapters{Images: fakeImages{}, Poster: poster}, nil)
	prompt := strings.Repeat("ü", 79) + "日本"
	if obs, err := r.Execute(context.Background(), inv(nil), "generate_image", map[string]any{"prompt": prompt}); err != nil || !obs.OK {
		t.Fatalf("generate_image: %+v %v", obs, err)
	}
	if len(poster.posts) != 1 {
		t.Fatalf("posts = %q", poster.posts)
	}
	post := poster.posts[0]
	if !utf8.ValidString(post) {
		t.Fatalf("post is not valid UTF-8: %q", post)
	}
	if want := "![" + strings.Repeat("ü", 79) + "日]("; !strings.HasPrefix(post, want) {
		t.Fatalf("post = %q, want prefix %q", post, want)
	}
}

func TestExecute_NumberArguments(t *testing.T) {
	search := &fakeSearch{}
	r := newTestRegistry(t, Adapters{Search: search}, nil)
	if _, err := r.Execute(context.Background(), inv(nil), "web_search", map[string]any{"query": "x", "limit": json.Number("3")}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if search.limit != 3 {
		t.Fatalf("limit = %d", search.limit)
	}
}

func TestObservationJSON(t *testing.T) {
	obs := Observation{OK: false, Tool: "web_search", Error: "boom"}
	if got := obs.JSON(); got != `{"ok":false,"tool":"web_search","error":"boom"}` {
		t.Fatalf("JSON = %s", got)
	}
	if !strings.Contains(obs.Summary(), "failed") {
		t.Fatalf("summary = %s", obs.Summary())
	}
}
