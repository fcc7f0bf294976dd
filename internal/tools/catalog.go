package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/basket/taskforce/internal/delegation"
	"github.com/basket/taskforce/internal/lifecycle"
	"github.com/basket/taskforce/internal/persistence"
)

// ErrNotConfigured is wrapped in the adapter error of a tool whose adapter
// is missing.
var ErrNotConfigured = errors.New("not configured")

// Tool is one catalog entry.
type Tool struct {
	Name        string
	Description string
	// Usage is the argument shape shown to the model.
	Usage  string
	Schema string
	// Prepare may coerce common argument shapes before validation.
	Prepare func(args map[string]any)
	Run     func(ctx context.Context, c *Call) (any, error)
}

// Call is the handler view of one invocation.
type Call struct {
	Invocation
	Args     map[string]any
	adapters *Adapters
}

func (c *Call) str(key string) string {
	switch v := c.Args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (c *Call) integer(key string, def, lo, hi int) int {
	n := def
	switch v := c.Args[key].(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			n = int(i)
		} else if f, err := v.Float64(); err == nil {
			n = int(f)
		}
	case float64:
		n = int(v)
	case int:
		n = v
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			n = i
		}
	}
	if n < lo {
		n = lo
	}
	if n > hi {
		n = hi
	}
	return n
}

func (c *Call) boolean(key string) bool {
	switch v := c.Args[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func (c *Call) strs(key string) []string {
	var out []string
	switch v := c.Args[key].(type) {
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case []string:
		out = append(out, v...)
	}
	return out
}

// splitList turns a comma separated string argument into an array.
func splitList(keys ...string) func(map[string]any) {
	return func(args map[string]any) {
		for _, key := range keys {
			s, ok := args[key].(string)
			if !ok {
				continue
			}
			var items []any
			for _, part := range strings.Split(s, ",") {
				if p := strings.TrimSpace(part); p != "" {
					items = append(items, p)
				}
			}
			args[key] = items
		}
	}
}

func notConfigured() error { return ErrNotConfigured }

func catalog() []*Tool {
	return []*Tool{
		{
			Name:        "web_search",
			Description: "Search the web for current information.",
			Usage:       `{"query": "...", "limit": 5}`,
			Schema: `{"type":"object","required":["query"],"properties":{
				"query":{"type":"string","minLength":1},
				"limit":{"type":"integer","minimum":1,"maximum":10}}}`,
			Run: func(ctx context.Context, c *Call) (any, error) {
				if c.adapters.Search == nil {
					return nil, notConfigured()
				}
				return c.adapters.Search.Search(ctx, c.str("query"), c.integer("limit", 5, 1, 10))
			},
		},
		{
			Name:        "send_email",
			Description: "Send an email.",
			Usage:       `{"to": "name@example.com", "subject": "...", "body": "..."}`,
			Schema: `{"type":"object","required":["to","subject","body"],"properties":{
				"to":{"type":"string","minLength":1},
				"subject":{"type":"string","minLength":1},
				"body":{"type":"string","minLength":1}}}`,
			Run: func(ctx context.Context, c *Call) (any, error) {
				if c.adapters.Mail == nil {
					return nil, notConfigured()
				}
				id, err := c.adapters.Mail.Send(ctx, OutgoingEmail{To: c.str("to"), Subject: c.str("subject"), Body: c.str("body")})
				if err != nil {
					return nil, err
				}
				return map[string]any{"id": id, "sent": true}, nil
			},
		},
		{
			Name:        "list_emails",
			Description: "List recent emails in the inbox.",
			Usage:       `{"limit": 10}`,
			Schema: `{"type":"object","properties":{
				"limit":{"type":"integer","minimum":1,"maximum":50}}}`,
			Run: func(ctx context.Context, c *Call) (any, error) {
				if c.adapters.Mail == nil {
					return nil, notConfigured()
				}
				return c.adapters.Mail.List(ctx, c.integer("limit", 10, 1, 50))
			},
		},
		{
			Name:        "get_email_details",
			Description: "Read one email by id.",
			Usage:       `{"emailId": "..."}`,
			Schema: `{"type":"object","required":["emailId"],"properties":{
				"emailId":{"type":"string","minLength":1}}}`,
			Run: func(ctx context.Context, c *Call) (any, error) {
				if c.adapters.Mail == nil {
					return nil, notConfigured()
				}
				return c.adapters.Mail.Get(ctx, c.str("emailId"))
			},
		},
		{
			Name:        "search_emails",
			Description: "Search the mailbox.",
			Usage:       `{"query": "...", "limit": 10}`,
			Schema: `{"type":"object","required":["query"],"properties":{
				"query":{"type":"string","minLength":1},
				"limit":{"type":"integer","minimum":1,"maximum":50}}}`,
			Run: func(ctx context.Context, c *Call) (any, error) {
				if c.adapters.Mail == nil {
					return nil, notConfigured()
				}
				return c.adapters.Mail.Search(ctx, c.str("query"), c.integer("limit", 10, 1, 50))
			},
		},
		{
			Name:        "search_knowledge",
			Description: "Search the workspace knowledge base.",
			Usage:       `{"query": "...", "limit": 5}`,
			Schema: `{"type":"object","required":["query"],"properties":{
				"query":{"type":"string","minLength":1},
				"limit":{"type":"integer","minimum":1,"maximum":20}}}`,
			Run: func(ctx context.Context, c *Call) (any, error) {
				if c.adapters.Knowledge == nil {
					return nil, notConfigured()
				}
				hits, err := c.adapters.Knowledge.SearchKnowledge(ctx, c.ScopeID, c.str("query"), c.integer("limit", 5, 1, 20))
				if err != nil {
					return nil, err
				}
				if hits == nil {
					hits = []KnowledgeHit{}
				}
				return hits, nil
			},
		},
		{
			Name:        "delegate_task",
			Description: "Create a subtask for one or more teammates. They are woken with your instruction.",
			Usage:       `{"title": "...", "description": "...", "instruction": "...", "assignees": ["@name"], "priority": "medium", "tags": []}`,
			Schema: `{"type":"object","required":["title","instruction","assignees"],"properties":{
				"title":{"type":"string","minLength":1},
				"description":{"type":"string"},
				"instruction":{"type":"string","minLength":1},
				"assignees":{"type":"array","minItems":1,"items":{"type":"string","minLength":1}},
				"priority":{"enum":["low","medium","high","urgent"]},
				"tags":{"type":"array","items":{"type":"string"}}}}`,
			Prepare: splitList("assignees", "tags"),
			Run: func(ctx context.Context, c *Call) (any, error) {
				if c.adapters.Delegator == nil {
					return nil, notConfigured()
				}
				res, err := c.adapters.Delegator.Delegate(ctx, delegation.Request{
					ScopeID:      c.ScopeID,
					ParentTaskID: c.TaskID,
					Delegator:    c.Identity,
					Title:        c.str("title"),
					Description:  c.str("description"),
					Instruction:  c.str("instruction"),
					Assignees:    c.strs("assignees"),
					Priority:     c.str("priority"),
					Tags:         c.strs("tags"),
				})
				if err != nil {
					return nil, err
				}
				if c.Turn != nil {
					c.Turn.Delegated = true
					c.Turn.DelegatedTasks = append(c.Turn.DelegatedTasks, res.Task.ID)
				}
				unresolved := res.Unresolved
				if unresolved == nil {
					unresolved = []string{}
				}
				return map[string]any{
					"taskId":              res.Task.ID,
					"reused":              res.Reused,
					"assignees":           res.Assignees,
					"unresolvedAssignees": unresolved,
				}, nil
			},
		},
		{
			Name:        "update_task_status",
			Description: "Mark the current task ready for review or done.",
			Usage:       `{"status": "review", "summary": "..."}`,
			Schema: `{"type":"object","required":["status"],"properties":{
				"status":{"enum":["review","done"]},
				"summary":{"type":"string"}}}`,
			Run: func(ctx context.Context, c *Call) (any, error) {
				if c.adapters.Status == nil {
					return nil, notConfigured()
				}
				to := persistence.TaskStatus(c.str("status"))
				change := lifecycle.Change{Actor: c.Identity, Reason: c.str("summary")}
				if change.Reason == "" {
					change.Reason = "status update by " + c.Identity
				}
				if to == persistence.TaskStatusDone {
					change.SystemReason = lifecycle.ReasonSpecialistCompletion
				}
				changed, err := c.adapters.Status.SetStatus(ctx, c.TaskID, to, change)
				if err != nil {
					return nil, err
				}
				if c.Turn != nil {
					c.Turn.StatusUpdated = true
					c.Turn.Status = to
				}
				return map[string]any{"status": string(to), "changed": changed}, nil
			},
		},
		{
			Name:        "generate_image",
			Description: "Generate an image and attach it to the task.",
			Usage:       `{"prompt": "...", "size": "1024x1024", "quality": "standard", "style": "vivid"}`,
			Schema: `{"type":"object","required":["prompt"],"properties":{
				"prompt":{"type":"string","minLength":1},
				"size":{"enum":["256x256","512x512","1024x1024","1792x1024","1024x1792"]},
				"quality":{"enum":["standard","hd"]},
				"style":{"enum":["vivid","natural"]}}}`,
			Run: func(ctx context.Context, c *Call) (any, error) {
				if c.adapters.Images == nil {
					return nil, notConfigured()
				}
				img, err := c.adapters.Images.GenerateImage(ctx, ImageRequest{
					Prompt: c.str("prompt"), Size: c.str("size"), Quality: c.str("quality"), Style: c.str("style"),
				})
				if err != nil {
					return nil, err
				}
				if c.adapters.Poster != nil && c.TaskID != "" {
					alt := clipRunes(c.str("prompt"), imageAltRunes)
					if _, err := c.adapters.Poster.PostMessage(ctx, c.TaskID, c.Identity, fmt.Sprintf("![%s](%s)", alt, img.URL)); err != nil {
						return nil, fmt.Errorf("attach image: %w", err)
					}
				}
				if c.Turn != nil {
					c.Turn.Images = append(c.Turn.Images, img.URL)
				}
				return img, nil
			},
		},
		{
			Name:        "create_github_issue",
			Description: "Open an issue in the project repository.",
			Usage:       `{"title": "...", "body": "...", "labels": ["bug"]}`,
			Schema: `{"type":"object","required":["title"],"properties":{
				"title":{"type":"string","minLength":1},
				"body":{"type":"string"},
				"labels":{"type":"array","items":{"type":"string"}}}}`,
			Prepare: splitList("labels"),
			Run: func(ctx context.Context, c *Call) (any, error) {
				if c.adapters.Code == nil {
					return nil, notConfigured()
				}
				return c.adapters.Code.CreateIssue(ctx, IssueRequest{Title: c.str("title"), Body: c.str("body"), Labels: c.strs("labels")})
			},
		},
		{
			Name:        "create_pull_request",
			Description: "Open a pull request from head into base.",
			Usage:       `{"title": "...", "head": "feature-branch", "base": "main", "body": "...", "draft": false}`,
			Schema: `{"type":"object","required":["title","head","base"],"properties":{
				"title":{"type":"string","minLength":1},
				"head":{"type":"string","minLength":1},
				"base":{"type":"string","minLength":1},
				"body":{"type":"string"},
				"draft":{"type":"boolean"}}}`,
			Run: func(ctx context.Context, c *Call) (any, error) {
				if c.adapters.Code == nil {
					return nil, notConfigured()
				}
				return c.adapters.Code.CreatePullRequest(ctx, PullRequestRequest{
					Title: c.str("title"), Head: c.str("head"), Base: c.str("base"), Body: c.str("body"), Draft: c.boolean("draft"),
				})
			},
		},
		{
			Name:        "create_notion_page",
			Description: "Create a document page.",
			Usage:       `{"title": "...", "content": "..."}`,
			Schema: `{"type":"object","required":["title"],"properties":{
				"title":{"type":"string","minLength":1},
				"content":{"type":"string"}}}`,
			Run: func(ctx context.Context, c *Call) (any, error) {
				if c.adapters.Pages == nil {
					return nil, notConfigured()
				}
				return c.adapters.Pages.CreatePage(ctx, c.str("title"), c.str("content"))
			},
		},
		{
			Name:        "post_to_x",
			Description: "Publish a short social post, optionally as a reply.",
			Usage:       `{"text": "...", "replyToId": "..."}`,
			Schema: `{"type":"object","required":["text"],"properties":{
				"text":{"type":"string","minLength":1,"maxLength":280},
				"replyToId":{"type":"string"}}}`,
			Run: func(ctx context.Context, c *Call) (any, error) {
				if c.adapters.Social == nil {
					return nil, notConfigured()
				}
				return c.adapters.Social.Post(ctx, c.str("text"), c.str("replyToId"))
			},
		},
	}
}

const imageAltRunes = 80

// clipRunes keeps at most n runes of s.
func clipRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
