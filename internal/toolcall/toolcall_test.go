package toolcall

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParse_TrailingCommaRepaired(t *testing.T) {
	calls := Parse(`[TOOL: send_email ARG: {"to":"a@b.com","subject":"Hi","body":"x",}]`)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	c := calls[0]
	if c.Name != "send_email" {
		t.Fatalf("name = %q", c.Name)
	}
	for k, want := range map[string]string{"to": "a@b.com", "subject": "Hi", "body": "x"} {
		if got, _ := c.Args[k].(string); got != want {
			t.Fatalf("arg %s = %q, want %q", k, got, want)
		}
	}
}

func TestParse_SequentialCallsInOrder(t *testing.T) {
	text := "First I search.\n[TOOL: web_search ARG: {\"query\":\"go\"}]\nThen I mail.\n" +
		"[TOOL: SEND_EMAIL ARG: {\"to\":\"x@y.z\",\"subject\":\"s\",\"body\":\"b\"}]"
	calls := Parse(text)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Name != "web_search" || calls[1].Name != "send_email" {
		t.Fatalf("order = %v", Names(calls))
	}
}

func TestParse_MalformedTrailingContentKeepsValidCall(t *testing.T) {
	text := `[TOOL: web_search ARG: {"query":"ok"}] and then [TOOL: send_email ARG: {"to": "x"`
	calls := Parse(text)
	if len(calls) != 1 || calls[0].Name != "web_search" {
		t.Fatalf("expected only web_search, got %v", Names(calls))
	}
}

func TestParse_UnrepairablePayloadSkipsOnlyThatCall(t *testing.T) {
	text := `[TOOL: a ARG: {"x": nope nope}] [TOOL: b ARG: {"y": 1}]`
	calls := Parse(text)
	if len(calls) != 1 || calls[0].Name != "b" {
		t.Fatalf("expected only b, got %v", Names(calls))
	}
	n, ok := calls[0].Args["y"].(json.Number)
	if !ok || n.String() != "1" {
		t.Fatalf("expected json.Number 1, got %#v", calls[0].Args["y"])
	}
}

func TestParse_RepairCascade(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		key     string
		want    string
	}{
		{"literal", `{"query":"a"}`, "query", "a"},
		{"trailing comma in array", `{"query":"a","tags":["x",],}`, "query", "a"},
		{"bare keys", `{query: "a", limit: 3}`, "query", "a"},
		{"smart quotes", `{“query”: “a”}`, "query", "a"},
		{"smart quotes and bare keys", `{query: “a”,}`, "query", "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := Parse("[TOOL: web_search ARG: " + tt.payload + "]")
			if len(calls) != 1 {
				t.Fatalf("expected 1 call, got %d", len(calls))
			}
			if got, _ := calls[0].Args[tt.key].(string); got != tt.want {
				t.Fatalf("%s = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestParse_FencedCall(t *testing.T) {
	text := "Here:\n```json\n[TOOL: web_search ARG: {\"query\":\"fenced\"}]\n```\n" +
		"[TOOL: web_search ARG: ```json\n{\"query\":\"inner\"}\n```]"
	calls := Parse(text)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[1].Args["query"] != "inner" {
		t.Fatalf("inner fenced payload = %#v", calls[1].Args)
	}
}

func TestParse_BracesInsideStrings(t *testing.T) {
	calls := Parse(`[TOOL: send_email ARG: {"to":"a@b.c","subject":"{x}","body":"say \"}\" twice"}]`)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Args["body"] != `say "}" twice` {
		t.Fatalf("body = %#v", calls[0].Args["body"])
	}
}

func TestParse_RejectsArrayPayload(t *testing.T) {
	if calls := Parse(`[TOOL: web_search ARG: ["query"]]`); len(calls) != 0 {
		t.Fatalf("expected no calls, got %d", len(calls))
	}
}

func TestFormat_RoundTrips(t *testing.T) {
	in := Parse(`[TOOL: web_search ARG: {"query":"go <1.22>","limit":3}] [TOOL: list_emails ARG: {}]`)
	out := Format(in)
	if strings.Count(out, "[TOOL:") != 2 {
		t.Fatalf("formatted = %q", out)
	}
	if !strings.Contains(out, `"query":"go <1.22>"`) {
		t.Fatalf("html escaping leaked into %q", out)
	}
	again := Parse(out)
	if len(again) != 2 || again[0].Args["query"] != "go <1.22>" {
		t.Fatalf("reparse = %+v", again)
	}
	if n, _ := again[0].Args["limit"].(json.Number); n.String() != "3" {
		t.Fatalf("limit = %#v", again[0].Args["limit"])
	}
}

func TestStripAndContains(t *testing.T) {
	text := "Before\n```json\n[TOOL: web_search ARG: {\"query\":\"q\"}]\n```\nAfter [TOOL: broken ARG: {"
	stripped := Strip(text)
	if Contains(stripped) {
		t.Fatalf("residual syntax in %q", stripped)
	}
	if !strings.Contains(stripped, "Before") || !strings.Contains(stripped, "After") {
		t.Fatalf("prose lost: %q", stripped)
	}
	if strings.Contains(stripped, "```") {
		t.Fatalf("empty fence left behind: %q", stripped)
	}
}
