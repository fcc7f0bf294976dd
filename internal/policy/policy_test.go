package policy_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/taskforce/internal/policy"
)

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestLoad_DefaultAllowsTools(t *testing.T) {
	p, err := policy.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if !p.AllowCapability("tools.web_search") {
		t.Fatal("default policy should allow tool capabilities")
	}
	if p.AllowCapability("task.approve") {
		t.Fatal("default policy should not allow non-tool capabilities")
	}
	if !p.AllowHTTPURL("https://api.search.brave.com/res/v1/web/search?q=go") {
		t.Fatal("default policy should allow the search API")
	}
	if p.AllowHTTPURL("https://example.com") {
		t.Fatal("default policy should deny other hosts")
	}
}

func TestAllowCapability_WildcardAndDeny(t *testing.T) {
	p, err := policy.Load(writePolicy(t, "allow_capabilities:\n  - tools.*\ndeny_capabilities:\n  - tools.post_to_x\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tests := []struct {
		capability string
		want       bool
	}{
		{"tools.send_email", true},
		{"TOOLS.Web_Search", true},
		{"tools.post_to_x", false},
		{"toolsx.send_email", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := p.AllowCapability(tt.capability); got != tt.want {
			t.Errorf("AllowCapability(%q) = %v, want %v", tt.capability, got, tt.want)
		}
	}
}

func TestLoad_UnknownCapabilityRejected(t *testing.T) {
	if _, err := policy.Load(writePolicy(t, "allow_capabilities:\n  - tools.exec\n")); err == nil {
		t.Fatal("expected unknown capability to be rejected")
	}
}

func TestAllowHTTPURL_BlocksPrivateHosts(t *testing.T) {
	p := policy.Policy{AllowDomains: []string{"*"}}
	for _, raw := range []string{"http://localhost:8080", "http://10.0.0.1/", "http://127.0.0.1", "ftp://example.com"} {
		if p.AllowHTTPURL(raw) {
			t.Errorf("expected %s to be blocked", raw)
		}
	}
	if !p.AllowHTTPURL("https://sub.example.com/x") {
		t.Error("expected wildcard domain to allow public hosts")
	}
	p.AllowLoopback = true
	if !p.AllowHTTPURL("http://127.0.0.1:9000") {
		t.Error("expected loopback allowed when enabled")
	}
}

func TestPolicyVersion_OrderInsensitive(t *testing.T) {
	a := policy.Policy{AllowCapabilities: []string{"tools.web_search", "tools.send_email"}}
	b := policy.Policy{AllowCapabilities: []string{"tools.send_email", "tools.web_search"}}
	if a.PolicyVersion() != b.PolicyVersion() {
		t.Fatal("version should not depend on list order")
	}
	c := policy.Policy{AllowCapabilities: []string{"tools.send_email"}}
	if a.PolicyVersion() == c.PolicyVersion() {
		t.Fatal("version should change with content")
	}
}

func TestReloadFromFile_InvalidRetainsPrevious(t *testing.T) {
	live := policy.NewLivePolicy(policy.Default())
	before := live.PolicyVersion()
	if err := policy.ReloadFromFile(live, writePolicy(t, "allow_capabilities: [nope.nope]\n")); err == nil {
		t.Fatal("expected reload error")
	}
	if live.PolicyVersion() != before {
		t.Fatal("invalid reload replaced the active policy")
	}
	if err := policy.ReloadFromFile(live, writePolicy(t, "allow_capabilities: [tools.web_search]\n")); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if live.AllowCapability("tools.send_email") {
		t.Fatal("reloaded policy should be narrower")
	}
}
