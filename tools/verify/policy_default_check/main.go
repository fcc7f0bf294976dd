package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/taskforce/internal/policy"
)

func main() {
	p, err := policy.Load(filepath.Join(os.TempDir(), "taskforce-missing-policy.yaml"))
	if err != nil {
		fmt.Printf("load_error=%v\n", err)
		os.Exit(1)
	}

	ok := true
	assertFalse := func(name string, got bool) {
		fmt.Printf("%s=%v\n", name, got)
		if got {
			ok = false
		}
	}
	assertTrue := func(name string, got bool) {
		fmt.Printf("%s=%v\n", name, got)
		if !got {
			ok = false
		}
	}

	assertFalse("default_allow_example", p.AllowHTTPURL("https://example.com"))
	assertFalse("default_allow_loopback", p.AllowHTTPURL("http://127.0.0.1:18789/api/health"))
	assertTrue("default_allow_duckduckgo", p.AllowHTTPURL("https://html.duckduckgo.com/html/?q=test"))
	assertTrue("default_allow_cap_web_search", p.AllowCapability("tools.web_search"))
	assertFalse("default_allow_cap_provision", p.AllowCapability("agent.provision"))

	dir, err := os.MkdirTemp("", "taskforce-policy-verify-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	policyPath := filepath.Join(dir, "policy.yaml")
	valid := "allow_domains:\n  - api.notion.com\nallow_capabilities:\n  - tools.*\ndeny_capabilities:\n  - tools.post_to_x\n"
	if err := os.WriteFile(policyPath, []byte(valid), 0o644); err != nil {
		fmt.Printf("write_valid_error=%v\n", err)
		os.Exit(1)
	}
	initial, err := policy.Load(policyPath)
	if err != nil {
		fmt.Printf("load_valid_error=%v\n", err)
		os.Exit(1)
	}
	live := policy.NewLivePolicy(initial)
	versionBefore := live.PolicyVersion()

	invalid := "allow_capabilities:\n  - tools.*\n  - tools.launch_rockets\n"
	if err := os.WriteFile(policyPath, []byte(invalid), 0o644); err != nil {
		fmt.Printf("write_invalid_error=%v\n", err)
		os.Exit(1)
	}
	reloadErr := policy.ReloadFromFile(live, policyPath)
	fmt.Printf("reload_error_present=%v\n", reloadErr != nil)
	if reloadErr == nil {
		ok = false
	}

	assertTrue("retain_previous_domain", live.AllowHTTPURL("https://api.notion.com/v1/pages"))
	assertFalse("retain_previous_deny", live.AllowCapability("tools.post_to_x"))
	assertTrue("retain_previous_allow", live.AllowCapability("tools.send_email"))
	assertTrue("version_unchanged", live.PolicyVersion() == versionBefore)

	if !ok {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
