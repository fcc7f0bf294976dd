// Package doctor runs the diagnostic checks behind `taskforce doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/taskforce/internal/config"
	"github.com/basket/taskforce/internal/persistence"
	"github.com/basket/taskforce/internal/policy"
	"github.com/basket/taskforce/internal/roster"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type check func(context.Context, *config.Config) CheckResult

// Run executes all diagnostic checks. Network is skipped when offline is set.
func Run(ctx context.Context, cfg *config.Config, version string, offline bool) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []check{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkRoster,
		checkPolicy,
		checkCatalog,
		checkPermissions,
		checkTelegram,
	}
	if !offline {
		checks = append(checks, checkNetwork)
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing; defaults in use",
			Detail: "Run `taskforce serve` once to write a starter config"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail: cfg.Fingerprint()}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: StatusSkip, Message: "Config missing"}
	}
	provider, model, key, baseURL := cfg.ResolveLLM()
	if provider == "openai_compatible" {
		return CheckResult{Name: "API Key", Status: StatusPass,
			Message: fmt.Sprintf("openai_compatible endpoint %s", baseURL), Detail: "model=" + model}
	}
	if key == "" {
		return CheckResult{Name: "API Key", Status: StatusFail,
			Message: fmt.Sprintf("No API key for provider %q", provider),
			Detail:  "Set providers." + provider + ".api_key or the provider's environment variable"}
	}
	return CheckResult{Name: "API Key", Status: StatusPass, Message: fmt.Sprintf("Key configured for %s", provider)}
}

func openStore(cfg *config.Config) (*persistence.Store, error) {
	return persistence.Open(config.DBPath(cfg.HomeDir), nil)
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := openStore(cfg)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()
	if err := store.DB().PingContext(ctx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid",
		Detail: config.DBPath(cfg.HomeDir)}
}

func checkRoster(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Roster", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := openStore(cfg)
	if err != nil {
		return CheckResult{Name: "Roster", Status: StatusSkip, Message: "Database unavailable"}
	}
	defer store.Close()
	agents, err := store.ListAgents(ctx, cfg.DefaultScope)
	if err != nil {
		return CheckResult{Name: "Roster", Status: StatusFail, Message: fmt.Sprintf("List agents: %v", err)}
	}
	if len(agents) == 0 {
		return CheckResult{Name: "Roster", Status: StatusWarn,
			Message: fmt.Sprintf("Scope %q has no agents yet", cfg.DefaultScope), Detail: "Agents are seeded on first serve"}
	}
	lead, err := store.LeadAgent(ctx, cfg.DefaultScope)
	if err != nil {
		return CheckResult{Name: "Roster", Status: StatusFail, Message: fmt.Sprintf("Lead lookup: %v", err)}
	}
	if lead == nil {
		return CheckResult{Name: "Roster", Status: StatusWarn,
			Message: fmt.Sprintf("%d agents, no lead", len(agents)), Detail: "Unassigned inbox tasks will not be triaged"}
	}
	return CheckResult{Name: "Roster", Status: StatusPass,
		Message: fmt.Sprintf("%d agents, lead @%s", len(agents), lead.Slug)}
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: StatusSkip, Message: "Config missing"}
	}
	path := config.PolicyPath(cfg.HomeDir)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Policy", Status: StatusPass, Message: "policy.yaml absent; built-in defaults apply"}
	}
	p, err := policy.Load(path)
	if err != nil {
		return CheckResult{Name: "Policy", Status: StatusFail, Message: fmt.Sprintf("Invalid policy.yaml: %v", err)}
	}
	return CheckResult{Name: "Policy", Status: StatusPass, Message: "policy.yaml valid", Detail: p.PolicyVersion()}
}

func checkCatalog(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Catalog", Status: StatusSkip, Message: "Config missing"}
	}
	path := config.CatalogPath(cfg.HomeDir)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return CheckResult{Name: "Catalog", Status: StatusSkip, Message: "catalog.yaml absent"}
	}
	specs, err := roster.LoadCatalogFile(path)
	if err != nil {
		return CheckResult{Name: "Catalog", Status: StatusFail, Message: fmt.Sprintf("Invalid catalog.yaml: %v", err)}
	}
	return CheckResult{Name: "Catalog", Status: StatusPass, Message: fmt.Sprintf("%d templates", len(specs))}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Channels.Telegram.Enabled {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "Channel disabled"}
	}
	tg := cfg.Channels.Telegram
	if tg.Token == "" {
		return CheckResult{Name: "Telegram", Status: StatusFail, Message: "Token missing"}
	}
	return CheckResult{Name: "Telegram", Status: StatusPass, Message: fmt.Sprintf("%d allowed users", len(tg.AllowedIDs))}
}

var providerHosts = map[string]string{
	"google":     "generativelanguage.googleapis.com",
	"anthropic":  "api.anthropic.com",
	"openai":     "api.openai.com",
	"openrouter": "openrouter.ai",
}

// providerHost returns the host a provider's requests go to.
func providerHost(cfg *config.Config) string {
	if cfg.LLM.Provider == "openai_compatible" {
		if u, err := url.Parse(cfg.Providers["openai_compatible"].BaseURL); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	if host, ok := providerHosts[cfg.LLM.Provider]; ok {
		return host
	}
	return providerHosts["google"]
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	host := providerHost(cfg)

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", cfg.LLM.Provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s", cfg.LLM.Provider),
	}
}
