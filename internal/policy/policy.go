// Package policy is the capability and egress policy consulted before a
// tool runs or an adapter reaches the network.
package policy

import (
	"fmt"
	"hash/fnv"
	"net/netip"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Checker is the interface used by consumers.
type Checker interface {
	AllowHTTPURL(raw string) bool
	AllowCapability(capability string) bool
	PolicyVersion() string
}

// Policy is the serializable policy data. Capabilities accept a trailing
// ".*" wildcard; deny entries win over allow entries.
type Policy struct {
	AllowDomains      []string `yaml:"allow_domains"`
	AllowCapabilities []string `yaml:"allow_capabilities"`
	DenyCapabilities  []string `yaml:"deny_capabilities"`
	AllowLoopback     bool     `yaml:"allow_loopback"`
}

// Default allows every tool capability and the search API hosts.
func Default() Policy {
	return Policy{
		AllowDomains:      []string{"api.search.brave.com", "html.duckduckgo.com"},
		AllowCapabilities: []string{"tools.*"},
	}
}

var knownCapabilities = map[string]struct{}{
	"tools.*":                   {},
	"tools.web_search":          {},
	"tools.send_email":          {},
	"tools.list_emails":         {},
	"tools.get_email_details":   {},
	"tools.search_emails":       {},
	"tools.search_knowledge":    {},
	"tools.delegate_task":       {},
	"tools.update_task_status":  {},
	"tools.generate_image":      {},
	"tools.create_github_issue": {},
	"tools.create_pull_request": {},
	"tools.create_notion_page":  {},
	"tools.post_to_x":           {},
	"agent.provision":           {},
	"task.approve":              {},
}

func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) AllowHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return false
	}
	scheme := strings.ToLower(strings.TrimSpace(u.Scheme))
	if scheme != "http" && scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if isBlockedHost(host, p.AllowLoopback) {
		return false
	}
	for _, domain := range p.AllowDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain == "" {
			continue
		}
		if domain == "*" || host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func isBlockedHost(host string, allowLoopback bool) bool {
	if host == "localhost" {
		return !allowLoopback
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	if allowLoopback && ip.IsLoopback() {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

func (p Policy) AllowCapability(capability string) bool {
	capability = strings.ToLower(strings.TrimSpace(capability))
	if capability == "" {
		return false
	}
	if matchAny(p.DenyCapabilities, capability) {
		return false
	}
	return matchAny(p.AllowCapabilities, capability)
}

func matchAny(patterns []string, capability string) bool {
	for _, pat := range patterns {
		if capabilityMatches(strings.ToLower(strings.TrimSpace(pat)), capability) {
			return true
		}
	}
	return false
}

func capabilityMatches(pattern, capability string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" || pattern == capability {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(capability, prefix+".")
	}
	return false
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

func (p Policy) validate() error {
	for _, list := range [][]string{p.AllowCapabilities, p.DenyCapabilities} {
		for _, capName := range list {
			capability := strings.ToLower(strings.TrimSpace(capName))
			if capability == "" || capability == "*" {
				continue
			}
			if _, ok := knownCapabilities[capability]; !ok {
				return fmt.Errorf("unknown capability %q", capName)
			}
		}
	}
	return nil
}

// LivePolicy wraps a Policy with thread-safe reload.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
}

func NewLivePolicy(initial Policy) *LivePolicy {
	return &LivePolicy{data: initial}
}

func (lp *LivePolicy) AllowHTTPURL(raw string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowHTTPURL(raw)
}

func (lp *LivePolicy) AllowCapability(capability string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowCapability(capability)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.AllowDomains = append([]string(nil), lp.data.AllowDomains...)
	cp.AllowCapabilities = append([]string(nil), lp.data.AllowCapabilities...)
	cp.DenyCapabilities = append([]string(nil), lp.data.DenyCapabilities...)
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses
// and validates. On error, the previous policy remains active.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	write := func(tag string, values []string) {
		norm := make([]string, 0, len(values))
		for _, v := range values {
			norm = append(norm, strings.ToLower(strings.TrimSpace(v)))
		}
		sort.Strings(norm)
		for _, v := range norm {
			_, _ = h.Write([]byte(tag + v + "|"))
		}
	}
	write("d:", p.AllowDomains)
	write("c:", p.AllowCapabilities)
	write("x:", p.DenyCapabilities)
	if p.AllowLoopback {
		_, _ = h.Write([]byte("allow_loopback=true|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}
