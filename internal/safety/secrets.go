// Package safety screens text crossing the boundary between agents and
// external chat channels.
package safety

import (
	"regexp"
	"strings"
)

// Finding is one secret-looking span in outbound text.
type Finding struct {
	Kind string
	// Sample is a truncated copy of the match for logs.
	Sample string
}

type secretRule struct {
	kind string
	re   *regexp.Regexp
}

var secretRules = []secretRule{
	{"private_key", regexp.MustCompile(`-----BEGIN\s+(?:[A-Z]+\s+)?PRIVATE\s+KEY-----[\s\S]*?(?:-----END\s+(?:[A-Z]+\s+)?PRIVATE\s+KEY-----|$)`)},
	{"anthropic_key", regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`)},
	{"openai_key", regexp.MustCompile(`sk-(?:proj-)?[A-Za-z0-9]{20,}`)},
	{"google_key", regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`)},
	{"telegram_token", regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_\-]{35}\b`)},
	{"bearer_token", regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-.~+/=]{16,}`)},
	{"api_key", regexp.MustCompile(`(?i)\b(?:api[_-]?key|access[_-]?token|secret)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`)},
	{"password", regexp.MustCompile(`(?i)\b(?:password|passwd)\s*[:=]\s*"?[^\s"]{8,}"?`)},
}

// Scan lists the secrets found in text without changing it.
func Scan(text string) []Finding {
	if text == "" {
		return nil
	}
	var out []Finding
	for _, r := range secretRules {
		for _, m := range r.re.FindAllString(text, 3) {
			out = append(out, Finding{Kind: r.kind, Sample: sample(m)})
		}
	}
	return out
}

// Redact replaces every secret in text with a [redacted:<kind>] marker.
func Redact(text string) (string, []Finding) {
	findings := Scan(text)
	if len(findings) == 0 {
		return text, nil
	}
	for _, r := range secretRules {
		text = r.re.ReplaceAllString(text, "[redacted:"+r.kind+"]")
	}
	return text, findings
}

func sample(m string) string {
	m = strings.TrimSpace(m)
	if len(m) > 12 {
		return m[:8] + "..."
	}
	return m
}
