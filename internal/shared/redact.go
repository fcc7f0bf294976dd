package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns match secret-bearing fragments in logs, audit reasons and
// tool observations. Patterns with two groups keep the first group as prefix.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	regexp.MustCompile(`sk-(ant-)?[A-Za-z0-9_\-]{20,}`),
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`),
	regexp.MustCompile(`\b\d{8,10}:[A-Za-z0-9_\-]{30,}\b`), // telegram bot token
}

// Redact replaces secret-bearing patterns in input with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, pat := range secretPatterns {
		out = pat.ReplaceAllStringFunc(out, func(match string) string {
			if sub := pat.FindStringSubmatch(match); len(sub) >= 3 {
				return sub[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return out
}

// IsSensitiveKey reports whether a config or log key names a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, s := range []string{"api_key", "apikey", "secret", "token", "password", "credential", "authorization"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
