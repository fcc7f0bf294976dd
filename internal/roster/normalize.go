package roster

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/cases"
)

// rolePrefixes are stripped (at most one) after the leading '@'.
var rolePrefixes = []string{"agent:", "agent-", "role:"}

// Normalize canonicalizes a free-text assignee reference: trimmed, leading
// '@' (or "@agent/") removed, case-folded, and one role prefix stripped.
func Normalize(name string) string {
	s := cases.Fold().String(strings.TrimSpace(name))
	if rest, ok := strings.CutPrefix(s, "@agent/"); ok {
		return strings.TrimSpace(rest)
	}
	s = strings.TrimPrefix(s, "@")
	for _, p := range rolePrefixes {
		if rest, ok := strings.CutPrefix(s, p); ok {
			s = rest
			break
		}
	}
	return strings.TrimSpace(s)
}

// compact removes spaces, underscores and dashes so "Art Director",
// "art_director" and "art-director" compare equal.
func compact(s string) string {
	return strings.NewReplacer(" ", "", "_", "", "-", "").Replace(s)
}

// SessionKeyFor returns the deterministic session identity of an agent:
// agent:<slug>:<first 8 hex of sha256(scope/agentID)>.
func SessionKeyFor(scope, agentID, slug string) string {
	sum := sha256.Sum256([]byte(scope + "/" + agentID))
	if slug == "" {
		slug = "agent"
	}
	return "agent:" + slug + ":" + hex.EncodeToString(sum[:])[:8]
}
