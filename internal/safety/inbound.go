package safety

import (
	"regexp"
	"strings"
)

// Verdict grades inbound channel text.
type Verdict int

const (
	Clean Verdict = iota
	// Suspicious text is delivered but flagged in logs and audit.
	Suspicious
	// Hostile text tries to rewrite agent instructions.
	Hostile
)

func (v Verdict) String() string {
	switch v {
	case Suspicious:
		return "suspicious"
	case Hostile:
		return "hostile"
	}
	return "clean"
}

// Inspection is the outcome of Inspect.
type Inspection struct {
	Verdict Verdict
	Reason  string
}

type inboundRule struct {
	verdict Verdict
	reason  string
	re      *regexp.Regexp
}

var inboundRules = []inboundRule{
	{Hostile, "instruction override", regexp.MustCompile(`(?i)\b(?:ignore|disregard)\s+(?:all\s+)?(?:the\s+)?(?:previous|prior|above)\s+(?:instructions?|prompts?|rules?)`)},
	{Hostile, "identity override", regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(?:a|an|the)\s+\w+`)},
	{Hostile, "system prompt override", regexp.MustCompile(`(?i)\b(?:override\s+(?:the\s+)?(?:system\s+)?prompt|new\s+system\s+prompt)\b`)},
	{Hostile, "prompt extraction", regexp.MustCompile(`(?i)\b(?:reveal|print|repeat|show)\s+(?:me\s+)?(?:your\s+)?(?:system\s+)?(?:prompt|instructions)\b`)},
	{Suspicious, "role marker", regexp.MustCompile(`(?i)\[\s*(?:system|internal)\s*\]`)},
	{Suspicious, "chat template token", regexp.MustCompile(`(?i)<\s*\|?\s*(?:system|im_start|im_end)\s*\|?\s*>`)},
	{Suspicious, "tool syntax", regexp.MustCompile(`\[TOOL:\s*\w+\s+ARG:`)},
}

// Inspect grades text from an external chat. The first matching rule wins.
func Inspect(text string) Inspection {
	if strings.TrimSpace(text) == "" {
		return Inspection{}
	}
	for _, r := range inboundRules {
		if r.re.MatchString(text) {
			return Inspection{Verdict: r.verdict, Reason: r.reason}
		}
	}
	return Inspection{}
}
