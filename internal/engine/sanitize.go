package engine

import (
	"regexp"
	"strings"

	"github.com/basket/taskforce/internal/toolcall"
)

var (
	thinkingRe    = regexp.MustCompile(`(?is)<thinking>.*?(?:</thinking>|$)`)
	internalRe    = regexp.MustCompile(`(?m)^.*\[INTERNAL\].*$\n?`)
	observationRe = regexp.MustCompile(`(?m)^[ \t]*OBSERVATION:.*$\n?`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
)

// sanitizeReply removes tool syntax and internal markers from model text
// before it is persisted or sent to a channel.
func sanitizeReply(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = thinkingRe.ReplaceAllString(text, "")
	text = toolcall.Strip(text)
	text = internalRe.ReplaceAllString(text, "")
	text = observationRe.ReplaceAllString(text, "")
	text = blankRunRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
