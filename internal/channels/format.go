package channels

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	imageRe   = regexp.MustCompile(`!\[([^\]]*)\]\(([^)\s]+)(?:\s+"[^"]*")?\)`)
	linkRe    = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)(?:\s+"[^"]*")?\)`)
	boldRe    = regexp.MustCompile(`(\*\*|__)(.+?)(\*\*|__)`)
	headingRe = regexp.MustCompile(`(?m)^#{1,6}\s+`)
)

// SanitizeForPlainText rewrites markdown for chats that render plain text.
// Images become bare URLs appended at the end; links keep their URL.
func SanitizeForPlainText(text string) string {
	var images []string
	text = imageRe.ReplaceAllStringFunc(text, func(m string) string {
		images = append(images, imageRe.FindStringSubmatch(m)[2])
		return ""
	})
	text = linkRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := linkRe.FindStringSubmatch(m)
		label, url := strings.TrimSpace(sub[1]), sub[2]
		if label == "" || label == url {
			return url
		}
		return label + " (" + url + ")"
	})
	text = boldRe.ReplaceAllString(text, "$2")
	text = headingRe.ReplaceAllString(text, "")
	text = strings.TrimSpace(blankLines(text))
	if len(images) > 0 {
		if text != "" {
			text += "\n\n"
		}
		text += strings.Join(images, "\n")
	}
	return text
}

func blankLines(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return s
}

// splitMessage cuts text into chunks of at most limit runes, preferring
// line breaks.
func splitMessage(text string, limit int) []string {
	var out []string
	for utf8.RuneCountInString(text) > limit {
		r := []rune(text)
		cut := limit
		if i := strings.LastIndex(string(r[:limit]), "\n"); i > 0 {
			cut = utf8.RuneCountInString(string(r[:limit])[:i])
		}
		out = append(out, strings.TrimRight(string(r[:cut]), "\n"))
		text = strings.TrimLeft(string(r[cut:]), "\n")
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
