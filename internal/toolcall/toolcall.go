// Package toolcall parses and formats the textual tool-invocation protocol
// models embed in their replies:
//
//	[TOOL: <name> ARG: {<json object>}]
//
// Calls may appear anywhere in free text and may be wrapped in a fenced
// code block. Argument payloads are parsed leniently (see Repair).
package toolcall

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// Call is one parsed tool invocation.
type Call struct {
	Name string
	Args map[string]any
	// Start and End are byte offsets of the call in the parsed text, from
	// the header's '[' to the closing ']' (or the object's '}' when the
	// bracket is missing).
	Start int
	End   int
}

var (
	headerRe   = regexp.MustCompile(`\[TOOL:\s*([A-Za-z_][A-Za-z0-9_.\-]*)\s+ARG:`)
	residualRe = regexp.MustCompile(`\[TOOL:[^\]\n]*\]?`)
	emptyFence = regexp.MustCompile("```[A-Za-z]*\\s*```")
)

// Parse extracts calls in source order. A call whose payload cannot be
// repaired into a JSON object is skipped; scanning resumes after its closing
// brace. An unbalanced payload ends the scan.
func Parse(text string) []Call {
	var calls []Call
	pos := 0
	for pos < len(text) {
		loc := headerRe.FindStringSubmatchIndex(text[pos:])
		if loc == nil {
			break
		}
		start := pos + loc[0]
		name := strings.ToLower(text[pos+loc[2] : pos+loc[3]])
		bodyAt := skipFence(text, pos+loc[1])

		open := strings.IndexByte(text[bodyAt:], '{')
		if open < 0 {
			break
		}
		open += bodyAt
		// Anything but whitespace or a fence between ARG: and '{' means the
		// header is not followed by an object.
		if strings.TrimSpace(strings.Trim(text[bodyAt:open], "`")) != "" {
			pos = start + 1
			continue
		}
		closeAt := matchBrace(text, open)
		if closeAt < 0 {
			break
		}
		end := trailingBracket(text, closeAt+1)
		pos = end

		args, ok := decodeObject(text[open : closeAt+1])
		if !ok {
			continue
		}
		calls = append(calls, Call{Name: name, Args: args, Start: start, End: end})
	}
	return calls
}

// skipFence skips whitespace and an optional ``` or ```json marker.
func skipFence(text string, i int) int {
	i = skipSpace(text, i)
	if strings.HasPrefix(text[i:], "```") {
		i += 3
		for i < len(text) && isIdentByte(text[i]) {
			i++
		}
		i = skipSpace(text, i)
	}
	return i
}

func skipSpace(text string, i int) int {
	for i < len(text) && (text[i] == ' ' || text[i] == '\t' || text[i] == '\n' || text[i] == '\r') {
		i++
	}
	return i
}

func isIdentByte(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// matchBrace returns the index of the brace closing the object opened at
// open, or -1. String literals (with escapes) are skipped.
func matchBrace(text string, open int) int {
	depth := 0
	inString := false
	escaped := false
	for i := open; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// trailingBracket consumes an optional closing fence and the ']' that ends
// the call, returning the offset just past what was consumed.
func trailingBracket(text string, i int) int {
	j := skipSpace(text, i)
	if strings.HasPrefix(text[j:], "```") {
		j = skipSpace(text, j+3)
	}
	if j < len(text) && text[j] == ']' {
		return j + 1
	}
	return i
}

func decodeObject(payload string) (map[string]any, bool) {
	for _, candidate := range Repair(payload) {
		dec := json.NewDecoder(strings.NewReader(candidate))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			continue
		}
		if dec.More() {
			continue
		}
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		return obj, true
	}
	return nil, false
}

var (
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	bareKeyRe       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)
	smartQuotes     = strings.NewReplacer(
		"“", `"`, "”", `"`, "„", `"`, "«", `"`, "»", `"`,
		"‘", "'", "’", "'",
	)
)

// Repair returns the payload followed by progressively repaired variants:
// trailing commas removed, then bare keys quoted, then smart quotes
// normalized. Each step builds on the previous one.
func Repair(payload string) []string {
	out := []string{payload}
	s := trailingCommaRe.ReplaceAllString(payload, "$1")
	out = append(out, s)
	s = bareKeyRe.ReplaceAllString(s, `$1"$2"$3`)
	out = append(out, s)
	s = smartQuotes.Replace(s)
	// Smart quotes may have been hiding commas or keys from the earlier steps.
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	s = bareKeyRe.ReplaceAllString(s, `$1"$2"$3`)
	out = append(out, s)
	return out
}

// FormatCall renders one call in protocol form with sorted keys.
func FormatCall(c Call) string {
	args := c.Args
	if args == nil {
		args = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(args); err != nil {
		buf.Reset()
		buf.WriteString("{}")
	}
	return "[TOOL: " + c.Name + " ARG: " + strings.TrimSpace(buf.String()) + "]"
}

// Format renders calls one per line, as a model would have written them.
func Format(calls []Call) string {
	lines := make([]string, 0, len(calls))
	for _, c := range calls {
		lines = append(lines, FormatCall(c))
	}
	return strings.Join(lines, "\n")
}

// Contains reports whether text still carries tool-call header syntax.
func Contains(text string) bool {
	return strings.Contains(text, "[TOOL:")
}

// Strip removes every parsed call and any residual header fragment.
func Strip(text string) string {
	calls := Parse(text)
	sort.Slice(calls, func(i, j int) bool { return calls[i].Start > calls[j].Start })
	for _, c := range calls {
		text = text[:c.Start] + text[c.End:]
	}
	text = residualRe.ReplaceAllString(text, "")
	return emptyFence.ReplaceAllString(text, "")
}

// Names returns the distinct tool names of calls in order.
func Names(calls []Call) []string {
	seen := make(map[string]bool, len(calls))
	var out []string
	for _, c := range calls {
		if !seen[c.Name] {
			seen[c.Name] = true
			out = append(out, c.Name)
		}
	}
	return out
}
