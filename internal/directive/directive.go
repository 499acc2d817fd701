// Package directive extracts relay and task tokens from agent output.
//
// Directives are in-band text markers an agent places at the start of a
// line: [TO:NAME] to request a relay, [TASK:add]/[TASK:done] to mutate the
// task board. A tag embedded mid-sentence is prose, not a directive.
package directive

import (
	"regexp"
	"strings"
)

// Kind discriminates parsed tokens.
type Kind string

const (
	KindRelay    Kind = "relay"
	KindTaskAdd  Kind = "task-add"
	KindTaskDone Kind = "task-done"
)

// Token is one directive extracted from a text block.
type Token struct {
	Kind    Kind
	Target  string // lowercased agent label, relay tokens only
	Content string
	Line    int // index of the source line within the scanned text
}

const (
	maxTaskLen = 80
	minTaskLen = 4
)

// Patterns are anchored to start-of-line (after optional whitespace) and
// require exact uppercase tag casing. "use the [TO:X] pattern" must not
// match; "  [TO:X] ready" must.
var (
	relayRe    = regexp.MustCompile(`^\s*\[TO:([A-Z][A-Z0-9_]*)\]\s?(.*)$`)
	taskRe     = regexp.MustCompile(`\[TASK:(add|done)\]\s*`)
	taskLineRe = regexp.MustCompile(`^\s*\[TASK:(add|done)\]`)
	tagCutRe   = regexp.MustCompile(`\[(?:TASK:(?:add|done)|TO:[A-Z][A-Z0-9_]*)\]`)
)

// Parse scans text line by line and returns the directive tokens plus a
// cleaned view with directive lines removed.
func Parse(text string) (tokens []Token, cleaned string) {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))

	for i, line := range lines {
		if m := relayRe.FindStringSubmatch(line); m != nil {
			tokens = append(tokens, Token{
				Kind:    KindRelay,
				Target:  strings.ToLower(m[1]),
				Content: strings.TrimSpace(m[2]),
				Line:    i,
			})
			continue
		}
		if taskLineRe.MatchString(line) {
			tokens = append(tokens, parseTaskLine(line, i)...)
			continue
		}
		kept = append(kept, line)
	}
	return tokens, strings.Join(kept, "\n")
}

// IsDirectiveLine reports whether line is a standalone directive line.
func IsDirectiveLine(line string) bool {
	return relayRe.MatchString(line) || taskLineRe.MatchString(line)
}

// parseTaskLine extracts every [TASK:...] token on one line. Multiple tasks
// per line are permitted: "[TASK:add] x [TASK:add] y".
func parseTaskLine(line string, idx int) []Token {
	locs := taskRe.FindAllStringSubmatchIndex(line, -1)
	out := make([]Token, 0, len(locs))
	for n, loc := range locs {
		kind := KindTaskAdd
		if line[loc[2]:loc[3]] == "done" {
			kind = KindTaskDone
		}
		end := len(line)
		if n+1 < len(locs) {
			end = locs[n+1][0]
		}
		text, ok := SanitizeTask(line[loc[1]:end])
		if !ok {
			continue
		}
		out = append(out, Token{Kind: kind, Content: text, Line: idx})
	}
	return out
}

// SanitizeTask normalizes task text: cut at the next directive tag, strip
// backticks and stray tags, collapse whitespace, cap at 80 runes. Returns
// ok=false when fewer than 4 characters survive cleaning.
func SanitizeTask(text string) (string, bool) {
	if loc := tagCutRe.FindStringIndex(text); loc != nil {
		text = text[:loc[0]]
	}
	text = strings.ReplaceAll(text, "`", "")
	text = strings.Join(strings.Fields(text), " ")
	if len([]rune(text)) < minTaskLen {
		return "", false
	}
	if runes := []rune(text); len(runes) > maxTaskLen {
		text = string(runes[:maxTaskLen]) + "…"
	}
	return text, true
}
