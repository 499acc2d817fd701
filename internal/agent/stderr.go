package agent

import (
	"bufio"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"

	"github.com/agusx1211/fedi/internal/logging"
)

// stderrRule is one recognized stderr pattern with a short label used in
// the surfaced notice.
type stderrRule struct {
	re    *regexp.Regexp
	label string
}

// defaultStderrPatterns are the built-in upstream failure signatures. The
// set is a configuration input (stderrPatterns) because it is CLI-specific
// and evolves faster than this code.
var defaultStderrPatterns = []string{
	`(?i)rate[ _-]?limit`,
	`(?i)overloaded|at capacity|capacity constraint`,
	`(?i)api[ _-]?error|internal server error|5\d\d `,
	`(?i)quota exceeded|usage limit`,
	`(?i)connection (refused|reset)|ETIMEDOUT|ECONNRESET`,
}

func compileStderrRules(patterns []string) []stderrRule {
	if len(patterns) == 0 {
		patterns = defaultStderrPatterns
	}
	rules := make([]stderrRule, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			logging.Log(logging.LevelWarn, "agent", "invalid stderr pattern skipped", "pattern", p, "error", err.Error())
			continue
		}
		rules = append(rules, stderrRule{re: re, label: p})
	}
	return rules
}

// consumeStderr reads the subprocess stderr line by line. A line matching a
// known upstream failure pattern is summarized as an info OutputLine and
// stored in lastError; everything else goes only to the log.
func (b *base) consumeStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256*1024), 256*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(ansi.Strip(scanner.Text()))
		if line == "" {
			continue
		}
		if rule := b.matchStderr(line); rule != nil {
			summary := summarizeStderr(line)
			b.emit(OutputLine{
				Text:      "incident en amont (upstream notice): " + summary,
				Timestamp: time.Now(),
				Kind:      KindInfo,
			})
			b.setLastError(summary)
			logging.Log(logging.LevelWarn, "agent", "stderr pattern matched",
				"agent", b.id, "pattern", rule.label, "line", summary)
			continue
		}
		logging.Log(logging.LevelDebug, "agent", "stderr", "agent", b.id, "line", line)
	}
}

func (b *base) matchStderr(line string) *stderrRule {
	for i := range b.stderrRules {
		if b.stderrRules[i].re.MatchString(line) {
			return &b.stderrRules[i]
		}
	}
	return nil
}

func summarizeStderr(line string) string {
	if runes := []rune(line); len(runes) > 200 {
		return string(runes[:200]) + "…"
	}
	return line
}
