package agent

import (
	"encoding/json"
	"testing"
)

func TestFormatAction(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{"Read", `{"file_path":"/tmp/a.go"}`, "▸ read /tmp/a.go"},
		{"Grep", `{"pattern":"func main"}`, "▸ grep func main"},
		{"Bash", `{"command":"  ls   -la\n  | head "}`, "▸ bash ls -la | head"},
		{"Write", `{"file_path":"b.txt"}`, "▸ write b.txt"},
		{"WebSearch", `{"query":"go scanner buffer"}`, "▸ search go scanner buffer"},
		{"MysteryTool", `{}`, "▸ MysteryTool"},
		{"Read", `{}`, "▸ read"},
	}
	for _, c := range cases {
		got := FormatAction(c.name, json.RawMessage(c.input))
		if got != c.want {
			t.Errorf("FormatAction(%s, %s) = %q, want %q", c.name, c.input, got, c.want)
		}
	}
}

func TestCleanCommandTruncates(t *testing.T) {
	long := ""
	for i := 0; i < 40; i++ {
		long += "abcd "
	}
	got := cleanCommand(long)
	if len([]rune(got)) != 121 {
		t.Errorf("cleaned length = %d, want 121 (120 + ellipsis)", len([]rune(got)))
	}
}

func TestStderrRulesDefaultSet(t *testing.T) {
	rules := compileStderrRules(nil)
	if len(rules) == 0 {
		t.Fatal("default stderr pattern set is empty")
	}
	b := &base{stderrRules: rules}
	if b.matchStderr("Error: rate_limit reached for requests") == nil {
		t.Error("rate limit line not matched")
	}
	if b.matchStderr("API Error: 529 overloaded") == nil {
		t.Error("capacity line not matched")
	}
	if b.matchStderr("npm warn deprecated package") != nil {
		t.Error("benign line matched")
	}
}

func TestStderrRulesFromConfig(t *testing.T) {
	rules := compileStderrRules([]string{`custom-failure`, `((broken`})
	if len(rules) != 1 {
		t.Fatalf("expected 1 compiled rule (invalid one skipped), got %d", len(rules))
	}
	b := &base{stderrRules: rules}
	if b.matchStderr("a custom-failure happened") == nil {
		t.Error("configured pattern not matched")
	}
}
