package directive

import (
	"strings"
	"testing"
)

func TestParseRelayLine(t *testing.T) {
	tokens, cleaned := Parse("  [TO:LEAD] ready  ")
	if len(tokens) != 1 {
		t.Fatalf("expected 1 token, got %d", len(tokens))
	}
	tok := tokens[0]
	if tok.Kind != KindRelay {
		t.Errorf("kind = %q, want relay", tok.Kind)
	}
	if tok.Target != "lead" {
		t.Errorf("target = %q, want lead", tok.Target)
	}
	if tok.Content != "ready" {
		t.Errorf("content = %q, want %q", tok.Content, "ready")
	}
	if cleaned != "" {
		t.Errorf("cleaned = %q, want empty", cleaned)
	}
}

func TestParseRelayEmptyContent(t *testing.T) {
	tokens, _ := Parse("[TO:WORKER_A]")
	if len(tokens) != 1 {
		t.Fatalf("expected 1 token, got %d", len(tokens))
	}
	if tokens[0].Target != "worker_a" {
		t.Errorf("target = %q, want worker_a", tokens[0].Target)
	}
	if tokens[0].Content != "" {
		t.Errorf("content = %q, want empty", tokens[0].Content)
	}
}

func TestEmbeddedTagIgnored(t *testing.T) {
	line := "Use the [TO:WORKER] pattern to escalate."
	tokens, cleaned := Parse(line)
	if len(tokens) != 0 {
		t.Fatalf("expected no tokens, got %v", tokens)
	}
	if cleaned != line {
		t.Errorf("cleaned = %q, want original line", cleaned)
	}
}

func TestLowercaseTagIgnored(t *testing.T) {
	tokens, _ := Parse("[to:lead] hello")
	if len(tokens) != 0 {
		t.Fatalf("lowercase tag should not match, got %v", tokens)
	}
}

func TestMultipleTasksPerLine(t *testing.T) {
	tokens, _ := Parse("[TASK:add] write parser [TASK:add] wire relay hops")
	if len(tokens) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(tokens))
	}
	if tokens[0].Kind != KindTaskAdd || tokens[0].Content != "write parser" {
		t.Errorf("token[0] = %+v", tokens[0])
	}
	if tokens[1].Content != "wire relay hops" {
		t.Errorf("token[1] = %+v", tokens[1])
	}
}

func TestTaskDone(t *testing.T) {
	tokens, _ := Parse("[TASK:done] write parser")
	if len(tokens) != 1 || tokens[0].Kind != KindTaskDone {
		t.Fatalf("tokens = %+v", tokens)
	}
}

func TestSanitizeTask(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"  implement   the `bus`  ", "implement the bus", true},
		{"too", "", false},
		{"fix it [TO:LEAD] rest dropped", "fix it", true},
		{strings.Repeat("x", 100), strings.Repeat("x", 80) + "…", true},
	}
	for _, c := range cases {
		got, ok := SanitizeTask(c.in)
		if ok != c.ok || got != c.want {
			t.Errorf("SanitizeTask(%q) = (%q, %v), want (%q, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}

func TestCleanedKeepsProse(t *testing.T) {
	text := "first line\n[TO:WORKER] go\nlast line"
	tokens, cleaned := Parse(text)
	if len(tokens) != 1 {
		t.Fatalf("expected 1 token, got %d", len(tokens))
	}
	if tokens[0].Line != 1 {
		t.Errorf("line index = %d, want 1", tokens[0].Line)
	}
	if cleaned != "first line\nlast line" {
		t.Errorf("cleaned = %q", cleaned)
	}
}
