package prompt

import (
	"strings"
	"testing"

	"github.com/agusx1211/fedi/internal/bus"
)

func TestLeadListsWorkerTags(t *testing.T) {
	got := Lead([]bus.AgentID{"worker_a", "worker_b"})

	if !strings.Contains(got, "[TO:WORKER_A]") || !strings.Contains(got, "[TO:WORKER_B]") {
		t.Fatalf("lead prompt missing worker tags:\n%s", got)
	}
	if !strings.Contains(got, "fully autonomous") {
		t.Error("lead prompt missing autonomy rule")
	}
	if !strings.Contains(got, "[TASK:add]") {
		t.Error("lead prompt missing task board instructions")
	}
}

func TestWorkerReportsToLead(t *testing.T) {
	got := Worker("worker_a")
	if !strings.Contains(got, "[TO:LEAD]") {
		t.Fatalf("worker prompt missing report tag:\n%s", got)
	}
}

func TestResumeHeaderTail(t *testing.T) {
	msgs := make([]bus.Message, 8)
	for i := range msgs {
		msgs[i] = bus.Message{From: bus.User, To: bus.Lead, Content: string(rune('a' + i))}
	}

	got := ResumeHeader("Build X", msgs)
	if !strings.Contains(got, "SESSION RESUME") {
		t.Fatal("header missing SESSION RESUME marker")
	}
	if !strings.Contains(got, "Build X") {
		t.Error("header missing original task")
	}
	if strings.Contains(got, "] a\n") || strings.Contains(got, "] b\n") || strings.Contains(got, "] c\n") {
		t.Error("header includes messages older than the last five")
	}
	for _, want := range []string{"] d\n", "] e\n", "] f\n", "] g\n", "] h\n"} {
		if !strings.Contains(got, want) {
			t.Errorf("header missing recent message %q", want)
		}
	}
}
