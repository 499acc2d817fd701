package cli

import (
	"testing"

	"github.com/spf13/cobra"

	"github.com/agusx1211/fedi/internal/bus"
	"github.com/agusx1211/fedi/internal/session"
)

func flagsCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	addSessionFlags(cmd)
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatal(err)
	}
	return cmd
}

func TestAgentSpecsDefaults(t *testing.T) {
	specs, err := agentSpecs(flagsCmd(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 2 {
		t.Fatalf("specs = %d, want lead + one worker", len(specs))
	}
	if specs[0].ID != bus.Lead || specs[0].CLI != "claude" {
		t.Errorf("lead spec = %+v", specs[0])
	}
	if specs[1].ID != "worker_a" || specs[1].CLI != "claude" {
		t.Errorf("worker spec = %+v", specs[1])
	}
}

func TestAgentSpecsCustomWorkers(t *testing.T) {
	specs, err := agentSpecs(flagsCmd(t,
		"--lead-cli", "codex",
		"--worker", "worker_a:claude",
		"--worker", "worker_b:codex"))
	if err != nil {
		t.Fatal(err)
	}
	if len(specs) != 3 {
		t.Fatalf("specs = %d, want 3", len(specs))
	}
	if specs[0].CLI != "codex" {
		t.Errorf("lead cli = %q", specs[0].CLI)
	}
	if specs[2].ID != "worker_b" || specs[2].CLI != "codex" {
		t.Errorf("worker_b spec = %+v", specs[2])
	}
}

func TestAgentSpecsRejectsBadNames(t *testing.T) {
	for _, worker := range []string{"ALL_CAPS", "user", "all", "system", "1bad"} {
		if _, err := agentSpecs(flagsCmd(t, "--worker", worker)); err == nil {
			t.Errorf("worker %q accepted, want error", worker)
		}
	}
	if _, err := agentSpecs(flagsCmd(t, "--worker", "w:claude", "--worker", "w:codex")); err == nil {
		t.Error("duplicate worker accepted")
	}
}

func TestAgentsFromTranscript(t *testing.T) {
	data := &session.Data{
		Messages: []bus.Message{
			{From: bus.User, To: bus.Lead},
			{From: bus.Lead, To: "worker_a"},
			{From: "worker_a", To: bus.Lead},
		},
		AgentSessions: map[string]string{"worker_b": "ext-1"},
	}

	agents := agentsFromTranscript(data)
	if len(agents) != 3 {
		t.Fatalf("agents = %v", agents)
	}
	if agents[0] != bus.Lead {
		t.Errorf("first agent = %s, want lead", agents[0])
	}
	want := map[bus.AgentID]bool{"worker_a": true, "worker_b": true}
	for _, id := range agents[1:] {
		if !want[id] {
			t.Errorf("unexpected agent %s", id)
		}
	}
}
