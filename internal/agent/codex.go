package agent

import (
	"context"
	"os/exec"

	"github.com/agusx1211/fedi/internal/bus"
	"github.com/agusx1211/fedi/internal/config"
	"github.com/agusx1211/fedi/internal/stream"
)

// NewCodexDriver builds a driver for OpenAI's codex CLI.
//
// Each turn invokes `codex exec --json <prompt>`; `codex exec resume
// <thread-id>` continues a prior thread. The JSONL dialect is mapped onto
// the shared event shape by stream.ParseCodex.
func NewCodexDriver(id bus.AgentID, cfg *config.Config) Driver {
	return newBase(id, cfg, cliSpec{
		name:     "codex",
		buildCmd: buildCodexCmd,
		parse:    stream.ParseCodex,
	})
}

func buildCodexCmd(ctx context.Context, binary, prompt, model, resumeID string) *exec.Cmd {
	args := []string{"exec"}
	if resumeID != "" {
		args = append(args, "resume", resumeID)
	}
	args = append(args, "--json", "--dangerously-bypass-approvals-and-sandbox")
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, prompt)
	return exec.CommandContext(ctx, binary, args...)
}

// New builds a driver by CLI name. Unknown names default to the claude
// dialect with the given name as the binary.
func New(id bus.AgentID, cliName string, cfg *config.Config) Driver {
	switch cliName {
	case "codex":
		return NewCodexDriver(id, cfg)
	case "claude", "":
		return NewClaudeDriver(id, cfg)
	default:
		return newBase(id, cfg, cliSpec{
			name:     cliName,
			buildCmd: buildClaudeCmd,
			parse:    stream.Parse,
		})
	}
}
