package agent

import (
	"context"
	"os/exec"
	"strings"

	"github.com/agusx1211/fedi/internal/bus"
	"github.com/agusx1211/fedi/internal/config"
	"github.com/agusx1211/fedi/internal/stream"
)

// NewClaudeDriver builds a driver for Anthropic's claude CLI.
//
// Each turn invokes `claude -p <prompt> --output-format stream-json
// --verbose`, producing NDJSON events on stdout. --verbose is required by
// the CLI when stream-json output is selected. --resume carries the
// external session across invocations.
func NewClaudeDriver(id bus.AgentID, cfg *config.Config) Driver {
	return newBase(id, cfg, cliSpec{
		name:     "claude",
		buildCmd: buildClaudeCmd,
		parse:    stream.Parse,
	})
}

func buildClaudeCmd(ctx context.Context, binary, prompt, model, resumeID string) *exec.Cmd {
	args := []string{"-p", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions"}
	if model != "" {
		args = append(args, "--model", model)
	}
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdin = strings.NewReader(prompt)
	return cmd
}
