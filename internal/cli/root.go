// Package cli is the command-line entry point.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agusx1211/fedi/internal/buildinfo"
	"github.com/agusx1211/fedi/internal/config"
	"github.com/agusx1211/fedi/internal/logging"
	"github.com/agusx1211/fedi/internal/tui"
)

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"

	styleBoldCyan  = "\033[1;36m"
	styleBoldWhite = "\033[1;37m"
)

// Process exit codes.
const (
	exitOK          = 0
	exitError       = 1
	exitConfig      = 2
	exitInterrupted = 130
)

// globalConfig is loaded once in the root PersistentPreRunE.
var globalConfig *config.Config

var rootCmd = &cobra.Command{
	Use:   "fedi",
	Short: "Federated multi-agent orchestrator",
	Long: colorBold + `
   __         _ _
  / _| ___ __| (_)
 | |_ / _ \/ _` + "`" + ` | |
 |  _|  __/ (_| | |
 |_|  \___|\__,_|_|` + colorReset + `

  ` + styleBoldCyan + `Federated multi-agent orchestrator` + colorReset + ` v` + buildinfo.Current().Version + `

  A lead agent decomposes your task and delegates to worker agents
  through an in-band relay protocol. Sessions persist and resume.

  Run ` + styleBoldWhite + `fedi run "build X"` + colorReset + ` to start, ` + styleBoldWhite + `fedi sessions` + colorReset + ` to list past runs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		globalConfig = cfg
		if _, err := logging.Init(cfg.MaxLogFiles); err != nil {
			fmt.Fprintf(os.Stderr, "warning: logging disabled: %v\n", err)
		}
		return nil
	},
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	defer logging.Close()

	err := rootCmd.Execute()
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrMalformed):
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitConfig
	case errors.Is(err, tui.ErrInterrupted):
		return exitInterrupted
	default:
		fmt.Fprintln(os.Stderr, "error:", err)
		return exitError
	}
}
