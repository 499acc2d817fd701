package cli

import (
	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a persisted session",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	addSessionFlags(resumeCmd)
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	return launch(cmd, "", args[0])
}
