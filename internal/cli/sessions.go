package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agusx1211/fedi/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List resumable sessions in this project",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	projectDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}
	store := session.NewStore(projectDir, 0)

	list := store.List()
	if len(list) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no sessions found")
		return nil
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-36s  %-19s  %-10s  %s\n", "ID", "STARTED", "STATE", "TASK")
	for _, s := range list {
		state := "active"
		if s.FinishedAt != nil {
			state = "finished"
		}
		task := s.Task
		if runes := []rune(task); len(runes) > 60 {
			task = string(runes[:60]) + "…"
		}
		fmt.Fprintf(out, "%-36s  %-19s  %-10s  %s\n",
			s.ID, s.StartedAt.Local().Format("2006-01-02 15:04:05"), state, task)
	}
	return nil
}
