package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agusx1211/fedi/internal/detect"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check which agent CLIs are installed",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	names := []string{"claude", "codex"}
	for name, ac := range globalConfig.Agents {
		if strings.TrimSpace(ac.Path) != "" {
			names = append(names, ac.Path)
		} else {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := cmd.OutOrStdout()
	missing := 0
	fmt.Fprintf(out, "%-16s  %-20s  %s\n", "CLI", "VERSION", "PATH")
	for _, tool := range detect.Scan(names) {
		if tool.Path == "" {
			missing++
			fmt.Fprintf(out, "%-16s  %-20s  %s\n", tool.Name, "-", "not found")
			continue
		}
		fmt.Fprintf(out, "%-16s  %-20s  %s\n", tool.Name, tool.Version, tool.Path)
	}
	if missing > 0 {
		fmt.Fprintf(out, "\n%d CLI(s) missing. Install them or set a path override in the config file.\n", missing)
	}
	return nil
}
