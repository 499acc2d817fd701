package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/agusx1211/fedi/internal/bus"
	"github.com/agusx1211/fedi/internal/detect"
	"github.com/agusx1211/fedi/internal/orchestrator"
	"github.com/agusx1211/fedi/internal/tui"
	"github.com/agusx1211/fedi/internal/web"
)

var agentNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

var runCmd = &cobra.Command{
	Use:   "run <task...>",
	Short: "Start a new multi-agent session",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func init() {
	addSessionFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addSessionFlags(cmd *cobra.Command) {
	cmd.Flags().String("lead-cli", "claude", "CLI driving the lead agent (claude, codex)")
	cmd.Flags().StringSlice("worker", []string{"worker_a:claude"},
		"Worker agent as name[:cli], repeatable")
	cmd.Flags().Bool("plain", false, "Plain line output instead of the TUI")
	cmd.Flags().Bool("web", false, "Serve a read-only web observer")
	cmd.Flags().String("web-addr", "127.0.0.1:8080", "Observer listen address")
	cmd.Flags().Bool("mdns", false, "Advertise the observer on the local network")
	cmd.Flags().Bool("qr", false, "Print the observer URL as a QR code")
}

func runRun(cmd *cobra.Command, args []string) error {
	task := strings.TrimSpace(strings.Join(args, " "))
	return launch(cmd, task, "")
}

// launch is shared by run and resume: build the orchestrator, optionally the
// observer, and hand off to the selected renderer.
func launch(cmd *cobra.Command, task, resumeID string) error {
	specs, err := agentSpecs(cmd)
	if err != nil {
		return err
	}
	projectDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}
	warnMissingCLIs(cmd, specs)

	orch, err := orchestrator.New(orchestrator.Options{
		Config:     globalConfig,
		ProjectDir: projectDir,
		Agents:     specs,
	})
	if err != nil {
		return err
	}

	cfg := tui.RunConfig{
		Orch:        orch,
		ProjectName: filepath.Base(projectDir),
		Task:        task,
		ResumeID:    resumeID,
	}

	if enabled, _ := cmd.Flags().GetBool("web"); enabled {
		addr, _ := cmd.Flags().GetString("web-addr")
		enableMDNS, _ := cmd.Flags().GetBool("mdns")
		srv := web.New(web.Options{
			Addr:        addr,
			Bus:         orch.Bus(),
			Agents:      orch.Agents(),
			Task:        task,
			ProjectName: cfg.ProjectName,
			EnableMDNS:  enableMDNS,
		})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go srv.Start(ctx)
		if err := awaitListening(srv); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "observer:", srv.URL())
		if wantQR, _ := cmd.Flags().GetBool("qr"); wantQR {
			code, err := srv.QRCode()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), code)
		}
		cfg.Web = srv
	}

	plain, _ := cmd.Flags().GetBool("plain")
	if plain || !isatty.IsTerminal(os.Stdout.Fd()) {
		return tui.RunPlain(cfg, os.Stdin, cmd.OutOrStdout())
	}
	return tui.Run(cfg)
}

// agentSpecs builds the agent roster from the lead-cli and worker flags.
func agentSpecs(cmd *cobra.Command) ([]orchestrator.AgentSpec, error) {
	leadCLI, _ := cmd.Flags().GetString("lead-cli")
	workers, _ := cmd.Flags().GetStringSlice("worker")

	specs := []orchestrator.AgentSpec{{ID: bus.Lead, CLI: leadCLI}}
	seen := map[bus.AgentID]bool{bus.Lead: true}
	for _, raw := range workers {
		name, cli, _ := strings.Cut(raw, ":")
		if cli == "" {
			cli = "claude"
		}
		id := bus.AgentID(name)
		if !agentNameRe.MatchString(name) || id == bus.User || id == bus.System || id == bus.All {
			return nil, fmt.Errorf("invalid worker name %q", name)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate agent %q", name)
		}
		seen[id] = true
		specs = append(specs, orchestrator.AgentSpec{ID: id, CLI: cli})
	}
	return specs, nil
}

// warnMissingCLIs flags CLI binaries that cannot be resolved before any
// agent tries to spawn one. Spawn failures still surface per turn, but a
// warning up front beats a silent dead worker mid-session.
func warnMissingCLIs(cmd *cobra.Command, specs []orchestrator.AgentSpec) {
	warned := map[string]bool{}
	for _, spec := range specs {
		bin := spec.CLI
		if ac, ok := globalConfig.Agents[string(spec.ID)]; ok && strings.TrimSpace(ac.Path) != "" {
			bin = ac.Path
		} else if ac, ok := globalConfig.Agents[spec.CLI]; ok && strings.TrimSpace(ac.Path) != "" {
			bin = ac.Path
		}
		if warned[bin] {
			continue
		}
		if _, ok := detect.Resolve(bin); !ok {
			warned[bin] = true
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %q not found, agent %s will fail to start\n", bin, spec.ID)
		}
	}
}

func awaitListening(srv *web.Server) error {
	deadline := time.Now().Add(2 * time.Second)
	for srv.URL() == "" {
		if time.Now().After(deadline) {
			return fmt.Errorf("observer did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
