package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agusx1211/fedi/internal/bus"
	"github.com/agusx1211/fedi/internal/session"
	"github.com/agusx1211/fedi/internal/web"
)

var webCmd = &cobra.Command{
	Use:   "web [session-id]",
	Short: "Serve a read-only web view of a recorded session",
	Long: `Serve the transcript of a persisted session over HTTP/WebSocket.
Without a session id the most recent session is served.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWeb,
}

func init() {
	webCmd.Flags().String("addr", "127.0.0.1:8080", "Listen address")
	webCmd.Flags().Bool("mdns", false, "Advertise on the local network")
	webCmd.Flags().Bool("qr", false, "Print the URL as a QR code")
	rootCmd.AddCommand(webCmd)
}

func runWeb(cmd *cobra.Command, args []string) error {
	projectDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolve working directory: %w", err)
	}
	store := session.NewStore(projectDir, 0)

	var id string
	if len(args) == 1 {
		id = args[0]
	} else {
		list := store.List()
		if len(list) == 0 {
			return fmt.Errorf("no sessions found in %s", projectDir)
		}
		id = list[0].ID
	}
	data := store.Load(id)
	if data == nil {
		return fmt.Errorf("session %s not found or unreadable", id)
	}

	// Replay the transcript into a fresh bus so connecting clients receive
	// it as history.
	agents := agentsFromTranscript(data)
	b := bus.New(agents)
	for _, msg := range data.Messages {
		b.Record(msg)
	}

	addr, _ := cmd.Flags().GetString("addr")
	enableMDNS, _ := cmd.Flags().GetBool("mdns")
	srv := web.New(web.Options{
		Addr:        addr,
		Bus:         b,
		Agents:      agents,
		SessionID:   data.ID,
		Task:        data.Task,
		ProjectName: filepath.Base(projectDir),
		EnableMDNS:  enableMDNS,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	go srv.Start(ctx)
	if err := awaitListening(srv); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "serving session", data.ID, "at", srv.URL())
	if wantQR, _ := cmd.Flags().GetBool("qr"); wantQR {
		code, err := srv.QRCode()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), code)
	}

	<-ctx.Done()
	srv.Close()
	return nil
}

// agentsFromTranscript collects the agent endpoints seen in a recorded
// session, lead first.
func agentsFromTranscript(data *session.Data) []bus.AgentID {
	seen := map[bus.AgentID]bool{bus.Lead: true}
	out := []bus.AgentID{bus.Lead}
	add := func(id bus.AgentID) {
		if id == bus.User || id == bus.System || id == bus.All || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	for _, msg := range data.Messages {
		add(msg.From)
		add(msg.To)
	}
	for name := range data.AgentSessions {
		add(bus.AgentID(name))
	}
	return out
}
