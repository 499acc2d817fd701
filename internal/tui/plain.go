package tui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/agusx1211/fedi/internal/agent"
	"github.com/agusx1211/fedi/internal/bus"
	"github.com/agusx1211/fedi/internal/config"
	"github.com/agusx1211/fedi/internal/orchestrator"
	"github.com/agusx1211/fedi/internal/session"
)

const quiescencePolls = 3

// RunPlain is the non-TTY fallback: prefixed lines on out, one input line
// per user message on in. After in reaches EOF it waits for the agents to go
// quiet, then stops.
func RunPlain(cfg RunConfig, in io.Reader, out io.Writer) error {
	var mu sync.Mutex
	printf := func(format string, args ...any) {
		mu.Lock()
		fmt.Fprintf(out, format+"\n", args...)
		mu.Unlock()
	}

	cfg.Orch.Bind(orchestrator.Callbacks{
		OnAgentOutput: func(id bus.AgentID, line agent.OutputLine) {
			switch line.Kind {
			case agent.KindSystem:
				printf("[%s]   %s", id, line.Text)
			case agent.KindInfo:
				printf("[%s] ! %s", id, line.Text)
			default:
				printf("[%s] %s", id, line.Text)
			}
			if cfg.Web != nil {
				cfg.Web.PublishOutput(id, line)
			}
		},
		OnAgentStatus: func(id bus.AgentID, status agent.Status) {
			printf("· %s: %s", id, status)
			if cfg.Web != nil {
				cfg.Web.PublishStatus(id, status)
			}
		},
		OnRelay: func(msg bus.Message) {
			printf("⇄ %s → %s: %s", msg.From, msg.To, msg.Content)
		},
		OnRelayBlocked: func(blocked bus.Blocked) {
			printf("⊘ relay %s → %s blocked (%s)", blocked.From, blocked.To, blocked.Reason)
		},
		OnTasks: func(tasks []session.Task) {
			if cfg.Web != nil {
				cfg.Web.PublishTasks(tasks)
			}
		},
	})

	var data *session.Data
	var err error
	if cfg.ResumeID != "" {
		data, err = cfg.Orch.Resume(context.Background(), cfg.ResumeID)
	} else {
		data, err = cfg.Orch.StartWithTask(context.Background(), cfg.Task)
	}
	if err != nil {
		return err
	}
	printf("session %s", data.ID)

	interrupted := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		close(interrupted)
	}()

	inputDone := make(chan struct{})
	go func() {
		defer close(inputDone)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			if sendErr := cfg.Orch.SendUserInput(scanner.Text()); sendErr != nil {
				printf("! %v", sendErr)
			}
		}
	}()

	select {
	case <-interrupted:
		cfg.Orch.Stop()
		return ErrInterrupted
	case <-inputDone:
	}

	// Input is closed; drain until every agent has settled.
	quiet := 0
	ticker := time.NewTicker(settleInterval(cfg.Orch.Config()))
	defer ticker.Stop()
	for quiet < quiescencePolls {
		select {
		case <-interrupted:
			cfg.Orch.Stop()
			return ErrInterrupted
		case <-ticker.C:
			if allSettled(cfg.Orch.Statuses()) {
				quiet++
			} else {
				quiet = 0
			}
		}
	}
	return cfg.Orch.Stop()
}

// settleInterval is how often the plain renderer re-checks agent statuses
// while draining, taken from the flushIntervalMs config key.
func settleInterval(c *config.Config) time.Duration {
	if c == nil || c.FlushIntervalMs <= 0 {
		return time.Duration(config.DefaultFlushIntervalMs) * time.Millisecond
	}
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

func allSettled(statuses map[bus.AgentID]agent.Status) bool {
	for _, st := range statuses {
		if st == agent.StatusRunning {
			return false
		}
	}
	return true
}
