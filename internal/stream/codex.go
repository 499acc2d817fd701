package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// codexEvent is the top-level shape of codex --json JSONL output.
type codexEvent struct {
	Type     string      `json:"type"`
	ThreadID string      `json:"thread_id,omitempty"`
	Usage    *codexUsage `json:"usage,omitempty"`
	Error    *codexError `json:"error,omitempty"`
	Item     *codexItem  `json:"item,omitempty"`
}

type codexUsage struct {
	InputTokens       int `json:"input_tokens"`
	CachedInputTokens int `json:"cached_input_tokens"`
	OutputTokens      int `json:"output_tokens"`
}

type codexError struct {
	Message string `json:"message"`
}

type codexItem struct {
	ID               string            `json:"id,omitempty"`
	Type             string            `json:"type,omitempty"`
	Text             string            `json:"text,omitempty"`
	Command          string            `json:"command,omitempty"`
	AggregatedOutput string            `json:"aggregated_output,omitempty"`
	ExitCode         *int              `json:"exit_code,omitempty"`
	Status           string            `json:"status,omitempty"`
	Changes          []codexFileChange `json:"changes,omitempty"`
}

type codexFileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

// ParseCodex reads codex JSONL and maps known events onto Event so the
// driver's shared handling covers both CLIs.
func ParseCodex(ctx context.Context, r io.Reader) <-chan RawEvent {
	ch := make(chan RawEvent, 64)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}

			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			raw := append([]byte(nil), line...)

			parsed, ok, err := parseCodexLine(raw)
			if err != nil {
				ch <- RawEvent{Raw: raw, Err: err}
				continue
			}
			if !ok {
				ch <- RawEvent{Raw: raw}
				continue
			}
			ch <- RawEvent{Raw: raw, Parsed: parsed}
		}

		if err := scanner.Err(); err != nil {
			ch <- RawEvent{Err: err}
		}
	}()
	return ch
}

func parseCodexLine(raw []byte) (Event, bool, error) {
	var ev codexEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, false, err
	}

	switch ev.Type {
	case "thread.started":
		return Event{Type: "system", Subtype: "init", SessionID: ev.ThreadID}, true, nil
	case "turn.completed":
		usage := &Usage{}
		if ev.Usage != nil {
			usage = &Usage{
				InputTokens:          ev.Usage.InputTokens,
				OutputTokens:         ev.Usage.OutputTokens,
				CacheReadInputTokens: ev.Usage.CachedInputTokens,
			}
		}
		return Event{Type: "result", Subtype: "success", Usage: usage, NumTurns: 1}, true, nil
	case "turn.failed":
		msg := ""
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		return Event{Type: "result", Subtype: "error_during_execution", IsError: true, ResultText: msg}, true, nil
	case "error":
		msg := "unknown error"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		return Event{Type: "error", ResultText: msg}, true, nil
	case "item.started", "item.updated", "item.completed":
		if ev.Item == nil {
			return Event{}, false, nil
		}
		return codexItemToEvent(ev.Type, *ev.Item)
	default:
		return Event{}, false, nil
	}
}

func codexItemToEvent(eventType string, item codexItem) (Event, bool, error) {
	switch item.Type {
	case "agent_message":
		if strings.TrimSpace(item.Text) == "" {
			return Event{}, false, nil
		}
		return assistantText("text", item.Text), true, nil
	case "reasoning":
		if strings.TrimSpace(item.Text) == "" {
			return Event{}, false, nil
		}
		return assistantText("thinking", item.Text), true, nil
	case "command_execution":
		return codexCommandToEvent(eventType, item)
	case "file_change":
		summary := codexFileChangeSummary(item)
		if summary == "" {
			return Event{}, false, nil
		}
		return assistantText("text", summary), true, nil
	case "error":
		msg := strings.TrimSpace(item.Text)
		if msg == "" {
			msg = "unknown error"
		}
		return Event{Type: "error", ResultText: msg}, true, nil
	default:
		return Event{}, false, nil
	}
}

func codexCommandToEvent(eventType string, item codexItem) (Event, bool, error) {
	status := strings.ToLower(strings.TrimSpace(item.Status))
	if eventType == "item.started" || status == "" || status == "in_progress" {
		input, err := json.Marshal(map[string]string{"command": item.Command})
		if err != nil {
			return Event{}, false, fmt.Errorf("marshal command input: %w", err)
		}
		return Event{
			Type: "assistant",
			Message: &Message{
				Role:    "assistant",
				Content: []ContentBlock{{Type: "tool_use", Name: "bash", ID: item.ID, Input: input}},
			},
		}, true, nil
	}

	isError := status == "failed" || (item.ExitCode != nil && *item.ExitCode != 0)
	text := strings.TrimSpace(item.AggregatedOutput)
	if text == "" {
		text = strings.TrimSpace(item.Command)
	}
	content, err := json.Marshal(text)
	if err != nil {
		return Event{}, false, fmt.Errorf("marshal command result: %w", err)
	}
	return Event{
		Type: "user",
		Message: &Message{
			Role:    "user",
			Content: []ContentBlock{{Type: "tool_result", ToolUseID: item.ID, ToolContent: content, IsError: isError}},
		},
	}, true, nil
}

func assistantText(blockType, text string) Event {
	return Event{
		Type: "assistant",
		Message: &Message{
			Role:    "assistant",
			Content: []ContentBlock{{Type: blockType, Text: text}},
		},
	}
}

func codexFileChangeSummary(item codexItem) string {
	if len(item.Changes) == 0 {
		return ""
	}
	parts := make([]string, 0, len(item.Changes))
	for _, ch := range item.Changes {
		if ch.Path == "" {
			continue
		}
		if ch.Kind == "" {
			parts = append(parts, ch.Path)
			continue
		}
		parts = append(parts, ch.Kind+" "+ch.Path)
	}
	if len(parts) == 0 {
		return ""
	}
	summary := strings.Join(parts, ", ")
	if len(summary) > 500 {
		summary = summary[:500] + "..."
	}
	return "File changes: " + summary
}
