package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agusx1211/fedi/internal/logging"
	"github.com/agusx1211/fedi/internal/stream"
)

// consumeEvents drains one turn's event stream, mapping events onto
// OutputLines. Returns true once a terminal result event was seen.
func (b *base) consumeEvents(ctx context.Context, events <-chan stream.RawEvent) (sawResult bool) {
	var lastText string
	loggedDecode := false

	for ev := range events {
		if ev.Err != nil {
			b.mu.Lock()
			b.decodeErrs++
			n := b.decodeErrs
			b.mu.Unlock()
			if !loggedDecode {
				logging.Log(logging.LevelWarn, "agent", "malformed event line skipped",
					"agent", b.id, "count", n, "error", ev.Err.Error())
				loggedDecode = true
			}
			continue
		}
		parsed := ev.Parsed
		if parsed.Type == "" {
			continue
		}

		select {
		case <-ctx.Done():
			return sawResult
		default:
		}

		switch parsed.Type {
		case "system":
			if parsed.Subtype == "init" && parsed.SessionID != "" {
				b.SetSessionID(parsed.SessionID)
				logging.LogKV("agent", "session captured", "agent", b.id, "session", parsed.SessionID)
			}

		case "assistant":
			if parsed.Message == nil {
				continue
			}
			for _, block := range parsed.Message.Content {
				switch block.Type {
				case "text":
					text := strings.TrimSpace(block.Text)
					if text == "" {
						continue
					}
					lastText = text
					b.emit(OutputLine{Text: text, Timestamp: time.Now(), Kind: KindStdout})
				case "tool_use":
					b.emit(OutputLine{Text: FormatAction(block.Name, block.Input), Timestamp: time.Now(), Kind: KindSystem})
				}
				// thinking and tool_result blocks stay out of the transcript.
			}

		case "error":
			msg := strings.TrimSpace(parsed.ResultText)
			if msg == "" {
				msg = "unknown error"
			}
			b.emit(OutputLine{Text: "erreur agent (agent error): " + msg, Timestamp: time.Now(), Kind: KindInfo})
			b.setLastError(msg)
			// Keep the driver alive; the next prompt can proceed.

		case "result":
			if parsed.IsError && parsed.ResultText != "" {
				b.emit(OutputLine{Text: "erreur agent (agent error): " + parsed.ResultText, Timestamp: time.Now(), Kind: KindInfo})
				b.setLastError(parsed.ResultText)
			} else if text := strings.TrimSpace(parsed.ResultText); text != "" && text != lastText {
				// The result text duplicates the last assistant block on most
				// turns; only emit when it adds something.
				b.emit(OutputLine{Text: text, Timestamp: time.Now(), Kind: KindStdout})
			}
			sawResult = true
		}
	}
	return sawResult
}

// FormatAction renders a one-line action indicator for a tool call.
// Known tools get their salient argument; anything else falls back to the
// bare tool name.
func FormatAction(name string, input json.RawMessage) string {
	var args map[string]any
	if len(input) > 0 {
		json.Unmarshal(input, &args)
	}
	str := func(key string) string {
		if v, ok := args[key].(string); ok {
			return v
		}
		return ""
	}

	switch strings.ToLower(name) {
	case "read":
		return actionLine("read", str("file_path"))
	case "write":
		return actionLine("write", str("file_path"))
	case "edit":
		return actionLine("edit", str("file_path"))
	case "grep":
		return actionLine("grep", str("pattern"))
	case "glob":
		return actionLine("glob", str("pattern"))
	case "bash":
		return actionLine("bash", cleanCommand(str("command")))
	case "websearch", "web_search":
		return actionLine("search", str("query"))
	case "task":
		return actionLine("task", str("description"))
	default:
		return "▸ " + name
	}
}

func actionLine(verb, arg string) string {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "▸ " + verb
	}
	return fmt.Sprintf("▸ %s %s", verb, arg)
}

// cleanCommand flattens a shell command to a single readable line.
func cleanCommand(cmd string) string {
	cmd = strings.Join(strings.Fields(cmd), " ")
	if runes := []rune(cmd); len(runes) > 120 {
		cmd = string(runes[:120]) + "…"
	}
	return cmd
}
