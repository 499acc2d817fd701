// Package stream decodes the line-delimited JSON event streams emitted by
// agent CLIs and maps each CLI's dialect onto the shared Event shape.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
)

const maxLineSize = 1024 * 1024 // 1 MB

// Parse reads NDJSON lines from r and sends decoded events on the returned
// channel. Malformed lines are forwarded with Err set so the driver can
// count them; they are never fatal. The channel closes on EOF or context
// cancellation. Partial trailing lines are buffered until newline or EOF.
func Parse(ctx context.Context, r io.Reader) <-chan RawEvent {
	ch := make(chan RawEvent, 64)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, maxLineSize), maxLineSize)

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

			var ev Event
			if err := json.Unmarshal(raw, &ev); err != nil {
				ch <- RawEvent{Raw: raw, Err: err}
				continue
			}
			ch <- RawEvent{Raw: raw, Parsed: ev}
		}

		if err := scanner.Err(); err != nil {
			ch <- RawEvent{Err: err}
		}
	}()
	return ch
}
