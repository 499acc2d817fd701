// Package logging provides the process-wide structured log sink.
//
// Every component emits through Log/Logf/LogKV; no component opens its own
// log files. Each process start writes a pair of files under ~/.fedi/logs/:
// a JSON-lines file for tooling and a human-readable file for eyeballs.
// On Init older pairs are pruned so at most maxLogFiles pairs remain.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level classifies a log line.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// DefaultMaxLogFiles is the number of file pairs kept after pruning.
const DefaultMaxLogFiles = 20

// sink is the global logger. nil until Init.
var (
	sink   *Sink
	sinkMu sync.RWMutex
)

// Sink writes structured lines to a .jsonl and a .log file in parallel.
type Sink struct {
	mu        sync.Mutex
	jsonFile  *os.File
	textFile  *os.File
	startedAt time.Time
	pid       int
}

type record struct {
	Time     string         `json:"ts"`
	Level    Level          `json:"level"`
	Category string         `json:"category"`
	Message  string         `json:"msg"`
	Context  map[string]any `json:"ctx,omitempty"`
}

// Dir returns the fedi log directory (~/.fedi/logs), creating it if needed.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("logging: user home dir: %w", err)
	}
	dir := filepath.Join(home, ".fedi", "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("logging: create dir %s: %w", dir, err)
	}
	return dir, nil
}

// Init opens the log file pair and prunes old pairs down to maxFiles.
// Calling Init twice is a no-op returning the existing path.
func Init(maxFiles int) (string, error) {
	sinkMu.RLock()
	if sink != nil {
		p := sink.jsonFile.Name()
		sinkMu.RUnlock()
		return p, nil
	}
	sinkMu.RUnlock()

	dir, err := Dir()
	if err != nil {
		return "", err
	}
	if maxFiles <= 0 {
		maxFiles = DefaultMaxLogFiles
	}
	prune(dir, maxFiles-1)

	stamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	base := filepath.Join(dir, "fedi-"+stamp)
	jf, err := os.OpenFile(base+".jsonl", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("logging: open %s: %w", base+".jsonl", err)
	}
	tf, err := os.OpenFile(base+".log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		jf.Close()
		return "", fmt.Errorf("logging: open %s: %w", base+".log", err)
	}

	s := &Sink{jsonFile: jf, textFile: tf, startedAt: time.Now(), pid: os.Getpid()}

	sinkMu.Lock()
	if sink != nil {
		p := sink.jsonFile.Name()
		sinkMu.Unlock()
		jf.Close()
		tf.Close()
		return p, nil
	}
	sink = s
	sinkMu.Unlock()

	Log(LevelInfo, "logging", "log sink opened", "pid", s.pid)
	return jf.Name(), nil
}

// Close flushes and closes the sink. Safe to call when not initialized.
func Close() {
	sinkMu.Lock()
	s := sink
	sink = nil
	sinkMu.Unlock()

	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jsonFile.Close()
	s.textFile.Close()
}

// Reset closes the sink so tests can reinitialize against a fresh pair.
func Reset() { Close() }

// Log writes one line to both files. No-op before Init.
// Context is given as alternating key, value pairs.
func Log(level Level, category, msg string, kvs ...any) {
	sinkMu.RLock()
	s := sink
	sinkMu.RUnlock()
	if s == nil {
		return
	}
	s.write(level, category, msg, kvs)
}

// Logf writes a formatted line at info level.
func Logf(category, format string, args ...any) {
	Log(LevelInfo, category, fmt.Sprintf(format, args...))
}

// LogKV is shorthand for an info line with context pairs.
func LogKV(category, msg string, kvs ...any) {
	Log(LevelInfo, category, msg, kvs...)
}

func (s *Sink) write(level Level, category, msg string, kvs []any) {
	now := time.Now().UTC()
	rec := record{
		Time:     now.Format(time.RFC3339Nano),
		Level:    level,
		Category: category,
		Message:  msg,
	}
	if len(kvs) >= 2 {
		rec.Context = make(map[string]any, len(kvs)/2)
		for i := 0; i+1 < len(kvs); i += 2 {
			rec.Context[fmt.Sprint(kvs[i])] = kvs[i+1]
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"ts":%q,"level":"error","category":"logging","msg":"marshal failure"}`, rec.Time))
	}

	var ctx strings.Builder
	for i := 0; i+1 < len(kvs); i += 2 {
		fmt.Fprintf(&ctx, " %v=%v", kvs[i], kvs[i+1])
	}
	text := fmt.Sprintf("%s %-5s [%-12s] %s%s\n",
		now.Format("15:04:05.000"), strings.ToUpper(string(level)), category, msg, ctx.String())

	s.mu.Lock()
	s.jsonFile.Write(append(data, '\n'))
	s.textFile.WriteString(text)
	s.mu.Unlock()
}

// prune removes the oldest fedi-*.jsonl/.log pairs, keeping at most keep.
func prune(dir string, keep int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	var bases []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "fedi-") && strings.HasSuffix(name, ".jsonl") {
			bases = append(bases, strings.TrimSuffix(name, ".jsonl"))
		}
	}
	if len(bases) <= keep {
		return
	}
	sort.Strings(bases) // timestamp-named, lexical order is chronological
	for _, base := range bases[:len(bases)-keep] {
		os.Remove(filepath.Join(dir, base+".jsonl"))
		os.Remove(filepath.Join(dir, base+".log"))
	}
}
