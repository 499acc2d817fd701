// Package session persists conversation records so an orchestration can be
// resumed mid-task.
//
// One Store is bound to a project directory and owns the in-memory session
// struct; external readers get snapshots. Writes go to
// <projectDir>/sessions/session-<id>.json, pretty-printed, debounced so a
// burst of mutations costs one disk write.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agusx1211/fedi/internal/bus"
	"github.com/agusx1211/fedi/internal/logging"
)

// Version is the on-disk schema version. Loaders reject mismatches.
const Version = 2

// DefaultSaveDebounce coalesces mutations into one write.
const DefaultSaveDebounce = 2 * time.Second

// Task is one entry of the session task board.
type Task struct {
	Text string    `json:"text"`
	Done bool      `json:"done"`
	At   time.Time `json:"at"`
}

// Data is the durable session record.
type Data struct {
	ID            string            `json:"id"`
	Version       int               `json:"version"`
	Task          string            `json:"task"`
	ProjectDir    string            `json:"project_dir"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
	Messages      []bus.Message     `json:"messages"`
	AgentSessions map[string]string `json:"agent_sessions"`
	Tasks         []Task            `json:"tasks,omitempty"`
}

// Summary is the listing shape returned by List.
type Summary struct {
	ID         string     `json:"id"`
	Task       string     `json:"task"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Store owns one project's session files.
type Store struct {
	dir      string // <projectDir>/sessions
	debounce time.Duration

	mu      sync.Mutex
	current *Data
	timer   *time.Timer
	dirty   bool
}

// NewStore binds a store to a project directory.
func NewStore(projectDir string, debounce time.Duration) *Store {
	if debounce <= 0 {
		debounce = DefaultSaveDebounce
	}
	return &Store{dir: filepath.Join(projectDir, "sessions"), debounce: debounce}
}

// Create opens a fresh session for a task and schedules its first save.
func (s *Store) Create(task, projectDir string) *Data {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = &Data{
		ID:            uuid.NewString(),
		Version:       Version,
		Task:          task,
		ProjectDir:    projectDir,
		StartedAt:     time.Now().UTC(),
		AgentSessions: make(map[string]string),
	}
	s.scheduleSaveLocked()
	logging.LogKV("session", "session created", "id", s.current.ID, "task", task)
	return s.snapshotLocked()
}

// Adopt installs a previously loaded session as the current one, so a
// resumed run keeps appending to the same record.
func (s *Store) Adopt(data *Data) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *data
	s.current = &clone
	if s.current.AgentSessions == nil {
		s.current.AgentSessions = make(map[string]string)
	}
	s.current.FinishedAt = nil
	s.scheduleSaveLocked()
}

// Current returns a snapshot of the live session, or nil.
func (s *Store) Current() *Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.snapshotLocked()
}

// AppendMessage records one bus message and schedules a save.
func (s *Store) AppendMessage(msg bus.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return
	}
	s.current.Messages = append(s.current.Messages, msg)
	s.scheduleSaveLocked()
}

// SetAgentSession records an agent's external session id for --resume.
func (s *Store) SetAgentSession(agent bus.AgentID, externalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || externalID == "" {
		return
	}
	s.current.AgentSessions[string(agent)] = externalID
	s.scheduleSaveLocked()
}

// SetTasks replaces the persisted task board.
func (s *Store) SetTasks(tasks []Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return
	}
	s.current.Tasks = append([]Task(nil), tasks...)
	s.scheduleSaveLocked()
}

// Finalize stamps finishedAt and flushes synchronously.
func (s *Store) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	now := time.Now().UTC()
	s.current.FinishedAt = &now
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return s.writeLocked()
}

// Flush writes any pending state synchronously without finalizing.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || !s.dirty {
		return nil
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return s.writeLocked()
}

// Load reads one session file. A missing file, a version mismatch, and
// corrupt JSON all return nil rather than an error.
func (s *Store) Load(id string) *Data {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil
	}
	var out Data
	if err := json.Unmarshal(data, &out); err != nil {
		logging.Log(logging.LevelWarn, "session", "corrupt session file skipped", "id", id, "error", err.Error())
		return nil
	}
	if out.Version != Version {
		logging.Log(logging.LevelWarn, "session", "version mismatch", "id", id, "version", out.Version)
		return nil
	}
	return &out
}

// List returns summaries of every readable session, newest first. Corrupt
// or mismatched files are skipped with a warning.
func (s *Store) List() []Summary {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var out []Summary
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "session-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var d Data
		if err := json.Unmarshal(raw, &d); err != nil {
			logging.Log(logging.LevelWarn, "session", "corrupt session file skipped", "file", name, "error", err.Error())
			continue
		}
		if d.Version != Version {
			continue
		}
		out = append(out, Summary{ID: d.ID, Task: d.Task, StartedAt: d.StartedAt, FinishedAt: d.FinishedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// scheduleSaveLocked arms (or re-arms) the debounce timer. Caller holds mu.
func (s *Store) scheduleSaveLocked() {
	s.dirty = true
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.timer = nil
		if !s.dirty {
			return
		}
		if err := s.writeLocked(); err != nil {
			// Session continues in-memory; the next mutation retries.
			logging.Log(logging.LevelError, "session", "save failed, will retry", "error", err.Error())
			s.dirty = true
		}
	})
}

// writeLocked persists the current session. Caller holds mu.
func (s *Store) writeLocked() error {
	if s.current == nil {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("session: create dir %s: %w", s.dir, err)
	}
	data, err := json.MarshalIndent(s.current, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	// Write-then-rename so a crash mid-write never leaves a truncated
	// session file behind.
	final := s.path(s.current.ID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("session: write: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("session: rename: %w", err)
	}
	s.dirty = false
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, "session-"+id+".json")
}

func (s *Store) snapshotLocked() *Data {
	clone := *s.current
	clone.Messages = append([]bus.Message(nil), s.current.Messages...)
	clone.Tasks = append([]Task(nil), s.current.Tasks...)
	clone.AgentSessions = make(map[string]string, len(s.current.AgentSessions))
	for k, v := range s.current.AgentSessions {
		clone.AgentSessions[k] = v
	}
	return &clone
}

// ErrNoSession reports a session id with no loadable record.
var ErrNoSession = errors.New("session not found")
