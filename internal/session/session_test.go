package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/agusx1211/fedi/internal/bus"
)

func TestSessionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, time.Hour) // debounce long enough to never fire

	created := store.Create("Build X", dir)
	for i := 0; i < 3; i++ {
		store.AppendMessage(bus.Message{
			ID: string(rune('a' + i)), From: bus.User, To: bus.Lead,
			Content: "msg", Timestamp: time.Now().UTC().Truncate(time.Second),
		})
	}
	store.SetAgentSession("worker_a", "ext-42")
	if err := store.Finalize(); err != nil {
		t.Fatal(err)
	}

	loaded := store.Load(created.ID)
	if loaded == nil {
		t.Fatal("load returned nil")
	}
	if loaded.Version != Version {
		t.Errorf("version = %d, want %d", loaded.Version, Version)
	}
	if len(loaded.Messages) != 3 {
		t.Errorf("messages = %d, want 3", len(loaded.Messages))
	}
	if loaded.AgentSessions["worker_a"] != "ext-42" {
		t.Errorf("agent sessions = %v", loaded.AgentSessions)
	}
	if loaded.FinishedAt == nil {
		t.Error("finishedAt not stamped")
	}

	// Deep-equal with the on-disk copy.
	raw, err := os.ReadFile(filepath.Join(dir, "sessions", "session-"+created.ID+".json"))
	if err != nil {
		t.Fatal(err)
	}
	var onDisk Data
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(*loaded, onDisk) {
		t.Error("loaded session differs from on-disk record")
	}
}

func TestWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, time.Hour)

	created := store.Create("Build X", dir)
	if err := store.Flush(); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "sessions"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("sessions dir holds %d files, want 1", len(entries))
	}
	if got := entries[0].Name(); got != "session-"+created.ID+".json" {
		t.Errorf("unexpected file %q", got)
	}

	// A stray temp file from an interrupted write must not surface as a
	// session.
	stray := filepath.Join(dir, "sessions", "session-zzz.json.tmp")
	if err := os.WriteFile(stray, []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if list := store.List(); len(list) != 1 {
		t.Errorf("List() = %d entries, want 1", len(list))
	}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	store := NewStore(t.TempDir(), 0)
	if got := store.Load("nope"); got != nil {
		t.Errorf("load missing = %+v, want nil", got)
	}
}

func TestLoadVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	sessDir := filepath.Join(dir, "sessions")
	os.MkdirAll(sessDir, 0755)
	os.WriteFile(filepath.Join(sessDir, "session-old.json"),
		[]byte(`{"id":"old","version":1,"task":"t"}`), 0644)

	store := NewStore(dir, 0)
	if got := store.Load("old"); got != nil {
		t.Errorf("version mismatch should load nil, got %+v", got)
	}
	if list := store.List(); len(list) != 0 {
		t.Errorf("version mismatch should be skipped in list, got %v", list)
	}
}

func TestListSkipsCorruptAndSortsDescending(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, time.Hour)

	first := store.Create("first", dir)
	store.Finalize()
	time.Sleep(10 * time.Millisecond)
	second := store.Create("second", dir)
	store.Finalize()

	os.WriteFile(filepath.Join(dir, "sessions", "session-broken.json"), []byte("{oops"), 0644)

	list := store.List()
	if len(list) != 2 {
		t.Fatalf("list length = %d, want 2", len(list))
	}
	if list[0].ID != second.ID || list[1].ID != first.ID {
		t.Errorf("list order = [%s %s], want newest first", list[0].Task, list[1].Task)
	}
}

func TestDebouncedSaveCoalesces(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, 20*time.Millisecond)

	created := store.Create("debounce", dir)
	for i := 0; i < 10; i++ {
		store.AppendMessage(bus.Message{ID: "x", From: bus.User, To: bus.Lead, Content: "m"})
	}

	// Before the debounce fires nothing is on disk yet.
	if store.Load(created.ID) != nil {
		t.Error("save fired before debounce interval")
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.Load(created.ID) == nil {
		if time.Now().After(deadline) {
			t.Fatal("debounced save never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	loaded := store.Load(created.ID)
	if len(loaded.Messages) != 10 {
		t.Errorf("messages = %d, want all 10 in one coalesced write", len(loaded.Messages))
	}
}

func TestAdoptContinuesSession(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir, time.Hour)
	created := store.Create("resume me", dir)
	store.Finalize()

	loaded := store.Load(created.ID)
	store2 := NewStore(dir, time.Hour)
	store2.Adopt(loaded)
	store2.AppendMessage(bus.Message{ID: "n", From: bus.User, To: bus.Lead, Content: "more"})
	if err := store2.Finalize(); err != nil {
		t.Fatal(err)
	}

	again := store2.Load(created.ID)
	if again == nil || len(again.Messages) != 1 {
		t.Fatalf("adopted session not extended: %+v", again)
	}
}
