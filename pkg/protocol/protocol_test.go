package protocol

import (
	"encoding/json"
	"testing"
)

func TestNewFrameRoundTrip(t *testing.T) {
	frame, err := NewFrame(TypeStatus, WireStatus{Agent: "lead", Status: "running"})
	if err != nil {
		t.Fatal(err)
	}

	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}

	var decoded Frame
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != TypeStatus {
		t.Errorf("type = %q, want %q", decoded.Type, TypeStatus)
	}
	var status WireStatus
	if err := json.Unmarshal(decoded.Data, &status); err != nil {
		t.Fatal(err)
	}
	if status.Agent != "lead" || status.Status != "running" {
		t.Errorf("status = %+v", status)
	}
}

func TestHelloOmitsEmptySession(t *testing.T) {
	raw, err := json.Marshal(Hello{Agents: []string{"lead"}})
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"agents":["lead"]}` {
		t.Errorf("hello = %s", raw)
	}
}
