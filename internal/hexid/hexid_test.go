package hexid

import (
	"regexp"
	"testing"
)

var hexRe = regexp.MustCompile(`^[0-9a-f]{8}$`)

func TestNewShape(t *testing.T) {
	for i := 0; i < 10; i++ {
		if id := New(); !hexRe.MatchString(id) {
			t.Fatalf("New() = %q, want 8 lowercase hex chars", id)
		}
	}
}

func TestNewDoesNotRepeat(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := New()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q after %d draws", id, i)
		}
		seen[id] = struct{}{}
	}
}
