package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefixSeparator(t *testing.T) {
	id := WithPrefix("esc")
	if !strings.HasPrefix(id, "esc_") {
		t.Errorf("id = %q, want esc_ prefix", id)
	}
	if len(id) != len("esc_")+24 {
		t.Errorf("id length = %d, want prefix plus 24 hex chars", len(id))
	}
}

func TestWithPrefixUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := WithPrefix("req")
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestHexLength(t *testing.T) {
	if got := Hex(16); len(got) != 32 {
		t.Errorf("Hex(16) length = %d, want 32", len(got))
	}
}
