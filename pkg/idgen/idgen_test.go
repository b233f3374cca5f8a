package idgen

import "testing"

func TestNewStartsAtZero(t *testing.T) {
	g := New()
	if g.String() != "0" {
		t.Errorf("String() = %q, want %q", g.String(), "0")
	}
}

func TestNextAdvancesAndIsValid(t *testing.T) {
	g := New()
	seen := map[string]bool{g.String(): true}
	for i := 0; i < 1000; i++ {
		id := g.Next()
		if !IsValid(id) {
			t.Fatalf("Next() produced invalid id %q", id)
		}
		if seen[id] {
			t.Fatalf("Next() repeated id %q after %d iterations", id, i)
		}
		seen[id] = true
	}
}

func TestIsValidRejectsUnknownChars(t *testing.T) {
	for _, s := range []string{"", "abcdefg", "a b", "\t"} {
		if IsValid(s) {
			t.Errorf("IsValid(%q) = true, want false", s)
		}
	}
}
