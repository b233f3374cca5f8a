package expire

import "testing"

func TestTxtToExpForever(t *testing.T) {
	for _, s := range []string{"", "always", "forever", "*", "0"} {
		got, err := TxtToExp(s, false)
		if err != nil {
			t.Fatalf("TxtToExp(%q): %v", s, err)
		}
		if got != 0 {
			t.Errorf("TxtToExp(%q) = %d, want 0", s, got)
		}
	}
}

func TestTxtToExpRelative(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"5s", 5},
		{"1m", 60},
		{"1h", 3600},
		{"1d", 86400},
		{"1w", 604800},
		{"2h30m", 2*3600 + 30*60},
		{"5", 5},
	}
	for _, c := range cases {
		got, err := TxtToExp(c.in, false)
		if err != nil {
			t.Fatalf("TxtToExp(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("TxtToExp(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestTxtToExpNoCache(t *testing.T) {
	got, err := TxtToExp("-5s", false)
	if err != nil {
		t.Fatal(err)
	}
	want := -(int64(5) + 1)
	if got != want {
		t.Errorf("TxtToExp(-5s) = %d, want %d", got, want)
	}
}

func TestTxtToExpInvalid(t *testing.T) {
	if _, err := TxtToExp("5x", false); err == nil {
		t.Error("expected error for invalid unit")
	}
}

func TestRoundTripRelative(t *testing.T) {
	cases := []string{"forever", "5s", "1m", "1h", "1d", "1w", "2h30m"}
	for _, s := range cases {
		exp, err := TxtToExp(s, false)
		if err != nil {
			t.Fatalf("TxtToExp(%q): %v", s, err)
		}
		got := ExpToTxt(exp, false)
		back, err := TxtToExp(got, false)
		if err != nil {
			t.Fatalf("TxtToExp(ExpToTxt(%q)=%q): %v", s, got, err)
		}
		if back != exp {
			t.Errorf("round trip %q: %d -> %q -> %d", s, exp, got, back)
		}
	}
}
