package pginterval

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	cases := map[string]time.Duration{
		"10 minutes": 10 * time.Minute,
		"1 hour":     time.Hour,
		"30s":        30 * time.Second,
		"500ms":      500 * time.Millisecond,
		"2 days":     48 * time.Hour,
	}
	for in, want := range cases {
		got, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		if got != want {
			t.Errorf("Parse(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, s := range []string{"", "minutes", "abc"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) expected error", s)
		}
	}
}
