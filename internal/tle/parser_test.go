package tle

import (
	"strings"
	"testing"
	"time"
)

func TestParseFormats(t *testing.T) {
	twoLine := "1 25544U 98067A   24100.50000000  .00016717  00000-0  10270-3 0  9005\n2 25544  51.6400 100.0000 0001000   0.0000   0.0000 15.50000000    09\n"

	tests := []struct {
		name     string
		input    string
		wantLen  int
		wantName string
	}{
		{"three line", issElements, 1, "ISS (ZARYA)"},
		{"two line", twoLine, 1, ""},
		{"crlf", strings.ReplaceAll(issElements, "\n", "\r\n"), 1, "ISS (ZARYA)"},
		{"garbage", "hello\nworld\n", 0, ""},
		{"empty", "", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := Parse(strings.NewReader(tt.input), testLogger)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(entries) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(entries), tt.wantLen)
			}
			if tt.wantLen > 0 && entries[0].Name != tt.wantName {
				t.Errorf("name = %q, want %q", entries[0].Name, tt.wantName)
			}
		})
	}
}

func TestParseEpoch(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"24100.50000000", time.Date(2024, 4, 9, 12, 0, 0, 0, time.UTC)},
		{"99001.00000000", time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"00001.25000000", time.Date(2000, 1, 1, 6, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := parseEpoch(tt.in)
		if err != nil {
			t.Fatalf("parseEpoch(%q): %v", tt.in, err)
		}
		if d := got.Sub(tt.want); d > time.Millisecond || d < -time.Millisecond {
			t.Errorf("parseEpoch(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := parseEpoch("24"); err == nil {
		t.Error("expected error for short epoch")
	}
}

func TestSelect(t *testing.T) {
	entries := []Elements{{NORADID: 1}, {NORADID: 25544}}

	if e, err := Select(entries, 25544); err != nil || e.NORADID != 25544 {
		t.Errorf("Select(25544) = %+v, %v", e, err)
	}
	if e, err := Select(entries, 0); err != nil || e.NORADID != 1 {
		t.Errorf("Select(0) = %+v, %v", e, err)
	}
	if _, err := Select(entries, 99); err == nil {
		t.Error("expected error for unknown catalog number")
	}
}
