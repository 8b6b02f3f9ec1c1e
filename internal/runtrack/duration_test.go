package runtrack

import (
	"fmt"
	"testing"
)

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ms   int64
		want string
	}{
		{0, "0 h 0 m 0 sec"},
		{999, "0 h 0 m 0 sec"},
		{1000, "0 h 0 m 1 sec"},
		{61_500, "0 h 1 m 1 sec"},
		{3_600_000, "1 h 0 m 0 sec"},
		{3_723_000, "1 h 2 m 3 sec"},
		{90_061_000, "25 h 1 m 1 sec"},
		{-5000, "0 h 0 m 0 sec"},
	}
	for _, tc := range tests {
		if got := FormatDuration(tc.ms); got != tc.want {
			t.Errorf("FormatDuration(%d) = %q, want %q", tc.ms, got, tc.want)
		}
	}
}

func TestParseDurationSeconds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"0 h 0 m 0 sec", 0, false},
		{"1 h 2 m 3 sec", 3723, false},
		{"25 h 1 m 1 sec", 90061, false},
		{"garbage", 0, true},
		{"", 0, true},
	}
	for _, tc := range tests {
		got, err := ParseDurationSeconds(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseDurationSeconds(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseDurationSeconds(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

// The parser must be the exact left inverse of the formatter for all
// non-negative whole-second inputs.
func TestDurationRoundTrip(t *testing.T) {
	t.Parallel()

	for _, ms := range []int64{0, 500, 1000, 59_999, 60_000, 3_599_000, 3_600_000, 86_399_000, 123_456_789} {
		formatted := FormatDuration(ms)
		secs, err := ParseDurationSeconds(formatted)
		if err != nil {
			t.Fatalf("round trip parse of %q: %v", formatted, err)
		}
		again := FormatDuration(secs * 1000)
		if again != formatted {
			t.Fatalf("round trip drift for %d ms: %q -> %q", ms, formatted, again)
		}
	}
}

func TestParseRejectsPartial(t *testing.T) {
	t.Parallel()
	if _, err := ParseDurationSeconds(fmt.Sprintf("%d h", 3)); err == nil {
		t.Fatal("want error for truncated duration string")
	}
}
