package runtrack

import "fmt"

// FormatDuration renders a wall-clock millisecond difference as
// "H h M m S sec". Negative inputs clamp to zero. Sub-second remainders are
// truncated, which keeps ParseDurationSeconds an exact left inverse for all
// non-negative whole-second counts.
func FormatDuration(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	secs := ms / 1000
	return fmt.Sprintf("%d h %d m %d sec", secs/3600, (secs%3600)/60, secs%60)
}

// ParseDurationSeconds is the inverse of FormatDuration: it converts a
// formatted duration string back to whole seconds for aggregate
// run-on-time queries.
func ParseDurationSeconds(s string) (int64, error) {
	var h, m, sec int64
	n, err := fmt.Sscanf(s, "%d h %d m %d sec", &h, &m, &sec)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	if n != 3 {
		return 0, fmt.Errorf("parse duration %q: got %d fields", s, n)
	}
	return h*3600 + m*60 + sec, nil
}
