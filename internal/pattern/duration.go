package pattern

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// durationRE accepts duration literals: an integer with a unit suffix.
// A bare integer (no suffix) is interpreted as milliseconds.
var durationRE = regexp.MustCompile(`^(\d+)(ms|s|m|h|d|w|y)$`)

// Unit sizes beyond time.ParseDuration's vocabulary. A year is a fixed
// 365 days; durations are scheduling intervals, not calendar math.
const (
	day  = 24 * time.Hour
	week = 7 * day
	year = 365 * day
)

// ParseDuration parses a duration literal such as "500ms", "5m", "2d",
// or "1y". A plain integer string is interpreted as milliseconds.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	// Bare integer: milliseconds.
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return time.Duration(n) * time.Millisecond, nil
	}

	m := durationRE.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}

	switch m[2] {
	case "ms":
		return time.Duration(n) * time.Millisecond, nil
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * day, nil
	case "w":
		return time.Duration(n) * week, nil
	case "y":
		return time.Duration(n) * year, nil
	default:
		return 0, fmt.Errorf("invalid duration unit %q", m[2])
	}
}

// FormatDuration renders a duration using the largest unit that divides
// it exactly, falling back to milliseconds.
func FormatDuration(d time.Duration) string {
	switch {
	case d >= year && d%year == 0:
		return strconv.FormatInt(int64(d/year), 10) + "y"
	case d >= week && d%week == 0:
		return strconv.FormatInt(int64(d/week), 10) + "w"
	case d >= day && d%day == 0:
		return strconv.FormatInt(int64(d/day), 10) + "d"
	case d >= time.Hour && d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d >= time.Minute && d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	case d >= time.Second && d%time.Second == 0:
		return strconv.FormatInt(int64(d/time.Second), 10) + "s"
	default:
		return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
	}
}

// ParseDurationValue parses a duration from a rule input value, which may
// be a string literal or a number of milliseconds (JSON numbers decode as
// float64, YAML as int).
func ParseDurationValue(v any) (time.Duration, error) {
	switch val := v.(type) {
	case string:
		return ParseDuration(val)
	case int:
		return time.Duration(val) * time.Millisecond, nil
	case int64:
		return time.Duration(val) * time.Millisecond, nil
	case float64:
		return time.Duration(val) * time.Millisecond, nil
	default:
		return 0, fmt.Errorf("invalid duration value %v (%T)", v, v)
	}
}
