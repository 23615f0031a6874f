// Package pginterval converts between Go durations and the small subset
// of PostgreSQL interval literal syntax this daemon's plan files and SQL
// parameters use ("10 minutes", "30 s", "1 hour", "500ms").
package pginterval

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var units = map[string]time.Duration{
	"ns":           time.Nanosecond,
	"nanosecond":   time.Nanosecond,
	"nanoseconds":  time.Nanosecond,
	"us":           time.Microsecond,
	"microsecond":  time.Microsecond,
	"microseconds": time.Microsecond,
	"ms":           time.Millisecond,
	"millisecond":  time.Millisecond,
	"milliseconds": time.Millisecond,
	"s":            time.Second,
	"sec":          time.Second,
	"second":       time.Second,
	"seconds":      time.Second,
	"m":            time.Minute,
	"min":          time.Minute,
	"minute":       time.Minute,
	"minutes":      time.Minute,
	"h":            time.Hour,
	"hour":         time.Hour,
	"hours":        time.Hour,
	"d":            24 * time.Hour,
	"day":          24 * time.Hour,
	"days":         24 * time.Hour,
}

// Parse parses a string like "10 minutes" or "30s" into a time.Duration.
func Parse(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("pginterval: empty interval")
	}

	var total time.Duration
	i := 0
	for i < len(s) {
		for i < len(s) && s[i] == ' ' {
			i++
		}
		neg := false
		if i < len(s) && (s[i] == '-' || s[i] == '+') {
			neg = s[i] == '-'
			i++
		}
		digitsStart := i
		for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
			i++
		}
		if i == digitsStart {
			return 0, fmt.Errorf("pginterval: invalid interval %q", s)
		}
		numStr := s[digitsStart:i]
		num, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			return 0, fmt.Errorf("pginterval: invalid number %q in %q", numStr, s)
		}
		for i < len(s) && s[i] == ' ' {
			i++
		}
		unitStart := i
		for i < len(s) && s[i] != ' ' && !(s[i] >= '0' && s[i] <= '9') {
			i++
		}
		unit := strings.ToLower(s[unitStart:i])
		if unit == "" {
			unit = "s"
		}
		mult, ok := units[unit]
		if !ok {
			mult, ok = units[strings.TrimSuffix(unit, "s")]
		}
		if !ok {
			return 0, fmt.Errorf("pginterval: unknown unit %q in %q", s[unitStart:i], s)
		}
		d := time.Duration(num * float64(mult))
		if neg {
			d = -d
		}
		total += d
	}
	return total, nil
}

// Format renders a duration as a Postgres-friendly interval literal, e.g.
// "600 seconds".
func Format(d time.Duration) string {
	if d == 0 {
		return "0 seconds"
	}
	return fmt.Sprintf("%d seconds", int64(d/time.Second))
}
