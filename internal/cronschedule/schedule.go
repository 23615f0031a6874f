// Package cronschedule parses crontab expressions and computes the next
// fire time for a schedule, including the randomized per-schedule jitter
// window ("delay_range") and the "@once" extension.
package cronschedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cm4all-oss/workshopd/internal/domain"
)

// Schedule is a parsed crontab expression plus its jitter window.
type Schedule struct {
	source string

	once bool

	minutes     bitset
	hours       bitset
	daysOfMonth bitset
	months      bitset
	daysOfWeek  bitset

	// DelayRange is the jitter bound: a random delay in [0, DelayRange)
	// is drawn once per schedule and persisted; see Next.
	DelayRange time.Duration

	loc *time.Location
}

var monthNames = map[string]int{
	"jan": 1, "feb": 2, "mar": 3, "apr": 4, "may": 5, "jun": 6,
	"jul": 7, "aug": 8, "sep": 9, "oct": 10, "nov": 11, "dec": 12,
}

var dayNames = map[string]int{
	"sun": 0, "mon": 1, "tue": 2, "wed": 3, "thu": 4, "fri": 5, "sat": 6,
}

// macro is one entry of the special-schedule table.
type macro struct {
	expr       string
	delayRange time.Duration
}

var macros = map[string]macro{
	"@yearly":   {"0 0 1 1 *", 365 * 24 * time.Hour},
	"@annually": {"0 0 1 1 *", 365 * 24 * time.Hour},
	"@monthly":  {"0 0 1 * *", 28 * 24 * time.Hour},
	"@weekly":   {"0 0 * * 0", 7 * 24 * time.Hour},
	"@daily":    {"0 0 * * *", 24 * time.Hour},
	"@midnight": {"0 0 * * *", time.Hour},
	"@hourly":   {"0 * * * *", time.Hour},
}

// defaultDelayRange: schedules that are neither @once, a recognized
// macro, nor a "*/N" minute shortcut default their jitter window to
// one minute.
const defaultDelayRange = time.Minute

// Parse parses a crontab expression (five space-separated fields, or one
// of the "@..." macros) in the given location. A nil location defaults to
// UTC.
func Parse(source string, loc *time.Location) (*Schedule, error) {
	if loc == nil {
		loc = time.UTC
	}
	source = strings.TrimSpace(source)

	if source == "@once" {
		return &Schedule{source: source, once: true, loc: loc}, nil
	}

	expr := source
	delayRange := time.Duration(-1) // sentinel: "not yet determined"

	if m, ok := macros[strings.ToLower(source)]; ok {
		expr = m.expr
		delayRange = m.delayRange
	} else if n, ok := stepShortcut(source); ok {
		delayRange = time.Duration(n) * time.Minute
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: %q: expected 5 fields, got %d", domain.ErrInvalidSchedule, source, len(fields))
	}

	s := &Schedule{source: source, loc: loc}

	var err error
	if s.minutes, err = parseField(fields[0], 0, 59, nil); err != nil {
		return nil, fmt.Errorf("%w: %q: minute field: %v", domain.ErrInvalidSchedule, source, err)
	}
	if s.hours, err = parseField(fields[1], 0, 23, nil); err != nil {
		return nil, fmt.Errorf("%w: %q: hour field: %v", domain.ErrInvalidSchedule, source, err)
	}
	if s.daysOfMonth, err = parseField(fields[2], 1, 31, nil); err != nil {
		return nil, fmt.Errorf("%w: %q: day-of-month field: %v", domain.ErrInvalidSchedule, source, err)
	}
	if s.months, err = parseField(fields[3], 1, 12, monthNames); err != nil {
		return nil, fmt.Errorf("%w: %q: month field: %v", domain.ErrInvalidSchedule, source, err)
	}
	if s.daysOfWeek, err = parseField(fields[4], 0, 7, dayNames); err != nil {
		return nil, fmt.Errorf("%w: %q: day-of-week field: %v", domain.ErrInvalidSchedule, source, err)
	}
	// Fold 7 (input-only alias for Sunday) onto 0.
	if s.daysOfWeek.has(7) {
		s.daysOfWeek.set(0)
	}
	s.daysOfWeek.max = 6

	if delayRange < 0 {
		delayRange = defaultDelayRange
	}
	s.DelayRange = delayRange

	return s, nil
}

// stepShortcut recognizes a minute field of exactly "*/N" at the start
// of the source string, which fixes the delay range at N minutes. It
// does not fire for macros (those start with '@').
func stepShortcut(source string) (n int, ok bool) {
	if strings.HasPrefix(source, "@") {
		return 0, false
	}
	fields := strings.Fields(source)
	if len(fields) == 0 {
		return 0, false
	}
	first := fields[0]
	if !strings.HasPrefix(first, "*/") {
		return 0, false
	}
	v, err := strconv.Atoi(first[2:])
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func parseField(field string, min, max int, names map[string]int) (bitset, error) {
	b := newBitset(min, max)
	for _, item := range strings.Split(field, ",") {
		if item == "" {
			return b, fmt.Errorf("empty list item")
		}
		if err := parseItem(&b, item, min, max, names); err != nil {
			return b, err
		}
	}
	if b.empty() {
		return b, fmt.Errorf("no values selected")
	}
	return b, nil
}

func parseItem(b *bitset, item string, min, max int, names map[string]int) error {
	step := 1
	rangePart := item
	if idx := strings.IndexByte(item, '/'); idx >= 0 {
		rangePart = item[:idx]
		n, err := strconv.Atoi(item[idx+1:])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid step in %q", item)
		}
		step = n
	}

	var lo, hi int
	switch {
	case rangePart == "*":
		lo, hi = min, max
	case strings.Contains(rangePart, "-"):
		parts := strings.SplitN(rangePart, "-", 2)
		var err error
		if lo, err = parseValue(parts[0], names); err != nil {
			return err
		}
		if hi, err = parseValue(parts[1], names); err != nil {
			return err
		}
	default:
		v, err := parseValue(rangePart, names)
		if err != nil {
			return err
		}
		lo, hi = v, v
		if step != 1 {
			// "N/step" form: original crontab semantics run from N to max.
			hi = max
		}
	}

	if lo < min || hi > max || lo > hi {
		return fmt.Errorf("value out of range in %q", item)
	}

	for v := lo; v <= hi; v += step {
		b.set(v)
	}
	return nil
}

func parseValue(s string, names map[string]int) (int, error) {
	if names != nil {
		if v, ok := names[strings.ToLower(s)]; ok {
			return v, nil
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return v, nil
}

// IsOnce reports whether this is the "@once" extension.
func (s *Schedule) IsOnce() bool {
	return s.once
}

// String returns the original source expression.
func (s *Schedule) String() string {
	return s.source
}

// checkDate reports whether t's (day-of-month, month, day-of-week) all
// match the schedule — AND semantics across all three fields, not the
// classic POSIX cron OR-quirk.
func (s *Schedule) checkDate(t time.Time) bool {
	return s.daysOfMonth.has(t.Day()) &&
		s.months.has(int(t.Month())) &&
		s.daysOfWeek.has(int(t.Weekday()))
}

// Next computes the next fire instant given the previous run time (the
// zero time.Time means "never run before") and the current instant now.
//
// For @once: returns now if never run, else the maximum representable
// instant ("infinity").
func (s *Schedule) Next(lastRun, now time.Time) time.Time {
	if s.once {
		if lastRun.IsZero() {
			return now
		}
		return maxInstant
	}

	loc := s.loc
	if loc == nil {
		loc = time.UTC
	}

	last := lastRun
	if last.IsZero() {
		// Never run before: seed the search one minute behind now.
		// The result can land at or before now, meaning a never-run
		// job is eligible to run immediately.
		last = now.Add(-time.Minute)
	}
	last = last.In(loc)

	// Schedules operate on whole minutes.
	last = time.Date(last.Year(), last.Month(), last.Day(), last.Hour(), last.Minute(), 0, 0, loc)

	// If the current hour isn't in the hour bitset, force the minute
	// search to overflow so the hour carry below runs immediately.
	lastMinute := last.Minute()
	if !s.hours.has(last.Hour()) {
		lastMinute = 60
	}

	nextMinute, minuteWrapped := s.minutes.nextBit(lastMinute)

	next := last
	if !minuteWrapped {
		next = time.Date(last.Year(), last.Month(), last.Day(), last.Hour(), nextMinute, 0, 0, loc)
	} else {
		nextHour, hourWrapped := s.hours.nextBit(last.Hour())
		if !hourWrapped {
			next = time.Date(last.Year(), last.Month(), last.Day(), nextHour, nextMinute, 0, 0, loc)
		} else {
			next = time.Date(last.Year(), last.Month(), last.Day(), nextHour, nextMinute, 0, 0, loc)
			next = next.AddDate(0, 0, 1)
		}
	}

	for !s.checkDate(next) {
		y, m, d := next.Date()
		next = time.Date(y, m, d, next.Hour(), next.Minute(), 0, 0, loc).AddDate(0, 0, 1)
	}

	return next
}

// maxInstant is the "infinity" sentinel returned by Next for an @once
// schedule that has already run. Callers persist this as the literal
// string "infinity" in the next_run column (see internal/cronqueue).
var maxInstant = time.Unix(1<<62, 0).UTC()

// IsInfinity reports whether t is the "never again" sentinel.
func IsInfinity(t time.Time) bool {
	return t.Equal(maxInstant)
}
