package cronschedule

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, expr string) *Schedule {
	t.Helper()
	s, err := Parse(expr, time.UTC)
	if err != nil {
		t.Fatalf("Parse(%q): %v", expr, err)
	}
	return s
}

// TestNeverRunMayFireImmediately covers the absent-last_run default
// (now - 1 minute): a never-run job's first Next() lands at or before
// now, truncated to the minute.
func TestNeverRunMayFireImmediately(t *testing.T) {
	s := mustParse(t, "* * * * *")

	cases := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2024, 1, 1, 10, 5, 30, 0, time.UTC), time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC)},
		{time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC), time.Date(2024, 1, 1, 10, 5, 0, 0, time.UTC)},
		{time.Date(2024, 1, 1, 10, 59, 1, 0, time.UTC), time.Date(2024, 1, 1, 10, 59, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		got := s.Next(time.Time{}, c.now)
		if !got.Equal(c.want) {
			t.Errorf("Next(nil, %v) = %v, want %v", c.now, got, c.want)
		}
		if got.After(c.now) {
			t.Errorf("Next(nil, %v) = %v, expected never-run job to be immediately eligible (not after now)", c.now, got)
		}
	}
}

// TestMinuteBoundary: for "* * * * *" the next fire time is the minute
// following last_run's truncated-to-the-minute value, regardless of
// last_run's own seconds component.
func TestMinuteBoundary(t *testing.T) {
	s := mustParse(t, "* * * * *")

	cases := []struct {
		last time.Time
		want time.Time
	}{
		{time.Date(2016, 10, 14, 16, 41, 0, 0, time.UTC), time.Date(2016, 10, 14, 16, 42, 0, 0, time.UTC)},
		{time.Date(2016, 10, 14, 16, 41, 30, 0, time.UTC), time.Date(2016, 10, 14, 16, 42, 0, 0, time.UTC)},
		{time.Date(2016, 10, 14, 16, 41, 59, 0, time.UTC), time.Date(2016, 10, 14, 16, 42, 0, 0, time.UTC)},
	}
	for _, c := range cases {
		got := s.Next(c.last, time.Time{})
		if !got.Equal(c.want) {
			t.Errorf("Next(%v, _) = %v, want %v", c.last, got, c.want)
		}
	}
}

func TestMacroEquivalence(t *testing.T) {
	equiv := map[string]string{
		"@yearly":   "0 0 1 1 *",
		"@annually": "0 0 1 1 *",
		"@monthly":  "0 0 1 * *",
		"@weekly":   "0 0 * * 0",
		"@daily":    "0 0 * * *",
		"@midnight": "0 0 * * *",
		"@hourly":   "0 * * * *",
	}
	now := time.Date(2024, 3, 14, 8, 22, 0, 0, time.UTC)
	for macro, regular := range equiv {
		ms := mustParse(t, macro)
		rs := mustParse(t, regular)
		mNext := ms.Next(time.Time{}, now)
		rNext := rs.Next(time.Time{}, now)
		if !mNext.Equal(rNext) {
			t.Errorf("%s != %s: %v vs %v", macro, regular, mNext, rNext)
		}
	}
}

func TestStepShortcutDelayRange(t *testing.T) {
	s := mustParse(t, "*/20 * * * *")
	if s.DelayRange != 20*time.Minute {
		t.Errorf("DelayRange = %v, want 20m", s.DelayRange)
	}

	now := time.Date(2016, 10, 14, 16, 41, 0, 0, time.UTC)
	want := time.Date(2016, 10, 14, 17, 0, 0, 0, time.UTC)
	got := s.Next(time.Time{}, now)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestOnceSchedule(t *testing.T) {
	s := mustParse(t, "@once")
	if !s.IsOnce() {
		t.Fatal("expected IsOnce")
	}
	if s.DelayRange != 0 {
		t.Errorf("DelayRange = %v, want 0", s.DelayRange)
	}

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := s.Next(time.Time{}, now); !got.Equal(now) {
		t.Errorf("Next(never run) = %v, want %v", got, now)
	}

	last := now
	if got := s.Next(last, time.Now()); !IsInfinity(got) {
		t.Errorf("Next(already run) = %v, want infinity", got)
	}
}

func TestMonotonic(t *testing.T) {
	s := mustParse(t, "15,45 */3 * * *")
	t0 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	next0 := s.Next(time.Time{}, t0)

	for i := 0; i < 200; i++ {
		t1 := t0.Add(time.Duration(i) * 37 * time.Second)
		next1 := s.Next(time.Time{}, t1)
		if next1.Before(next0) {
			t.Fatalf("monotonicity violated: Next(%v)=%v < Next(%v)=%v", t1, next1, t0, next0)
		}
	}
}

// TestDayOfMonthSkipsShortMonth: a day-of-month of 29 in a leap-less
// February is skipped entirely; the next fire lands in March.
func TestDayOfMonthSkipsShortMonth(t *testing.T) {
	s := mustParse(t, "30 6 29 * *")

	now := time.Date(2015, 2, 1, 0, 41, 0, 0, time.UTC)
	want := time.Date(2015, 3, 29, 6, 30, 0, 0, time.UTC)
	if got := s.Next(time.Time{}, now); !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

// TestWeekdayScheduleInLocalTimezone: "next Monday 06:30 local"
// computed in CET lands at 04:30 UTC while daylight saving is in
// effect.
func TestWeekdayScheduleInLocalTimezone(t *testing.T) {
	loc, err := time.LoadLocation("CET")
	if err != nil {
		t.Skipf("no tzdata: %v", err)
	}
	s, err := Parse("30 6 * * 1", loc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	now := time.Date(2016, 10, 14, 14, 41, 0, 0, time.UTC)
	want := time.Date(2016, 10, 17, 4, 30, 0, 0, time.UTC)
	if got := s.Next(time.Time{}, now); !got.Equal(want) {
		t.Errorf("Next = %v (%v), want %v", got, got.UTC(), want)
	}
}

func TestDefaultDelayRange(t *testing.T) {
	s := mustParse(t, "15 3 * * *")
	if s.DelayRange != time.Minute {
		t.Errorf("DelayRange = %v, want 1m default", s.DelayRange)
	}
}

func TestInvalidSchedule(t *testing.T) {
	for _, expr := range []string{"", "* * *", "61 * * * *", "* * * * 8"} {
		if _, err := Parse(expr, time.UTC); err == nil {
			t.Errorf("Parse(%q) expected error, got nil", expr)
		}
	}
}

func TestDayOfWeekSevenFoldsToZero(t *testing.T) {
	s := mustParse(t, "0 0 * * 7")
	if !s.daysOfWeek.has(0) {
		t.Error("expected day-of-week 7 to fold onto 0")
	}
}
