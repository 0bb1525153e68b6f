package schedule

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func TestDelayDaysMidnightBoundary(t *testing.T) {
	// 23:00 and 01:00 the next day sit in the same noon-to-noon window;
	// a naive calendar diff would report a full day of delay here.
	target := date(2024, time.January, 10, 23, 0)
	now := date(2024, time.January, 11, 1, 0)
	if got := DelayDays(target, nil, now); got != 0 {
		t.Fatalf("expected 0 delay across midnight, got %d", got)
	}
}

func TestDelayDaysNeverNegative(t *testing.T) {
	target := date(2024, time.March, 20, 12, 0)
	now := date(2024, time.March, 1, 12, 0)
	if got := DelayDays(target, nil, now); got != 0 {
		t.Fatalf("expected 0 for early finish, got %d", got)
	}
}

func TestDelayDaysUsesActualWhenSet(t *testing.T) {
	target := date(2024, time.January, 10, 12, 0)
	actual := date(2024, time.January, 15, 12, 0)
	now := date(2024, time.June, 1, 12, 0) // should be ignored
	if got := DelayDays(target, &actual, now); got != 5 {
		t.Fatalf("expected 5 days against actual finish, got %d", got)
	}
}

func TestDelayDaysWholeDays(t *testing.T) {
	target := date(2024, time.January, 10, 12, 0)
	now := date(2024, time.January, 13, 12, 0)
	if got := DelayDays(target, nil, now); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestDelayDaysDSTSizedOffsets(t *testing.T) {
	// An hour of wall-clock skew either way must not change the count.
	target := date(2024, time.October, 6, 0, 0)
	for _, now := range []time.Time{
		date(2024, time.October, 8, 23, 0),
		date(2024, time.October, 9, 1, 0),
	} {
		if got := DelayDays(target, nil, now); got != 3 {
			t.Fatalf("now=%s: expected 3, got %d", now, got)
		}
	}
}

func TestRollingDelayDaysCeiling(t *testing.T) {
	target := date(2024, time.January, 10, 12, 0)
	cases := []struct {
		now  time.Time
		want int
	}{
		{date(2024, time.January, 10, 12, 0), 0},
		{date(2024, time.January, 10, 13, 0), 1}, // one hour over rounds up
		{date(2024, time.January, 11, 12, 0), 1},
		{date(2024, time.January, 11, 13, 0), 2},
		{date(2024, time.January, 5, 12, 0), 0},
	}
	for _, c := range cases {
		if got := RollingDelayDays(c.now, target); got != c.want {
			t.Fatalf("now=%s: expected %d, got %d", c.now, c.want, got)
		}
	}
}

func TestAgeHours(t *testing.T) {
	start := date(2024, time.January, 1, 0, 0)
	now := date(2024, time.January, 2, 6, 0)
	if got := AgeHours(start, now); got != 30 {
		t.Fatalf("expected 30 hours, got %v", got)
	}
}
