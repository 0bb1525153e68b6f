// Package schedule holds the pure date arithmetic the engine runs against
// project target dates. A "day" here is a noon-to-noon UTC window, which
// keeps day counts stable across daylight-saving shifts and the offset
// artifacts that appear when date-only values are stored as timestamps.
package schedule

import "time"

const day = 24 * time.Hour

// noonWindow returns the noon that starts the window containing t, so
// timestamps within 12 hours either side of midnight land in the same day.
func noonWindow(t time.Time) time.Time {
	t = t.UTC().Add(-12 * time.Hour)
	return time.Date(t.Year(), t.Month(), t.Day(), 12, 0, 0, 0, time.UTC)
}

// DelayDays returns how many whole days the finish runs past target.
// When actual is nil the project is still open and now stands in for the
// finish. Never negative.
func DelayDays(target time.Time, actual *time.Time, now time.Time) int {
	end := now
	if actual != nil {
		end = *actual
	}
	diff := int(noonWindow(end).Sub(noonWindow(target)) / day)
	if diff < 0 {
		return 0
	}
	return diff
}

// RollingDelayDays is the coarser counter the SLA monitor uses against the
// original target: any positive overrun rounds up to a full day.
func RollingDelayDays(now, originalTarget time.Time) int {
	d := now.Sub(originalTarget)
	if d <= 0 {
		return 0
	}
	days := int(d / day)
	if d%day != 0 {
		days++
	}
	return days
}

// AgeHours is the elapsed time since start, in hours.
func AgeHours(start, now time.Time) float64 {
	return now.Sub(start).Hours()
}
