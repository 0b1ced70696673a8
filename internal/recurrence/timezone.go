// Package recurrence implements the pure expansion logic that turns an
// abstract recurrence rule into concrete UTC occurrence instants, together
// with the wall-clock-to-UTC conversion it depends on.
//
// Everything in this package is deterministic and side-effect free: callers
// pass the reference time explicitly, persistence happens elsewhere.
package recurrence

import (
	"fmt"
	"time"

	"pawkeep/internal/types"
)

// ParseTimeOfDay parses a "HH:MM" string into hour and minute components.
// The input must be exactly HH:MM (5 characters); trailing content is
// rejected to prevent ambiguity.
func ParseTimeOfDay(s string) (int, int, error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, fmt.Errorf("expected format HH:MM, got %q", s)
	}
	var hour, minute int
	n, err := fmt.Sscanf(s, "%d:%d", &hour, &minute)
	if err != nil || n != 2 {
		return 0, 0, fmt.Errorf("expected format HH:MM, got %q", s)
	}
	if hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("hour %d out of range [0,23]", hour)
	}
	if minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("minute %d out of range [0,59]", minute)
	}
	return hour, minute, nil
}

// LoadLocation resolves an IANA timezone identifier, returning a typed
// validation error for unknown zones. An empty identifier resolves to UTC.
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidTimezone,
			fmt.Sprintf("invalid timezone %q", tz), err)
	}
	return loc, nil
}

// LocalInstant resolves "hour:minute on the calendar day of d, in loc" to a
// UTC instant. The offset of a zone depends on the instant itself, so the
// resolution is inherently two-pass; time.Date performs that fixed-point
// lookup internally and normalizes wall-clock times that do not exist.
//
// During a spring-forward gap the result is a defined, non-ambiguous
// instant on the post-transition offset (02:30 in a zone that jumps from
// 02:00 to 03:00 resolves to 03:30 local). During a fall-back overlap the
// earlier of the two candidate instants is chosen.
func LocalInstant(d time.Time, hour, minute int, loc *time.Location) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), hour, minute, 0, 0, loc).UTC()
}

// TruncateMinute truncates an instant to minute precision in UTC. Excluded
// dates are stored and compared at this precision.
func TruncateMinute(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}

// daysInMonth returns the number of days in the month containing the given
// local date.
func daysInMonth(year int, month time.Month, loc *time.Location) int {
	// Day 0 of the next month normalizes to the last day of this month.
	return time.Date(year, month+1, 0, 12, 0, 0, 0, loc).Day()
}

// startOfISOWeek returns midnight on the Monday of the ISO week containing d,
// in d's location.
func startOfISOWeek(d time.Time) time.Time {
	wd := int(d.Weekday())
	// time.Weekday has Sunday=0; ISO weeks start on Monday.
	offset := (wd + 6) % 7
	day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, d.Location())
	return day.AddDate(0, 0, -offset)
}

// calendarDaysBetween returns the number of whole calendar days from a to b
// (b - a), ignoring clock components. Negative when b precedes a.
func calendarDaysBetween(a, b time.Time) int {
	ad := time.Date(a.Year(), a.Month(), a.Day(), 12, 0, 0, 0, time.UTC)
	bd := time.Date(b.Year(), b.Month(), b.Day(), 12, 0, 0, 0, time.UTC)
	return int(bd.Sub(ad).Hours() / 24)
}
