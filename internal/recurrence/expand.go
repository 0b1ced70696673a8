package recurrence

import (
	"fmt"
	"time"

	"pawkeep/internal/types"
)

// Horizon policy: how far ahead occurrences are pre-generated, per
// frequency. High-frequency patterns get a short horizon to bound
// generation cost; sparse patterns get a long one so the calendar does not
// run dry between generation runs.
const (
	horizonDailyDays   = 90
	horizonWeeklyDays  = 180
	horizonMonthlyDays = 730
	horizonYearlyDays  = 1825
)

// HorizonDays returns the generation horizon in days for the given pattern.
// Custom patterns scale with their interval: an every-2-days rule behaves
// like daily, an every-30-days rule like monthly.
func HorizonDays(freq types.Frequency, interval int) int {
	switch freq {
	case types.FreqDaily, types.FreqTimesPerDay:
		return horizonDailyDays
	case types.FreqWeekly:
		return horizonWeeklyDays
	case types.FreqMonthly:
		return horizonMonthlyDays
	case types.FreqYearly:
		return horizonYearlyDays
	case types.FreqCustom:
		switch {
		case interval <= 3:
			return horizonDailyDays
		case interval <= 14:
			return horizonWeeklyDays
		default:
			return 365
		}
	default:
		return horizonDailyDays
	}
}

// Expand produces the ordered set of concrete UTC instants the rule calls
// for between now and the generation horizon. It is deterministic and
// restartable: calling it again with the same inputs yields the same
// instants, and instants already in the past are never produced, so a rule
// can be re-expanded at any time without recreating elapsed occurrences.
//
// Bounds: generation stops at min(rule.EndDate, now + horizon). Candidates
// whose minute-truncated UTC value appears in rule.ExcludedDates are
// dropped.
func Expand(rule *types.RecurrenceRule, now time.Time) ([]time.Time, error) {
	loc, err := LoadLocation(rule.Timezone)
	if err != nil {
		return nil, err
	}

	interval := rule.Interval
	if interval < 1 {
		interval = 1
	}

	now = now.UTC()
	horizonEnd := now.AddDate(0, 0, HorizonDays(rule.Frequency, interval))
	if rule.EndDate != nil && rule.EndDate.Before(horizonEnd) {
		horizonEnd = rule.EndDate.UTC()
	}

	startLocal := rule.StartDate.In(loc)
	endLocal := horizonEnd.In(loc)
	if endLocal.Before(startLocal) {
		return nil, nil
	}

	times, err := dailyTimesFor(rule)
	if err != nil {
		return nil, err
	}

	var out []time.Time
	for day := startLocal; !day.After(endLocal); day = day.AddDate(0, 0, 1) {
		ok, incErr := includesDay(rule, interval, startLocal, day, loc)
		if incErr != nil {
			return nil, incErr
		}
		if !ok {
			continue
		}

		for _, tod := range times {
			instant := LocalInstant(day, tod.hour, tod.minute, loc)
			if instant.Before(now) || instant.After(horizonEnd) {
				continue
			}
			if rule.IsExcluded(instant) {
				continue
			}
			out = append(out, instant)
		}
	}

	return out, nil
}

// timeOfDay is a parsed HH:MM entry.
type timeOfDay struct {
	hour   int
	minute int
}

// dailyTimesFor resolves the per-day time list for a rule: its DailyTimes
// if present, else the single default time. For times_per_day patterns the
// list is capped to TimesPerDay entries.
func dailyTimesFor(rule *types.RecurrenceRule) ([]timeOfDay, error) {
	raw := rule.DailyTimes
	if len(raw) == 0 {
		raw = []string{types.DefaultDailyTime}
	}
	if rule.Frequency == types.FreqTimesPerDay && rule.TimesPerDay > 0 && len(raw) > rule.TimesPerDay {
		raw = raw[:rule.TimesPerDay]
	}

	out := make([]timeOfDay, 0, len(raw))
	for _, s := range raw {
		h, m, err := ParseTimeOfDay(s)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidTime,
				fmt.Sprintf("invalid daily time %q", s), err)
		}
		out = append(out, timeOfDay{hour: h, minute: m})
	}
	return out, nil
}

// includesDay implements the per-frequency inclusion rule for a single
// local calendar day.
func includesDay(rule *types.RecurrenceRule, interval int, start, day time.Time, loc *time.Location) (bool, error) {
	switch rule.Frequency {
	case types.FreqDaily, types.FreqTimesPerDay:
		return true, nil

	case types.FreqWeekly:
		// Week membership is measured in ISO weeks from the start date's
		// week, so a rule starting mid-week still aligns on calendar weeks.
		weekOffset := calendarDaysBetween(startOfISOWeek(start), startOfISOWeek(day)) / 7
		if weekOffset%interval != 0 {
			return false, nil
		}
		if len(rule.DaysOfWeek) == 0 {
			return day.Weekday() == start.Weekday(), nil
		}
		wd := int(day.Weekday())
		for _, d := range rule.DaysOfWeek {
			if d == wd {
				return true, nil
			}
		}
		return false, nil

	case types.FreqMonthly:
		target := rule.DayOfMonth
		if target == 0 {
			target = start.Day()
		}
		// Clamp to the month's length: day-31 rules land on Feb 28/29,
		// Apr 30 and so on instead of skipping short months.
		if last := daysInMonth(day.Year(), day.Month(), loc); target > last {
			target = last
		}
		if day.Day() != target {
			return false, nil
		}
		monthOffset := (day.Year()-start.Year())*12 + int(day.Month()) - int(start.Month())
		return monthOffset%interval == 0, nil

	case types.FreqYearly:
		return day.Month() == start.Month() && day.Day() == start.Day(), nil

	case types.FreqCustom:
		dayOffset := calendarDaysBetween(start, day)
		return dayOffset%interval == 0, nil

	default:
		return false, types.NewAppError(types.ErrCodeValidationFrequency,
			fmt.Sprintf("unknown frequency %q", rule.Frequency), nil)
	}
}
