package recurrence

import "time"

// Matches reports whether t is an occurrence of p. Only instants on or after
// the start date and exactly at the start time can match.
func Matches(p Pattern, t time.Time) bool {
	if t.Hour() != p.StartTime.Hour || t.Minute() != p.StartTime.Minute || t.Second() != 0 || t.Nanosecond() != 0 {
		return false
	}
	day := DateOf(t)
	offset := daysBetween(p.StartDate, day)
	if offset < 0 {
		return false
	}

	switch p.Frequency {
	case FrequencyDaily:
		return offset%p.interval() == 0
	case FrequencyWeekly:
		return hasWeekday(p.DaysOfWeek, t.Weekday())
	case FrequencyBiweekly:
		return hasWeekday(p.DaysOfWeek, t.Weekday()) && WeekParity(p.StartDate, day) == 0
	case FrequencyMonthly:
		if monthsBetween(p.StartDate, day)%p.interval() != 0 {
			return false
		}
		for _, anchor := range AnchorDays(p, day.Year, day.Month) {
			if anchor == day.Day {
				return true
			}
		}
		return false
	case FrequencyCustom:
		return hasWeekday(p.DaysOfWeek, t.Weekday()) && offset%p.interval() == 0
	default:
		return false
	}
}

// Advance returns the next candidate instant after t. The result keeps t's
// clock time and location and is always strictly later than t.
func Advance(p Pattern, t time.Time) time.Time {
	switch p.Frequency {
	case FrequencyDaily, FrequencyCustom:
		step := p.interval()
		offset := daysBetween(p.StartDate, DateOf(t))
		if offset < 0 {
			return onDate(t, p.StartDate)
		}
		if rem := offset % step; rem != 0 {
			return t.AddDate(0, 0, step-rem)
		}
		return t.AddDate(0, 0, step)
	case FrequencyMonthly:
		return advanceMonthly(p, t)
	default:
		return t.AddDate(0, 0, 1)
	}
}

// WeekParity returns 0 for weeks that share parity with the week containing
// start and 1 otherwise. Weeks are counted in seven-day blocks from start with
// floored division, so dates before start alternate consistently.
func WeekParity(start, day Date) int {
	weeks := floorDiv(daysBetween(start, day), 7)
	return floorMod(weeks, 2)
}

// AnchorDays returns the sorted days of month the pattern lands on in the given
// month. Days beyond the end of a short month clamp to its last day.
func AnchorDays(p Pattern, year int, month time.Month) []int {
	last := daysIn(year, month)
	days := p.DaysOfMonth
	if len(days) == 0 {
		days = []int{p.StartDate.Day}
	}
	clamped := make([]int, 0, len(days))
	for _, day := range days {
		if day > last {
			day = last
		}
		if day < 1 {
			continue
		}
		clamped = append(clamped, day)
	}
	return uniqueInts(clamped)
}

func advanceMonthly(p Pattern, t time.Time) time.Time {
	step := p.interval()
	day := DateOf(t)
	year, month, after := day.Year, day.Month, day.Day
	if daysBetween(p.StartDate, day) < 0 {
		year, month, after = p.StartDate.Year, p.StartDate.Month, p.StartDate.Day-1
	}

	for i := 0; i <= step+1; i++ {
		cursor := Date{Year: year, Month: month, Day: 1}
		if floorMod(monthsBetween(p.StartDate, cursor), step) == 0 {
			for _, anchor := range AnchorDays(p, year, month) {
				if anchor > after {
					return onDate(t, Date{Year: year, Month: month, Day: anchor})
				}
			}
		}
		next := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
		year, month, after = next.Year(), next.Month(), 0
	}
	return t.AddDate(0, 0, 1)
}

func onDate(t time.Time, d Date) time.Time {
	return time.Date(d.Year, d.Month, d.Day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func hasWeekday(days []time.Weekday, day time.Weekday) bool {
	for _, candidate := range days {
		if candidate == day {
			return true
		}
	}
	return false
}

func daysBetween(from, to Date) int {
	return int(to.utc().Sub(from.utc()).Hours() / 24)
}

func monthsBetween(from, to Date) int {
	return (to.Year-from.Year)*12 + int(to.Month) - int(from.Month)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int) int {
	return a - floorDiv(a, b)*b
}
