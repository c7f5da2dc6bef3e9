package recurrence

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Frequency represents supported recurrence cadences.
type Frequency int

const (
	// FrequencyUnspecified indicates the rule frequency is not set.
	FrequencyUnspecified Frequency = iota
	// FrequencyDaily repeats every Interval days.
	FrequencyDaily
	// FrequencyWeekly repeats on the selected weekdays of every week.
	FrequencyWeekly
	// FrequencyBiweekly repeats on the selected weekdays of every other week,
	// counted from the start date.
	FrequencyBiweekly
	// FrequencyMonthly repeats on a day of the month every Interval months.
	FrequencyMonthly
	// FrequencyCustom repeats on the selected weekdays every Interval days.
	FrequencyCustom
)

var frequencyNames = map[Frequency]string{
	FrequencyDaily:    "daily",
	FrequencyWeekly:   "weekly",
	FrequencyBiweekly: "biweekly",
	FrequencyMonthly:  "monthly",
	FrequencyCustom:   "custom",
}

func (f Frequency) String() string {
	if name, ok := frequencyNames[f]; ok {
		return name
	}
	return "unspecified"
}

// ParseFrequency converts a lowercase frequency name to a Frequency.
func ParseFrequency(value string) (Frequency, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for freq, name := range frequencyNames {
		if name == normalized {
			return freq, nil
		}
	}
	return FrequencyUnspecified, invalid("frequency", fmt.Sprintf("%q is not supported", value))
}

func (f Frequency) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Frequency) UnmarshalText(text []byte) error {
	parsed, err := ParseFrequency(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Date is a calendar date without a time or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(value string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(value))
	if err != nil {
		return Date{}, invalid("start_date", "must use YYYY-MM-DD")
	}
	return DateOf(t), nil
}

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool {
	return d.Year == 0 && d.Month == 0 && d.Day == 0
}

// At combines the date with a time of day in loc.
func (d Date) At(tod TimeOfDay, loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Day, tod.Hour, tod.Minute, 0, 0, loc)
}

func (d Date) String() string {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).Format(dateLayout)
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(text []byte) error {
	parsed, err := ParseDate(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Date) utc() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// TimeOfDay is an hour and minute on the local clock.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses an HH:MM string.
func ParseTimeOfDay(value string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(value))
	if err != nil {
		return TimeOfDay{}, invalid("start_time", "must use HH:MM")
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(text []byte) error {
	parsed, err := ParseTimeOfDay(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Pattern is the repetition rule attached to a schedule. It is treated as an
// immutable value; a cadence change produces a new pattern on a new schedule.
type Pattern struct {
	Frequency        Frequency      `json:"frequency"`
	Interval         int            `json:"interval"`
	DaysOfWeek       []time.Weekday `json:"days_of_week,omitempty"`
	DaysOfMonth      []int          `json:"days_of_month,omitempty"`
	SessionsPerCycle int            `json:"sessions_per_cycle,omitempty"`
	StartDate        Date           `json:"start_date"`
	StartTime        TimeOfDay      `json:"start_time"`
}

// Validate reports the first problem found in the pattern. An empty
// DaysOfWeek set is valid and simply never matches.
func (p Pattern) Validate() error {
	if _, ok := frequencyNames[p.Frequency]; !ok {
		return invalid("frequency", "is not supported")
	}
	if p.Interval < 1 {
		return invalid("interval", "must be at least 1")
	}
	if p.SessionsPerCycle < 0 {
		return invalid("sessions_per_cycle", "must not be negative")
	}
	for _, day := range p.DaysOfWeek {
		if day < time.Sunday || day > time.Saturday {
			return invalid("days_of_week", fmt.Sprintf("contains out of range weekday %d", day))
		}
	}
	for _, day := range p.DaysOfMonth {
		if day < 1 || day > 31 {
			return invalid("days_of_month", fmt.Sprintf("contains out of range day %d", day))
		}
	}
	if p.StartDate.IsZero() {
		return invalid("start_date", "is required")
	}
	if p.StartDate.Month < time.January || p.StartDate.Month > time.December ||
		p.StartDate.Day < 1 || p.StartDate.Day > daysIn(p.StartDate.Year, p.StartDate.Month) {
		return invalid("start_date", fmt.Sprintf("%s is not a calendar date", p.StartDate))
	}
	if p.StartTime.Hour < 0 || p.StartTime.Hour > 23 {
		return invalid("start_time", "hour must be between 0 and 23")
	}
	if p.StartTime.Minute < 0 || p.StartTime.Minute > 59 {
		return invalid("start_time", "minute must be between 0 and 59")
	}
	return nil
}

// Clone returns a deep copy of the pattern.
func (p Pattern) Clone() Pattern {
	clone := p
	if p.DaysOfWeek != nil {
		clone.DaysOfWeek = append([]time.Weekday(nil), p.DaysOfWeek...)
	}
	if p.DaysOfMonth != nil {
		clone.DaysOfMonth = append([]int(nil), p.DaysOfMonth...)
	}
	return clone
}

// Normalize sorts and de-duplicates the weekday and day-of-month sets.
func (p Pattern) Normalize() Pattern {
	n := p.Clone()
	n.DaysOfWeek = uniqueWeekdays(n.DaysOfWeek)
	n.DaysOfMonth = uniqueInts(n.DaysOfMonth)
	return n
}

// EstimateSessionsPerMonth returns the approximate number of sessions the
// pattern produces in a month, for display purposes.
func EstimateSessionsPerMonth(p Pattern) int {
	weekdays := len(uniqueWeekdays(p.DaysOfWeek))
	switch p.Frequency {
	case FrequencyDaily:
		return 30 / p.interval()
	case FrequencyWeekly:
		return 4 * weekdays
	case FrequencyBiweekly:
		return 2 * weekdays
	case FrequencyMonthly:
		if days := len(uniqueInts(p.DaysOfMonth)); days > 0 {
			return days
		}
		return 1
	case FrequencyCustom:
		return p.SessionsPerCycle
	default:
		return 0
	}
}

func (p Pattern) interval() int {
	if p.Interval < 1 {
		return 1
	}
	return p.Interval
}

func uniqueWeekdays(days []time.Weekday) []time.Weekday {
	if len(days) == 0 {
		return nil
	}
	seen := make(map[time.Weekday]struct{}, len(days))
	result := make([]time.Weekday, 0, len(days))
	for _, day := range days {
		if _, ok := seen[day]; ok {
			continue
		}
		seen[day] = struct{}{}
		result = append(result, day)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

func uniqueInts(values []int) []int {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[int]struct{}, len(values))
	result := make([]int, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	sort.Ints(result)
	return result
}
