package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/example/session-scheduler/internal/recurrence"
)

// timeLayout is fixed width and always UTC so stored instants compare
// correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", value, err)
	}
	return t, nil
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(value sql.NullString) (*time.Time, error) {
	if !value.Valid {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	value := v.Int64
	return &value
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	value := v.String
	return &value
}

// encodeWeekdays encodes weekdays as a bitmask
func encodeWeekdays(weekdays []time.Weekday) int64 {
	var mask int64
	for _, day := range weekdays {
		if day >= time.Sunday && day <= time.Saturday {
			mask |= 1 << uint(day)
		}
	}
	return mask
}

// decodeWeekdays decodes weekdays from a bitmask
func decodeWeekdays(mask int64) []time.Weekday {
	var weekdays []time.Weekday
	for day := time.Sunday; day <= time.Saturday; day++ {
		if mask&(1<<uint(day)) != 0 {
			weekdays = append(weekdays, day)
		}
	}
	return weekdays
}

// encodeDaysOfMonth stores day d in bit d.
func encodeDaysOfMonth(days []int) int64 {
	var mask int64
	for _, day := range days {
		if day >= 1 && day <= 31 {
			mask |= 1 << uint(day)
		}
	}
	return mask
}

func decodeDaysOfMonth(mask int64) []int {
	var days []int
	for day := 1; day <= 31; day++ {
		if mask&(1<<uint(day)) != 0 {
			days = append(days, day)
		}
	}
	return days
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func parsePatternColumns(frequency, startDate, startTime string) (recurrence.Frequency, recurrence.Date, recurrence.TimeOfDay, error) {
	freq, err := recurrence.ParseFrequency(frequency)
	if err != nil {
		return 0, recurrence.Date{}, recurrence.TimeOfDay{}, fmt.Errorf("sqlite: %w", err)
	}
	date, err := recurrence.ParseDate(startDate)
	if err != nil {
		return 0, recurrence.Date{}, recurrence.TimeOfDay{}, fmt.Errorf("sqlite: %w", err)
	}
	tod, err := recurrence.ParseTimeOfDay(startTime)
	if err != nil {
		return 0, recurrence.Date{}, recurrence.TimeOfDay{}, fmt.Errorf("sqlite: %w", err)
	}
	return freq, date, tod, nil
}
