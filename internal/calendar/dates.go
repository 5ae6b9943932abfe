package calendar

import (
	"fmt"
	"time"
)

// DateLayout is the calendar-date key used for exception_date and appointment_date.
const DateLayout = "2006-01-02"

// DayStart returns local midnight of the day t falls on in loc.
func DayStart(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// AddDays moves a local midnight by n calendar days. Days are not assumed
// to be 24h long.
func AddDays(day time.Time, n int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day()+n, 0, 0, 0, 0, day.Location())
}

// DayRange is [local midnight, next local midnight) for the day t falls on.
func DayRange(t time.Time, loc *time.Location) (time.Time, time.Time) {
	start := DayStart(t, loc)
	return start, AddDays(start, 1)
}

// DateKey renders the local calendar date of t.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DateLayout)
}

// ParseDate parses a YYYY-MM-DD key as local midnight in loc.
func ParseDate(key string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, key, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", key, err)
	}
	return t, nil
}

// At builds the instant at minute-of-day m on the given local day.
func At(day time.Time, m int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 0, m, 0, 0, day.Location())
}
