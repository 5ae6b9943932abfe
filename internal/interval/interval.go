// Package interval holds half-open minute-of-day intervals and the set
// arithmetic the availability engine is built on.
package interval

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// MinutesPerDay is the exclusive upper bound of a minute-of-day value.
	MinutesPerDay = 24 * 60

	// Granularity is the slot step and the shortest interval kept after subtraction.
	Granularity = 15
)

// Interval is the half-open range [Start, End) in minutes since local midnight.
type Interval struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// FullDay covers the whole day; used as the cut for a full-day exception.
var FullDay = Interval{Start: 0, End: MinutesPerDay}

// New returns [start, end) after checking 0 <= start < end <= 1440.
func New(start, end int) (Interval, error) {
	iv := Interval{Start: start, End: end}
	if !iv.Valid() {
		return Interval{}, fmt.Errorf("invalid interval [%d,%d)", start, end)
	}
	return iv, nil
}

func (iv Interval) Valid() bool {
	return iv.Start >= 0 && iv.Start < iv.End && iv.End <= MinutesPerDay
}

func (iv Interval) Len() int {
	return iv.End - iv.Start
}

// Contains reports whether minute m lies inside the interval.
func (iv Interval) Contains(m int) bool {
	return iv.Start <= m && m < iv.End
}

// Covers reports whether other lies entirely inside iv.
func (iv Interval) Covers(other Interval) bool {
	return iv.Start <= other.Start && other.End <= iv.End
}

func (iv Interval) String() string {
	return FormatMinute(iv.Start) + "-" + FormatMinute(iv.End)
}

// Overlaps is true iff a.Start < b.End && b.Start < a.End.
func Overlaps(a, b Interval) bool {
	return a.Start < b.End && b.Start < a.End
}

// Subtract removes every cut from the working set. Cuts are applied one at a
// time and remainders shorter than Granularity are dropped after each cut.
func Subtract(working, cuts []Interval) []Interval {
	result := make([]Interval, 0, len(working))
	for _, w := range working {
		if w.Len() >= Granularity {
			result = append(result, w)
		}
	}

	for _, cut := range cuts {
		next := make([]Interval, 0, len(result)+1)
		for _, w := range result {
			if !Overlaps(w, cut) {
				next = append(next, w)
				continue
			}
			if left := (Interval{Start: w.Start, End: cut.Start}); left.Len() >= Granularity {
				next = append(next, left)
			}
			if right := (Interval{Start: cut.End, End: w.End}); right.Len() >= Granularity {
				next = append(next, right)
			}
		}
		result = next
	}

	return result
}

// FormatMinute renders a minute-of-day as zero-padded HH:MM. 1440 renders as 24:00.
func FormatMinute(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// ParseMinute parses HH:MM (or HH:MM:SS, seconds ignored) into a minute-of-day.
func ParseMinute(s string) (int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	if h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("time of day out of range %q", s)
	}
	return h*60 + m, nil
}

// MinuteOf returns the wall-clock minute-of-day of t in loc.
func MinuteOf(t time.Time, loc *time.Location) int {
	lt := t.In(loc)
	return lt.Hour()*60 + lt.Minute()
}

// SlotsFor is the number of Granularity sub-slots a booking of the given
// length occupies: ceil(duration / Granularity).
func SlotsFor(durationMinutes int) int {
	if durationMinutes <= 0 {
		return 0
	}
	return (durationMinutes + Granularity - 1) / Granularity
}
