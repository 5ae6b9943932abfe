// Package calendar turns the clinic's weekly hours and date exceptions into
// the free minute-of-day intervals of a calendar date.
package calendar

import (
	"context"
	"fmt"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/interval"
)

// Source supplies the schedule rows the resolver needs. The offline package
// provides one that reads the Backend online and the local store offline.
type Source interface {
	WeeklyRules(ctx context.Context, weekday int) ([]appointment.WeeklyScheduleRule, error)
	Exceptions(ctx context.Context, dateKey string) ([]appointment.ScheduleException, error)
}

// ScheduleFetchError means the weekly rules or exceptions could not be read.
// Callers must surface it instead of reporting the day as closed.
type ScheduleFetchError struct {
	Op   string
	Date string
	Err  error
}

func (e *ScheduleFetchError) Error() string {
	return fmt.Sprintf("load %s for %s: %v", e.Op, e.Date, e.Err)
}

func (e *ScheduleFetchError) Unwrap() error {
	return e.Err
}

// Day is the resolved calendar of one date.
type Day struct {
	Date          time.Time // local midnight
	Key           string
	Working       []interval.Interval
	Cuts          []interval.Interval
	Free          []interval.Interval
	FullDayClosed bool
}

type Resolver struct {
	source Source
	loc    *time.Location
}

func NewResolver(source Source, loc *time.Location) *Resolver {
	if loc == nil {
		loc = time.Local
	}
	return &Resolver{source: source, loc: loc}
}

func (r *Resolver) Location() *time.Location {
	return r.loc
}

// FreeIntervals returns the open, non-excepted intervals of date.
func (r *Resolver) FreeIntervals(ctx context.Context, date time.Time) ([]interval.Interval, error) {
	day, err := r.Resolve(ctx, date)
	if err != nil {
		return nil, err
	}
	return day.Free, nil
}

// Resolve computes working hours, exception cuts and free intervals for the
// local day containing date. Free intervals keep the order of the rule rows.
func (r *Resolver) Resolve(ctx context.Context, date time.Time) (*Day, error) {
	start := DayStart(date, r.loc)
	day := &Day{Date: start, Key: start.Format(DateLayout)}

	rules, err := r.source.WeeklyRules(ctx, int(start.Weekday()))
	if err != nil {
		return nil, &ScheduleFetchError{Op: "weekly rules", Date: day.Key, Err: err}
	}
	for _, rule := range rules {
		iv, err := appointment.RuleInterval(rule)
		if err != nil {
			continue // malformed rows are skipped
		}
		day.Working = append(day.Working, iv)
	}
	if len(day.Working) == 0 {
		return day, nil
	}

	exceptions, err := r.source.Exceptions(ctx, day.Key)
	if err != nil {
		return nil, &ScheduleFetchError{Op: "schedule exceptions", Date: day.Key, Err: err}
	}
	day.Cuts, day.FullDayClosed = ExceptionCuts(exceptions, start)

	day.Free = interval.Subtract(day.Working, day.Cuts)
	return day, nil
}

// ExceptionCuts converts the exceptions of one day into minute-of-day cuts.
// A full-day exception yields the single cut [0,1440).
func ExceptionCuts(exceptions []appointment.ScheduleException, day time.Time) ([]interval.Interval, bool) {
	for _, e := range exceptions {
		if e.FullDay() {
			return []interval.Interval{interval.FullDay}, true
		}
	}

	next := AddDays(day, 1)
	var cuts []interval.Interval
	for _, e := range exceptions {
		if e.StartTime == nil || e.EndTime == nil {
			continue
		}
		cut := interval.Interval{Start: 0, End: interval.MinutesPerDay}
		if e.StartTime.After(day) {
			cut.Start = interval.MinuteOf(*e.StartTime, day.Location())
		}
		if e.EndTime.Before(next) {
			cut.End = interval.MinuteOf(*e.EndTime, day.Location())
		}
		if !e.StartTime.Before(next) || !e.EndTime.After(day) || !cut.Valid() {
			continue
		}
		cuts = append(cuts, cut)
	}
	return cuts, false
}
